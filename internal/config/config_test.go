package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestConfigLoad は設定の読み込みをテストする
func TestConfigLoad(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))

	// 設定を読み込む
	cfg, err := Load()
	if err != nil {
		t.Fatalf("設定の読み込みに失敗しました: %v", err)
	}

	// 基本的な設定値を検証
	if cfg == nil {
		t.Fatal("設定がnilです")
	}

	// サーバー設定の検証
	if cfg.Server.Host == "" {
		t.Error("サーバーホストが設定されていません")
	}
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		t.Errorf("無効なポート番号: %d", cfg.Server.Port)
	}
	if cfg.Server.ReadTimeout <= 0 {
		t.Error("読み込みタイムアウトが設定されていません")
	}
	// WriteTimeout は 0（無効）でも正常
	if cfg.Server.WriteTimeout < 0 {
		t.Error("書き込みタイムアウトが負の値です")
	}

	if cfg.Presence.SimilarityThreshold != 0.98 {
		t.Errorf("類似度の閾値のデフォルトが不正: %v", cfg.Presence.SimilarityThreshold)
	}
	if cfg.Presence.Cooldown != 10*time.Second {
		t.Errorf("クールダウンのデフォルトが不正: %v", cfg.Presence.Cooldown)
	}
}

// TestLoad_EnvOverrides は環境変数による上書きをテストする
func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "missing.env"))
	t.Setenv("WEB_PORT", "9090")
	t.Setenv("CAMERA_INDEX", "2")
	t.Setenv("COMPREFACE_HOST", "http://compreface/")
	t.Setenv("COMPREFACE_PORT", "8001")
	t.Setenv("COMPREFACE_RECOGNITION_API_KEY", "secret")
	t.Setenv("SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("LOG_COOLDOWN", "3")
	t.Setenv("BOX_COLOR", "255,0,0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Camera.Index)
	assert.Equal(t, "http://compreface:8001", cfg.Recognition.BaseURL)
	assert.Equal(t, "secret", cfg.Recognition.APIKey)
	assert.InDelta(t, 0.9, cfg.Presence.SimilarityThreshold, 1e-9)
	assert.Equal(t, 3*time.Second, cfg.Presence.Cooldown)
	assert.Equal(t, "255,0,0", cfg.Overlay.BoxColor)
}

// TestLoad_DotEnv は .env ファイルから値が読み込まれることをテストする
func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, "test.env")
	require.NoError(t, os.WriteFile(envPath, []byte("FONT_SIZE=21\n"), 0o600))

	t.Setenv("ENV_FILE", envPath)
	// godotenv は既存の値を上書きしないので、空で登録しておき後で消す
	t.Setenv("FONT_SIZE", "")
	os.Unsetenv("FONT_SIZE")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 21, cfg.Overlay.FontSize)
}

// TestLoadFile はYAMLファイルからの読み込みをテストする
func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "facewatch.yaml")
	yamlData := `
server:
  port: 8181
camera:
  backend: opencv
  index: 1
presence:
  similarity_threshold: 0.9
  cooldown: 5s
mqtt:
  broker: tcp://localhost:1883
`
	require.NoError(t, os.WriteFile(path, []byte(yamlData), 0o600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, 8181, cfg.Server.Port)
	assert.Equal(t, BackendOpenCV, cfg.Camera.Backend)
	assert.Equal(t, 1, cfg.Camera.Index)
	assert.Equal(t, 5*time.Second, cfg.Presence.Cooldown)
	assert.Equal(t, "tcp://localhost:1883", cfg.MQTT.Broker)
	// 未指定の値はデフォルトのまま
	assert.Equal(t, "facewatch/recognitions", cfg.MQTT.Topic)
	assert.Equal(t, 25, cfg.Stream.TargetFPS)
}

func TestLoadFile_Missing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "none.yaml"))
	assert.Error(t, err)
}

// TestConfigValidation は設定の検証をテストする
func TestConfigValidation(t *testing.T) {
	testCases := []struct {
		name      string
		modify    func(c *Config)
		expectErr bool
	}{
		{
			name:      "正常な設定",
			modify:    func(c *Config) {},
			expectErr: false,
		},
		{
			name:      "無効なポート番号",
			modify:    func(c *Config) { c.Server.Port = 70000 },
			expectErr: true,
		},
		{
			name:      "デバイスパスなし",
			modify:    func(c *Config) { c.Camera.Device = "" },
			expectErr: true,
		},
		{
			name: "OpenCVならデバイスパス不要",
			modify: func(c *Config) {
				c.Camera.Backend = BackendOpenCV
				c.Camera.Device = ""
			},
			expectErr: false,
		},
		{
			name:      "未対応のバックエンド",
			modify:    func(c *Config) { c.Camera.Backend = "gstreamer" },
			expectErr: true,
		},
		{
			name:      "閾値が範囲外",
			modify:    func(c *Config) { c.Presence.SimilarityThreshold = 1.5 },
			expectErr: true,
		},
		{
			name:      "配信FPSが0",
			modify:    func(c *Config) { c.Stream.TargetFPS = 0 },
			expectErr: true,
		},
		{
			name:      "配信FPSが上限",
			modify:    func(c *Config) { c.Stream.TargetFPS = MaxTargetFPS },
			expectErr: false,
		},
		{
			name:      "配信FPSが上限超え",
			modify:    func(c *Config) { c.Stream.TargetFPS = 2_000_000_000 },
			expectErr: true,
		},
		{
			name:      "キューサイズが0",
			modify:    func(c *Config) { c.Stream.EventQueueSize = 0 },
			expectErr: true,
		},
		{
			name:      "認識サービスURLなし",
			modify:    func(c *Config) { c.Recognition.BaseURL = "" },
			expectErr: true,
		},
		{
			name: "スナップショット保持日数が負",
			modify: func(c *Config) {
				c.Snapshot.Dir = "/tmp/snapshots"
				c.Snapshot.RetentionDays = -1
			},
			expectErr: true,
		},
		{
			name:      "スナップショット無効なら保持日数は検証しない",
			modify:    func(c *Config) { c.Snapshot.RetentionDays = -1 },
			expectErr: false,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.modify(cfg)
			err := cfg.Validate()
			if tc.expectErr && err == nil {
				t.Error("エラーが期待されましたが、エラーが発生しませんでした")
			}
			if !tc.expectErr && err != nil {
				t.Errorf("エラーが期待されませんでしたが、エラーが発生しました: %v", err)
			}
		})
	}
}

// TestServerAddress はサーバーアドレスの生成をテストする
func TestServerAddress(t *testing.T) {
	cfg := &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
	}

	expected := "localhost:8080"
	if addr := cfg.ServerAddress(); addr != expected {
		t.Errorf("期待されたアドレス: %s, 実際のアドレス: %s", expected, addr)
	}
}

func TestFrameInterval(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 40*time.Millisecond, cfg.FrameInterval())
}
