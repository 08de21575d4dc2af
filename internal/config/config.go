package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Camera      CameraConfig      `yaml:"camera"`
	Recognition RecognitionConfig `yaml:"recognition"`
	Presence    PresenceConfig    `yaml:"presence"`
	Stream      StreamConfig      `yaml:"stream"`
	Overlay     OverlayConfig     `yaml:"overlay"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	Snapshot    SnapshotConfig    `yaml:"snapshot"`
	LogLevel    string            `yaml:"log_level"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // シャットダウンの猶予

	FaviconPath string `yaml:"favicon_path"`
}

// CameraBackend はフレーム取得の実装を表す
type CameraBackend string

const (
	BackendFFmpeg CameraBackend = "ffmpeg" // ffmpeg経由でV4L2デバイスを読む
	BackendOpenCV CameraBackend = "opencv" // gocvのVideoCaptureを使う
)

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Backend CameraBackend `yaml:"backend"`
	Device  string        `yaml:"device"` // デバイスパス (例: /dev/video0)
	Index   int           `yaml:"index"`  // OpenCVのデバイス番号

	FPS    int `yaml:"fps"`    // フレームレート (fps)
	Width  int `yaml:"width"`  // 画像幅
	Height int `yaml:"height"` // 画像高さ
}

// RecognitionConfig は顔認識バックエンドの設定
type RecognitionConfig struct {
	BaseURL          string        `yaml:"base_url"` // 例: http://localhost:8000
	APIKey           string        `yaml:"api_key"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxRPS           float64       `yaml:"max_rps"` // 0 は無制限
	DetProbThreshold float64       `yaml:"det_prob_threshold"`
	PredictionCount  int           `yaml:"prediction_count"`
	FacePlugins      []string      `yaml:"face_plugins"`
}

// PresenceConfig は人物の重複排除の設定
type PresenceConfig struct {
	SimilarityThreshold float64       `yaml:"similarity_threshold"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

// StreamConfig は配信ループの設定
type StreamConfig struct {
	TargetFPS         int           `yaml:"target_fps"`
	EventQueueSize    int           `yaml:"event_queue_size"`
	KeepAliveInterval time.Duration `yaml:"keep_alive_interval"` // SSEのコメント行を送る間隔
	JPEGQuality       int           `yaml:"jpeg_quality"`
}

// OverlayConfig は描画の設定
type OverlayConfig struct {
	FontPath     string `yaml:"font_path"`
	FontSize     int    `yaml:"font_size"`
	BoxColor     string `yaml:"box_color"`  // "R,G,B"
	TextColor    string `yaml:"text_color"` // "R,G,B"
	BoxThickness int    `yaml:"box_thickness"`
	TextOffsetX  int    `yaml:"text_offset_x"`
	TextOffsetY  int    `yaml:"text_offset_y"`
	LineHeight   int    `yaml:"line_height"`
}

// MQTTConfig は認識イベントの転送先。Brokerが空なら無効
type MQTTConfig struct {
	Broker   string `yaml:"broker"`
	ClientID string `yaml:"client_id"`
	Topic    string `yaml:"topic"`
	QoS      byte   `yaml:"qos"`
}

// SnapshotConfig は認識時フレームの保存設定。Dirが空なら無効
type SnapshotConfig struct {
	Dir           string        `yaml:"dir"`
	RetentionDays int           `yaml:"retention_days"` // 0 なら削除しない
	PruneInterval time.Duration `yaml:"prune_interval"`
}

// MaxTargetFPS は配信FPSの上限
const MaxTargetFPS = 1000

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: time.Second,
		},
		Camera: CameraConfig{
			Backend: BackendFFmpeg,
			Device:  "/dev/video0",
			Index:   0,
			FPS:     15,
			Width:   1280,
			Height:  720,
		},
		Recognition: RecognitionConfig{
			BaseURL:          "http://localhost:8000",
			Timeout:          5 * time.Second,
			MaxRPS:           0,
			DetProbThreshold: 0.8,
			PredictionCount:  1,
			FacePlugins:      []string{"age", "gender", "mask"},
		},
		Presence: PresenceConfig{
			SimilarityThreshold: 0.98,
			Cooldown:            10 * time.Second,
		},
		Stream: StreamConfig{
			TargetFPS:         25,
			EventQueueSize:    64,
			KeepAliveInterval: 15 * time.Second,
			JPEGQuality:       85,
		},
		Overlay: OverlayConfig{
			FontSize:     15,
			BoxColor:     "0,255,0",
			TextColor:    "0,255,0",
			BoxThickness: 1,
			TextOffsetX:  5,
			TextOffsetY:  0,
			LineHeight:   18,
		},
		MQTT: MQTTConfig{
			ClientID: "facewatch",
			Topic:    "facewatch/recognitions",
		},
		Snapshot: SnapshotConfig{
			RetentionDays: 7,
			PruneInterval: time.Hour,
		},
		LogLevel: "info",
	}
}

// Load は設定を読み込む
// .env → デフォルト値 → CONFIG_FILE(YAML) → 環境変数 の順に上書きする
func Load() (*Config, error) {
	envFile := getEnvOrDefault("ENV_FILE", ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s の読み込みに失敗: %w", envFile, err)
	}

	cfg := Default()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// LoadFile はYAMLファイルのみから設定を読み込む（環境変数は反映しない）
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}
	return cfg, nil
}

// mergeFile はYAMLの内容で現在の値を上書きする
func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("設定ファイルの解析に失敗: %w", err)
	}
	return nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("WEB_HOST", getEnvOrDefault("SERVER_HOST", c.Server.Host))
	c.Server.Port = getEnvAsIntOrDefault("WEB_PORT", getEnvAsIntOrDefault("SERVER_PORT", c.Server.Port))
	c.Server.ShutdownTimeout = getEnvAsDurationOrDefault("SHUTDOWN_TIMEOUT", c.Server.ShutdownTimeout)
	c.Server.FaviconPath = getEnvOrDefault("FAVICON_PATH", c.Server.FaviconPath)

	c.Camera.Backend = CameraBackend(getEnvOrDefault("CAMERA_BACKEND", string(c.Camera.Backend)))
	c.Camera.Device = getEnvOrDefault("CAMERA_DEVICE", c.Camera.Device)
	c.Camera.Index = getEnvAsIntOrDefault("CAMERA_INDEX", c.Camera.Index)
	c.Camera.FPS = getEnvAsIntOrDefault("CAMERA_FPS", c.Camera.FPS)
	c.Camera.Width = getEnvAsIntOrDefault("CAMERA_WIDTH", c.Camera.Width)
	c.Camera.Height = getEnvAsIntOrDefault("CAMERA_HEIGHT", c.Camera.Height)

	// COMPREFACE_HOST と COMPREFACE_PORT は別々に指定される
	if host := os.Getenv("COMPREFACE_HOST"); host != "" {
		c.Recognition.BaseURL = strings.TrimRight(host, "/") + ":" + getEnvOrDefault("COMPREFACE_PORT", "8000")
	}
	c.Recognition.APIKey = getEnvOrDefault("COMPREFACE_RECOGNITION_API_KEY", c.Recognition.APIKey)
	c.Recognition.Timeout = getEnvAsDurationOrDefault("RECOGNITION_TIMEOUT", c.Recognition.Timeout)
	c.Recognition.MaxRPS = getEnvAsFloatOrDefault("RECOGNITION_MAX_RPS", c.Recognition.MaxRPS)
	c.Recognition.DetProbThreshold = getEnvAsFloatOrDefault("DET_PROB_THRESHOLD", c.Recognition.DetProbThreshold)

	c.Presence.SimilarityThreshold = getEnvAsFloatOrDefault("SIMILARITY_THRESHOLD", c.Presence.SimilarityThreshold)
	// LOG_COOLDOWN は秒数
	if v := getEnvAsIntOrDefault("LOG_COOLDOWN", -1); v >= 0 {
		c.Presence.Cooldown = time.Duration(v) * time.Second
	}

	c.Stream.TargetFPS = getEnvAsIntOrDefault("STREAM_FPS", c.Stream.TargetFPS)
	c.Stream.EventQueueSize = getEnvAsIntOrDefault("EVENT_QUEUE_SIZE", c.Stream.EventQueueSize)
	c.Stream.JPEGQuality = getEnvAsIntOrDefault("JPEG_QUALITY", c.Stream.JPEGQuality)
	c.Stream.KeepAliveInterval = getEnvAsDurationOrDefault("KEEP_ALIVE_INTERVAL", c.Stream.KeepAliveInterval)

	c.Overlay.FontPath = getEnvOrDefault("FONT_PATH", c.Overlay.FontPath)
	c.Overlay.FontSize = getEnvAsIntOrDefault("FONT_SIZE", c.Overlay.FontSize)
	c.Overlay.BoxColor = getEnvOrDefault("BOX_COLOR", c.Overlay.BoxColor)
	c.Overlay.TextColor = getEnvOrDefault("TEXT_COLOR", c.Overlay.TextColor)
	c.Overlay.BoxThickness = getEnvAsIntOrDefault("BOX_THICKNESS", c.Overlay.BoxThickness)
	c.Overlay.TextOffsetX = getEnvAsIntOrDefault("TEXT_OFFSET_X", c.Overlay.TextOffsetX)
	c.Overlay.TextOffsetY = getEnvAsIntOrDefault("TEXT_OFFSET_Y", c.Overlay.TextOffsetY)
	c.Overlay.LineHeight = getEnvAsIntOrDefault("TEXT_LINE_HEIGHT", c.Overlay.LineHeight)

	c.MQTT.Broker = getEnvOrDefault("MQTT_BROKER", c.MQTT.Broker)
	c.MQTT.ClientID = getEnvOrDefault("MQTT_CLIENT_ID", c.MQTT.ClientID)
	c.MQTT.Topic = getEnvOrDefault("MQTT_TOPIC", c.MQTT.Topic)

	c.Snapshot.Dir = getEnvOrDefault("SNAPSHOT_DIR", c.Snapshot.Dir)
	c.Snapshot.RetentionDays = getEnvAsIntOrDefault("SNAPSHOT_RETENTION_DAYS", c.Snapshot.RetentionDays)

	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("無効なシャットダウンタイムアウト: %v", c.Server.ShutdownTimeout)
	}

	// カメラ設定の検証
	switch c.Camera.Backend {
	case BackendFFmpeg:
		if c.Camera.Device == "" {
			return fmt.Errorf("カメラデバイスパスが設定されていません")
		}
	case BackendOpenCV:
		if c.Camera.Index < 0 {
			return fmt.Errorf("無効なカメラ番号: %d", c.Camera.Index)
		}
	default:
		return fmt.Errorf("未対応のカメラバックエンド: %s", c.Camera.Backend)
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.Width, c.Camera.Height)
	}

	if c.Recognition.BaseURL == "" {
		return fmt.Errorf("認識サービスのURLが設定されていません")
	}

	if c.Presence.SimilarityThreshold < 0 || c.Presence.SimilarityThreshold > 1 {
		return fmt.Errorf("類似度の閾値は0〜1の範囲で指定してください: %v", c.Presence.SimilarityThreshold)
	}
	if c.Presence.Cooldown < 0 {
		return fmt.Errorf("無効なクールダウン: %v", c.Presence.Cooldown)
	}

	if c.Stream.TargetFPS <= 0 || c.Stream.TargetFPS > MaxTargetFPS {
		return fmt.Errorf("無効な配信FPS: %d (1-%d)", c.Stream.TargetFPS, MaxTargetFPS)
	}
	if c.Stream.EventQueueSize <= 0 {
		return fmt.Errorf("無効なイベントキューサイズ: %d", c.Stream.EventQueueSize)
	}
	if c.Stream.KeepAliveInterval <= 0 {
		return fmt.Errorf("無効なキープアライブ間隔: %v", c.Stream.KeepAliveInterval)
	}
	if c.Stream.JPEGQuality < 1 || c.Stream.JPEGQuality > 100 {
		return fmt.Errorf("JPEG品質は1〜100で指定してください: %d", c.Stream.JPEGQuality)
	}

	if c.Snapshot.Dir != "" {
		if c.Snapshot.RetentionDays < 0 {
			return fmt.Errorf("無効な保持日数: %d", c.Snapshot.RetentionDays)
		}
		if c.Snapshot.PruneInterval <= 0 {
			return fmt.Errorf("無効な削除間隔: %v", c.Snapshot.PruneInterval)
		}
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// FrameInterval は配信ループの1回あたりの間隔を返す
func (c *Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.Stream.TargetFPS)
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
