// Package app は設定からコンポーネントを組み立てて起動する
package app

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"facewatch/internal/camera"
	"facewatch/internal/config"
	"facewatch/internal/events"
	"facewatch/internal/log"
	"facewatch/internal/overlay"
	"facewatch/internal/presence"
	"facewatch/internal/recognition"
	"facewatch/internal/server"
	"facewatch/internal/shutdown"
	"facewatch/internal/snapshot"
)

// Run はカメラ・認識・配信を起動し、停止要求か ctx の終了まで動かす
// カメラを開けない場合はサーバーを起動せずにエラーを返す
func Run(ctx context.Context, cfg *config.Config) error {
	client, err := NewRecognizer(cfg)
	if err != nil {
		return err
	}
	renderer, err := NewRenderer(cfg)
	if err != nil {
		return err
	}

	device, name, err := NewDevice(cfg)
	if err != nil {
		return err
	}
	// スナップショット保存（任意）。カメラより先に用意する
	var store *snapshot.Store
	if cfg.Snapshot.Dir != "" {
		store, err = snapshot.NewStore(cfg.Snapshot.Dir, cfg.Snapshot.RetentionDays)
		if err != nil {
			return err
		}
	}

	// キャプチャの停止待ちはシャットダウンの猶予に収める
	frames := camera.NewFrameSource(device, name, camera.WithStopTimeout(cfg.Server.ShutdownTimeout))
	if err := frames.Start(ctx); err != nil {
		return fmt.Errorf("カメラの起動に失敗: %w", err)
	}

	broker := events.NewBroker(cfg.Stream.EventQueueSize)
	tracker := presence.NewTracker(cfg.Presence.SimilarityThreshold, cfg.Presence.Cooldown, broker)

	bgCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	deps := server.Deps{
		Config:     cfg,
		Frames:     frames,
		Recognizer: client,
		Tracker:    tracker,
		Drawer:     renderer,
		Broker:     broker,
		Shutdown:   shutdown.New(),
		Discovery:  camera.NewLinuxDiscovery(),
	}
	if store != nil {
		go store.Run(bgCtx, cfg.Snapshot.PruneInterval)
		deps.Snapshots = store
	}

	// MQTT転送（任意）
	if cfg.MQTT.Broker != "" {
		sink := events.NewMQTTSink(events.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		})
		if err := sink.Connect(ctx); err != nil {
			log.Warn("MQTTブローカーに接続できません、転送を無効にします", "broker", cfg.MQTT.Broker, "error", err)
		} else {
			sub := broker.Subscribe("mqtt")
			forwarded := make(chan struct{})
			go func() {
				defer close(forwarded)
				sink.Run(bgCtx, sub)
			}()
			defer func() {
				cancel()
				<-forwarded
				sink.Disconnect()
			}()
			deps.MQTT = sink
		}
	}

	log.Info("facewatch を起動します",
		"addr", cfg.ServerAddress(),
		"camera", name,
		"backend", cfg.Camera.Backend,
		"recognition", client.Endpoint(),
	)
	// キャプチャの停止はサーバーのシャットダウンが行う
	return server.New(deps).Start(ctx)
}

// NewDevice は設定されたバックエンドのデバイスと表示名を返す
func NewDevice(cfg *config.Config) (camera.Device, string, error) {
	c := cfg.Camera
	if c.Backend == config.BackendOpenCV {
		device, err := newOpenCVDevice(c, cfg.Stream.JPEGQuality)
		if err != nil {
			return nil, "", err
		}
		return device, "opencv:" + strconv.Itoa(c.Index), nil
	}
	return camera.NewFFmpegDevice(c.Device, c.Width, c.Height, c.FPS), c.Device, nil
}

// NewRecognizer は認識サービスのクライアントを作成する
func NewRecognizer(cfg *config.Config) (*recognition.Client, error) {
	r := cfg.Recognition
	client, err := recognition.NewClient(recognition.ClientConfig{
		BaseURL:          r.BaseURL,
		APIKey:           r.APIKey,
		Timeout:          r.Timeout,
		MaxRPS:           r.MaxRPS,
		DetProbThreshold: r.DetProbThreshold,
		PredictionCount:  r.PredictionCount,
		FacePlugins:      r.FacePlugins,
	})
	if err != nil {
		return nil, fmt.Errorf("認識クライアントの作成に失敗: %w", err)
	}
	return client, nil
}

// NewRenderer は描画設定からレンダラを作成する
func NewRenderer(cfg *config.Config) (*overlay.Renderer, error) {
	o := cfg.Overlay
	renderer, err := overlay.NewRenderer(overlay.Options{
		FontPath:     o.FontPath,
		FontSize:     o.FontSize,
		BoxColor:     o.BoxColor,
		TextColor:    o.TextColor,
		BoxThickness: o.BoxThickness,
		TextOffsetX:  o.TextOffsetX,
		TextOffsetY:  o.TextOffsetY,
		LineHeight:   o.LineHeight,
		JPEGQuality:  cfg.Stream.JPEGQuality,
	})
	if err != nil {
		return nil, fmt.Errorf("レンダラの作成に失敗: %w", err)
	}
	return renderer, nil
}

// RecognizeImage は画像ファイル1枚を認識し、描画結果を outPath に書き出す
// outPath が空の場合は書き出さない
func RecognizeImage(ctx context.Context, cfg *config.Config, inPath, outPath string) (recognition.DetectionSet, error) {
	image, err := os.ReadFile(inPath)
	if err != nil {
		return recognition.DetectionSet{}, fmt.Errorf("画像の読み込みに失敗: %w", err)
	}

	client, err := NewRecognizer(cfg)
	if err != nil {
		return recognition.DetectionSet{}, err
	}
	set, err := client.Recognize(ctx, image)
	if err != nil {
		return recognition.DetectionSet{}, fmt.Errorf("顔認識に失敗: %w", err)
	}

	for i, f := range set.Faces {
		log.Info("検出結果", "face", i, "lines", overlay.Lines(f, cfg.Presence.SimilarityThreshold))
	}

	if outPath == "" {
		return set, nil
	}

	renderer, err := NewRenderer(cfg)
	if err != nil {
		return set, err
	}
	out, err := renderer.Draw(image, set, cfg.Presence.SimilarityThreshold)
	if err != nil {
		return set, err
	}
	if err := os.WriteFile(outPath, out, 0o644); err != nil {
		return set, fmt.Errorf("結果の書き込みに失敗: %w", err)
	}
	log.Info("結果を書き出しました", "path", outPath, "faces", len(set.Faces))
	return set, nil
}
