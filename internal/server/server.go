package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"facewatch/internal/camera"
	"facewatch/internal/config"
	"facewatch/internal/events"
	"facewatch/internal/log"
	"facewatch/internal/presence"
	"facewatch/internal/recognition"
	"facewatch/internal/shutdown"
	"facewatch/internal/snapshot"
)

// FrameSource は配信ループが使うフレーム取得元
type FrameSource interface {
	GetFrame() (camera.Frame, bool)
	Status() camera.Status
	Name() string
	StopContext(ctx context.Context) error
}

// Drawer は検出結果をフレームに描画する
type Drawer interface {
	Draw(frame []byte, set recognition.DetectionSet, threshold float64) ([]byte, error)
}

// StatsProvider はMQTT転送の統計を返す
type StatsProvider interface {
	Stats() events.MQTTStats
}

// SnapshotStore は認識時のフレームを保存する
type SnapshotStore interface {
	Save(e presence.Event, frame []byte) (snapshot.Snapshot, error)
	List() ([]snapshot.Snapshot, error)
	Path(name string) (string, error)
	Status() snapshot.Status
}

// Deps はサーバーが使うコンポーネント
type Deps struct {
	Config     *config.Config
	Frames     FrameSource
	Recognizer recognition.Recognizer
	Tracker    *presence.Tracker
	Drawer     Drawer
	Broker     *events.Broker
	Shutdown   *shutdown.Coordinator
	Discovery  camera.Discovery // nil なら /api/status にデバイス一覧を含めない
	MQTT       StatsProvider    // nil ならMQTT転送は無効
	Snapshots  SnapshotStore    // nil ならスナップショットは保存しない
}

// Server はHTTPサーバーと配信ループを管理する構造体
type Server struct {
	config     *config.Config
	frames     FrameSource
	recognizer recognition.Recognizer
	tracker    *presence.Tracker
	drawer     Drawer
	broker     *events.Broker
	coord      *shutdown.Coordinator
	discovery  camera.Discovery
	mqtt       StatsProvider
	snapshots  SnapshotStore

	engine     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger

	frameInterval time.Duration
	keepAlive     time.Duration
	pingInterval  time.Duration

	startedAt    time.Time
	shutdownOnce sync.Once
	shutdownErr  error

	addrMu sync.Mutex
	addr   net.Addr
}

// New は新しいServerインスタンスを作成する
func New(deps Deps) *Server {
	cfg := deps.Config
	coord := deps.Shutdown
	if coord == nil {
		coord = shutdown.New()
	}

	s := &Server{
		config:        cfg,
		frames:        deps.Frames,
		recognizer:    deps.Recognizer,
		tracker:       deps.Tracker,
		drawer:        deps.Drawer,
		broker:        deps.Broker,
		coord:         coord,
		discovery:     deps.Discovery,
		mqtt:          deps.MQTT,
		snapshots:     deps.Snapshots,
		logger:        log.With("component", "server"),
		frameInterval: cfg.FrameInterval(),
		keepAlive:     cfg.Stream.KeepAliveInterval,
		pingInterval:  30 * time.Second,
		startedAt:     time.Now(),
	}

	s.engine = s.newEngine()
	s.httpServer = &http.Server{
		Addr:         cfg.ServerAddress(),
		Handler:      s.engine,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	return s
}

// newEngine はginのルーターを作成する
func (s *Server) newEngine() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(s.requestLogger())
	r.Use(cors.Default())

	r.GET("/", s.handleRoot)
	r.GET("/favicon.ico", s.handleFavicon)
	r.GET("/health", s.handleHealth)
	r.GET("/api/status", s.handleStatus)
	r.GET("/api/snapshots", s.handleSnapshots)
	r.GET("/snapshots/*name", s.handleSnapshotFile)

	// ストリーミング
	r.GET("/video_feed", s.handleVideoFeed)
	r.GET("/logs", s.handleLogs)
	r.GET("/ws/events", s.handleEventsWebSocket)

	return r
}

// requestLogger はリクエストをdebugレベルで記録する
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("リクエスト",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
			"client", c.ClientIP(),
		)
	}
}

// Handler はHTTPハンドラを返す
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Addr はリッスン中のアドレスを返す。起動前は nil
func (s *Server) Addr() net.Addr {
	s.addrMu.Lock()
	defer s.addrMu.Unlock()
	return s.addr
}

// Start はサーバーを起動し、ctx の終了か停止要求まで待ってからシャットダウンする
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		// 起動できなかった場合もキャプチャは止める
		stopCtx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
		defer cancel()
		s.stopFrames(stopCtx)
		return fmt.Errorf("サーバーの起動に失敗: %w", err)
	}
	s.addrMu.Lock()
	s.addr = ln.Addr()
	s.addrMu.Unlock()

	// シャットダウン用のチャンネル
	serveErr := make(chan error, 1)

	// サーバーを別ゴルーチンで起動
	go func() {
		s.logger.Info("HTTPサーバーを起動しています", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("サーバーの起動に失敗: %w", err)
		}
	}()

	// シグナルハンドリング
	s.coord.NotifySignals(ctx)

	// コンテキストか停止要求を待つ
	select {
	case <-ctx.Done():
		s.logger.Info("コンテキストがキャンセルされました")
	case <-s.coord.Done():
	case err := <-serveErr:
		_ = s.Shutdown()
		return err
	}

	// グレースフルシャットダウン
	return s.Shutdown()
}

// Shutdown は停止シグナルを立て、配信ループ・キャプチャ・HTTPサーバーの順に停止する
// 全体で ShutdownTimeout を超えた場合は接続を強制的に閉じる
func (s *Server) Shutdown() error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown()
	})
	return s.shutdownErr
}

func (s *Server) shutdown() error {
	s.logger.Info("サーバーをシャットダウンしています...")
	s.coord.RequestShutdown()

	ctx, cancel := context.WithTimeout(context.Background(), s.config.Server.ShutdownTimeout)
	defer cancel()

	// 1. 配信ループの終了を待つ
	if err := s.coord.Wait(ctx); err != nil {
		s.logger.Warn("配信ループの終了待ちがタイムアウトしました", "active", s.coord.Active())
	}

	// 2. キャプチャを停止する。待機は残りの猶予までに限る
	s.stopFrames(ctx)

	if s.broker != nil {
		s.broker.Close()
	}

	// 3. HTTPサーバーを停止する
	var result error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Warn("グレースフルシャットダウンに失敗、接続を強制終了します", "error", err)
		if cerr := s.httpServer.Close(); cerr != nil {
			result = fmt.Errorf("サーバーのシャットダウンに失敗: %w", cerr)
		}
		s.coord.MarkStopped()
		s.logger.Warn("サーバーを強制的に停止しました")
		return result
	}

	s.coord.MarkStopped()
	s.logger.Info("サーバーが正常にシャットダウンされました")
	return nil
}

// stopFrames はキャプチャを停止し、ctx が終わるまで終了を待つ
func (s *Server) stopFrames(ctx context.Context) {
	if s.frames == nil {
		return
	}
	if err := s.frames.StopContext(ctx); err != nil {
		s.logger.Warn("キャプチャの停止を待ちきれませんでした", "error", err)
	}
}
