package camera

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"facewatch/internal/log"
)

const (
	defaultReconnectDelay = time.Second
	defaultLoopInterval   = 10 * time.Millisecond
	defaultStopTimeout    = 2 * time.Second
)

// ErrStopped は停止済みの FrameSource を開始しようとした場合のエラー
var ErrStopped = errors.New("フレームソースは停止済みです")

// FrameSource はデバイスを専有し、最新フレームを1枚だけ保持し続ける
type FrameSource struct {
	device Device
	name   string
	logger *slog.Logger

	reconnectDelay time.Duration
	loopInterval   time.Duration
	stopTimeout    time.Duration

	// 最新フレーム保持用。ポインタの差し替えのみをロック内で行う
	mu     sync.Mutex
	latest *Frame
	status Status

	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	startMu    sync.Mutex
	started    bool
	stopped    bool
	stopOnce   sync.Once
	logStopped atomic.Bool
}

// Option は FrameSource の設定を変更する
type Option func(*FrameSource)

// WithReconnectDelay は読み取り失敗後の待ち時間を設定する
func WithReconnectDelay(d time.Duration) Option {
	return func(s *FrameSource) { s.reconnectDelay = d }
}

// WithLoopInterval はループ1回ごとのスリープを設定する
func WithLoopInterval(d time.Duration) Option {
	return func(s *FrameSource) { s.loopInterval = d }
}

// WithStopTimeout は Stop がループの終了を待つ上限を設定する
func WithStopTimeout(d time.Duration) Option {
	return func(s *FrameSource) { s.stopTimeout = d }
}

// NewFrameSource は新しい FrameSource を作成する
// name はログ出力用のデバイス名
func NewFrameSource(device Device, name string, opts ...Option) *FrameSource {
	s := &FrameSource{
		device:         device,
		name:           name,
		logger:         log.With("component", "camera", "device", name),
		reconnectDelay: defaultReconnectDelay,
		loopInterval:   defaultLoopInterval,
		stopTimeout:    defaultStopTimeout,
		status:         StatusInactive,
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start はデバイスを開き、キャプチャループを開始する
// デバイスを開けなかった場合はエラーを返し、ループは開始しない
func (s *FrameSource) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.stopped {
		return ErrStopped
	}
	if s.started {
		return nil // 既に開始済み
	}

	// ループの寿命は Start の ctx ではなく Stop で決まる
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := s.device.Open(loopCtx); err != nil {
		cancel()
		return fmt.Errorf("カメラ %s のオープンに失敗: %w", s.name, err)
	}

	s.ctx = loopCtx
	s.cancel = cancel
	s.started = true
	s.setStatus(StatusActive)

	go s.run()

	s.logger.Info("キャプチャを開始しました")
	return nil
}

// Stop はキャプチャループを止め、デバイスを解放する
// 何度呼んでも安全。ループの終了は stopTimeout まで待つ
func (s *FrameSource) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopTimeout)
	defer cancel()
	return s.StopContext(ctx)
}

// StopContext は停止を要求し、ループの終了を ctx が終わるまで待つ
// 停止要求は一度だけ行われ、待機は呼び出しごとに独立している
// ctx が先に終わった場合、デバイスはループが読み取りから戻った時点で解放される
func (s *FrameSource) StopContext(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.startMu.Lock()
		s.stopped = true
		started := s.started
		s.startMu.Unlock()

		if !started {
			close(s.done)
			return
		}
		s.cancel()
	})

	select {
	case <-s.done:
		if s.logStopped.CompareAndSwap(false, true) {
			s.logger.Info("キャプチャを停止しました")
		}
		return nil
	case <-ctx.Done():
		s.logger.Warn("キャプチャループの停止待ちを打ち切りました", "error", ctx.Err())
		return fmt.Errorf("キャプチャループが終了しませんでした: %w", ctx.Err())
	}
}

// GetFrame は最新フレームのコピーを返す
// まだ1枚も取得できていない場合は false を返す
func (s *FrameSource) GetFrame() (Frame, bool) {
	s.mu.Lock()
	latest := s.latest
	s.mu.Unlock()

	if latest == nil {
		return Frame{}, false
	}

	// 保存済みのバッファは書き換えられないので、ロック外でコピーする
	data := make([]byte, len(latest.Data))
	copy(data, latest.Data)
	return Frame{Data: data, CapturedAt: latest.CapturedAt, Seq: latest.Seq}, true
}

// Status は現在の状態を返す
func (s *FrameSource) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Name はデバイス名を返す
func (s *FrameSource) Name() string {
	return s.name
}

func (s *FrameSource) setStatus(st Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

// run はキャプチャループ本体。デバイスはこのゴルーチンだけが触る
func (s *FrameSource) run() {
	defer close(s.done)
	defer func() {
		if err := s.device.Close(); err != nil {
			s.logger.Warn("デバイスのクローズに失敗", "error", err)
		}
		s.setStatus(StatusInactive)
	}()

	var seq uint64
	opened := true

	for {
		if s.ctx.Err() != nil {
			return
		}

		if !opened {
			if err := s.device.Open(s.ctx); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				s.logger.Warn("カメラの再接続に失敗", "error", err)
				if !s.sleep(s.reconnectDelay) {
					return
				}
				continue
			}
			opened = true
			s.setStatus(StatusActive)
			s.logger.Info("カメラに再接続しました")
		}

		data, err := s.device.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("フレームの読み取りに失敗、再接続します", "error", err)
			if cerr := s.device.Close(); cerr != nil {
				s.logger.Warn("デバイスのクローズに失敗", "error", cerr)
			}
			opened = false
			s.setStatus(StatusReconnecting)
			if !s.sleep(s.reconnectDelay) {
				return
			}
			continue
		}

		seq++
		frame := &Frame{Data: data, CapturedAt: time.Now(), Seq: seq}

		s.mu.Lock()
		s.latest = frame
		s.mu.Unlock()

		if !s.sleep(s.loopInterval) {
			return
		}
	}
}

// sleep は d だけ待つ。停止された場合は false を返す
func (s *FrameSource) sleep(d time.Duration) bool {
	if d <= 0 {
		return s.ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}
