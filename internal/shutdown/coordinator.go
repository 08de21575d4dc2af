// Package shutdown はプロセス全体の停止シグナルを管理する
//
// 状態は Running → Stopping → Stopped の一方向にのみ遷移する。
// キャプチャループや配信ループはロックを共有せず、このシグナルだけを見て終了する。
package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"facewatch/internal/log"
)

// State は停止シグナルの状態
type State int32

const (
	Running State = iota
	Stopping
	Stopped
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Coordinator は停止シグナルと、それを監視するループの数を管理する
type Coordinator struct {
	state  atomic.Int32
	done   chan struct{}
	once   sync.Once
	active sync.WaitGroup
	count  atomic.Int64
}

// New は Running 状態の Coordinator を作成する
func New() *Coordinator {
	return &Coordinator{done: make(chan struct{})}
}

// RequestShutdown は状態を Stopping にする。2回目以降は何もしない
func (c *Coordinator) RequestShutdown() {
	c.once.Do(func() {
		c.state.CompareAndSwap(int32(Running), int32(Stopping))
		close(c.done)
		log.Info("シャットダウンを開始します")
	})
}

// IsStopping は停止要求が出ているかを返す
func (c *Coordinator) IsStopping() bool {
	return State(c.state.Load()) != Running
}

// State は現在の状態を返す
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Done は停止要求時に閉じられるチャネルを返す
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Track は配信ループを登録し、終了時に呼ぶ解放関数を返す
// 解放関数は複数回呼んでも安全
func (c *Coordinator) Track() func() {
	c.active.Add(1)
	c.count.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			c.count.Add(-1)
			c.active.Done()
		})
	}
}

// Active は登録中のループ数を返す
func (c *Coordinator) Active() int {
	return int(c.count.Load())
}

// Wait は登録済みのループがすべて終了するか ctx が終わるまで待つ
func (c *Coordinator) Wait(ctx context.Context) error {
	finished := make(chan struct{})
	go func() {
		c.active.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MarkStopped は停止処理の完了を記録する
func (c *Coordinator) MarkStopped() {
	c.RequestShutdown()
	c.state.Store(int32(Stopped))
}

// NotifySignals は SIGINT/SIGTERM を受けたら RequestShutdown を呼ぶ
// ctx が終わると監視をやめる
func (c *Coordinator) NotifySignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)
		select {
		case sig := <-sigCh:
			log.Info("シグナルを受信しました", "signal", sig.String())
			c.RequestShutdown()
		case <-ctx.Done():
		case <-c.done:
		}
	}()
}
