// Package events は認識イベントを複数の購読者に配る
//
// 購読者ごとに上限付きのキューを持ち、遅い購読者のキューが溢れた場合は
// その購読者に対してだけイベントを破棄する。他の購読者や発行元は待たされない。
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"facewatch/internal/log"
	"facewatch/internal/presence"
)

// StreamMessage は配信用のメッセージ
type StreamMessage struct {
	Timestamp string `json:"timestamp"` // HH:MM:SS
	Message   string `json:"message"`
}

// NewStreamMessage はイベントから配信用のメッセージを作る
func NewStreamMessage(e presence.Event) StreamMessage {
	return StreamMessage{
		Timestamp: e.Timestamp.Local().Format(time.TimeOnly),
		Message:   e.Message(),
	}
}

// Subscription は1購読者分のキュー
type Subscription struct {
	id      string
	name    string
	ch      chan presence.Event
	broker  *Broker
	dropped atomic.Uint64
	once    sync.Once
}

// ID は購読の識別子を返す
func (s *Subscription) ID() string { return s.id }

// Events はイベントを受け取るチャネルを返す
// 購読が解除されるとクローズされる
func (s *Subscription) Events() <-chan presence.Event { return s.ch }

// Dropped はキューが溢れて破棄したイベント数を返す
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Close は購読を解除する。何度呼んでも安全
func (s *Subscription) Close() {
	s.broker.remove(s)
}

// Broker はイベントを購読者に配る
// presence.Emitter を実装する
type Broker struct {
	queueSize int
	logger    *slog.Logger

	mu     sync.RWMutex
	subs   map[string]*Subscription
	closed bool
}

var _ presence.Emitter = (*Broker)(nil)

// NewBroker は新しい Broker を作成する
func NewBroker(queueSize int) *Broker {
	if queueSize <= 0 {
		queueSize = 64
	}
	return &Broker{
		queueSize: queueSize,
		logger:    log.With("component", "events"),
		subs:      make(map[string]*Subscription),
	}
}

// Subscribe は新しい購読を登録する
// name はログ出力用。Broker が閉じられている場合はクローズ済みの購読を返す
func (b *Broker) Subscribe(name string) *Subscription {
	s := &Subscription{
		id:     uuid.NewString(),
		name:   name,
		ch:     make(chan presence.Event, b.queueSize),
		broker: b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.subs[s.id] = s
	b.logger.Debug("購読を登録しました", "subscriber", name, "id", s.id, "total", len(b.subs))
	return s
}

// Publish はイベントを全購読者のキューに入れる
// 呼び出し順がそのまま各購読者への配信順になる
func (b *Broker) Publish(e presence.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			// キューが一杯の購読者にはこのイベントを届けない
			n := s.dropped.Add(1)
			b.logger.Warn("イベントキューが一杯のため破棄しました",
				"subscriber", s.name, "label", e.Label, "dropped", n)
		}
	}
}

// Count は購読者数を返す
func (b *Broker) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close は全購読を解除する
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; ok {
		delete(b.subs, s.id)
		b.logger.Debug("購読を解除しました", "subscriber", s.name, "id", s.id, "total", len(b.subs))
	}
	s.once.Do(func() { close(s.ch) })
}
