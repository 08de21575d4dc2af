// Package presence は認識結果から「人物が新たに現れた」イベントを作る
//
// ラベルごとに最後に見えた時刻と通知済みフラグを持ち、
// クールダウンより長く見えなくなるまでは同じ人物を再通知しない。
package presence

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"facewatch/internal/recognition"
)

// Event は人物の出現を表す
type Event struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Label      string    `json:"label"`
	Similarity float64   `json:"similarity"`
}

// Message は表示用のメッセージを返す
func (e Event) Message() string {
	return fmt.Sprintf("人物を認識しました: %s (類似度 %.4f)", e.Label, e.Similarity)
}

// Record はラベルごとの状態
// 一度作られたら削除されない
type Record struct {
	LastSeenAt time.Time `json:"last_seen_at"`
	IsLogged   bool      `json:"is_logged"`
}

// Emitter はイベントの送り先
type Emitter interface {
	Publish(Event)
}

// Tracker はラベルごとの出現状態を管理する
type Tracker struct {
	threshold float64
	cooldown  time.Duration
	emitter   Emitter

	mu      sync.Mutex
	records map[string]*Record
}

// NewTracker は新しい Tracker を作成する
// emitter が nil の場合、イベントは Update の戻り値でのみ返される
func NewTracker(threshold float64, cooldown time.Duration, emitter Emitter) *Tracker {
	return &Tracker{
		threshold: threshold,
		cooldown:  cooldown,
		emitter:   emitter,
		records:   make(map[string]*Record),
	}
}

// Threshold は類似度の閾値を返す
func (t *Tracker) Threshold() float64 {
	return t.threshold
}

// Update は1回分の検出結果を反映し、新たに出現した人物のイベントを返す
// イベントは戻り値と同じ順序で、ロックを保持したまま emitter にも渡される
func (t *Tracker) Update(set recognition.DetectionSet, now time.Time) []Event {
	current := QualifyingLabels(set, t.threshold)

	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Event
	for _, m := range current {
		rec, ok := t.records[m.Subject]
		if !ok {
			rec = &Record{}
			t.records[m.Subject] = rec
		}
		// 呼び出しがロック順と前後しても LastSeenAt は戻さない
		if now.After(rec.LastSeenAt) {
			rec.LastSeenAt = now
		}
		if rec.IsLogged {
			continue
		}
		rec.IsLogged = true
		events = append(events, Event{
			ID:         uuid.NewString(),
			Timestamp:  now,
			Label:      m.Subject,
			Similarity: m.Similarity,
		})
	}

	present := make(map[string]struct{}, len(current))
	for _, m := range current {
		present[m.Subject] = struct{}{}
	}
	for label, rec := range t.records {
		if _, ok := present[label]; ok || !rec.IsLogged {
			continue
		}
		// クールダウンより長く見えていなければ再通知可能にする
		if now.Sub(rec.LastSeenAt) > t.cooldown {
			rec.IsLogged = false
		}
	}

	if t.emitter != nil {
		for _, e := range events {
			t.emitter.Publish(e)
		}
	}
	return events
}

// Snapshot は全ラベルの状態のコピーを返す
func (t *Tracker) Snapshot() map[string]Record {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Record, len(t.records))
	for label, rec := range t.records {
		out[label] = *rec
	}
	return out
}

// QualifyingLabels は閾値以上の最良候補をラベルごとに1つずつ返す
// 同じラベルが複数の顔で見つかった場合は類似度の高い方を使う。順序は最初に現れた顔の順
func QualifyingLabels(set recognition.DetectionSet, threshold float64) []recognition.SubjectMatch {
	var out []recognition.SubjectMatch
	index := make(map[string]int)

	for _, face := range set.Faces {
		best, ok := face.BestMatch()
		if !ok || best.Similarity < threshold {
			continue
		}
		if i, seen := index[best.Subject]; seen {
			if best.Similarity > out[i].Similarity {
				out[i] = best
			}
			continue
		}
		index[best.Subject] = len(out)
		out = append(out, best)
	}
	return out
}
