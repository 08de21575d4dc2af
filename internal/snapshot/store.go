// Package snapshot は人物を認識したときの描画済みフレームを日付ごとに保存する
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"facewatch/internal/log"
	"facewatch/internal/presence"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "150405"
	fileExt    = ".jpg"
)

// Snapshot は保存済みの1枚
type Snapshot struct {
	Name       string    `json:"name"` // 保存先からの相対パス (例: 2026-01-02/150405_Alice_1a2b3c4d.jpg)
	Label      string    `json:"label"`
	EventID    string    `json:"event_id"`
	Size       int64     `json:"size"`
	CapturedAt time.Time `json:"captured_at"`
}

// Status は保存の現在状態
type Status struct {
	Dir           string     `json:"dir"`
	RetentionDays int        `json:"retention_days"`
	Saved         int64      `json:"saved"`
	LastSavedAt   *time.Time `json:"last_saved_at,omitempty"`
}

// Store は保存先ディレクトリを管理する
type Store struct {
	dir           string
	retentionDays int
	logger        *slog.Logger

	mu          sync.RWMutex
	saved       int64
	lastSavedAt time.Time
}

// NewStore は新しい Store を作成する
// retentionDays が 0 の場合は古い日付を削除しない
func NewStore(dir string, retentionDays int) (*Store, error) {
	// 出力ディレクトリを作成
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("出力ディレクトリの作成に失敗: %w", err)
	}
	return &Store{
		dir:           dir,
		retentionDays: retentionDays,
		logger:        log.With("component", "snapshot", "dir", dir),
	}, nil
}

// Save はイベントのフレームを保存する
func (s *Store) Save(e presence.Event, frame []byte) (Snapshot, error) {
	if len(frame) == 0 {
		return Snapshot{}, errors.New("空のフレームは保存できません")
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.Local()

	dayDir := filepath.Join(s.dir, ts.Format(dateLayout))
	if err := os.MkdirAll(dayDir, 0o755); err != nil {
		return Snapshot{}, fmt.Errorf("日付ディレクトリの作成に失敗: %w", err)
	}

	name := fileName(ts, e.Label, e.ID)
	if err := os.WriteFile(filepath.Join(dayDir, name), frame, 0o644); err != nil {
		return Snapshot{}, fmt.Errorf("スナップショットの書き込みに失敗: %w", err)
	}

	s.mu.Lock()
	s.saved++
	s.lastSavedAt = time.Now()
	s.mu.Unlock()

	snap := Snapshot{
		Name:       filepath.ToSlash(filepath.Join(ts.Format(dateLayout), name)),
		Label:      e.Label,
		EventID:    shortID(e.ID),
		Size:       int64(len(frame)),
		CapturedAt: ts.Truncate(time.Second),
	}
	s.logger.Debug("スナップショットを保存しました", "name", snap.Name, "label", e.Label)
	return snap, nil
}

// List は保存済みのスナップショットを新しい順に返す
func (s *Store) List() ([]Snapshot, error) {
	days, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Snapshot{}, nil
		}
		return nil, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	snaps := []Snapshot{}
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		date, err := time.ParseInLocation(dateLayout, day.Name(), time.Local)
		if err != nil {
			continue
		}

		entries, err := os.ReadDir(filepath.Join(s.dir, day.Name()))
		if err != nil {
			s.logger.Warn("日付ディレクトリの読み取りに失敗", "day", day.Name(), "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != fileExt {
				continue
			}
			snap, ok := parseName(date, entry.Name())
			if !ok {
				continue
			}
			if info, err := entry.Info(); err == nil {
				snap.Size = info.Size()
			}
			snap.Name = day.Name() + "/" + entry.Name()
			snaps = append(snaps, snap)
		}
	}

	sort.SliceStable(snaps, func(i, j int) bool {
		if snaps[i].CapturedAt.Equal(snaps[j].CapturedAt) {
			return snaps[i].Name > snaps[j].Name
		}
		return snaps[i].CapturedAt.After(snaps[j].CapturedAt)
	})
	return snaps, nil
}

// Path は相対名を保存先内の絶対パスに変換する
// 保存先の外を指す名前はエラーになる
func (s *Store) Path(name string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(name, "/")))
	if clean == "." || strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("不正なスナップショット名: %q", name)
	}
	if filepath.Ext(clean) != fileExt {
		return "", fmt.Errorf("不正なスナップショット名: %q", name)
	}
	return filepath.Join(s.dir, clean), nil
}

// Prune は保持日数より古い日付ディレクトリを削除し、削除した数を返す
func (s *Store) Prune(now time.Time) (int, error) {
	if s.retentionDays <= 0 {
		return 0, nil
	}

	days, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("ディレクトリの読み取りに失敗: %w", err)
	}

	now = now.Local()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.Local)
	cutoff := today.AddDate(0, 0, -s.retentionDays)

	removed := 0
	for _, day := range days {
		if !day.IsDir() {
			continue
		}
		date, err := time.ParseInLocation(dateLayout, day.Name(), time.Local)
		if err != nil || !date.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.dir, day.Name())); err != nil {
			return removed, fmt.Errorf("%s の削除に失敗: %w", day.Name(), err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("古いスナップショットを削除しました", "days", removed)
	}
	return removed, nil
}

// Run は ctx が終わるまで定期的に Prune を実行する
// interval ごとに加え、日付が変わった直後にも実行する
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	midnight := time.NewTimer(time.Until(nextMidnight(time.Now())))
	defer midnight.Stop()

	s.prune()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.prune()
		case <-midnight.C:
			s.prune()
			midnight.Reset(time.Until(nextMidnight(time.Now())))
		}
	}
}

func (s *Store) prune() {
	if _, err := s.Prune(time.Now()); err != nil {
		s.logger.Warn("スナップショットの削除に失敗", "error", err)
	}
}

// Status は現在の状態を返す
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		Dir:           s.dir,
		RetentionDays: s.retentionDays,
		Saved:         s.saved,
	}
	if !s.lastSavedAt.IsZero() {
		at := s.lastSavedAt
		st.LastSavedAt = &at
	}
	return st
}

// fileName は "150405_ラベル_イベントID先頭8桁.jpg" を返す
func fileName(ts time.Time, label, id string) string {
	return fmt.Sprintf("%s_%s_%s%s", ts.Format(timeLayout), sanitizeLabel(label), shortID(id), fileExt)
}

// parseName は fileName の逆変換
func parseName(date time.Time, name string) (Snapshot, bool) {
	base := strings.TrimSuffix(name, fileExt)
	first := strings.Index(base, "_")
	last := strings.LastIndex(base, "_")
	if first < 0 || last <= first {
		return Snapshot{}, false
	}

	clock, err := time.ParseInLocation(timeLayout, base[:first], time.Local)
	if err != nil {
		return Snapshot{}, false
	}
	at := time.Date(date.Year(), date.Month(), date.Day(),
		clock.Hour(), clock.Minute(), clock.Second(), 0, time.Local)

	return Snapshot{
		Label:      base[first+1 : last],
		EventID:    base[last+1:],
		CapturedAt: at,
	}, true
}

// sanitizeLabel は文字と数字以外を "-" に置き換える
func sanitizeLabel(label string) string {
	out := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' {
			return r
		}
		return '-'
	}, label)
	if out == "" {
		return "unknown"
	}
	return out
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	if id == "" {
		return "none"
	}
	return id
}

// nextMidnight は次の0時の時刻を返す
func nextMidnight(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, now.Location())
}
