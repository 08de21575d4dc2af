package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"facewatch/internal/presence"
)

var frame = []byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}

func event(label string, at time.Time) presence.Event {
	return presence.Event{
		ID:         "1a2b3c4d-0000-4000-8000-000000000000",
		Timestamp:  at,
		Label:      label,
		Similarity: 0.99,
	}
}

func TestStore_SaveAndList(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 7)
	require.NoError(t, err)

	day := time.Date(2026, 1, 2, 0, 0, 0, 0, time.Local)
	first, err := store.Save(event("Alice", day.Add(9*time.Hour+30*time.Minute)), frame)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-02/093000_Alice_1a2b3c4d.jpg", first.Name)

	_, err = store.Save(event("Bob", day.Add(10*time.Hour)), frame)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "2026-01-02", "093000_Alice_1a2b3c4d.jpg"))
	require.NoError(t, err)
	assert.Equal(t, frame, data)

	snaps, err := store.List()
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	// 新しい順
	assert.Equal(t, "Bob", snaps[0].Label)
	assert.Equal(t, "Alice", snaps[1].Label)
	assert.Equal(t, "1a2b3c4d", snaps[1].EventID)
	assert.Equal(t, int64(len(frame)), snaps[1].Size)
	assert.True(t, snaps[1].CapturedAt.Equal(day.Add(9*time.Hour+30*time.Minute)))

	st := store.Status()
	assert.Equal(t, int64(2), st.Saved)
	assert.NotNil(t, st.LastSavedAt)
}

func TestStore_SaveRejectsEmptyFrame(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = store.Save(event("Alice", time.Now()), nil)
	assert.Error(t, err)
	assert.Equal(t, int64(0), store.Status().Saved)
}

func TestStore_LabelWithSeparators(t *testing.T) {
	store, err := NewStore(t.TempDir(), 0)
	require.NoError(t, err)

	at := time.Date(2026, 3, 4, 5, 6, 7, 0, time.Local)
	snap, err := store.Save(event("山田_太郎/../x", at), frame)
	require.NoError(t, err)
	assert.Equal(t, "2026-03-04/050607_山田-太郎----x_1a2b3c4d.jpg", snap.Name)

	snaps, err := store.List()
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "山田-太郎----x", snaps[0].Label)
}

func TestStore_ListIgnoresForeignFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 0)
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, "not-a-date"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "2026-01-01"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-01-01", "notes.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-01-01", "broken.jpg"), frame, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README"), []byte("x"), 0o644))

	snaps, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestStore_Prune(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 2)
	require.NoError(t, err)

	now := time.Date(2026, 1, 10, 12, 0, 0, 0, time.Local)
	for _, d := range []int{0, 1, 2, 3, 5} {
		at := now.AddDate(0, 0, -d)
		_, err := store.Save(event("Alice", at), frame)
		require.NoError(t, err)
	}

	removed, err := store.Prune(now)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.ElementsMatch(t, []string{"2026-01-10", "2026-01-09", "2026-01-08"}, names)
}

func TestStore_PruneDisabled(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 0)
	require.NoError(t, err)

	_, err = store.Save(event("Alice", time.Now().AddDate(-1, 0, 0)), frame)
	require.NoError(t, err)

	removed, err := store.Prune(time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

func TestStore_Path(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir, 0)
	require.NoError(t, err)

	testCases := []struct {
		name      string
		input     string
		expectErr bool
	}{
		{name: "通常の名前", input: "2026-01-02/093000_Alice_1a2b3c4d.jpg"},
		{name: "先頭のスラッシュ", input: "/2026-01-02/093000_Alice_1a2b3c4d.jpg"},
		{name: "親ディレクトリ", input: "../secret.jpg", expectErr: true},
		{name: "途中で外に出る", input: "2026-01-02/../../secret.jpg", expectErr: true},
		{name: "拡張子が違う", input: "2026-01-02/passwd", expectErr: true},
		{name: "空", input: "", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path, err := store.Path(tc.input)
			if tc.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join(dir, "2026-01-02", "093000_Alice_1a2b3c4d.jpg"), path)
		})
	}
}

func TestNextMidnight(t *testing.T) {
	now := time.Date(2026, 12, 31, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC), nextMidnight(now))
}
