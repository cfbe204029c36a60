package recent

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type ticker struct{ t time.Time }

func (c *ticker) now() time.Time {
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newList(t *testing.T, opts ...Option) (*List, string) {
	t.Helper()
	dir := t.TempDir()
	clock := &ticker{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return New(filepath.Join(dir, "cfg", FileName), append([]Option{WithClock(clock.now)}, opts...)...), dir
}

func paths(entries []Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Path
	}
	return out
}

func TestLoadMissingFile(t *testing.T) {
	l, _ := newList(t)
	assert.Empty(t, l.Load())
}

func TestTouchOrdersNewestFirstAndDedupes(t *testing.T) {
	l, dir := newList(t)
	a := filepath.Join(dir, "a.cpd")
	b := filepath.Join(dir, "b.cpd")

	_, err := l.Touch(a)
	require.NoError(t, err)
	_, err = l.Touch(b)
	require.NoError(t, err)
	_, err = l.Touch(filepath.Join(dir, "x", "..", "a.cpd"))
	require.NoError(t, err)

	entries := l.Load()
	assert.Equal(t, []string{a, b}, paths(entries))
	assert.True(t, entries[0].LastOpened.After(entries[1].LastOpened))
}

func TestTouchCapsList(t *testing.T) {
	l, dir := newList(t, WithLimit(3))
	for i := range 5 {
		_, err := l.Touch(filepath.Join(dir, fmt.Sprintf("p%d.cpd", i)))
		require.NoError(t, err)
	}
	entries := l.Load()
	require.Len(t, entries, 3)
	assert.Equal(t, filepath.Join(dir, "p4.cpd"), entries[0].Path)
	assert.Equal(t, filepath.Join(dir, "p2.cpd"), entries[2].Path)
}

func TestDefaultLimit(t *testing.T) {
	l, dir := newList(t, WithLimit(0))
	for i := range DefaultLimit + 2 {
		_, err := l.Touch(filepath.Join(dir, fmt.Sprintf("p%02d.cpd", i)))
		require.NoError(t, err)
	}
	assert.Len(t, l.Load(), DefaultLimit)
}

func TestLoadToleratesCorruption(t *testing.T) {
	l, _ := newList(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(l.Path()), 0o755))

	require.NoError(t, os.WriteFile(l.Path(), []byte("{not json"), 0o644))
	assert.Empty(t, l.Load())

	mixed := `[
  {"path": "/p/good.cpd", "lastOpened": "2026-01-02T10:00:00.000000Z"},
  {"path": "/p/bad-time.cpd", "lastOpened": "yesterday"},
  {"lastOpened": "2026-01-02T10:00:00.000000Z"},
  42,
  {"path": "/p/newer.cpd", "lastOpened": "2026-01-03T10:00:00.000000Z"}
]`
	require.NoError(t, os.WriteFile(l.Path(), []byte(mixed), 0o644))
	assert.Equal(t, []string{"/p/newer.cpd", "/p/good.cpd"}, paths(l.Load()))
}

func TestRemoveAndClear(t *testing.T) {
	l, dir := newList(t)
	a := filepath.Join(dir, "a.cpd")
	b := filepath.Join(dir, "b.cpd")
	_, err := l.Touch(a)
	require.NoError(t, err)
	_, err = l.Touch(b)
	require.NoError(t, err)

	require.NoError(t, l.Remove(a))
	assert.Equal(t, []string{b}, paths(l.Load()))

	require.NoError(t, l.Clear())
	assert.Empty(t, l.Load())
	assert.NoFileExists(t, l.Path())
	require.NoError(t, l.Clear())
}
