// Package recent keeps the list of recently opened projects, newest first.
package recent

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/mesh-intelligence/cpd/internal/atomicfile"
)

// DefaultLimit caps the list when no limit is configured.
const DefaultLimit = 15

// FileName is the list's file inside the config directory.
const FileName = "recent_projects.json"

const timeFormat = "2006-01-02T15:04:05.000000Z"

// Entry is one remembered project.
type Entry struct {
	Path       string    `json:"path"`
	LastOpened time.Time `json:"last_opened"`
}

type payload struct {
	Path       string `json:"path"`
	LastOpened string `json:"lastOpened"`
}

// List is the recent-projects file.
type List struct {
	path  string
	limit int
	now   func() time.Time
}

// Option configures a List.
type Option func(*List)

// WithLimit caps the number of entries kept. Values below one fall back
// to DefaultLimit.
func WithLimit(n int) Option { return func(l *List) { l.limit = n } }

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option { return func(l *List) { l.now = now } }

// New returns the list stored at path.
func New(path string, opts ...Option) *List {
	l := &List{path: path, limit: DefaultLimit, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	if l.limit < 1 {
		l.limit = DefaultLimit
	}
	return l
}

// Path returns the backing file.
func (l *List) Path() string { return l.path }

// Load returns the entries, newest first. A missing or unreadable file is
// an empty list, and malformed entries are skipped.
func (l *List) Load() []Entry {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	entries := make([]Entry, 0, len(raw))
	for _, r := range raw {
		var p payload
		if err := json.Unmarshal(r, &p); err != nil || p.Path == "" {
			continue
		}
		t, err := time.Parse(timeFormat, p.LastOpened)
		if err != nil {
			continue
		}
		entries = append(entries, Entry{Path: p.Path, LastOpened: t.UTC()})
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].LastOpened.After(entries[j].LastOpened) })
	if len(entries) > l.limit {
		entries = entries[:l.limit]
	}
	return entries
}

// Touch records path as opened now, moving it to the front and dropping
// any older entry for the same project.
func (l *List) Touch(path string) ([]Entry, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	entries := []Entry{{Path: abs, LastOpened: l.now().UTC()}}
	k := key(abs)
	for _, e := range l.Load() {
		if key(e.Path) != k {
			entries = append(entries, e)
		}
	}
	if len(entries) > l.limit {
		entries = entries[:l.limit]
	}
	return entries, l.save(entries)
}

// Remove drops path from the list.
func (l *List) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	k := key(abs)
	var kept []Entry
	for _, e := range l.Load() {
		if key(e.Path) != k {
			kept = append(kept, e)
		}
	}
	return l.save(kept)
}

// Clear empties the list.
func (l *List) Clear() error {
	err := os.Remove(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (l *List) save(entries []Entry) error {
	out := make([]payload, 0, len(entries))
	for _, e := range entries {
		out = append(out, payload{Path: e.Path, LastOpened: e.LastOpened.UTC().Format(timeFormat)})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding recent projects: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(l.path), err)
	}
	return atomicfile.WriteFile(l.path, append(data, '\n'), 0o644)
}

// key normalizes a path for duplicate detection. Paths compare
// case-insensitively on platforms whose default file systems do.
func key(path string) string {
	k := filepath.Clean(path)
	if runtime.GOOS == "windows" || runtime.GOOS == "darwin" {
		k = strings.ToLower(k)
	}
	return k
}
