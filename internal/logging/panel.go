package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mesh-intelligence/cpd/internal/redact"
)

// DefaultPanelSize bounds the panel when no size is given.
const DefaultPanelSize = 500

// Severity is the coarse level shown in the log panel.
type Severity string

// Panel severities.
const (
	SeverityInfo  Severity = "INFO"
	SeverityWarn  Severity = "WARN"
	SeverityError Severity = "ERROR"
)

func severity(l slog.Level) Severity {
	switch {
	case l >= slog.LevelError:
		return SeverityError
	case l >= slog.LevelWarn:
		return SeverityWarn
	}
	return SeverityInfo
}

// Entry is one line of the panel.
type Entry struct {
	Time     time.Time `json:"time"`
	Severity Severity  `json:"severity"`
	Message  string    `json:"message"`
}

// Panel is a slog.Handler that keeps the most recent INFO, WARN and ERROR
// records in memory, redacted, for display. Debug records are dropped.
type Panel struct {
	core   *panelCore
	attrs  []slog.Attr
	groups []string
}

type panelCore struct {
	mu      sync.Mutex
	size    int
	entries []Entry
	next    int
	full    bool
}

// NewPanel returns a panel holding at most size entries.
func NewPanel(size int) *Panel {
	if size < 1 {
		size = DefaultPanelSize
	}
	return &Panel{core: &panelCore{size: size, entries: make([]Entry, size)}}
}

func (p *Panel) Enabled(_ context.Context, l slog.Level) bool { return l >= slog.LevelInfo }

func (p *Panel) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	b.WriteString(r.Message)
	write := func(a slog.Attr) {
		if a.Equal(slog.Attr{}) {
			return
		}
		b.WriteByte(' ')
		if len(p.groups) > 0 {
			b.WriteString(strings.Join(p.groups, "."))
			b.WriteByte('.')
		}
		fmt.Fprintf(&b, "%s=%v", a.Key, a.Value.Resolve())
	}
	for _, a := range p.attrs {
		write(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		write(a)
		return true
	})
	p.core.add(Entry{Time: r.Time.UTC(), Severity: severity(r.Level), Message: redact.String(b.String())})
	return nil
}

func (p *Panel) WithAttrs(as []slog.Attr) slog.Handler {
	q := *p
	q.attrs = append(append([]slog.Attr(nil), p.attrs...), as...)
	return &q
}

func (p *Panel) WithGroup(name string) slog.Handler {
	if name == "" {
		return p
	}
	q := *p
	q.groups = append(append([]string(nil), p.groups...), name)
	return &q
}

func (c *panelCore) add(e Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.next] = e
	c.next = (c.next + 1) % c.size
	if c.next == 0 {
		c.full = true
	}
}

// Entries returns the held entries, oldest first.
func (p *Panel) Entries() []Entry {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]Entry(nil), c.entries[:c.next]...)
	}
	out := make([]Entry, 0, c.size)
	out = append(out, c.entries[c.next:]...)
	return append(out, c.entries[:c.next]...)
}

// Clear drops every entry.
func (p *Panel) Clear() {
	c := p.core
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next, c.full = 0, false
}
