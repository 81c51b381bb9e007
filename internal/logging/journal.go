package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/me/obsched/pkg/model"
)

// Sink receives every journal entry as it is recorded.
type Sink func(model.JournalEntry)

// Journal keeps the most recent user-visible log lines in memory.
//
// It is installed as an slog.Handler in front of the regular handler, so any
// component logging at MinLevel or above also lands in the journal.
type Journal struct {
	mu       sync.Mutex
	entries  []model.JournalEntry
	next     int
	full     bool
	minLevel slog.Level
	sinks    []Sink
}

// NewJournal creates a journal retaining up to size entries.
func NewJournal(size int, minLevel slog.Level) *Journal {
	if size <= 0 {
		size = 1000
	}
	return &Journal{
		entries:  make([]model.JournalEntry, size),
		minLevel: minLevel,
	}
}

// AddSink registers a callback invoked for each new entry.
func (j *Journal) AddSink(s Sink) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sinks = append(j.sinks, s)
}

// Wrap returns a logger that writes to both the journal and base.
func (j *Journal) Wrap(base *slog.Logger) *slog.Logger {
	return slog.New(&journalHandler{inner: base.Handler(), journal: j})
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (j *Journal) Entries(limit int) []model.JournalEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	n := j.next
	if j.full {
		n = len(j.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]model.JournalEntry, 0, limit)
	idx := j.next - 1
	for len(out) < limit {
		if idx < 0 {
			idx = len(j.entries) - 1
		}
		out = append(out, j.entries[idx])
		idx--
	}
	return out
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.full {
		return len(j.entries)
	}
	return j.next
}

func (j *Journal) record(e model.JournalEntry) {
	j.mu.Lock()
	j.entries[j.next] = e
	j.next++
	if j.next == len(j.entries) {
		j.next = 0
		j.full = true
	}
	sinks := j.sinks
	j.mu.Unlock()

	for _, s := range sinks {
		s(e)
	}
}

type journalHandler struct {
	inner   slog.Handler
	journal *Journal
	attrs   []slog.Attr
	group   string
}

func (h *journalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.journal.minLevel || h.inner.Enabled(ctx, level)
}

func (h *journalHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.journal.minLevel {
		e := model.JournalEntry{
			Time:    r.Time,
			Level:   r.Level.String(),
			Message: r.Message,
		}
		if e.Time.IsZero() {
			e.Time = time.Now()
		}
		attrs := make(map[string]string)
		for _, a := range h.attrs {
			flatten(attrs, "", a)
		}
		r.Attrs(func(a slog.Attr) bool {
			flatten(attrs, h.group, a)
			return true
		})
		if len(attrs) > 0 {
			e.Attrs = attrs
		}
		h.journal.record(e)
	}
	if h.inner.Enabled(ctx, r.Level) {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *journalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		merged = append(merged, a)
	}
	return &journalHandler{
		inner:   h.inner.WithAttrs(attrs),
		journal: h.journal,
		attrs:   merged,
		group:   h.group,
	}
}

func (h *journalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	group := name
	if h.group != "" {
		group = h.group + "." + name
	}
	return &journalHandler{
		inner:   h.inner.WithGroup(name),
		journal: h.journal,
		attrs:   h.attrs,
		group:   group,
	}
}

func flatten(dst map[string]string, prefix string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	key := a.Key
	if prefix != "" && key != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			flatten(dst, key, ga)
		}
		return
	}
	if key == "" {
		return
	}
	dst[key] = a.Value.String()
}
