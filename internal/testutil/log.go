package testutil

import (
	"context"
	"log/slog"
	"slices"
	"sync"
)

// LogRecorder is a [slog.Handler] that keeps the messages of all handled records.
type LogRecorder struct {
	mu   *sync.Mutex
	msgs *[]string
}

// NewLogRecorder returns a logger writing to a new recorder, and the recorder.
func NewLogRecorder() (*slog.Logger, *LogRecorder) {
	rec := &LogRecorder{mu: new(sync.Mutex), msgs: new([]string)}
	return slog.New(rec), rec
}

func (*LogRecorder) Enabled(context.Context, slog.Level) bool { return true }

func (r *LogRecorder) Handle(_ context.Context, rec slog.Record) error {
	r.mu.Lock()
	*r.msgs = append(*r.msgs, rec.Message)
	r.mu.Unlock()
	return nil
}

func (r *LogRecorder) WithAttrs([]slog.Attr) slog.Handler { return r }

func (r *LogRecorder) WithGroup(string) slog.Handler { return r }

// Messages returns the recorded messages matching the filter, all if match is nil.
func (r *LogRecorder) Messages(match func(string) bool) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if match == nil {
		return slices.Clone(*r.msgs)
	}
	var out []string
	for _, m := range *r.msgs {
		if match(m) {
			out = append(out, m)
		}
	}
	return out
}
