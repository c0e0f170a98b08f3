// Package diagnostics carries operator-visible warnings from pipeline stages
// to whoever surfaces them (health endpoint, CLI, metrics).
package diagnostics

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amillerrr/clip-pipeline/internal/metrics"
)

// Well-known warning keys.
const (
	KeyCorruptVideo = "corrupt-video"
)

// Event raises or clears a warning identified by Key.
type Event struct {
	Key     string
	Message string
	Raised  bool
	At      time.Time
}

// Sink receives warning transitions.
type Sink interface {
	Raise(key, message string)
	Clear(key string)
}

// Queue is a channel-backed Sink. Sends never block; events beyond the
// buffer are counted and dropped.
type Queue struct {
	ch      chan Event
	dropped atomic.Int64
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(buffer int) *Queue {
	if buffer <= 0 {
		buffer = 64
	}
	return &Queue{ch: make(chan Event, buffer)}
}

// Raise publishes an active warning.
func (q *Queue) Raise(key, message string) {
	q.send(Event{Key: key, Message: message, Raised: true, At: time.Now()})
}

// Clear publishes the end of a warning.
func (q *Queue) Clear(key string) {
	q.send(Event{Key: key, At: time.Now()})
}

func (q *Queue) send(ev Event) {
	select {
	case q.ch <- ev:
	default:
		q.dropped.Add(1)
	}
}

// Events returns the receive side of the queue.
func (q *Queue) Events() <-chan Event {
	return q.ch
}

// Dropped returns the number of events lost to a full buffer.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Discard is a Sink that ignores everything.
type Discard struct{}

func (Discard) Raise(string, string) {}
func (Discard) Clear(string)         {}

// Warning is an active warning on a Board.
type Warning struct {
	Key     string    `json:"key"`
	Message string    `json:"message"`
	Since   time.Time `json:"since"`
}

// Board keeps the set of currently raised warnings.
type Board struct {
	mu     sync.RWMutex
	active map[string]Warning
	log    *slog.Logger
}

// NewBoard creates an empty Board.
func NewBoard(log *slog.Logger) *Board {
	return &Board{active: make(map[string]Warning), log: log}
}

// Run drains q until ctx is done.
func (b *Board) Run(ctx context.Context, q *Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-q.Events():
			b.Apply(ev)
		}
	}
}

// Apply records a single event.
func (b *Board) Apply(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, exists := b.active[ev.Key]
	if ev.Raised {
		if !exists {
			b.active[ev.Key] = Warning{Key: ev.Key, Message: ev.Message, Since: ev.At}
			if b.log != nil {
				b.log.Warn("Operator warning raised", "key", ev.Key, "message", ev.Message)
			}
		}
	} else if exists {
		delete(b.active, ev.Key)
		if b.log != nil {
			b.log.Info("Operator warning cleared", "key", ev.Key)
		}
	}
	metrics.ActiveWarnings.Set(float64(len(b.active)))
}

// Warnings returns active warnings, oldest first.
func (b *Board) Warnings() []Warning {
	b.mu.RLock()
	out := make([]Warning, 0, len(b.active))
	for _, w := range b.active {
		out = append(out, w)
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].Key < out[j].Key
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}

// Messages returns the text of active warnings.
func (b *Board) Messages() []string {
	ws := b.Warnings()
	out := make([]string, len(ws))
	for i, w := range ws {
		out[i] = w.Message
	}
	return out
}
