package queue

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/storage"
)

const DefaultMaxCache = 100

// Status is the outcome of Enqueue.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusDuplicate Status = "duplicate"
)

// Deduper decides whether an event was already seen within a window.
type Deduper interface {
	IsDuplicate(ev event.Event, window time.Duration) bool
}

// EnqueueResult reports what Enqueue did.
type EnqueueResult struct {
	Status  Status
	Evicted int
}

// Options configures an EventQueue.
// Params: bound, dedup settings, durable mirror and logger.
// Returns: options value for New.
type Options struct {
	MaxCache    int
	Dedup       Deduper
	DedupWindow time.Duration
	DedupEnable bool
	Store       storage.Store
	Logger      *slog.Logger
}

// EventQueue is the bounded ordered buffer of events awaiting delivery.
// Params: in-memory slice mirrored to durable storage after every mutation.
// Returns: instance-owned queue.
type EventQueue struct {
	mu     sync.Mutex
	events []event.Event

	maxCache    int
	dedup       Deduper
	dedupWindow time.Duration
	dedupEnable bool
	store       storage.Store
	logger      *slog.Logger
}

// New creates a queue and hydrates it from durable storage.
// Params: opts queue options.
// Returns: ready queue; unreadable state yields an empty queue.
func New(opts Options) *EventQueue {
	q := &EventQueue{
		maxCache:    opts.MaxCache,
		dedup:       opts.Dedup,
		dedupWindow: opts.DedupWindow,
		dedupEnable: opts.DedupEnable,
		store:       opts.Store,
		logger:      opts.Logger,
	}
	if q.maxCache <= 0 {
		q.maxCache = DefaultMaxCache
	}
	if q.logger == nil {
		q.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	q.Hydrate()
	return q
}

// Enqueue appends ev unless it is a duplicate, evicting the oldest events past the bound.
// Params: ev normalized event.
// Returns: queued/duplicate status and number of evicted events.
func (q *EventQueue) Enqueue(ev event.Event) EnqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.dedupEnable && q.dedup != nil && q.dedup.IsDuplicate(ev, q.dedupWindow) {
		return EnqueueResult{Status: StatusDuplicate}
	}

	q.events = append(q.events, ev.Clone())
	evicted := q.trimLocked()
	if evicted > 0 {
		q.logger.Debug("queue bound reached, evicted oldest events", slog.Int("evicted", evicted))
	}
	q.persistLocked()
	return EnqueueResult{Status: StatusQueued, Evicted: evicted}
}

// Snapshot returns an independent copy of the queued events in order.
func (q *EventQueue) Snapshot() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]event.Event, len(q.events))
	for idx, ev := range q.events {
		out[idx] = ev.Clone()
	}
	return out
}

// Acknowledge removes exactly the events whose ids are listed.
// Params: ids delivered or consumed event ids.
// Returns: number of removed events.
func (q *EventQueue) Acknowledge(ids []string) int {
	if len(ids) == 0 {
		return 0
	}
	done := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		done[id] = struct{}{}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.events[:0]
	removed := 0
	for _, ev := range q.events {
		if _, ok := done[ev.ID]; ok {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	clear(q.events[len(kept):])
	q.events = kept
	if removed > 0 {
		q.persistLocked()
	}
	return removed
}

// Len returns the number of queued events.
func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// Hydrate replaces in-memory state with the persisted queue, keeping the newest events within the bound.
func (q *EventQueue) Hydrate() {
	var stored []event.Event
	err := storage.LoadJSON(q.store, storage.KeyEvents, &stored)

	q.mu.Lock()
	defer q.mu.Unlock()

	switch {
	case err == nil:
		q.events = stored
		q.trimLocked()
	case errors.Is(err, storage.ErrNotFound):
		q.events = nil
	default:
		q.logger.Warn("load queued events failed, starting empty", slog.String("error", err.Error()))
		q.events = nil
	}
}

// Persist writes the current queue to durable storage.
// Returns: nil or persistence error.
func (q *EventQueue) Persist() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return storage.SaveJSON(q.store, storage.KeyEvents, q.eventsForStore())
}

func (q *EventQueue) trimLocked() int {
	overflow := len(q.events) - q.maxCache
	if overflow <= 0 {
		return 0
	}
	clear(q.events[:overflow])
	q.events = q.events[overflow:]
	return overflow
}

// persistLocked mirrors the queue; failures are logged and memory state continues.
func (q *EventQueue) persistLocked() {
	if err := storage.SaveJSON(q.store, storage.KeyEvents, q.eventsForStore()); err != nil {
		q.logger.Warn("persist queued events failed", slog.String("error", err.Error()))
	}
}

func (q *EventQueue) eventsForStore() []event.Event {
	if q.events == nil {
		return []event.Event{}
	}
	return q.events
}
