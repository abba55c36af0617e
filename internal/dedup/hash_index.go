package dedup

import (
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/storage"
)

const stackPrefixBytes = 512

// Options configures a HashIndex.
// Params: Store durable mirror (nil = memory only); Logger diagnostics; Now clock override.
// Returns: options value for New.
type Options struct {
	Store  storage.Store
	Logger *slog.Logger
	Now    func() time.Time
}

// HashIndex tracks last-seen time per event fingerprint.
// Params: in-memory table mirrored to durable storage.
// Returns: instance-owned dedup index.
type HashIndex struct {
	mu      sync.Mutex
	records map[string]int64
	store   storage.Store
	logger  *slog.Logger
	now     func() time.Time
}

// New creates an index and hydrates it from durable storage.
// Params: opts store/logger/clock options.
// Returns: ready index; unreadable state yields an empty index.
func New(opts Options) *HashIndex {
	index := &HashIndex{
		records: make(map[string]int64),
		store:   opts.Store,
		logger:  opts.Logger,
		now:     opts.Now,
	}
	if index.logger == nil {
		index.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if index.now == nil {
		index.now = time.Now
	}
	index.hydrate()
	return index
}

// Fingerprint computes the dedup key from type-specific discriminating fields.
// Params: ev event to fingerprint.
// Returns: decimal string of a 32-bit rolling hash.
func Fingerprint(ev event.Event) string {
	var source string
	switch ev.Type {
	case event.TypeError:
		source = string(ev.Type) + "_" + ev.String("errorType") + "_" + ev.String("message") + "_" + stackPrefix(ev.String("stack"))
	case event.TypePerformance:
		source = string(ev.Type) + "_" + ev.String("url") + "_" + ev.Name
	case event.TypeBehavior:
		source = string(ev.Type) + "_" + ev.Name + "_" + ev.String("element")
	default:
		source = string(ev.Type) + "_" + ev.Name
	}
	return hashString(source)
}

// IsDuplicate reports whether ev was seen within window and records the observation.
// Params: ev event; window dedup window.
// Returns: true when a record exists with now-lastSeen < window.
func (h *HashIndex) IsDuplicate(ev event.Event, window time.Duration) bool {
	key := Fingerprint(ev)
	nowMS := h.now().UnixMilli()

	h.mu.Lock()
	defer h.mu.Unlock()

	lastSeen, exists := h.records[key]
	duplicate := exists && nowMS-lastSeen < window.Milliseconds()
	h.records[key] = nowMS
	h.persistLocked()
	return duplicate
}

// Sweep removes records not seen for longer than maxAge.
// Params: maxAge retention limit.
// Returns: number of removed records.
func (h *HashIndex) Sweep(maxAge time.Duration) int {
	nowMS := h.now().UnixMilli()

	h.mu.Lock()
	defer h.mu.Unlock()

	removed := 0
	for key, lastSeen := range h.records {
		if nowMS-lastSeen > maxAge.Milliseconds() {
			delete(h.records, key)
			removed++
		}
	}
	if removed > 0 {
		h.persistLocked()
		h.logger.Debug("dedup records swept", slog.Int("removed", removed))
	}
	return removed
}

// Len returns number of tracked fingerprints.
func (h *HashIndex) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

// hydrate restores records from durable storage.
// Params: none.
// Returns: none; corrupt state is logged and ignored.
func (h *HashIndex) hydrate() {
	var stored map[string]int64
	err := storage.LoadJSON(h.store, storage.KeyEventHash, &stored)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Warn("load dedup records failed, starting empty", slog.String("error", err.Error()))
		}
		return
	}
	for key, lastSeen := range stored {
		h.records[key] = lastSeen
	}
}

// persistLocked mirrors records to durable storage, caller must hold lock.
func (h *HashIndex) persistLocked() {
	if err := storage.SaveJSON(h.store, storage.KeyEventHash, h.records); err != nil {
		h.logger.Warn("persist dedup records failed", slog.String("error", err.Error()))
	}
}

// hashString folds UTF-16 code units into a wrapping 32-bit hash (h*31 + c).
func hashString(value string) string {
	var hash int32
	for _, unit := range utf16.Encode([]rune(value)) {
		hash = (hash << 5) - hash + int32(unit)
	}
	return strconv.FormatInt(int64(hash), 10)
}

// stackPrefix cuts stack to stackPrefixBytes on a rune boundary.
func stackPrefix(stack string) string {
	if len(stack) <= stackPrefixBytes {
		return stack
	}
	cut := stackPrefixBytes
	for cut > 0 && !utf8.RuneStart(stack[cut]) {
		cut--
	}
	return stack[:cut]
}
