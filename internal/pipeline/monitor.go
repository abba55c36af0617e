package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dmhsqBase/monitor/internal/event"
	"github.com/dmhsqBase/monitor/internal/queue"
	"github.com/dmhsqBase/monitor/internal/storage"
)

const (
	DefaultReportInterval    = 5 * time.Second
	DefaultHashSweepInterval = time.Hour
	componentMonitor         = "monitor"
)

// State is the monitor lifecycle state.
type State string

const (
	StateIdle    State = "idle"
	StateStarted State = "started"
	StateStopped State = "stopped"
	StateClosed  State = "closed"
)

// ErrClosed is returned by operations on a closed monitor.
var ErrClosed = errors.New("monitor is closed")

// Sweeper drops dedup records older than maxAge.
type Sweeper interface {
	Sweep(maxAge time.Duration) int
}

// MonitorOptions wires a Monitor.
// Params: identity, schedules, the queue and its dedup index, processor, transport and ambient deps.
// Returns: options value for NewMonitor.
type MonitorOptions struct {
	AppID             string
	ReportInterval    time.Duration
	HashSweepInterval time.Duration
	DedupWindow       time.Duration

	Queue     *queue.EventQueue
	Hashes    Sweeper
	Processor *Processor
	Transport Transport

	Store         storage.Store
	Device        DeviceInfo
	StaticContext map[string]any
	Metrics       *Metrics
	Logger        *slog.Logger
	Now           func() time.Time
}

// FlushResult summarizes one Flush call.
// Params: Filtered lists ids dropped by transforms; Absorbed maps representative id to merged member ids.
// Returns: flush outcome.
type FlushResult struct {
	Skipped      bool
	Sent         int
	Acknowledged int
	Filtered     []string
	Absorbed     map[string][]string
	Stats        ProcessStats
}

// Monitor accepts reports, keeps them queued and delivers batches on a timer.
type Monitor struct {
	appID       string
	sessionID   string
	dedupWindow time.Duration
	queue       *queue.EventQueue
	hashes      Sweeper
	processor   *Processor
	transport   Transport
	device      DeviceInfo
	static      map[string]any
	metrics     *Metrics
	logger      *slog.Logger
	now         func() time.Time

	flushTask *periodicTask
	sweepTask *periodicTask
	flushing  atomic.Bool

	mu    sync.Mutex
	state State
}

// NewMonitor builds a monitor in the idle state.
// Params: opts monitor wiring; Queue, Processor and Transport are required.
// Returns: monitor or wiring error.
func NewMonitor(opts MonitorOptions) (*Monitor, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue is required")
	}
	if opts.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required")
	}

	m := &Monitor{
		appID:       opts.AppID,
		dedupWindow: opts.DedupWindow,
		queue:       opts.Queue,
		hashes:      opts.Hashes,
		processor:   opts.Processor,
		transport:   opts.Transport,
		device:      opts.Device,
		static:      opts.StaticContext,
		metrics:     opts.Metrics,
		logger:      opts.Logger,
		now:         opts.Now,
		state:       StateIdle,
	}
	if m.logger == nil {
		m.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	m.logger = m.logger.With(slog.String("component", componentMonitor))
	if m.now == nil {
		m.now = time.Now
	}

	reportInterval := opts.ReportInterval
	if reportInterval <= 0 {
		reportInterval = DefaultReportInterval
	}
	sweepInterval := opts.HashSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = DefaultHashSweepInterval
	}

	m.sessionID = loadSessionID(opts.Store, m.logger)
	m.flushTask = newPeriodicTask(reportInterval, m.scheduledFlush)
	m.sweepTask = newPeriodicTask(sweepInterval, m.scheduledSweep)
	return m, nil
}

// Start begins periodic flushing and hash sweeping.
// Params: ctx parent for the scheduled tasks.
// Returns: ErrClosed after Close.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case StateClosed:
		return ErrClosed
	case StateStarted:
		return nil
	}
	m.flushTask.start(ctx)
	if m.hashes != nil {
		m.sweepTask.start(ctx)
	}
	m.state = StateStarted
	m.logger.Info("monitor started", slog.String("session_id", m.sessionID), slog.Int("queued", m.queue.Len()))
	return nil
}

// Stop cancels the timers; an in-flight flush completes, no new flush starts.
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateStarted {
		return
	}
	flushInFlight := m.flushTask.stop()
	m.sweepTask.stop()
	m.state = StateStopped
	m.logger.Info("monitor stopped", slog.Int("queued", m.queue.Len()), slog.Bool("flush_in_flight", flushInFlight))
}

// Close stops the monitor, waits for scheduled work, persists the queue and releases the transport.
// Returns: persistence or transport close error.
func (m *Monitor) Close() error {
	m.Stop()

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosed
	m.mu.Unlock()

	m.flushTask.wait()
	m.sweepTask.wait()

	var errs []error
	if err := m.queue.Persist(); err != nil {
		errs = append(errs, fmt.Errorf("persist queue: %w", err))
	}
	if closer, ok := m.transport.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Report normalizes and enqueues one event; it never flushes.
// Params: draft producer input with mandatory type.
// Returns: stored event, queued/duplicate status, or validation error.
func (m *Monitor) Report(draft event.Draft) (event.Event, queue.Status, error) {
	if m.State() == StateClosed {
		return event.Event{}, "", ErrClosed
	}
	ev, err := event.Normalize(draft, m.now())
	if err != nil {
		return event.Event{}, "", err
	}

	result := m.queue.Enqueue(ev)
	if m.metrics != nil {
		m.metrics.reported.WithLabelValues(string(result.Status)).Inc()
		m.metrics.evicted.Add(float64(result.Evicted))
	}
	if result.Status == queue.StatusDuplicate {
		m.logger.Debug("duplicate event dropped", slog.String("event_id", ev.ID), slog.String("type", string(ev.Type)))
	}
	return ev, result.Status, nil
}

// Flush delivers the current queue snapshot once.
// Params: ctx bounds enrichment and transmission.
// Returns: flush summary; transport error leaves every event queued.
func (m *Monitor) Flush(ctx context.Context) (FlushResult, error) {
	if !m.flushing.CompareAndSwap(false, true) {
		m.logger.Debug("flush already in flight, skipping")
		return FlushResult{Skipped: true}, nil
	}
	defer m.flushing.Store(false)

	snapshot := m.queue.Snapshot()
	if len(snapshot) == 0 {
		return FlushResult{}, nil
	}

	started := time.Now()
	batchCtx := buildBatchContext(m.appID, m.sessionID, m.device, m.static)
	processed := m.processor.Process(ctx, snapshot, batchCtx)
	consumed := event.IDs(snapshot)
	out := FlushResult{Filtered: processed.Filtered, Absorbed: processed.Absorbed, Stats: processed.Stats}
	m.observeProcessed(processed.Stats)

	if len(processed.Events) == 0 {
		out.Acknowledged = m.queue.Acknowledge(consumed)
		m.observeFlush("filtered", 0, time.Time{})
		m.logConsumed(out)
		return out, nil
	}

	if err := m.transport.Send(ctx, Batch{Events: processed.Events, Context: batchCtx}); err != nil {
		m.observeFlush("failure", 0, started)
		m.logger.Warn(
			"batch delivery failed, events stay queued",
			slog.Int("events", len(processed.Events)),
			slog.Int("queued", m.queue.Len()),
			slog.String("error", err.Error()),
		)
		return out, fmt.Errorf("send batch: %w", err)
	}

	out.Sent = len(processed.Events)
	out.Acknowledged = m.queue.Acknowledge(consumed)
	m.observeFlush("success", out.Sent, started)
	m.logConsumed(out)
	m.logger.Debug(
		"batch delivered",
		slog.Int("total", processed.Stats.Total),
		slog.Int("sent", out.Sent),
		slog.Int("filtered", processed.Stats.Filtered),
		slog.Int("merged", processed.Stats.Merged),
	)
	return out, nil
}

// State returns the lifecycle state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// QueueLen returns the number of events awaiting delivery.
func (m *Monitor) QueueLen() int {
	return m.queue.Len()
}

// SessionID returns the persisted session id.
func (m *Monitor) SessionID() string {
	return m.sessionID
}

func (m *Monitor) scheduledFlush(ctx context.Context) {
	_, _ = m.Flush(ctx)
}

func (m *Monitor) scheduledSweep(context.Context) {
	window := m.dedupWindow
	if window <= 0 {
		return
	}
	if removed := m.hashes.Sweep(2 * window); removed > 0 {
		m.logger.Debug("expired dedup records removed", slog.Int("removed", removed))
	}
}

// logConsumed records acknowledged events that were not transmitted on their own.
func (m *Monitor) logConsumed(out FlushResult) {
	if len(out.Filtered) > 0 {
		m.logger.Debug("events dropped by transforms", slog.Any("ids", out.Filtered))
	}
	for representative, members := range out.Absorbed {
		m.logger.Debug("similar errors merged",
			slog.String("representative", representative),
			slog.Any("members", members),
		)
	}
}

func (m *Monitor) observeProcessed(stats ProcessStats) {
	if m.metrics == nil {
		return
	}
	m.metrics.filtered.Add(float64(stats.Filtered))
	m.metrics.merged.Add(float64(stats.Merged))
}

func (m *Monitor) observeFlush(result string, sent int, started time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.flushes.WithLabelValues(result).Inc()
	m.metrics.delivered.Add(float64(sent))
	if !started.IsZero() {
		m.metrics.flushTime.Observe(time.Since(started).Seconds())
	}
}

// loadSessionID returns the persisted session id, creating one when absent or unreadable.
func loadSessionID(store storage.Store, logger *slog.Logger) string {
	var id string
	err := storage.LoadJSON(store, storage.KeySessionID, &id)
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn("load session id failed, generating a new one", slog.String("error", err.Error()))
	}

	id = uuid.NewString()
	if err := storage.SaveJSON(store, storage.KeySessionID, id); err != nil {
		logger.Warn("persist session id failed", slog.String("error", err.Error()))
	}
	return id
}
