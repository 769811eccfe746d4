// Package monitor polls the outage signal for every monitored connection and
// feeds qualifying reports into the outage book.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/outage"
	"github.com/vietddude/outagewatch/internal/events"
	"github.com/vietddude/outagewatch/internal/infra/signal"
	"github.com/vietddude/outagewatch/internal/monitoring/metrics"
)

// Floor for the poll interval whatever the configuration says.
const MinPollFloor = 15 * time.Second

var ErrAlreadyRunning = errors.New("monitor already running")

// Config controls polling.
type Config struct {
	UserID          string
	PollInterval    time.Duration
	MinPollInterval time.Duration
	ReportThreshold int
	PollTimeout     time.Duration
}

// Interval is the effective poll interval after clamping.
func (c Config) Interval() time.Duration {
	minInterval := max(c.MinPollInterval, MinPollFloor)
	return max(c.PollInterval, minInterval)
}

// ConnectionSource lists what to poll.
type ConnectionSource interface {
	Monitoring(ctx context.Context, userID string) ([]*domain.Connection, error)
	Get(ctx context.Context, userID, id string) (*domain.Connection, error)
}

// PollResult is the outcome of one poll.
type PollResult struct {
	ConnectionID string                 `json:"connection_id"`
	Outage       *domain.DetectedOutage `json:"outage,omitempty"`
	Change       string                 `json:"change"`
	Skipped      bool                   `json:"skipped,omitempty"`
	Cancelled    bool                   `json:"cancelled,omitempty"`
}

// ConnectionStatus is the polling health of one connection.
type ConnectionStatus struct {
	ConnectionID        string    `json:"connection_id"`
	ProviderID          string    `json:"provider_id"`
	LastPoll            time.Time `json:"last_poll"`
	LastSuccess         time.Time `json:"last_success"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BackoffUntil        time.Time `json:"backoff_until,omitempty"`
}

type pollHandle struct {
	cancel context.CancelFunc
	live   atomic.Bool
}

// Monitor runs the poll loop.
type Monitor struct {
	cfg    Config
	source signal.Source
	conns  ConnectionSource
	book   *outage.Book
	events events.Emitter
	local  *LocalGuard
	shared Guard
	logger *slog.Logger
	now    func() time.Time

	running atomic.Bool
	wg      sync.WaitGroup

	mu     sync.Mutex
	stop   context.CancelFunc
	polls  map[string]map[*pollHandle]struct{}
	status map[string]*ConnectionStatus
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithSharedGuard adds a guard shared with other processes, such as a redis lease.
func WithSharedGuard(g Guard) Option {
	return func(m *Monitor) { m.shared = g }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// New creates a monitor.
func New(cfg Config, source signal.Source, conns ConnectionSource, book *outage.Book, emitter events.Emitter, opts ...Option) *Monitor {
	if cfg.ReportThreshold <= 0 {
		cfg.ReportThreshold = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 10 * time.Second
	}
	if emitter == nil {
		emitter = events.Nop{}
	}
	m := &Monitor{
		cfg:    cfg,
		source: source,
		conns:  conns,
		book:   book,
		events: emitter,
		local:  NewLocalGuard(),
		logger: slog.Default().With("component", "monitor", "source", source.Name()),
		now:    time.Now,
		polls:  make(map[string]map[*pollHandle]struct{}),
		status: make(map[string]*ConnectionStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe hooks the monitor to connection events so polls stop when a
// connection stops being monitored or is removed.
func (m *Monitor) Subscribe(bus *events.Bus) {
	bus.On(events.ConnectionToggled, func(e events.Event) {
		if e.Monitoring != nil && !*e.Monitoring {
			m.CancelConnection(e.ConnectionID)
		}
	})
	bus.On(events.ConnectionRemoved, func(e events.Event) {
		m.ForgetConnection(e.ConnectionID)
	})
}

// Start runs the poll loop until ctx is cancelled or Stop is called.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer m.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.stop = cancel
	m.mu.Unlock()
	defer cancel()

	interval := m.cfg.Interval()
	m.logger.Info("Starting outage monitor", "interval", interval, "threshold", m.cfg.ReportThreshold)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.cancelAll()
			m.wg.Wait()
			m.logger.Info("Outage monitor stopped")
			return nil
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// Stop ends the loop started by Start.
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop := m.stop
	m.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// IsRunning reports whether the loop is active.
func (m *Monitor) IsRunning() bool {
	return m.running.Load()
}

// Cycle runs one round of polls and waits for them.
func (m *Monitor) Cycle(ctx context.Context) {
	m.cycle(ctx)
	m.wg.Wait()
}

func (m *Monitor) cycle(ctx context.Context) {
	conns, err := m.conns.Monitoring(ctx, m.cfg.UserID)
	if err != nil {
		m.logger.Error("Failed to list monitored connections", "error", err)
		return
	}

	now := m.now()
	for _, conn := range conns {
		if until := m.backoffUntil(conn.ID); now.Before(until) {
			m.logger.Debug("Connection in back-off, skipping", "connection", conn.ID, "until", until)
			continue
		}
		m.wg.Add(1)
		go func(conn *domain.Connection) {
			defer m.wg.Done()
			if _, err := m.poll(ctx, conn); err != nil {
				m.logger.Debug("Poll failed", "connection", conn.ID, "error", err)
			}
		}(conn)
	}
}

// PollNow polls one connection immediately, respecting the in-flight guard.
// Connections with monitoring off are rejected.
func (m *Monitor) PollNow(ctx context.Context, connID string) (PollResult, error) {
	conn, err := m.conns.Get(ctx, m.cfg.UserID, connID)
	if err != nil {
		return PollResult{}, err
	}
	if !conn.IsMonitoring {
		return PollResult{}, &domain.ValidationError{Field: "connection_id", Message: "monitoring is off for this connection"}
	}
	return m.poll(ctx, conn)
}

func (m *Monitor) poll(ctx context.Context, conn *domain.Connection) (PollResult, error) {
	res := PollResult{ConnectionID: conn.ID, Change: outage.ChangeNone.String()}

	release, ok := m.acquire(ctx, conn.ID)
	if !ok {
		metrics.PollsSkippedTotal.Inc()
		res.Skipped = true
		return res, nil
	}
	defer release()

	pctx, cancel := context.WithTimeout(ctx, m.cfg.PollTimeout)
	defer cancel()
	h := &pollHandle{cancel: cancel}
	h.live.Store(true)
	m.track(conn.ID, h)
	defer m.untrack(conn.ID, h)

	// a toggle-off landing before track never reached this handle
	monitored, err := m.stillMonitored(ctx, conn.ID)
	if err != nil {
		return res, err
	}
	if !monitored {
		res.Cancelled = true
		return res, nil
	}

	sourceName := m.source.Name()
	started := time.Now()
	report, err := m.source.Query(pctx, conn.ProviderID, conn.ZipCode)
	metrics.SignalLatency.WithLabelValues(sourceName).Observe(time.Since(started).Seconds())
	metrics.SignalPollsTotal.WithLabelValues(conn.ProviderID, sourceName).Inc()

	if !h.live.Load() || ctx.Err() != nil {
		res.Cancelled = true
		return res, nil
	}
	if err != nil {
		if !errors.Is(err, domain.ErrSignalSourceUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrSignalSourceUnavailable, err)
		}
		kind := signal.Classify(err)
		metrics.SignalErrorsTotal.WithLabelValues(conn.ProviderID, sourceName, string(kind)).Inc()
		m.recordFailure(conn, err, signal.RetryAfter(err))
		m.logger.Warn("Signal query failed, keeping last known state",
			"connection", conn.ID,
			"provider", conn.ProviderID,
			"kind", kind,
			"error", err,
		)
		return res, err
	}

	var sig *outage.Signal
	if report.Qualifies(conn.ProviderID, conn.ZipCode, m.cfg.ReportThreshold) {
		lastSeen := report.LastSeen
		if lastSeen.IsZero() {
			lastSeen = m.now()
		}
		sig = &outage.Signal{
			ReportCount: report.ReportCount,
			FirstSeen:   report.FirstSeen,
			LastSeen:    lastSeen,
			Message:     report.Message,
		}
	}

	o, change := m.book.ApplySignal(conn.UserID, conn.ID, sig, h.live.Load)
	m.recordSuccess(conn)

	res.Change = change.String()
	if change != outage.ChangeNone {
		res.Outage = &o
		m.publish(conn, o, change)
	} else if active, ok := m.book.Active(conn.ID); ok {
		res.Outage = &active
	}
	return res, nil
}

func (m *Monitor) stillMonitored(ctx context.Context, connID string) (bool, error) {
	current, err := m.conns.Get(ctx, m.cfg.UserID, connID)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reload connection %s: %w", connID, err)
	}
	return current.IsMonitoring, nil
}

func (m *Monitor) publish(conn *domain.Connection, o domain.DetectedOutage, change outage.Change) {
	var t events.Type
	switch change {
	case outage.ChangeCreated:
		t = events.OutageDetected
		m.logger.Info("Outage detected",
			"connection", conn.ID,
			"provider", conn.ProviderID,
			"zip", conn.ZipCode,
			"reports", o.CrowdReportCount,
		)
	case outage.ChangeUpdated:
		t = events.OutageUpdated
	case outage.ChangeClosed:
		t = events.OutageClosed
		m.logger.Info("Outage signal cleared", "connection", conn.ID, "outage", o.ID)
	default:
		return
	}
	m.events.Emit(events.Event{Type: t, UserID: conn.UserID, ConnectionID: conn.ID, OutageID: o.ID, Outage: &o})
}

// Report records a user-reported outage on a connection.
func (m *Monitor) Report(ctx context.Context, connID string, start time.Time, end *time.Time, note string) (domain.DetectedOutage, error) {
	conn, err := m.conns.Get(ctx, m.cfg.UserID, connID)
	if err != nil {
		return domain.DetectedOutage{}, err
	}
	o, change, err := m.book.Report(conn.UserID, conn.ID, start, end, note)
	if err != nil {
		return domain.DetectedOutage{}, err
	}
	m.publish(conn, o, change)
	return o, nil
}

// CancelConnection aborts in-flight polls of a connection. Their results are
// discarded.
func (m *Monitor) CancelConnection(connID string) {
	m.mu.Lock()
	handles := m.polls[connID]
	for h := range handles {
		h.live.Store(false)
		h.cancel()
	}
	m.mu.Unlock()

	if len(handles) > 0 {
		m.logger.Info("Cancelled in-flight poll", "connection", connID)
	}
}

// ForgetConnection cancels polls of a removed connection and discards its
// detection and status.
func (m *Monitor) ForgetConnection(connID string) {
	m.CancelConnection(connID)
	if o, ok := m.book.DropConnection(connID); ok {
		m.logger.Info("Discarded detection of removed connection", "connection", connID, "outage", o.ID)
	}

	m.mu.Lock()
	delete(m.status, connID)
	m.mu.Unlock()
	m.local.Forget(connID)
}

// Status returns a copy of the per-connection polling health.
func (m *Monitor) Status() map[string]ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ConnectionStatus, len(m.status))
	for id, s := range m.status {
		out[id] = *s
	}
	return out
}

func (m *Monitor) cancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, handles := range m.polls {
		for h := range handles {
			h.live.Store(false)
			h.cancel()
		}
	}
}

func (m *Monitor) acquire(ctx context.Context, connID string) (func(), bool) {
	releaseLocal, ok, _ := m.local.TryAcquire(ctx, connID)
	if !ok {
		return nil, false
	}
	if m.shared == nil {
		return releaseLocal, true
	}

	releaseShared, ok, err := m.shared.TryAcquire(ctx, connID)
	if err != nil {
		// fail open: the local guard still holds within this process
		m.logger.Warn("Shared poll guard unavailable", "connection", connID, "error", err)
		return releaseLocal, true
	}
	if !ok {
		releaseLocal()
		return nil, false
	}
	return func() {
		releaseShared()
		releaseLocal()
	}, true
}

func (m *Monitor) track(connID string, h *pollHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.polls[connID] == nil {
		m.polls[connID] = make(map[*pollHandle]struct{})
	}
	m.polls[connID][h] = struct{}{}
}

func (m *Monitor) untrack(connID string, h *pollHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.polls[connID], h)
	if len(m.polls[connID]) == 0 {
		delete(m.polls, connID)
	}
}

func (m *Monitor) statusLocked(conn *domain.Connection) *ConnectionStatus {
	s, ok := m.status[conn.ID]
	if !ok {
		s = &ConnectionStatus{ConnectionID: conn.ID, ProviderID: conn.ProviderID}
		m.status[conn.ID] = s
	}
	return s
}

func (m *Monitor) recordSuccess(conn *domain.Connection) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statusLocked(conn)
	s.LastPoll = now
	s.LastSuccess = now
	s.LastError = ""
	s.ConsecutiveFailures = 0
	s.BackoffUntil = time.Time{}
}

func (m *Monitor) recordFailure(conn *domain.Connection, err error, retryAfter time.Duration) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.statusLocked(conn)
	s.LastPoll = now
	s.LastError = err.Error()
	s.ConsecutiveFailures++
	if retryAfter > 0 {
		s.BackoffUntil = now.Add(retryAfter)
	}
}

func (m *Monitor) backoffUntil(connID string) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.status[connID]; ok {
		return s.BackoffUntil
	}
	return time.Time{}
}
