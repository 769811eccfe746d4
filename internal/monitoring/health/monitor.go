package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/outagewatch/internal/monitoring/monitor"
)

// Failure counts at which a connection's polling is degraded or critical.
const (
	DegradedAfter = 1
	CriticalAfter = 5
)

// PollStatus exposes the outage monitor's per-connection state.
type PollStatus interface {
	Status() map[string]monitor.ConnectionStatus
	IsRunning() bool
}

// Pinger checks a dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor aggregates health status from various system components.
type Monitor struct {
	polls      PollStatus
	store      Pinger
	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(polls PollStatus, store Pinger) *Monitor {
	return &Monitor{
		polls:    polls,
		store:    store,
		cacheFor: 10 * time.Second,
	}
}

// CheckHealth builds a report. Results are reused for a few seconds so that
// repeated health checks do not hammer the store.
func (m *Monitor) CheckHealth(ctx context.Context) HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return *m.lastReport
	}

	report := HealthReport{
		SystemStatus: StatusHealthy,
		Storage:      StorageHealth{Status: StatusHealthy},
		Connections:  make(map[string]ConnectionHealth),
		CheckedAt:    time.Now(),
	}

	if m.store != nil {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := m.store.Ping(pctx); err != nil {
			report.Storage = StorageHealth{Status: StatusCritical, Error: err.Error()}
		}
		cancel()
	}
	report.SystemStatus = worse(report.SystemStatus, report.Storage.Status)

	if m.polls != nil {
		report.MonitorRunning = m.polls.IsRunning()
		for id, st := range m.polls.Status() {
			h := ConnectionHealth{
				ConnectionID:        id,
				ProviderID:          st.ProviderID,
				Status:              StatusHealthy,
				ConsecutiveFailures: st.ConsecutiveFailures,
				LastError:           st.LastError,
			}
			if !st.LastSuccess.IsZero() {
				t := st.LastSuccess
				h.LastSuccess = &t
			}
			if !st.BackoffUntil.IsZero() {
				t := st.BackoffUntil
				h.BackoffUntil = &t
			}

			if st.ConsecutiveFailures >= CriticalAfter {
				h.Status = StatusCritical
			} else if st.ConsecutiveFailures >= DegradedAfter {
				h.Status = StatusDegraded
			}

			// a failing signal source degrades the service but does not take it down
			if h.Status != StatusHealthy {
				report.SystemStatus = worse(report.SystemStatus, StatusDegraded)
			}
			report.Connections[id] = h
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = &report
	return report
}
