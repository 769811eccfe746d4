package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/monitoring/monitor"
)

// =============================================================================
// Stubs
// =============================================================================

type stubPolls struct {
	running bool
	status  map[string]monitor.ConnectionStatus
}

func (s *stubPolls) Status() map[string]monitor.ConnectionStatus { return s.status }
func (s *stubPolls) IsRunning() bool                             { return s.running }

type stubPinger struct {
	err   error
	calls int
}

func (s *stubPinger) Ping(ctx context.Context) error {
	s.calls++
	return s.err
}

func pollsWithFailures(n int) *stubPolls {
	return &stubPolls{
		running: true,
		status: map[string]monitor.ConnectionStatus{
			"conn-1": {
				ConnectionID:        "conn-1",
				ProviderID:          "comcast",
				LastSuccess:         time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
				ConsecutiveFailures: n,
			},
		},
	}
}

// =============================================================================
// Monitor
// =============================================================================

func TestMonitor_ConnectionStatus(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantConn   SystemStatus
		wantSystem SystemStatus
	}{
		{"healthy", 0, StatusHealthy, StatusHealthy},
		{"degraded", 1, StatusDegraded, StatusDegraded},
		{"critical connection only degrades the system", 5, StatusCritical, StatusDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMonitor(pollsWithFailures(tt.failures), &stubPinger{})
			report := m.CheckHealth(context.Background())

			conn := report.Connections["conn-1"]
			if conn.Status != tt.wantConn {
				t.Errorf("connection status = %s, want %s", conn.Status, tt.wantConn)
			}
			if report.SystemStatus != tt.wantSystem {
				t.Errorf("system status = %s, want %s", report.SystemStatus, tt.wantSystem)
			}
			if conn.LastSuccess == nil {
				t.Error("expected last success to be reported")
			}
			if !report.MonitorRunning {
				t.Error("expected monitor running")
			}
		})
	}
}

func TestMonitor_StorageDown(t *testing.T) {
	m := NewMonitor(pollsWithFailures(0), &stubPinger{err: errors.New("connection refused")})
	report := m.CheckHealth(context.Background())

	if report.SystemStatus != StatusCritical {
		t.Errorf("expected critical, got %s", report.SystemStatus)
	}
	if report.Storage.Error == "" {
		t.Error("expected storage error text")
	}
}

func TestMonitor_CachesReport(t *testing.T) {
	pinger := &stubPinger{}
	m := NewMonitor(nil, pinger)

	m.CheckHealth(context.Background())
	m.CheckHealth(context.Background())
	if pinger.calls != 1 {
		t.Errorf("expected 1 ping within cache window, got %d", pinger.calls)
	}

	m.cacheFor = 0
	m.CheckHealth(context.Background())
	if pinger.calls != 2 {
		t.Errorf("expected cache bypass, got %d pings", pinger.calls)
	}
}

// =============================================================================
// Server
// =============================================================================

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name        string
		pingErr     error
		running     bool
		wantCode    int
		wantStatus  string
		wantStorage string
		wantPolling string
	}{
		{"healthy", nil, true, http.StatusOK, "healthy", "healthy", "running"},
		{"polling stopped", nil, false, http.StatusOK, "healthy", "healthy", "stopped"},
		{"critical", errors.New("down"), true, http.StatusServiceUnavailable, "critical", "critical", "running"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			polls := pollsWithFailures(0)
			polls.running = tt.running
			s := NewServer(NewMonitor(polls, &stubPinger{err: tt.pingErr}), 0)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["status"] != tt.wantStatus || body["storage"] != tt.wantStorage || body["polling"] != tt.wantPolling {
				t.Errorf("body = %v", body)
			}
		})
	}
}

func TestServer_Detailed(t *testing.T) {
	s := NewServer(NewMonitor(pollsWithFailures(2), &stubPinger{}), 0)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("code = %d, want 200 while degraded", rec.Code)
	}
	var report HealthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Connections["conn-1"].ConsecutiveFailures != 2 || report.SystemStatus != StatusDegraded {
		t.Errorf("unexpected report: %+v", report)
	}
}

func TestServer_DetailedCritical(t *testing.T) {
	s := NewServer(NewMonitor(pollsWithFailures(0), &stubPinger{err: errors.New("down")}), 0)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("code = %d, want 503", rec.Code)
	}
	var report HealthReport
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Storage.Error != "down" {
		t.Errorf("storage = %+v", report.Storage)
	}
}

func TestServer_Metrics(t *testing.T) {
	s := NewServer(NewMonitor(nil, nil), 0)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("metrics code = %d", rec.Code)
	}
}
