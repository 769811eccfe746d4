package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server serves the engine's health report and Prometheus metrics, either on
// its own port or mounted on the API router through its handlers.
type Server struct {
	monitor *Monitor
	server  *http.Server
}

// statusResponse is the short /health body.
type statusResponse struct {
	Status  SystemStatus `json:"status"`
	Storage SystemStatus `json:"storage"`
	Polling string       `json:"polling"`
}

func NewServer(monitor *Monitor, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		monitor: monitor,
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}

	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/health/detailed", s.HandleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

func (s *Server) Handler() http.Handler { return s.server.Handler }

func (s *Server) Start() error { return s.server.ListenAndServe() }

func (s *Server) Stop(ctx context.Context) error { return s.server.Shutdown(ctx) }

// HandleHealth reports the overall status along with the store and polling
// state. Critical maps to 503.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())

	polling := "stopped"
	if report.MonitorRunning {
		polling = "running"
	}
	writeReport(w, report.SystemStatus, statusResponse{
		Status:  report.SystemStatus,
		Storage: report.Storage.Status,
		Polling: polling,
	})
}

// HandleDetailed adds per-connection polling health.
func (s *Server) HandleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.monitor.CheckHealth(r.Context())
	writeReport(w, report.SystemStatus, report)
}

func writeReport(w http.ResponseWriter, status SystemStatus, body any) {
	w.Header().Set("Content-Type", "application/json")
	if status == StatusCritical {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(body)
}
