// Package health provides system health monitoring and status reporting.
package health

import "time"

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// worse returns the more severe of a and b.
func worse(a, b SystemStatus) SystemStatus {
	rank := map[SystemStatus]int{StatusHealthy: 0, StatusDegraded: 1, StatusCritical: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}

// ConnectionHealth contains signal polling health for one connection.
type ConnectionHealth struct {
	ConnectionID        string       `json:"connection_id"`
	ProviderID          string       `json:"provider_id"`
	Status              SystemStatus `json:"status"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSuccess         *time.Time   `json:"last_success,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
	BackoffUntil        *time.Time   `json:"backoff_until,omitempty"`
}

// StorageHealth reports whether the store answers.
type StorageHealth struct {
	Status SystemStatus `json:"status"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus   SystemStatus                `json:"system_status"`
	MonitorRunning bool                        `json:"monitor_running"`
	Storage        StorageHealth               `json:"storage"`
	Connections    map[string]ConnectionHealth `json:"connections"`
	CheckedAt      time.Time                   `json:"checked_at"`
}
