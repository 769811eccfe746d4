package domain

import "time"

// OutageSource tells where a detection came from
type OutageSource string

const (
	OutageSourceCrowd  OutageSource = "crowd"
	OutageSourceManual OutageSource = "manual"
)

// DetectedOutage is a suspected outage on one connection, awaiting the user.
// It lives only in the outage book; once confirmed or dismissed it is gone.
type DetectedOutage struct {
	ID               string       `json:"id"`
	UserID           string       `json:"user_id"`
	ConnectionID     string       `json:"connection_id"`
	StartTime        time.Time    `json:"start_time"`
	EndTime          *time.Time   `json:"end_time,omitempty"`
	LastSeen         time.Time    `json:"last_seen"`
	CrowdReportCount int          `json:"crowd_report_count"`
	CrowdMessage     string       `json:"crowd_message,omitempty"`
	Source           OutageSource `json:"source"`
	Version          int          `json:"version"`
	DetectedAt       time.Time    `json:"detected_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// IsOngoing reports whether the outage has no end yet.
func (o *DetectedOutage) IsOngoing() bool {
	return o.EndTime == nil
}

// EffectiveEnd is the end time, or now for an ongoing outage.
func (o *DetectedOutage) EffectiveEnd(now time.Time) time.Time {
	if o.EndTime != nil {
		return *o.EndTime
	}
	return now
}

// Duration returns the outage length, using now as a provisional end.
func (o *DetectedOutage) Duration(now time.Time) time.Duration {
	d := o.EffectiveEnd(now).Sub(o.StartTime)
	if d < 0 {
		return 0
	}
	return d
}

// Clone returns a deep copy.
func (o DetectedOutage) Clone() DetectedOutage {
	if o.EndTime != nil {
		end := *o.EndTime
		o.EndTime = &end
	}
	return o
}
