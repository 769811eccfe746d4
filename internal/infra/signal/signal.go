// Package signal queries crowd-sourced outage reports for a provider and zip code.
package signal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
)

// Report is the crowd signal for one provider and zip code.
type Report struct {
	ProviderID  string    `json:"provider_id"`
	ZipCode     string    `json:"zip_code"`
	ReportCount int       `json:"report_count"`
	FirstSeen   time.Time `json:"first_seen"`
	LastSeen    time.Time `json:"last_seen"`
	Message     string    `json:"message,omitempty"`
}

// Source answers outage queries. A nil report with a nil error means the
// source knows of no outage.
type Source interface {
	Name() string
	Query(ctx context.Context, providerID, zip string) (*Report, error)
}

// ErrorKind classifies a source failure.
type ErrorKind string

const (
	KindRateLimited ErrorKind = "rate_limited"
	KindBlocked     ErrorKind = "blocked"
	KindTimeout     ErrorKind = "timeout"
	KindTransport   ErrorKind = "transport"
	KindUpstream    ErrorKind = "upstream"
	KindBadResponse ErrorKind = "bad_response"
)

// Error is a failed query. It matches domain.ErrSignalSourceUnavailable.
type Error struct {
	Source     string
	Kind       ErrorKind
	RetryAfter time.Duration // zero when the source gave no hint
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("signal source %s: %s", e.Source, e.Kind)
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{domain.ErrSignalSourceUnavailable}
	}
	return []error{domain.ErrSignalSourceUnavailable, e.Err}
}

// Classify returns the error kind for metrics labels.
func Classify(err error) ErrorKind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "429") || strings.Contains(s, "rate limit") || strings.Contains(s, "too many requests") {
		return KindRateLimited
	}
	return KindTransport
}

// RetryAfter extracts the back-off hint of a source error, if any.
func RetryAfter(err error) time.Duration {
	var se *Error
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// Qualifies reports whether r is an outage signal for provider+zip with at
// least threshold reports.
func (r *Report) Qualifies(providerID, zip string, threshold int) bool {
	if r == nil || r.ReportCount < threshold || r.ReportCount <= 0 {
		return false
	}
	if r.ProviderID != "" && !strings.EqualFold(r.ProviderID, providerID) {
		return false
	}
	if r.ZipCode != "" && r.ZipCode != zip {
		return false
	}
	return true
}

// normalize fills defaults so downstream code sees a complete window.
func (r *Report) normalize(providerID, zip string, now time.Time) *Report {
	if r.ProviderID == "" {
		r.ProviderID = providerID
	}
	if r.ZipCode == "" {
		r.ZipCode = zip
	}
	if r.LastSeen.IsZero() {
		r.LastSeen = now
	}
	if r.FirstSeen.IsZero() || r.FirstSeen.After(r.LastSeen) {
		r.FirstSeen = r.LastSeen
	}
	return r
}
