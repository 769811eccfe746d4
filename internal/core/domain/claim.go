package domain

import (
	"fmt"
	"slices"
	"time"

	"github.com/vietddude/outagewatch/internal/core/money"
)

// ClaimStatus is the lifecycle state of a credit claim
type ClaimStatus string

const (
	ClaimDetected    ClaimStatus = "detected"
	ClaimConfirmed   ClaimStatus = "confirmed"
	ClaimScriptReady ClaimStatus = "script_ready"
	ClaimSubmitted   ClaimStatus = "submitted"
	ClaimApproved    ClaimStatus = "approved"
	ClaimDenied      ClaimStatus = "denied"
	ClaimDismissed   ClaimStatus = "dismissed"
)

// AllClaimStatuses lists every status in lifecycle order.
var AllClaimStatuses = []ClaimStatus{
	ClaimDetected,
	ClaimConfirmed,
	ClaimScriptReady,
	ClaimSubmitted,
	ClaimApproved,
	ClaimDenied,
	ClaimDismissed,
}

// ClaimTransitions is the closed transition table.
// Key is the current status, value is the list of valid next statuses.
var ClaimTransitions = map[ClaimStatus][]ClaimStatus{
	ClaimDetected:    {ClaimConfirmed, ClaimDismissed},
	ClaimConfirmed:   {ClaimScriptReady, ClaimDismissed},
	ClaimScriptReady: {ClaimSubmitted},
	ClaimSubmitted:   {ClaimApproved, ClaimDenied},
	ClaimApproved:    {},
	ClaimDenied:      {},
	ClaimDismissed:   {},
}

// ParseClaimStatus rejects anything outside the closed status set.
func ParseClaimStatus(s string) (ClaimStatus, error) {
	st := ClaimStatus(s)
	if !st.Valid() {
		return "", &ValidationError{Field: "status", Message: fmt.Sprintf("unknown claim status %q", s)}
	}
	return st, nil
}

// Valid reports whether s is a known status.
func (s ClaimStatus) Valid() bool {
	_, ok := ClaimTransitions[s]
	return ok
}

// CanTransition checks if moving from s to next is allowed.
func (s ClaimStatus) CanTransition(next ClaimStatus) bool {
	return slices.Contains(ClaimTransitions[s], next)
}

// IsTerminal reports whether no further transitions exist.
func (s ClaimStatus) IsTerminal() bool {
	return s == ClaimApproved || s == ClaimDenied || s == ClaimDismissed
}

// IsPending reports whether the claim still counts toward pending credit.
func (s ClaimStatus) IsPending() bool {
	switch s {
	case ClaimDetected, ClaimConfirmed, ClaimScriptReady, ClaimSubmitted:
		return true
	}
	return false
}

// HasScript reports whether a claim in this status must carry its script.
func (s ClaimStatus) HasScript() bool {
	switch s {
	case ClaimScriptReady, ClaimSubmitted, ClaimApproved, ClaimDenied:
		return true
	}
	return false
}

// Description returns a human-readable description of a status.
func (s ClaimStatus) Description() string {
	switch s {
	case ClaimDetected:
		return "Detected - outage found, waiting for the user"
	case ClaimConfirmed:
		return "Confirmed - user confirmed the outage, eligible for credit"
	case ClaimScriptReady:
		return "Script ready - claim script generated, ready to send"
	case ClaimSubmitted:
		return "Submitted - sent to the provider, awaiting a decision"
	case ClaimApproved:
		return "Approved - provider granted a credit"
	case ClaimDenied:
		return "Denied - provider refused the credit"
	case ClaimDismissed:
		return "Dismissed - user chose not to pursue"
	default:
		return "Unknown status"
	}
}

// Claim is a credit claim against a provider for one outage window
type Claim struct {
	ID               string                `json:"id"`
	UserID           string                `json:"user_id"`
	ConnectionID     string                `json:"connection_id"`
	ProviderID       string                `json:"provider_id"`
	ProviderName     string                `json:"provider_name"`
	Category         Category              `json:"category"`
	OutageStart      time.Time             `json:"outage_start"`
	OutageEnd        time.Time             `json:"outage_end"`
	DurationHours    float64               `json:"duration_hours"`
	Status           ClaimStatus           `json:"status"`
	EstimatedCredit  money.Amount          `json:"estimated_credit"`
	ActualCredit     *money.Amount         `json:"actual_credit,omitempty"`
	ProviderResponse string                `json:"provider_response,omitempty"`
	Script           *GeneratedClaimScript `json:"script,omitempty"`
	SubmittedAt      *time.Time            `json:"submitted_at,omitempty"`
	ResolvedAt       *time.Time            `json:"resolved_at,omitempty"`
	CreatedAt        time.Time             `json:"created_at"`
	UpdatedAt        time.Time             `json:"updated_at"`
	Version          int                   `json:"version"`
}

// Clone returns a deep copy.
func (c *Claim) Clone() *Claim {
	if c == nil {
		return nil
	}
	cp := *c
	if c.ActualCredit != nil {
		v := *c.ActualCredit
		cp.ActualCredit = &v
	}
	if c.SubmittedAt != nil {
		t := *c.SubmittedAt
		cp.SubmittedAt = &t
	}
	if c.ResolvedAt != nil {
		t := *c.ResolvedAt
		cp.ResolvedAt = &t
	}
	cp.Script = c.Script.Clone()
	return &cp
}

// Validate checks the per-status field invariants before a claim is written.
func (c *Claim) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("claim %s: unknown status %q", c.ID, c.Status)
	}
	if (c.ActualCredit != nil) != (c.Status == ClaimApproved) {
		return fmt.Errorf("claim %s: actual credit must be set exactly when approved (status %s)", c.ID, c.Status)
	}
	if c.Status.HasScript() && c.Script == nil {
		return fmt.Errorf("claim %s: status %s requires a script", c.ID, c.Status)
	}
	if (c.Status == ClaimSubmitted || c.Status == ClaimApproved || c.Status == ClaimDenied) && c.SubmittedAt == nil {
		return fmt.Errorf("claim %s: status %s requires submitted_at", c.ID, c.Status)
	}
	if c.Status.IsTerminal() && c.ResolvedAt == nil {
		return fmt.Errorf("claim %s: terminal status %s requires resolved_at", c.ID, c.Status)
	}
	if c.OutageEnd.Before(c.OutageStart) {
		return fmt.Errorf("claim %s: outage ends before it starts", c.ID)
	}
	return nil
}

// ClaimTransition is one entry of a claim's audit history
type ClaimTransition struct {
	ClaimID string      `json:"claim_id"`
	Seq     int         `json:"seq"`
	From    ClaimStatus `json:"from"`
	To      ClaimStatus `json:"to"`
	Reason  string      `json:"reason,omitempty"`
	At      time.Time   `json:"at"`
}

// ClaimFilter narrows a claim listing. Zero value matches everything.
type ClaimFilter struct {
	Statuses     []ClaimStatus
	ConnectionID string
	PendingOnly  bool
	ResolvedOnly bool
}

// Match reports whether c passes the filter.
func (f ClaimFilter) Match(c *Claim) bool {
	if len(f.Statuses) > 0 && !slices.Contains(f.Statuses, c.Status) {
		return false
	}
	if f.ConnectionID != "" && c.ConnectionID != f.ConnectionID {
		return false
	}
	if f.PendingOnly && !c.Status.IsPending() {
		return false
	}
	if f.ResolvedOnly && !c.Status.IsTerminal() {
		return false
	}
	return true
}
