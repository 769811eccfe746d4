package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/vietddude/outagewatch/internal/core/money"
)

// =============================================================================
// Transition Table Tests
// =============================================================================

func TestClaimStatusCanTransition(t *testing.T) {
	tests := []struct {
		name     string
		from     ClaimStatus
		to       ClaimStatus
		expected bool
	}{
		{"detected to confirmed", ClaimDetected, ClaimConfirmed, true},
		{"detected to dismissed", ClaimDetected, ClaimDismissed, true},
		{"detected to submitted", ClaimDetected, ClaimSubmitted, false},
		{"confirmed to script ready", ClaimConfirmed, ClaimScriptReady, true},
		{"confirmed to dismissed", ClaimConfirmed, ClaimDismissed, true},
		{"confirmed to approved", ClaimConfirmed, ClaimApproved, false},
		{"script ready to submitted", ClaimScriptReady, ClaimSubmitted, true},
		{"script ready to dismissed", ClaimScriptReady, ClaimDismissed, false},
		{"submitted to approved", ClaimSubmitted, ClaimApproved, true},
		{"submitted to denied", ClaimSubmitted, ClaimDenied, true},
		{"submitted to dismissed", ClaimSubmitted, ClaimDismissed, false},
		{"unknown status", ClaimStatus("bogus"), ClaimConfirmed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.from.CanTransition(tt.to); got != tt.expected {
				t.Errorf("%s.CanTransition(%s) = %v, want %v", tt.from, tt.to, got, tt.expected)
			}
		})
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, from := range AllClaimStatuses {
		if !from.IsTerminal() {
			continue
		}
		for _, to := range AllClaimStatuses {
			if from.CanTransition(to) {
				t.Errorf("terminal status %s allows transition to %s", from, to)
			}
		}
	}
}

func TestPendingAndTerminalPartition(t *testing.T) {
	for _, s := range AllClaimStatuses {
		if s.IsPending() == s.IsTerminal() {
			t.Errorf("status %s: pending=%v terminal=%v, want exactly one", s, s.IsPending(), s.IsTerminal())
		}
	}
}

func TestParseClaimStatus(t *testing.T) {
	if s, err := ParseClaimStatus("script_ready"); err != nil || s != ClaimScriptReady {
		t.Errorf("ParseClaimStatus(script_ready) = %v, %v", s, err)
	}
	if _, err := ParseClaimStatus("scriptReady"); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

// =============================================================================
// Claim Tests
// =============================================================================

func TestClaimValidate(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := start.Add(4 * time.Hour)
	amount := money.MustParse("3.00")
	script := &GeneratedClaimScript{Text: "hello"}

	base := func(status ClaimStatus) *Claim {
		return &Claim{
			ID:          "c1",
			Status:      status,
			OutageStart: start,
			OutageEnd:   now,
		}
	}

	tests := []struct {
		name    string
		claim   func() *Claim
		wantErr bool
	}{
		{"confirmed without script", func() *Claim { return base(ClaimConfirmed) }, false},
		{"script ready without script", func() *Claim { return base(ClaimScriptReady) }, true},
		{"approved without actual credit", func() *Claim {
			c := base(ClaimApproved)
			c.Script, c.SubmittedAt, c.ResolvedAt = script, &now, &now
			return c
		}, true},
		{"approved with actual credit", func() *Claim {
			c := base(ClaimApproved)
			c.Script, c.SubmittedAt, c.ResolvedAt, c.ActualCredit = script, &now, &now, &amount
			return c
		}, false},
		{"submitted with actual credit", func() *Claim {
			c := base(ClaimSubmitted)
			c.Script, c.SubmittedAt, c.ActualCredit = script, &now, &amount
			return c
		}, true},
		{"dismissed without resolved at", func() *Claim { return base(ClaimDismissed) }, true},
		{"end before start", func() *Claim {
			c := base(ClaimConfirmed)
			c.OutageEnd = start.Add(-time.Minute)
			return c
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.claim().Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestClaimCloneIsDeep(t *testing.T) {
	amount := money.MustParse("1.00")
	now := time.Now()
	orig := &Claim{
		ID:           "c1",
		ActualCredit: &amount,
		SubmittedAt:  &now,
		Script:       &GeneratedClaimScript{Tips: []string{"a"}},
	}

	cp := orig.Clone()
	*cp.ActualCredit = money.MustParse("9.99")
	cp.Script.Tips[0] = "changed"

	if *orig.ActualCredit != amount {
		t.Error("clone shares actual credit with original")
	}
	if orig.Script.Tips[0] != "a" {
		t.Error("clone shares tips with original")
	}
}

func TestClaimFilterMatch(t *testing.T) {
	c := &Claim{ConnectionID: "conn-1", Status: ClaimSubmitted}

	tests := []struct {
		name   string
		filter ClaimFilter
		want   bool
	}{
		{"zero filter", ClaimFilter{}, true},
		{"status match", ClaimFilter{Statuses: []ClaimStatus{ClaimSubmitted, ClaimApproved}}, true},
		{"status miss", ClaimFilter{Statuses: []ClaimStatus{ClaimApproved}}, false},
		{"connection miss", ClaimFilter{ConnectionID: "conn-2"}, false},
		{"pending only", ClaimFilter{PendingOnly: true}, true},
		{"resolved only", ClaimFilter{ResolvedOnly: true}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(c); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

// =============================================================================
// Error Kind Tests
// =============================================================================

func TestErrorKinds(t *testing.T) {
	storageErr := errors.New("disk full")

	tests := []struct {
		name  string
		err   error
		kind  error
		retry bool
	}{
		{"validation", &ValidationError{Field: "zip_code", Message: "must be 5 digits"}, ErrValidation, false},
		{"duplicate", &DuplicateConnectionError{ProviderID: "comcast", ZipCode: "48201"}, ErrDuplicateConnection, false},
		{"state conflict", &StateConflictError{ClaimID: "c1", From: ClaimApproved, Op: "submit"}, ErrStateConflict, false},
		{"persistence", &PersistenceError{Op: "update claim", Err: storageErr}, ErrPersistence, true},
		{"ineligible", &IneligibleError{Reason: "below provider SLA threshold"}, ErrIneligible, false},
		{"not found", NotFound("claim", "c1"), ErrNotFound, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.err, tt.kind) {
				t.Errorf("errors.Is(%v, %v) = false", tt.err, tt.kind)
			}
			if got := IsRetryable(tt.err); got != tt.retry {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retry)
			}
		})
	}

	pe := &PersistenceError{Op: "update claim", Err: storageErr}
	if !errors.Is(pe, storageErr) {
		t.Error("persistence error should unwrap to its cause")
	}
}

func TestDetectedOutageDuration(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	now := start.Add(90 * time.Minute)

	o := DetectedOutage{StartTime: start}
	if got := o.Duration(now); got != 90*time.Minute {
		t.Errorf("ongoing duration = %v, want 90m", got)
	}

	end := start.Add(30 * time.Minute)
	o.EndTime = &end
	if got := o.Duration(now); got != 30*time.Minute {
		t.Errorf("closed duration = %v, want 30m", got)
	}

	cp := o.Clone()
	*cp.EndTime = now
	if !o.EndTime.Equal(end) {
		t.Error("clone shares end time with original")
	}
}
