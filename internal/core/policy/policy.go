// Package policy computes SLA thresholds and credit amounts for outages.
//
// Policies are data, loaded from a CUE catalog validated against an embedded
// schema, so provider terms change without touching the eligibility code.
package policy

import (
	"errors"
	"fmt"
	"time"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
)

// ErrNoPolicy is returned when nothing in the catalog covers a provider.
var ErrNoPolicy = errors.New("no credit policy for provider")

// Kind selects how a credit is computed from an outage duration.
type Kind string

const (
	// KindFlatDaily credits the daily rate for every started day of outage.
	KindFlatDaily Kind = "flat_daily"
	// KindProratedDaily credits the daily rate scaled by the outage length.
	KindProratedDaily Kind = "prorated_daily"
	// KindPerHourBeyondSLA credits the hourly rate for every started hour past the threshold.
	KindPerHourBeyondSLA Kind = "per_hour_beyond_sla"
)

// CreditPolicy is what the eligibility engine needs from a policy.
type CreditPolicy interface {
	Name() string
	Threshold() time.Duration
	Credit(outage time.Duration) (money.Amount, error)
}

// Resolver finds the policy that applies to a provider.
type Resolver interface {
	Resolve(ref Ref) (CreditPolicy, error)
}

// Ref identifies what a policy is looked up for. Policy, when set, names a
// catalog entry directly and wins over the provider and category mappings.
type Ref struct {
	ProviderID string
	Category   domain.Category
	Policy     string
}

// Policy is one catalog entry.
type Policy struct {
	ID           string
	Kind         Kind
	SLAThreshold time.Duration
	Rate         money.Amount
	MaxCredit    money.Amount // zero means uncapped
	Description  string
}

func (p *Policy) Name() string { return p.ID }

func (p *Policy) Threshold() time.Duration { return p.SLAThreshold }

// Credit computes the credit for an outage of length d.
func (p *Policy) Credit(d time.Duration) (money.Amount, error) {
	if d <= 0 {
		return 0, nil
	}

	var credit money.Amount
	switch p.Kind {
	case KindFlatDaily:
		days := startedUnits(d, 24*time.Hour)
		credit = money.Amount(int64(p.Rate) * days)
	case KindProratedDaily:
		c, err := p.Rate.Scale(int64(d/time.Second), int64(24*time.Hour/time.Second))
		if err != nil {
			return 0, fmt.Errorf("policy %s: %w", p.ID, err)
		}
		credit = c
	case KindPerHourBeyondSLA:
		hours := startedUnits(d-p.SLAThreshold, time.Hour)
		credit = money.Amount(int64(p.Rate) * hours)
	default:
		return 0, fmt.Errorf("policy %s: unknown kind %q", p.ID, p.Kind)
	}

	if p.MaxCredit > 0 {
		credit = money.Min(credit, p.MaxCredit)
	}
	return credit, nil
}

func (p *Policy) validate() error {
	switch p.Kind {
	case KindFlatDaily, KindProratedDaily, KindPerHourBeyondSLA:
	default:
		return fmt.Errorf("policy %s: unknown kind %q", p.ID, p.Kind)
	}
	if p.SLAThreshold < 0 {
		return fmt.Errorf("policy %s: negative sla_threshold", p.ID)
	}
	return nil
}

// startedUnits counts how many units d touches; a partial unit counts as one.
func startedUnits(d, unit time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + unit - 1) / unit)
}
