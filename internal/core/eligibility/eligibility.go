// Package eligibility decides whether an outage qualifies for a credit and
// estimates how much.
package eligibility

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/vietddude/outagewatch/internal/core/directory"
	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/core/policy"
)

// Reasons reported for ineligible outages.
const (
	ReasonBelowThreshold = "below provider SLA threshold"
	ReasonNotStarted     = "outage has not started"
	ReasonNoPolicy       = "no credit policy for provider"
)

// Result is the verdict for one outage.
type Result struct {
	IsEligible      bool          `json:"is_eligible"`
	EstimatedCredit money.Amount  `json:"estimated_credit"`
	Duration        time.Duration `json:"-"`
	Threshold       time.Duration `json:"-"`
	PolicyName      string        `json:"policy,omitempty"`
	Reason          string        `json:"reason,omitempty"`
	EvaluatedAt     time.Time     `json:"evaluated_at"`
}

// DurationHours is the outage length in hours, rounded to two places.
func (r Result) DurationHours() float64 {
	return roundHours(r.Duration)
}

// ThresholdHours is the SLA threshold in hours, rounded to two places.
func (r Result) ThresholdHours() float64 {
	return roundHours(r.Threshold)
}

func roundHours(d time.Duration) float64 {
	return math.Round(d.Hours()*100) / 100
}

// Engine evaluates outages against credit policies.
type Engine struct {
	policies  policy.Resolver
	providers directory.Directory
}

// NewEngine creates an engine. providers may be nil, in which case policies
// are resolved by provider ID and category only.
func NewEngine(policies policy.Resolver, providers directory.Directory) *Engine {
	return &Engine{policies: policies, providers: providers}
}

// Compute evaluates an outage on a connection. An ongoing outage is measured
// up to now. Ineligibility is a result, not an error; errors mean the policy
// could not be evaluated.
func (e *Engine) Compute(conn *domain.Connection, o domain.DetectedOutage, now time.Time) (Result, error) {
	res := Result{EvaluatedAt: now}

	end := o.EffectiveEnd(now)
	if end.Before(o.StartTime) {
		res.Reason = ReasonNotStarted
		return res, nil
	}
	res.Duration = end.Sub(o.StartTime)

	pol, err := e.policies.Resolve(e.ref(conn))
	if errors.Is(err, policy.ErrNoPolicy) {
		res.Reason = ReasonNoPolicy
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("resolve policy for %s: %w", conn.ProviderID, err)
	}
	res.PolicyName = pol.Name()
	res.Threshold = pol.Threshold()

	if res.Duration < res.Threshold {
		res.Reason = ReasonBelowThreshold
		return res, nil
	}

	credit, err := pol.Credit(res.Duration)
	if err != nil {
		return res, fmt.Errorf("compute credit with %s: %w", pol.Name(), err)
	}
	res.IsEligible = true
	res.EstimatedCredit = credit
	return res, nil
}

func (e *Engine) ref(conn *domain.Connection) policy.Ref {
	ref := policy.Ref{ProviderID: conn.ProviderID, Category: conn.Category}
	if e.providers == nil {
		return ref
	}
	// An unknown provider still falls back to its category.
	if p, err := e.providers.Lookup(conn.ProviderID); err == nil {
		ref.Policy = p.Policy
	}
	return ref
}
