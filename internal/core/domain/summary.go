package domain

import (
	"time"

	"github.com/vietddude/outagewatch/internal/core/money"
)

// CreditSummary aggregates all claims of a user
type CreditSummary struct {
	TotalRecovered      money.Amount `json:"total_recovered"`
	TotalPending        money.Amount `json:"total_pending"`
	ApprovedClaimsCount int          `json:"approved_claims_count"`
	PendingClaimsCount  int          `json:"pending_claims_count"`
	ComputedAt          time.Time    `json:"computed_at"`
}
