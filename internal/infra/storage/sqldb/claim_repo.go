package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
	"github.com/vietddude/outagewatch/internal/infra/storage"
)

type claimRow struct {
	ID                   string         `db:"id"`
	UserID               string         `db:"user_id"`
	ConnectionID         string         `db:"connection_id"`
	ProviderID           string         `db:"provider_id"`
	ProviderName         string         `db:"provider_name"`
	Category             string         `db:"category"`
	OutageStart          int64          `db:"outage_start"`
	OutageEnd            int64          `db:"outage_end"`
	DurationHours        float64        `db:"duration_hours"`
	Status               string         `db:"status"`
	EstimatedCreditCents int64          `db:"estimated_credit_cents"`
	ActualCreditCents    sql.NullInt64  `db:"actual_credit_cents"`
	ProviderResponse     sql.NullString `db:"provider_response"`
	ScriptText           sql.NullString `db:"script_text"`
	ScriptSupportURL     sql.NullString `db:"script_support_url"`
	ScriptSupportPhone   sql.NullString `db:"script_support_phone"`
	ScriptTips           sql.NullString `db:"script_tips"`
	SubmittedAt          sql.NullInt64  `db:"submitted_at"`
	ResolvedAt           sql.NullInt64  `db:"resolved_at"`
	CreatedAt            int64          `db:"created_at"`
	UpdatedAt            int64          `db:"updated_at"`
	Version              int            `db:"version"`
}

const claimColumns = `id, user_id, connection_id, provider_id, provider_name, category,
	outage_start, outage_end, duration_hours, status, estimated_credit_cents,
	actual_credit_cents, provider_response, script_text, script_support_url,
	script_support_phone, script_tips, submitted_at, resolved_at, created_at,
	updated_at, version`

func claimToRow(c *domain.Claim) (claimRow, error) {
	row := claimRow{
		ID:                   c.ID,
		UserID:               c.UserID,
		ConnectionID:         c.ConnectionID,
		ProviderID:           c.ProviderID,
		ProviderName:         c.ProviderName,
		Category:             string(c.Category),
		OutageStart:          toNanos(c.OutageStart),
		OutageEnd:            toNanos(c.OutageEnd),
		DurationHours:        c.DurationHours,
		Status:               string(c.Status),
		EstimatedCreditCents: c.EstimatedCredit.Cents(),
		CreatedAt:            toNanos(c.CreatedAt),
		UpdatedAt:            toNanos(c.UpdatedAt),
		Version:              c.Version,
	}
	if c.ActualCredit != nil {
		row.ActualCreditCents = sql.NullInt64{Int64: c.ActualCredit.Cents(), Valid: true}
	}
	if c.ProviderResponse != "" {
		row.ProviderResponse = sql.NullString{String: c.ProviderResponse, Valid: true}
	}
	if c.Script != nil {
		tips, err := json.Marshal(c.Script.Tips)
		if err != nil {
			return claimRow{}, fmt.Errorf("encode script tips: %w", err)
		}
		row.ScriptText = sql.NullString{String: c.Script.Text, Valid: true}
		row.ScriptSupportURL = sql.NullString{String: c.Script.SupportURL, Valid: true}
		row.ScriptSupportPhone = sql.NullString{String: c.Script.SupportPhone, Valid: true}
		row.ScriptTips = sql.NullString{String: string(tips), Valid: true}
	}
	if c.SubmittedAt != nil {
		row.SubmittedAt = sql.NullInt64{Int64: toNanos(*c.SubmittedAt), Valid: true}
	}
	if c.ResolvedAt != nil {
		row.ResolvedAt = sql.NullInt64{Int64: toNanos(*c.ResolvedAt), Valid: true}
	}
	return row, nil
}

func (r claimRow) toDomain() (*domain.Claim, error) {
	status, err := domain.ParseClaimStatus(r.Status)
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", r.ID, err)
	}

	c := &domain.Claim{
		ID:               r.ID,
		UserID:           r.UserID,
		ConnectionID:     r.ConnectionID,
		ProviderID:       r.ProviderID,
		ProviderName:     r.ProviderName,
		Category:         domain.Category(r.Category),
		OutageStart:      fromNanos(r.OutageStart),
		OutageEnd:        fromNanos(r.OutageEnd),
		DurationHours:    r.DurationHours,
		Status:           status,
		EstimatedCredit:  money.FromCents(r.EstimatedCreditCents),
		ProviderResponse: r.ProviderResponse.String,
		CreatedAt:        fromNanos(r.CreatedAt),
		UpdatedAt:        fromNanos(r.UpdatedAt),
		Version:          r.Version,
	}
	if r.ActualCreditCents.Valid {
		v := money.FromCents(r.ActualCreditCents.Int64)
		c.ActualCredit = &v
	}
	if r.ScriptText.Valid {
		c.Script = &domain.GeneratedClaimScript{
			Text:         r.ScriptText.String,
			SupportURL:   r.ScriptSupportURL.String,
			SupportPhone: r.ScriptSupportPhone.String,
		}
		if r.ScriptTips.Valid && r.ScriptTips.String != "" {
			if err := json.Unmarshal([]byte(r.ScriptTips.String), &c.Script.Tips); err != nil {
				return nil, fmt.Errorf("claim %s: decode script tips: %w", r.ID, err)
			}
		}
	}
	if r.SubmittedAt.Valid {
		t := fromNanos(r.SubmittedAt.Int64)
		c.SubmittedAt = &t
	}
	if r.ResolvedAt.Valid {
		t := fromNanos(r.ResolvedAt.Int64)
		c.ResolvedAt = &t
	}
	return c, nil
}

// ClaimRepo is the SQL claim repository.
type ClaimRepo struct {
	q sqlx.ExtContext
}

func (r *ClaimRepo) Create(ctx context.Context, claim *domain.Claim) error {
	claim.Version = 1
	row, err := claimToRow(claim)
	if err != nil {
		return err
	}

	_, err = sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO claims (`+claimColumns+`, seq)
		VALUES (:id, :user_id, :connection_id, :provider_id, :provider_name, :category,
			:outage_start, :outage_end, :duration_hours, :status, :estimated_credit_cents,
			:actual_credit_cents, :provider_response, :script_text, :script_support_url,
			:script_support_phone, :script_tips, :submitted_at, :resolved_at, :created_at,
			:updated_at, :version,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM claims))`,
		row,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("insert claim %s: %w", claim.ID, storage.ErrVersionConflict)
		}
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (r *ClaimRepo) Get(ctx context.Context, userID, id string) (*domain.Claim, error) {
	var row claimRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		`SELECT `+claimColumns+` FROM claims WHERE id = ? AND user_id = ?`), id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("claim", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return row.toDomain()
}

func (r *ClaimRepo) List(ctx context.Context, userID string, filter domain.ClaimFilter) ([]*domain.Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims WHERE user_id = ?`
	args := []any{userID}

	if filter.ConnectionID != "" {
		query += ` AND connection_id = ?`
		args = append(args, filter.ConnectionID)
	}
	if len(filter.Statuses) > 0 {
		marks := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY seq, id`

	var rows []claimRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.q.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list claims: %w", err)
	}

	out := make([]*domain.Claim, 0, len(rows))
	for _, row := range rows {
		c, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		// pending/resolved are derived from the status table, not stored
		if filter.Match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

type claimUpdate struct {
	claimRow
	ExpectedVersion int `db:"expected_version"`
}

func (r *ClaimRepo) Update(ctx context.Context, claim *domain.Claim, expectedVersion int) error {
	row, err := claimToRow(claim)
	if err != nil {
		return err
	}

	res, err := sqlx.NamedExecContext(ctx, r.q, `
		UPDATE claims SET
			outage_start = :outage_start,
			outage_end = :outage_end,
			duration_hours = :duration_hours,
			status = :status,
			estimated_credit_cents = :estimated_credit_cents,
			actual_credit_cents = :actual_credit_cents,
			provider_response = :provider_response,
			script_text = :script_text,
			script_support_url = :script_support_url,
			script_support_phone = :script_support_phone,
			script_tips = :script_tips,
			submitted_at = :submitted_at,
			resolved_at = :resolved_at,
			updated_at = :updated_at,
			version = version + 1
		WHERE id = :id AND user_id = :user_id AND version = :expected_version`,
		claimUpdate{claimRow: row, ExpectedVersion: expectedVersion},
	)
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update claim: %w", err)
	}
	if n == 0 {
		var exists int
		if err := sqlx.GetContext(ctx, r.q, &exists, r.q.Rebind(
			`SELECT COUNT(*) FROM claims WHERE id = ? AND user_id = ?`), claim.ID, claim.UserID); err != nil {
			return fmt.Errorf("update claim: %w", err)
		}
		if exists == 0 {
			return domain.NotFound("claim", claim.ID)
		}
		return storage.ErrVersionConflict
	}

	claim.Version = expectedVersion + 1
	return nil
}

func (r *ClaimRepo) CountByConnection(ctx context.Context, userID, connectionID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, r.q, &n, r.q.Rebind(
		`SELECT COUNT(*) FROM claims WHERE user_id = ? AND connection_id = ?`), userID, connectionID)
	if err != nil {
		return 0, fmt.Errorf("count claims: %w", err)
	}
	return n, nil
}

type transitionRow struct {
	ClaimID string `db:"claim_id"`
	Seq     int    `db:"seq"`
	From    string `db:"from_status"`
	To      string `db:"to_status"`
	Reason  string `db:"reason"`
	At      int64  `db:"at"`
}

func (r *ClaimRepo) AppendTransition(ctx context.Context, userID string, t *domain.ClaimTransition) error {
	var next int
	err := sqlx.GetContext(ctx, r.q, &next, r.q.Rebind(`
		SELECT COALESCE(MAX(t.seq), 0) + 1
		FROM claims c LEFT JOIN claim_transitions t ON t.claim_id = c.id
		WHERE c.id = ? AND c.user_id = ?
		GROUP BY c.id`), t.ClaimID, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NotFound("claim", t.ClaimID)
	}
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}

	t.Seq = next
	_, err = sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO claim_transitions (claim_id, seq, from_status, to_status, reason, at)
		VALUES (:claim_id, :seq, :from_status, :to_status, :reason, :at)`,
		transitionRow{
			ClaimID: t.ClaimID,
			Seq:     t.Seq,
			From:    string(t.From),
			To:      string(t.To),
			Reason:  t.Reason,
			At:      toNanos(t.At),
		},
	)
	if err != nil {
		return fmt.Errorf("append transition: %w", err)
	}
	return nil
}

func (r *ClaimRepo) History(ctx context.Context, userID, claimID string) ([]domain.ClaimTransition, error) {
	var owner int
	if err := sqlx.GetContext(ctx, r.q, &owner, r.q.Rebind(
		`SELECT COUNT(*) FROM claims WHERE id = ? AND user_id = ?`), claimID, userID); err != nil {
		return nil, fmt.Errorf("claim history: %w", err)
	}
	if owner == 0 {
		return nil, domain.NotFound("claim", claimID)
	}

	var rows []transitionRow
	if err := sqlx.SelectContext(ctx, r.q, &rows, r.q.Rebind(
		`SELECT claim_id, seq, from_status, to_status, reason, at
		FROM claim_transitions WHERE claim_id = ? ORDER BY seq`), claimID); err != nil {
		return nil, fmt.Errorf("claim history: %w", err)
	}

	out := make([]domain.ClaimTransition, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.ClaimTransition{
			ClaimID: row.ClaimID,
			Seq:     row.Seq,
			From:    domain.ClaimStatus(row.From),
			To:      domain.ClaimStatus(row.To),
			Reason:  row.Reason,
			At:      fromNanos(row.At),
		})
	}
	return out, nil
}
