package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/vietddude/outagewatch/internal/core/domain"
	"github.com/vietddude/outagewatch/internal/core/money"
)

type connectionRow struct {
	ID                string `db:"id"`
	UserID            string `db:"user_id"`
	ProviderID        string `db:"provider_id"`
	ProviderName      string `db:"provider_name"`
	Category          string `db:"category"`
	ZipCode           string `db:"zip_code"`
	IsMonitoring      bool   `db:"is_monitoring"`
	ClaimsCount       int    `db:"claims_count"`
	TotalClaimedCents int64  `db:"total_claimed_cents"`
	CreatedAt         int64  `db:"created_at"`
	UpdatedAt         int64  `db:"updated_at"`
}

func (r connectionRow) toDomain() *domain.Connection {
	return &domain.Connection{
		ID:           r.ID,
		UserID:       r.UserID,
		ProviderID:   r.ProviderID,
		ProviderName: r.ProviderName,
		Category:     domain.Category(r.Category),
		ZipCode:      r.ZipCode,
		IsMonitoring: r.IsMonitoring,
		ClaimsCount:  r.ClaimsCount,
		TotalClaimed: money.FromCents(r.TotalClaimedCents),
		CreatedAt:    fromNanos(r.CreatedAt),
		UpdatedAt:    fromNanos(r.UpdatedAt),
	}
}

func connectionToRow(c *domain.Connection) connectionRow {
	return connectionRow{
		ID:                c.ID,
		UserID:            c.UserID,
		ProviderID:        c.ProviderID,
		ProviderName:      c.ProviderName,
		Category:          string(c.Category),
		ZipCode:           c.ZipCode,
		IsMonitoring:      c.IsMonitoring,
		ClaimsCount:       c.ClaimsCount,
		TotalClaimedCents: c.TotalClaimed.Cents(),
		CreatedAt:         toNanos(c.CreatedAt),
		UpdatedAt:         toNanos(c.UpdatedAt),
	}
}

const connectionColumns = `id, user_id, provider_id, provider_name, category, zip_code,
	is_monitoring, claims_count, total_claimed_cents, created_at, updated_at`

// ConnectionRepo is the SQL connection repository.
type ConnectionRepo struct {
	q sqlx.ExtContext
}

func (r *ConnectionRepo) Create(ctx context.Context, conn *domain.Connection) error {
	_, err := sqlx.NamedExecContext(ctx, r.q, `
		INSERT INTO connections (`+connectionColumns+`, seq)
		VALUES (:id, :user_id, :provider_id, :provider_name, :category, :zip_code,
			:is_monitoring, :claims_count, :total_claimed_cents, :created_at, :updated_at,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM connections))`,
		connectionToRow(conn),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &domain.DuplicateConnectionError{ProviderID: conn.ProviderID, ZipCode: conn.ZipCode}
		}
		return fmt.Errorf("insert connection: %w", err)
	}
	return nil
}

func (r *ConnectionRepo) Get(ctx context.Context, userID, id string) (*domain.Connection, error) {
	var row connectionRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		`SELECT `+connectionColumns+` FROM connections WHERE id = ? AND user_id = ?`), id, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NotFound("connection", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get connection: %w", err)
	}
	return row.toDomain(), nil
}

func (r *ConnectionRepo) List(ctx context.Context, userID string) ([]*domain.Connection, error) {
	var rows []connectionRow
	err := sqlx.SelectContext(ctx, r.q, &rows, r.q.Rebind(
		`SELECT `+connectionColumns+` FROM connections WHERE user_id = ? ORDER BY seq, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	out := make([]*domain.Connection, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *ConnectionRepo) FindByProviderZip(ctx context.Context, userID, providerID, zip string) (*domain.Connection, error) {
	var row connectionRow
	err := sqlx.GetContext(ctx, r.q, &row, r.q.Rebind(
		`SELECT `+connectionColumns+` FROM connections
		WHERE user_id = ? AND provider_id = ? AND zip_code = ?`), userID, providerID, zip)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find connection: %w", err)
	}
	return row.toDomain(), nil
}

func (r *ConnectionRepo) SetMonitoring(ctx context.Context, userID, id string, on bool, at time.Time) error {
	return r.exec(ctx, id, `UPDATE connections SET is_monitoring = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		on, toNanos(at), id, userID)
}

func (r *ConnectionRepo) IncrementClaims(ctx context.Context, userID, id string, at time.Time) error {
	return r.exec(ctx, id, `UPDATE connections SET claims_count = claims_count + 1, updated_at = ? WHERE id = ? AND user_id = ?`,
		toNanos(at), id, userID)
}

func (r *ConnectionRepo) AddClaimed(ctx context.Context, userID, id string, amount money.Amount, at time.Time) error {
	return r.exec(ctx, id, `UPDATE connections SET total_claimed_cents = total_claimed_cents + ?, updated_at = ? WHERE id = ? AND user_id = ?`,
		amount.Cents(), toNanos(at), id, userID)
}

func (r *ConnectionRepo) Delete(ctx context.Context, userID, id string) error {
	return r.exec(ctx, id, `DELETE FROM connections WHERE id = ? AND user_id = ?`, id, userID)
}

// exec runs a single-row statement and reports a missing row as not found.
func (r *ConnectionRepo) exec(ctx context.Context, id, query string, args ...any) error {
	res, err := r.q.ExecContext(ctx, r.q.Rebind(query), args...)
	if err != nil {
		return fmt.Errorf("update connection %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update connection %s: %w", id, err)
	}
	if n == 0 {
		return domain.NotFound("connection", id)
	}
	return nil
}
