package availability

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgIndex stores claims in slot_claims. The primary key on
// (provider_id, slot_date, slot_time) makes a claim a single atomic insert.
type PgIndex struct {
	pool *pgxpool.Pool
}

func NewPgIndex(pool *pgxpool.Pool) *PgIndex {
	return &PgIndex{pool: pool}
}

func (p *PgIndex) IsClaimed(ctx context.Context, providerID uuid.UUID, date, slotTime string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM slot_claims
			WHERE provider_id = $1 AND slot_date = $2 AND slot_time = $3
		)
	`, providerID, date, slotTime).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check slot claim: %w", err)
	}
	return exists, nil
}

func (p *PgIndex) Claim(ctx context.Context, providerID uuid.UUID, date, slotTime string) error {
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO slot_claims (provider_id, slot_date, slot_time, claimed_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (provider_id, slot_date, slot_time) DO NOTHING
	`, providerID, date, slotTime)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}
	return nil
}

func (p *PgIndex) Release(ctx context.Context, providerID uuid.UUID, date, slotTime string) error {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM slot_claims
		WHERE provider_id = $1 AND slot_date = $2 AND slot_time = $3
	`, providerID, date, slotTime)
	if err != nil {
		return fmt.Errorf("release slot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotClaimed
	}
	return nil
}

func (p *PgIndex) Claimed(ctx context.Context, providerID uuid.UUID, date string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT slot_time FROM slot_claims
		WHERE provider_id = $1 AND slot_date = $2
		ORDER BY slot_time
	`, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("list slot claims: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (p *PgIndex) Keys(ctx context.Context) ([]Key, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT DISTINCT provider_id, slot_date FROM slot_claims
		ORDER BY provider_id, slot_date
	`)
	if err != nil {
		return nil, fmt.Errorf("list claim keys: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ProviderID, &k.Date); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
