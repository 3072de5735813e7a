package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

const providerColumns = `id, name, email, speciality, degree, experience, about,
	address_line1, address_line2, fees, available, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var line2 *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Email,
		&p.Speciality,
		&p.Degree,
		&p.Experience,
		&p.About,
		&p.Address.Line1,
		&line2,
		&p.Fees,
		&p.Available,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	if line2 != nil {
		p.Address.Line2 = *line2
	}
	return &p, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+providerColumns+` FROM providers WHERE id = $1`, id)
	return scanProvider(row)
}

func (r *PgRepository) List(ctx context.Context, limit, offset int) ([]Provider, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+providerColumns+`
		FROM providers
		ORDER BY name
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	result := []Provider{}
	for rows.Next() {
		p, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *p)
	}
	return result, rows.Err()
}

func (r *PgRepository) Create(ctx context.Context, p *Provider) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO providers (id, name, email, speciality, degree, experience, about,
			address_line1, address_line2, fees, available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), $10, $11, now(), now())
		RETURNING created_at, updated_at
	`, p.ID, p.Name, p.Email, p.Speciality, p.Degree, p.Experience, p.About,
		p.Address.Line1, p.Address.Line2, p.Fees, p.Available)

	if err := row.Scan(&p.CreatedAt, &p.UpdatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrEmailTaken
		}
		return fmt.Errorf("insert provider: %w", err)
	}
	return nil
}

func (r *PgRepository) Update(ctx context.Context, id uuid.UUID, in UpdateInput) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE providers
		SET fees = COALESCE($2, fees),
		    available = COALESCE($3, available),
		    updated_at = now()
		WHERE id = $1
		RETURNING `+providerColumns, id, in.Fees, in.Available)
	return scanProvider(row)
}
