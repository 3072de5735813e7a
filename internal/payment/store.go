package payment

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// SessionStore persists the session to appointment mapping.
type SessionStore interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// MarkPaid moves an open session to paid. A paid session stays paid.
	MarkPaid(ctx context.Context, id, paymentRef string) error
	MarkFailed(ctx context.Context, id string) error
	ListOpen(ctx context.Context, createdBefore time.Time, limit int) ([]Session, error)
}

type MemorySessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string]Session)}
}

func (m *MemorySessionStore) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("session %s already exists", s.ID)
	}
	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	if s.Status == "" {
		s.Status = SessionOpen
	}
	m.sessions[s.ID] = *s
	return nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

func (m *MemorySessionStore) MarkPaid(_ context.Context, id, paymentRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status == SessionPaid {
		return nil
	}
	s.Status = SessionPaid
	if paymentRef != "" {
		s.PaymentRef = &paymentRef
	}
	s.UpdatedAt = time.Now()
	m.sessions[id] = s
	return nil
}

func (m *MemorySessionStore) MarkFailed(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	if s.Status != SessionOpen {
		return nil
	}
	s.Status = SessionFailed
	s.UpdatedAt = time.Now()
	m.sessions[id] = s
	return nil
}

func (m *MemorySessionStore) ListOpen(_ context.Context, createdBefore time.Time, limit int) ([]Session, error) {
	m.mu.Lock()
	var out []Session
	for _, s := range m.sessions {
		if s.Status == SessionOpen && s.CreatedAt.Before(createdBefore) {
			out = append(out, s)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

const sessionColumns = `id, appointment_id, amount, currency, status, payment_ref, url, created_at, updated_at`

type PgSessionStore struct {
	pool *pgxpool.Pool
}

func NewPgSessionStore(pool *pgxpool.Pool) *PgSessionStore {
	return &PgSessionStore{pool: pool}
}

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(
		&s.ID,
		&s.AppointmentID,
		&s.Amount,
		&s.Currency,
		&s.Status,
		&s.PaymentRef,
		&s.URL,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (r *PgSessionStore) Create(ctx context.Context, s *Session) error {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO payment_sessions (id, appointment_id, amount, currency, status, url, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'open', $5, now(), now())
		RETURNING `+sessionColumns,
		s.ID, s.AppointmentID, s.Amount, s.Currency, s.URL)

	created, err := scanSession(row)
	if err != nil {
		return fmt.Errorf("insert payment session: %w", err)
	}
	*s = *created
	return nil
}

func (r *PgSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id)
	return scanSession(row)
}

func (r *PgSessionStore) MarkPaid(ctx context.Context, id, paymentRef string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_sessions
		SET status = 'paid',
		    payment_ref = NULLIF($2, ''),
		    updated_at = now()
		WHERE id = $1
		  AND status <> 'paid'
	`, id, paymentRef)
	if err != nil {
		return fmt.Errorf("mark session paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PgSessionStore) MarkFailed(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE payment_sessions
		SET status = 'failed',
		    updated_at = now()
		WHERE id = $1
		  AND status = 'open'
	`, id)
	if err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

func (r *PgSessionStore) ListOpen(ctx context.Context, createdBefore time.Time, limit int) ([]Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM payment_sessions
		WHERE status = 'open'
		  AND created_at < $1
		ORDER BY created_at
		LIMIT $2
	`, createdBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list open sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}
