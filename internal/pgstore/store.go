// Package pgstore keeps mothers, call logs and worker accounts in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"

	"kannamma/internal/domain"
)

// Schema is the DDL for the store. It is safe to execute on every start.
const Schema = `
CREATE TABLE IF NOT EXISTS ashas (
    id            TEXT PRIMARY KEY,
    name          TEXT NOT NULL,
    phc_name      TEXT NOT NULL DEFAULT '',
    password_hash TEXT NOT NULL,
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS mothers (
    id              TEXT PRIMARY KEY,
    asha_id         TEXT NOT NULL REFERENCES ashas(id),
    name            TEXT NOT NULL,
    age             INTEGER NOT NULL CHECK (age > 0),
    phone           TEXT NOT NULL,
    address         TEXT NOT NULL DEFAULT '',
    last_anc_date   TEXT NOT NULL DEFAULT '',
    gestation_weeks INTEGER NOT NULL DEFAULT 0,
    flagged         BOOLEAN NOT NULL DEFAULT false,
    visited         BOOLEAN NOT NULL DEFAULT false,
    notes           TEXT,
    position        INTEGER NOT NULL DEFAULT 0,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_mothers_asha ON mothers (asha_id, position);

CREATE TABLE IF NOT EXISTS call_logs (
    id        TEXT PRIMARY KEY,
    mother_id TEXT NOT NULL REFERENCES mothers(id),
    ts        TIMESTAMPTZ NOT NULL,
    outcome   TEXT NOT NULL CHECK (outcome IN ('answered','not_answered','pressed_2'))
);

CREATE INDEX IF NOT EXISTS idx_call_logs_ts ON call_logs (ts DESC);
`

// NewPool opens a connection pool and verifies it with a ping.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

type Store struct {
	Pool *pgxpool.Pool
	Now  func() time.Time
}

// Migrate applies Schema.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

const motherColumns = `id, asha_id, name, age, phone, address, last_anc_date, gestation_weeks, flagged, visited, COALESCE(notes, '')`

func scanMother(row pgx.Row) (domain.Patient, error) {
	var p domain.Patient
	err := row.Scan(&p.ID, &p.ASHAID, &p.Name, &p.Age, &p.Phone, &p.Address, &p.LastANCDate, &p.GestationWeeks, &p.Flagged, &p.Visited, &p.Notes)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, domain.ErrNotFound
	}
	return p, err
}

func (s *Store) UpsertASHA(ctx context.Context, a domain.ASHA, passwordHash string) error {
	const query = `INSERT INTO ashas (id, name, phc_name, password_hash)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, phc_name = EXCLUDED.phc_name, password_hash = EXCLUDED.password_hash`
	if _, err := s.Pool.Exec(ctx, query, a.ID, a.Name, a.PHCName, passwordHash); err != nil {
		return fmt.Errorf("upsert asha %s: %w", a.ID, err)
	}
	return nil
}

func (s *Store) Authenticate(ctx context.Context, id, password string) (domain.ASHA, error) {
	var (
		a    domain.ASHA
		hash string
	)
	err := s.Pool.QueryRow(ctx, `SELECT id, name, phc_name, password_hash FROM ashas WHERE id = $1`, strings.TrimSpace(id)).
		Scan(&a.ID, &a.Name, &a.PHCName, &hash)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ASHA{}, domain.ErrInvalidCredentials
	}
	if err != nil {
		return domain.ASHA{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return domain.ASHA{}, domain.ErrInvalidCredentials
	}
	return a, nil
}

func (s *Store) UpsertMother(ctx context.Context, p domain.Patient, position int) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("mother %s: %w", p.ID, err)
	}
	const query = `INSERT INTO mothers (id, asha_id, name, age, phone, address, last_anc_date, gestation_weeks, flagged, visited, notes, position, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULLIF($11, ''), $12, $13)
ON CONFLICT (id) DO UPDATE SET asha_id = EXCLUDED.asha_id, name = EXCLUDED.name, age = EXCLUDED.age,
    phone = EXCLUDED.phone, address = EXCLUDED.address, last_anc_date = EXCLUDED.last_anc_date,
    gestation_weeks = EXCLUDED.gestation_weeks, position = EXCLUDED.position, updated_at = EXCLUDED.updated_at`
	_, err := s.Pool.Exec(ctx, query, p.ID, p.ASHAID, p.Name, p.Age, p.Phone, p.Address, p.LastANCDate,
		p.GestationWeeks, p.Flagged, p.Visited, p.Notes, position, s.now())
	if err != nil {
		return fmt.Errorf("upsert mother %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) ListMothers(ctx context.Context, ashaID string) ([]domain.Patient, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+motherColumns+` FROM mothers WHERE asha_id = $1 ORDER BY position, id`, ashaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Patient{}
	for rows.Next() {
		p, err := scanMother(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (s *Store) GetMother(ctx context.Context, ashaID, id string) (domain.Patient, error) {
	return scanMother(s.Pool.QueryRow(ctx, `SELECT `+motherColumns+` FROM mothers WHERE id = $1 AND asha_id = $2`, id, ashaID))
}

// updateQuery builds the UPDATE for a partial patch. The id and asha id are the last
// two placeholders.
func updateQuery(patch domain.PatientPatch, now time.Time) (string, []any, error) {
	var (
		fields []string
		args   []any
	)
	add := func(col string, v any) {
		args = append(args, v)
		fields = append(fields, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if patch.Visited != nil {
		add("visited", *patch.Visited)
	}
	if patch.Flagged != nil {
		add("flagged", *patch.Flagged)
	}
	if patch.Notes != nil {
		add("notes", nullableNotes(*patch.Notes))
	}
	if len(fields) == 0 {
		return "", nil, errors.New("empty update")
	}
	add("updated_at", now)
	query := fmt.Sprintf(`UPDATE mothers SET %s WHERE id = $%d AND asha_id = $%d RETURNING %s`,
		strings.Join(fields, ", "), len(args)+1, len(args)+2, motherColumns)
	return query, args, nil
}

func nullableNotes(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func (s *Store) UpdateMother(ctx context.Context, ashaID, id string, patch domain.PatientPatch) (domain.Patient, error) {
	query, args, err := updateQuery(patch, s.now())
	if err != nil {
		return domain.Patient{}, fmt.Errorf("mother %s: %w", id, err)
	}
	args = append(args, id, ashaID)
	return scanMother(s.Pool.QueryRow(ctx, query, args...))
}

func (s *Store) ListCallLogs(ctx context.Context, ashaID string, limit int) ([]domain.CallLog, error) {
	query := `SELECT l.id, l.mother_id, l.ts, l.outcome FROM call_logs l JOIN mothers m ON m.id = l.mother_id
WHERE m.asha_id = $1 ORDER BY l.ts DESC`
	args := []any{ashaID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.CallLog{}
	for rows.Next() {
		var (
			l       domain.CallLog
			ts      time.Time
			outcome string
		)
		if err := rows.Scan(&l.ID, &l.MotherID, &ts, &outcome); err != nil {
			return nil, err
		}
		l.Timestamp = ts.UTC().Format(time.RFC3339)
		l.Outcome = domain.Outcome(outcome)
		res = append(res, l)
	}
	return res, rows.Err()
}

// Record appends a call log entry.
func (s *Store) Record(ctx context.Context, motherID string, outcome domain.Outcome) (domain.CallLog, error) {
	if !outcome.Valid() {
		return domain.CallLog{}, &domain.UnknownOutcomeError{Value: string(outcome)}
	}
	ts := s.now()
	entry := domain.CallLog{ID: uuid.NewString(), MotherID: motherID, Timestamp: ts.Format(time.RFC3339), Outcome: outcome}
	_, err := s.Pool.Exec(ctx, `INSERT INTO call_logs (id, mother_id, ts, outcome) VALUES ($1, $2, $3, $4)`,
		entry.ID, entry.MotherID, ts, string(outcome))
	if err != nil {
		return domain.CallLog{}, fmt.Errorf("append call log for %s: %w", motherID, err)
	}
	return entry, nil
}

// Roster scopes the store to one worker.
type Roster struct {
	Store  *Store
	ASHAID string
}

func (r Roster) All(ctx context.Context) ([]domain.Patient, error) {
	return r.Store.ListMothers(ctx, r.ASHAID)
}

func (r Roster) Get(ctx context.Context, id string) (domain.Patient, error) {
	return r.Store.GetMother(ctx, r.ASHAID, id)
}

func (r Roster) Update(ctx context.Context, id string, patch domain.PatientPatch) (domain.Patient, error) {
	return r.Store.UpdateMother(ctx, r.ASHAID, id, patch)
}

func (r Roster) Recent(ctx context.Context, limit int) ([]domain.CallLog, error) {
	return r.Store.ListCallLogs(ctx, r.ASHAID, limit)
}
