package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"kannamma/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = domain.ErrNotFound

const motherColumns = `id,asha_id,name,age,phone,address,last_anc_date,gestation_weeks,flagged,visited,COALESCE(notes,'')`

type scanner interface {
	Scan(dest ...any) error
}

func scanMother(row scanner) (domain.Patient, error) {
	var p domain.Patient
	err := row.Scan(&p.ID, &p.ASHAID, &p.Name, &p.Age, &p.Phone, &p.Address, &p.LastANCDate, &p.GestationWeeks, &p.Flagged, &p.Visited, &p.Notes)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

func (r Repo) now() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

// UpsertMother inserts a patient or replaces its demographic fields. Flag, visit and note
// state of an existing patient is left as is.
func (r Repo) UpsertMother(ctx context.Context, tx *sql.Tx, p domain.Patient, position int) error {
	if p.ASHAID == "" {
		return fmt.Errorf("mother %s: asha_id required", p.ID)
	}
	if err := p.Validate(); err != nil {
		return fmt.Errorf("mother %s: %w", p.ID, err)
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO mothers(id,asha_id,name,age,phone,address,last_anc_date,gestation_weeks,flagged,visited,notes,position,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET asha_id=excluded.asha_id,name=excluded.name,age=excluded.age,phone=excluded.phone,
address=excluded.address,last_anc_date=excluded.last_anc_date,gestation_weeks=excluded.gestation_weeks,
position=excluded.position,updated_at=excluded.updated_at`,
		p.ID, p.ASHAID, p.Name, p.Age, p.Phone, p.Address, p.LastANCDate, p.GestationWeeks, p.Flagged, p.Visited, nullable(p.Notes), position, r.now())
	return err
}

// ListMothers returns the roster of one ASHA in seeding order.
func (r Repo) ListMothers(ctx context.Context, ashaID string) ([]domain.Patient, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+motherColumns+` FROM mothers WHERE asha_id=? ORDER BY position, id`, ashaID)
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

func (r Repo) GetMother(ctx context.Context, ashaID, id string) (domain.Patient, error) {
	return scanMother(r.DB.QueryRowContext(ctx, `SELECT `+motherColumns+` FROM mothers WHERE id=? AND asha_id=?`, id, ashaID))
}

// UpdateMother applies a partial update and returns the stored patient.
func (r Repo) UpdateMother(ctx context.Context, ashaID, id string, patch domain.PatientPatch) (domain.Patient, error) {
	var (
		fields []string
		args   []any
	)
	if patch.Visited != nil {
		fields = append(fields, "visited=?")
		args = append(args, *patch.Visited)
	}
	if patch.Flagged != nil {
		fields = append(fields, "flagged=?")
		args = append(args, *patch.Flagged)
	}
	if patch.Notes != nil {
		fields = append(fields, "notes=?")
		args = append(args, nullableStringPtr(patch.Notes))
	}
	if len(fields) == 0 {
		return domain.Patient{}, fmt.Errorf("empty update for mother %s", id)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, r.now(), id, ashaID)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE mothers SET %s WHERE id=? AND asha_id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return domain.Patient{}, err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return domain.Patient{}, ErrNotFound
	}
	return r.GetMother(ctx, ashaID, id)
}

// ListCallLogs returns call logs for mothers of one ASHA, newest first. limit <= 0
// returns every entry.
func (r Repo) ListCallLogs(ctx context.Context, ashaID string, limit int) ([]domain.CallLog, error) {
	query := `SELECT l.id,l.mother_id,l.timestamp,l.outcome FROM call_logs l JOIN mothers m ON m.id=l.mother_id WHERE m.asha_id=? ORDER BY l.timestamp DESC, l.rowid DESC`
	args := []any{ashaID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.CallLog{}
	for rows.Next() {
		var l domain.CallLog
		var outcome string
		if err := rows.Scan(&l.ID, &l.MotherID, &l.Timestamp, &outcome); err != nil {
			return nil, err
		}
		l.Outcome = domain.Outcome(outcome)
		res = append(res, l)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
