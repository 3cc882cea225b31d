package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"kannamma/internal/domain"
)

// HashPassword returns the bcrypt hash stored for an ASHA login.
func HashPassword(password string) (string, error) {
	if strings.TrimSpace(password) == "" {
		return "", errors.New("password required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// UpsertASHA stores a worker account. PasswordHash must already be hashed.
func (r Repo) UpsertASHA(ctx context.Context, tx *sql.Tx, a domain.ASHA, passwordHash string) error {
	if strings.TrimSpace(a.ID) == "" {
		return errors.New("id required")
	}
	if strings.TrimSpace(a.Name) == "" {
		return errors.New("name required")
	}
	if passwordHash == "" {
		return errors.New("password_hash required")
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO ashas(id,name,phc_name,password_hash,created_at) VALUES (?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, phc_name=excluded.phc_name, password_hash=excluded.password_hash`,
		a.ID, a.Name, a.PHCName, passwordHash, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (r Repo) GetASHA(ctx context.Context, id string) (domain.ASHA, error) {
	var a domain.ASHA
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,phc_name FROM ashas WHERE id=?`, id).Scan(&a.ID, &a.Name, &a.PHCName)
	if err == sql.ErrNoRows {
		return domain.ASHA{}, ErrNotFound
	}
	return a, err
}

// ListASHAs returns every account, ordered by id.
func (r Repo) ListASHAs(ctx context.Context) ([]domain.ASHA, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,phc_name FROM ashas ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ASHA
	for rows.Next() {
		var a domain.ASHA
		if err := rows.Scan(&a.ID, &a.Name, &a.PHCName); err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

// Authenticate checks an ASHA id and password. Unknown ids and wrong passwords return
// the same error.
func (r Repo) Authenticate(ctx context.Context, id, password string) (domain.ASHA, error) {
	var (
		a    domain.ASHA
		hash string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,phc_name,password_hash FROM ashas WHERE id=?`, strings.TrimSpace(id)).
		Scan(&a.ID, &a.Name, &a.PHCName, &hash)
	if err == sql.ErrNoRows {
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
