package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kannamma/internal/domain"
)

// Writer appends call log entries to the SQLite store. Entries are never updated.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

// Append writes one entry inside tx, or directly when tx is nil.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, motherID string, outcome domain.Outcome) (domain.CallLog, error) {
	if w.Now == nil {
		w.Now = time.Now
	}
	if !outcome.Valid() {
		return domain.CallLog{}, &domain.UnknownOutcomeError{Value: string(outcome)}
	}
	entry := domain.CallLog{
		ID:        uuid.NewString(),
		MotherID:  motherID,
		Timestamp: w.Now().UTC().Format(time.RFC3339),
		Outcome:   outcome,
	}
	const query = `INSERT INTO call_logs(id,mother_id,timestamp,outcome) VALUES (?,?,?,?)`
	var err error
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, entry.ID, entry.MotherID, entry.Timestamp, string(entry.Outcome))
	} else {
		_, err = w.DB.ExecContext(ctx, query, entry.ID, entry.MotherID, entry.Timestamp, string(entry.Outcome))
	}
	if err != nil {
		return domain.CallLog{}, fmt.Errorf("append call log for %s: %w", motherID, err)
	}
	return entry, nil
}

// Record is Append outside a transaction.
func (w Writer) Record(ctx context.Context, motherID string, outcome domain.Outcome) (domain.CallLog, error) {
	return w.Append(ctx, nil, motherID, outcome)
}
