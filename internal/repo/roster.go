package repo

import (
	"context"

	"kannamma/internal/domain"
)

// Roster is the store scoped to the mothers assigned to one ASHA.
type Roster struct {
	Repo   Repo
	ASHAID string
}

func (r Roster) All(ctx context.Context) ([]domain.Patient, error) {
	return r.Repo.ListMothers(ctx, r.ASHAID)
}

func (r Roster) Get(ctx context.Context, id string) (domain.Patient, error) {
	return r.Repo.GetMother(ctx, r.ASHAID, id)
}

func (r Roster) Update(ctx context.Context, id string, patch domain.PatientPatch) (domain.Patient, error) {
	return r.Repo.UpdateMother(ctx, r.ASHAID, id, patch)
}

func (r Roster) Recent(ctx context.Context, limit int) ([]domain.CallLog, error) {
	return r.Repo.ListCallLogs(ctx, r.ASHAID, limit)
}
