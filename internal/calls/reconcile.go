package calls

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kannamma/internal/domain"
)

// FlagUpdater is the slice of the patient store the reconciliation step writes to.
type FlagUpdater interface {
	Update(ctx context.Context, id string, patch domain.PatientPatch) (domain.Patient, error)
}

// NeedsFollowUp reports whether an outcome requires the patient to be flagged.
func NeedsFollowUp(o domain.Outcome) bool {
	return o == domain.OutcomeNotAnswered || o == domain.OutcomePressed2
}

// Reconcile returns, sorted, the ids whose recorded outcome needs follow-up.
// Patients missing from m are never included: no determination was made for them.
func Reconcile(m domain.ReconciliationMap) []string {
	ids := make([]string, 0, len(m))
	for id, outcome := range m {
		if NeedsFollowUp(outcome) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FlagReport lists which flag updates the store accepted.
type FlagReport struct {
	Flagged []string          `json:"flagged"`
	Failed  map[string]string `json:"failed,omitempty"`
	Errors  map[string]error  `json:"-"`
}

// ApplyFlags issues one independent flagged=true update per id and waits for all of
// them. A failed update is logged and recorded; it never stops the others.
func ApplyFlags(ctx context.Context, store FlagUpdater, ids []string, log zerolog.Logger) FlagReport {
	report := FlagReport{Flagged: []string{}}
	if len(ids) == 0 {
		return report
	}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, id := range ids {
		g.Go(func() error {
			_, err := store.Update(ctx, id, domain.FlagPatch(true))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.Error().Err(err).Str("mother_id", id).Msg("flag update failed")
				if report.Failed == nil {
					report.Failed = map[string]string{}
					report.Errors = map[string]error{}
				}
				uerr := &domain.UpdateError{PatientID: id, Err: err}
				report.Failed[id] = uerr.Error()
				report.Errors[id] = uerr
				return nil
			}
			report.Flagged = append(report.Flagged, id)
			return nil
		})
	}
	_ = g.Wait()
	sort.Strings(report.Flagged)
	return report
}
