package calls

import (
	"context"

	"kannamma/internal/domain"
)

// SingleResult is the outcome of calling one patient.
type SingleResult struct {
	PatientID string         `json:"mother_id"`
	Outcome   domain.Outcome `json:"outcome"`
	Flagged   bool           `json:"flagged"`
}

// CallOne dials a single patient and reconciles the outcome exactly like a bulk call
// with one target. An answered call leaves the store untouched.
func (o *Orchestrator) CallOne(ctx context.Context, store FlagUpdater, target domain.CallTarget) (SingleResult, error) {
	report, err := o.Run(ctx, []domain.CallTarget{target}, nil)
	if err != nil {
		return SingleResult{}, err
	}
	res := report.Results[0]
	if res.Status != StatusCompleted {
		return SingleResult{PatientID: res.PatientID}, res.Err
	}
	out := SingleResult{PatientID: res.PatientID, Outcome: res.Outcome}
	ids := Reconcile(report.Outcomes)
	if len(ids) == 0 {
		return out, nil
	}
	flags := ApplyFlags(ctx, store, ids, o.Log)
	if err, failed := flags.Errors[res.PatientID]; failed {
		return out, err
	}
	out.Flagged = true
	return out, nil
}
