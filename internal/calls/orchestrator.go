package calls

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kannamma/internal/domain"
)

// ErrNoTargets is returned when a bulk call is started with nothing to dial.
var ErrNoTargets = errors.New("no call targets")

// Dialer places one IVR call and blocks until its outcome is known.
type Dialer interface {
	PlaceCall(ctx context.Context, target domain.CallTarget) (domain.Outcome, error)
}

// Status describes how a single target resolved.
type Status string

const (
	StatusCompleted      Status = "completed"
	StatusDispatchFailed Status = "dispatch_failed"
	StatusUnknownOutcome Status = "unknown_outcome"
	StatusTimedOut       Status = "timed_out"
)

// TargetResult is the per-target record of a bulk call.
type TargetResult struct {
	PatientID string         `json:"mother_id"`
	Status    Status         `json:"status" enum:"completed,dispatch_failed,unknown_outcome,timed_out"`
	Outcome   domain.Outcome `json:"outcome,omitempty"`
	Error     string         `json:"error,omitempty"`
	Err       error          `json:"-"`
}

// Report is what a bulk call produces: the reconciliation map plus per-target detail.
type Report struct {
	Outcomes   domain.ReconciliationMap `json:"outcomes"`
	Results    []TargetResult           `json:"results"`
	Duplicates []string                 `json:"duplicates,omitempty"`
}

// Orchestrator fans calls out to every target and joins on all of them.
type Orchestrator struct {
	Dialer Dialer
	// Timeout bounds the wait for a single outcome. Zero waits forever.
	Timeout time.Duration
	// MaxConcurrent limits in-flight calls. Zero dials every target at once.
	MaxConcurrent int
	Log           zerolog.Logger
}

// Dedupe drops repeated and blank patient ids, keeping the first occurrence, and
// reports the ids that were repeated.
func Dedupe(targets []domain.CallTarget) ([]domain.CallTarget, []string) {
	seen := make(map[string]bool, len(targets))
	out := make([]domain.CallTarget, 0, len(targets))
	var dups []string
	for _, t := range targets {
		id := strings.TrimSpace(t.PatientID)
		if id == "" {
			continue
		}
		if seen[id] {
			dups = append(dups, id)
			continue
		}
		seen[id] = true
		t.PatientID = id
		out = append(out, t)
	}
	return out, dups
}

// Run dials every target and waits until each has an outcome or a terminal failure.
// Cancelling ctx does not hang up calls already placed; it only stops progress
// callbacks. A failing target never affects the others and is left out of the map.
func (o *Orchestrator) Run(ctx context.Context, targets []domain.CallTarget, progress func(TargetResult)) (Report, error) {
	if len(targets) == 0 {
		return Report{}, ErrNoTargets
	}
	if o.Dialer == nil {
		return Report{}, errors.New("dialer not configured")
	}
	unique, dups := Dedupe(targets)
	for _, id := range dups {
		o.Log.Warn().Str("mother_id", id).Msg("duplicate call target ignored")
	}
	if blank := len(targets) - len(unique) - len(dups); blank > 0 {
		o.Log.Warn().Int("count", blank).Msg("call targets without a mother id ignored")
	}
	if len(unique) == 0 {
		return Report{}, ErrNoTargets
	}
	targets = unique

	results := make([]TargetResult, len(targets))
	var mu sync.Mutex
	var g errgroup.Group
	if o.MaxConcurrent > 0 {
		g.SetLimit(o.MaxConcurrent)
	}
	callCtx := context.WithoutCancel(ctx)
	for i, target := range targets {
		g.Go(func() error {
			res := o.dial(callCtx, target)
			results[i] = res
			if progress != nil && ctx.Err() == nil {
				mu.Lock()
				progress(res)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	report := Report{
		Outcomes:   make(domain.ReconciliationMap, len(targets)),
		Results:    results,
		Duplicates: dups,
	}
	for _, res := range results {
		if res.Status == StatusCompleted {
			report.Outcomes[res.PatientID] = res.Outcome
		}
	}
	return report, nil
}

func (o *Orchestrator) dial(ctx context.Context, target domain.CallTarget) TargetResult {
	res := TargetResult{PatientID: target.PatientID}
	if strings.TrimSpace(target.Phone) == "" {
		res.fail(StatusDispatchFailed, &domain.DispatchError{PatientID: target.PatientID, Err: errors.New("no phone number")})
		o.logFailure(res)
		return res
	}
	outcome, err := o.await(ctx, target)
	if err == nil {
		// Dialers should already reject unknown values; check again before the
		// value can reach the reconciliation map.
		outcome, err = domain.ParseOutcome(string(outcome))
	}
	if err != nil {
		res.fail(classify(err), err)
		o.logFailure(res)
		return res
	}
	res.Status = StatusCompleted
	res.Outcome = outcome
	o.Log.Debug().Str("mother_id", target.PatientID).Str("outcome", string(outcome)).Msg("call completed")
	return res
}

type dialed struct {
	outcome domain.Outcome
	err     error
}

// await enforces Timeout even when the dialer ignores its context.
func (o *Orchestrator) await(ctx context.Context, target domain.CallTarget) (domain.Outcome, error) {
	if o.Timeout <= 0 {
		return o.Dialer.PlaceCall(ctx, target)
	}
	ctx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	ch := make(chan dialed, 1)
	go func() {
		outcome, err := o.Dialer.PlaceCall(ctx, target)
		ch <- dialed{outcome: outcome, err: err}
	}()
	select {
	case d := <-ch:
		return d.outcome, d.err
	case <-ctx.Done():
		return "", domain.ErrTimedOut
	}
}

func (r *TargetResult) fail(status Status, err error) {
	r.Status = status
	r.Err = err
	r.Error = err.Error()
}

func (o *Orchestrator) logFailure(res TargetResult) {
	o.Log.Error().Err(res.Err).Str("mother_id", res.PatientID).Str("status", string(res.Status)).Msg("call failed")
}

func classify(err error) Status {
	var unknown *domain.UnknownOutcomeError
	switch {
	case errors.As(err, &unknown):
		return StatusUnknownOutcome
	case errors.Is(err, domain.ErrTimedOut), errors.Is(err, context.DeadlineExceeded):
		return StatusTimedOut
	default:
		return StatusDispatchFailed
	}
}

// Targets builds call targets for a roster, preserving order.
func Targets(roster []domain.Patient) []domain.CallTarget {
	out := make([]domain.CallTarget, 0, len(roster))
	for _, p := range roster {
		out = append(out, p.Target())
	}
	return out
}
