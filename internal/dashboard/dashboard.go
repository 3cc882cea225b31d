package dashboard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"kannamma/internal/calls"
	"kannamma/internal/config"
	"kannamma/internal/domain"
	"kannamma/internal/export"
)

// RecentCallLogs is how many call log entries the dashboard shows.
const RecentCallLogs = 10

// Patients is the patient record store as seen by one worker.
type Patients interface {
	All(ctx context.Context) ([]domain.Patient, error)
	Get(ctx context.Context, id string) (domain.Patient, error)
	Update(ctx context.Context, id string, patch domain.PatientPatch) (domain.Patient, error)
}

// CallLogs lists call log entries newest first. limit <= 0 means all of them.
type CallLogs interface {
	Recent(ctx context.Context, limit int) ([]domain.CallLog, error)
}

// Stores are the collaborators a session works against.
type Stores struct {
	Patients Patients
	CallLogs CallLogs
	Dialer   calls.Dialer
}

// Backend authenticates workers and hands out their stores.
type Backend interface {
	Authenticate(ctx context.Context, ashaID, password string) (domain.Session, error)
	Open(sess domain.Session) Stores
	Close() error
}

type Service struct {
	Backend  Backend
	Calls    config.CallsConfig
	Sessions *calls.Tracker
	Log      zerolog.Logger
	Now      func() time.Time

	wg sync.WaitGroup
}

func New(b Backend, cfg *config.Config, log zerolog.Logger) *Service {
	return &Service{
		Backend:  b,
		Calls:    cfg.Calls,
		Sessions: calls.NewTracker(cfg.Server.SessionTTL),
		Log:      log,
		Now:      time.Now,
	}
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Login checks worker credentials.
func (s *Service) Login(ctx context.Context, ashaID, password string) (domain.Session, error) {
	sess, err := s.Backend.Authenticate(ctx, ashaID, password)
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			s.Log.Error().Err(err).Str("asha_id", ashaID).Msg("login failed")
		}
		return domain.Session{}, err
	}
	return sess, nil
}

// For returns the dashboard of the worker behind sess.
func (s *Service) For(sess domain.Session) *Dashboard {
	log := s.Log.With().Str("asha_id", sess.ASHA.ID).Logger()
	stores := s.Backend.Open(sess)
	return &Dashboard{
		Session: sess,
		Stores:  stores,
		Orchestrator: &calls.Orchestrator{
			Dialer:        stores.Dialer,
			Timeout:       s.Calls.Timeout,
			MaxConcurrent: s.Calls.MaxConcurrent,
			Log:           log,
		},
		svc: s,
		log: log,
	}
}

// Wait blocks until background bulk calls have finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// Dashboard carries out the view operations of one worker.
type Dashboard struct {
	Session      domain.Session
	Stores       Stores
	Orchestrator *calls.Orchestrator

	svc *Service
	log zerolog.Logger
}

// CallLogEntry is a call log joined with the mother's name.
type CallLogEntry struct {
	domain.CallLog
	MotherName string `json:"mother_name,omitempty"`
}

// Overview is the landing screen: header, roster and recent calls.
type Overview struct {
	ASHA         domain.ASHA      `json:"asha"`
	MotherCount  int              `json:"mother_count"`
	FlaggedCount int              `json:"flagged_count"`
	Mothers      []domain.Patient `json:"mothers"`
	CallLogs     []CallLogEntry   `json:"call_logs"`
}

// Load fetches the roster and the recent call logs together.
func (d *Dashboard) Load(ctx context.Context) (Overview, error) {
	var (
		roster []domain.Patient
		logs   []domain.CallLog
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		roster, err = d.Stores.Patients.All(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		logs, err = d.Stores.CallLogs.Recent(gctx, RecentCallLogs)
		return err
	})
	if err := g.Wait(); err != nil {
		d.log.Error().Err(err).Msg("load dashboard")
		return Overview{}, fmt.Errorf("load dashboard: %w", err)
	}
	return Overview{
		ASHA:         d.Session.ASHA,
		MotherCount:  len(roster),
		FlaggedCount: len(domain.Flagged(roster)),
		Mothers:      roster,
		CallLogs:     joinNames(truncate(logs), roster),
	}, nil
}

// Mothers returns the roster, or only its flagged part.
func (d *Dashboard) Mothers(ctx context.Context, flaggedOnly bool) ([]domain.Patient, error) {
	roster, err := d.Stores.Patients.All(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("load mothers")
		return nil, fmt.Errorf("load mothers: %w", err)
	}
	if flaggedOnly {
		return domain.Flagged(roster), nil
	}
	return roster, nil
}

// Profile is the detail view of one mother.
type Profile struct {
	domain.Patient
	ANCDateLabel string `json:"last_anc_date_label"`
	VisitLabel   string `json:"visit_label"`
}

func (d *Dashboard) Mother(ctx context.Context, id string) (Profile, error) {
	p, err := d.Stores.Patients.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.log.Error().Err(err).Str("mother_id", id).Msg("load mother")
		}
		return Profile{}, fmt.Errorf("load mother %s: %w", id, err)
	}
	return NewProfile(p), nil
}

func NewProfile(p domain.Patient) Profile {
	return Profile{Patient: p, ANCDateLabel: p.ANCDateLabel(), VisitLabel: p.VisitLabel()}
}

// MarkVisited records a home visit and clears the flag in one update.
func (d *Dashboard) MarkVisited(ctx context.Context, id string) (domain.Patient, error) {
	return d.update(ctx, id, domain.VisitedPatch())
}

// ToggleFlag reads the current flag and writes its negation. Two sessions toggling the
// same mother at once can both read the old value; the last write wins.
func (d *Dashboard) ToggleFlag(ctx context.Context, id string) (domain.Patient, error) {
	p, err := d.Stores.Patients.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.log.Error().Err(err).Str("mother_id", id).Msg("load mother")
		}
		return domain.Patient{}, fmt.Errorf("load mother %s: %w", id, err)
	}
	return d.update(ctx, id, domain.FlagPatch(!p.Flagged))
}

// SetNotes replaces the free-text notes of a mother.
func (d *Dashboard) SetNotes(ctx context.Context, id, notes string) (domain.Patient, error) {
	return d.update(ctx, id, domain.PatientPatch{Notes: &notes})
}

func (d *Dashboard) update(ctx context.Context, id string, patch domain.PatientPatch) (domain.Patient, error) {
	p, err := d.Stores.Patients.Update(ctx, id, patch)
	if err != nil {
		d.log.Error().Err(err).Str("mother_id", id).Msg("update mother")
		return domain.Patient{}, &domain.UpdateError{PatientID: id, Err: err}
	}
	return p, nil
}

// CallOne calls a single mother and flags the record if the outcome needs follow-up.
func (d *Dashboard) CallOne(ctx context.Context, id string) (calls.SingleResult, error) {
	p, err := d.Stores.Patients.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			d.log.Error().Err(err).Str("mother_id", id).Msg("load mother for call")
		}
		return calls.SingleResult{}, fmt.Errorf("load mother %s: %w", id, err)
	}
	return d.Orchestrator.CallOne(ctx, d.Stores.Patients, p.Target())
}

// CallAllResult is the outcome of a finished bulk call, with the roster as reloaded
// after the flag updates.
type CallAllResult struct {
	Report  calls.Report     `json:"report"`
	Flags   calls.FlagReport `json:"flags"`
	Mothers []domain.Patient `json:"mothers"`
}

// CallAll calls every mother on the roster, flags the ones that need follow-up and
// reloads the roster.
func (d *Dashboard) CallAll(ctx context.Context) (CallAllResult, error) {
	report, flags, err := d.callAll(ctx, nil)
	if err != nil {
		return CallAllResult{}, err
	}
	roster, err := d.Stores.Patients.All(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("reload mothers after call all")
		return CallAllResult{Report: report, Flags: flags}, fmt.Errorf("reload mothers: %w", err)
	}
	return CallAllResult{Report: report, Flags: flags, Mothers: roster}, nil
}

func (d *Dashboard) callAll(ctx context.Context, progress func(calls.TargetResult)) (calls.Report, calls.FlagReport, error) {
	roster, err := d.Stores.Patients.All(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("load mothers for call all")
		return calls.Report{}, calls.FlagReport{}, fmt.Errorf("load mothers: %w", err)
	}
	report, err := d.Orchestrator.Run(ctx, calls.Targets(roster), progress)
	if err != nil {
		return calls.Report{}, calls.FlagReport{}, err
	}
	flags := calls.ApplyFlags(context.WithoutCancel(ctx), d.Stores.Patients, calls.Reconcile(report.Outcomes), d.log)
	d.log.Info().Int("dialed", len(report.Results)).Int("outcomes", len(report.Outcomes)).
		Int("flagged", len(flags.Flagged)).Int("flag_failures", len(flags.Failed)).Msg("call all finished")
	return report, flags, nil
}

// StartCallAll runs a bulk call in the background and returns its tracking session.
// The calls outlive ctx; dismissing the session only stops progress collection.
func (d *Dashboard) StartCallAll(ctx context.Context) (calls.Session, error) {
	roster, err := d.Stores.Patients.All(ctx)
	if err != nil {
		d.log.Error().Err(err).Msg("load mothers for call all")
		return calls.Session{}, fmt.Errorf("load mothers: %w", err)
	}
	if len(roster) == 0 {
		return calls.Session{}, calls.ErrNoTargets
	}
	tracker := d.svc.Sessions
	sess := tracker.Start(d.Session.ASHA.ID, len(roster))
	bg := context.WithoutCancel(ctx)
	d.svc.wg.Add(1)
	go func() {
		defer d.svc.wg.Done()
		report, flags, err := d.callAll(bg, func(res calls.TargetResult) {
			tracker.Progress(sess.ID, res)
		})
		if err != nil {
			d.log.Error().Err(err).Str("session_id", sess.ID).Msg("call all failed")
		}
		tracker.Finish(sess.ID, report, flags, err)
	}()
	return sess, nil
}

func (d *Dashboard) CallSession(id string) (calls.Session, error) {
	return d.svc.Sessions.Get(d.Session.ASHA.ID, id)
}

func (d *Dashboard) DismissCallSession(id string) (calls.Session, error) {
	return d.svc.Sessions.Dismiss(d.Session.ASHA.ID, id)
}

// CallLogs returns the most recent call logs with mother names.
func (d *Dashboard) CallLogs(ctx context.Context) ([]CallLogEntry, error) {
	ov, err := d.Load(ctx)
	if err != nil {
		return nil, err
	}
	return ov.CallLogs, nil
}

// Export renders the roster as CSV and names the file for the current day.
func (d *Dashboard) Export(ctx context.Context) ([]byte, string, error) {
	roster, err := d.Mothers(ctx, false)
	if err != nil {
		return nil, "", err
	}
	return export.Bytes(roster), export.Filename(d.svc.now()), nil
}

func truncate(logs []domain.CallLog) []domain.CallLog {
	if len(logs) > RecentCallLogs {
		return logs[:RecentCallLogs]
	}
	return logs
}

func joinNames(logs []domain.CallLog, roster []domain.Patient) []CallLogEntry {
	names := make(map[string]string, len(roster))
	for _, p := range roster {
		names[p.ID] = p.Name
	}
	out := make([]CallLogEntry, 0, len(logs))
	for _, l := range logs {
		out = append(out, CallLogEntry{CallLog: l, MotherName: names[l.MotherID]})
	}
	return out
}
