package dashboard

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"kannamma/internal/calls"
	"kannamma/internal/config"
	"kannamma/internal/domain"
)

type memStore struct {
	mu      sync.Mutex
	order   []string
	mothers map[string]domain.Patient
	logs    []domain.CallLog
	fail    map[string]error
	getFail error
	updates int
}

func (m *memStore) All(context.Context) ([]domain.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Patient, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.mothers[id])
	}
	return out, nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getFail != nil {
		return domain.Patient{}, m.getFail
	}
	p, ok := m.mothers[id]
	if !ok {
		return domain.Patient{}, domain.ErrNotFound
	}
	return p, nil
}

func (m *memStore) Update(_ context.Context, id string, patch domain.PatientPatch) (domain.Patient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[id]; err != nil {
		return domain.Patient{}, err
	}
	p, ok := m.mothers[id]
	if !ok {
		return domain.Patient{}, domain.ErrNotFound
	}
	m.updates++
	p = patch.Apply(p)
	m.mothers[id] = p
	return p, nil
}

func (m *memStore) Recent(_ context.Context, limit int) ([]domain.CallLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]domain.CallLog{}, m.logs...)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type scriptDialer map[string]domain.Outcome

func (s scriptDialer) PlaceCall(_ context.Context, target domain.CallTarget) (domain.Outcome, error) {
	o, ok := s[target.PatientID]
	if !ok {
		return "", &domain.DispatchError{PatientID: target.PatientID, Err: errors.New("unreachable")}
	}
	return o, nil
}

type memBackend struct {
	store  *memStore
	dialer calls.Dialer
}

func (b memBackend) Authenticate(_ context.Context, id, password string) (domain.Session, error) {
	if id != "asha-1" || password != "secret" {
		return domain.Session{}, domain.ErrInvalidCredentials
	}
	return domain.Session{ASHA: domain.ASHA{ID: id, Name: "Kavitha", PHCName: "Melur PHC"}}, nil
}

func (b memBackend) Open(domain.Session) Stores {
	return Stores{Patients: b.store, CallLogs: b.store, Dialer: b.dialer}
}

func (b memBackend) Close() error { return nil }

func newTestDashboard(t *testing.T, dialer calls.Dialer) (*Service, *Dashboard, *memStore) {
	t.Helper()
	store := &memStore{mothers: map[string]domain.Patient{}, fail: map[string]error{}}
	for i, name := range []string{"Lakshmi", "Priya", "Meena"} {
		id := string(rune('A' + i))
		store.order = append(store.order, id)
		store.mothers[id] = domain.Patient{ID: id, Name: name, Age: 24 + i, Phone: fmt.Sprintf("+91980000000%d", i), LastANCDate: "2024-01-10"}
	}
	cfg := config.Default()
	cfg.Calls.Timeout = time.Second
	svc := New(memBackend{store: store, dialer: dialer}, cfg, zerolog.Nop())
	svc.Now = func() time.Time { return time.Date(2024, 3, 5, 8, 0, 0, 0, time.UTC) }
	sess, err := svc.Login(context.Background(), "asha-1", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	return svc, svc.For(sess), store
}

func TestLoginRejectsBadPassword(t *testing.T) {
	svc, _, _ := newTestDashboard(t, scriptDialer{})
	if _, err := svc.Login(context.Background(), "asha-1", "nope"); !errors.Is(err, domain.ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
}

func TestLoadTruncatesAndJoinsCallLogs(t *testing.T) {
	_, d, store := newTestDashboard(t, scriptDialer{})
	store.logs = []domain.CallLog{{ID: "x", MotherID: "gone", Outcome: domain.OutcomePressed2}}
	for i := 0; i < 12; i++ {
		store.logs = append(store.logs, domain.CallLog{ID: fmt.Sprint(i), MotherID: "B", Outcome: domain.OutcomeAnswered})
	}
	ov, err := d.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ov.MotherCount != 3 || ov.ASHA.PHCName != "Melur PHC" {
		t.Fatalf("unexpected header %+v", ov)
	}
	if len(ov.CallLogs) != RecentCallLogs {
		t.Fatalf("expected %d logs, got %d", RecentCallLogs, len(ov.CallLogs))
	}
	if ov.CallLogs[0].MotherName != "" || ov.CallLogs[1].MotherName != "Priya" {
		t.Fatalf("unexpected names %+v", ov.CallLogs[:2])
	}
}

func TestMarkVisitedIsIdempotent(t *testing.T) {
	_, d, store := newTestDashboard(t, scriptDialer{})
	ctx := context.Background()
	if _, err := d.ToggleFlag(ctx, "A"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	first, err := d.MarkVisited(ctx, "A")
	if err != nil {
		t.Fatalf("visit: %v", err)
	}
	second, err := d.MarkVisited(ctx, "A")
	if err != nil {
		t.Fatalf("visit again: %v", err)
	}
	if first != second || !second.Visited || second.Flagged {
		t.Fatalf("unexpected state %+v %+v", first, second)
	}
	if store.mothers["A"] != second {
		t.Fatalf("store out of sync")
	}
}

func TestToggleFlagTwiceRestores(t *testing.T) {
	_, d, _ := newTestDashboard(t, scriptDialer{})
	ctx := context.Background()
	before, _ := d.Mother(ctx, "B")
	if _, err := d.ToggleFlag(ctx, "B"); err != nil {
		t.Fatalf("toggle: %v", err)
	}
	after, err := d.ToggleFlag(ctx, "B")
	if err != nil {
		t.Fatalf("toggle back: %v", err)
	}
	if after.Flagged != before.Flagged {
		t.Fatalf("expected flag restored, got %+v", after)
	}
}

func TestUpdateFailureIsReported(t *testing.T) {
	_, d, store := newTestDashboard(t, scriptDialer{})
	store.fail["A"] = errors.New("db locked")
	_, err := d.MarkVisited(context.Background(), "A")
	var uerr *domain.UpdateError
	if !errors.As(err, &uerr) || uerr.PatientID != "A" {
		t.Fatalf("expected UpdateError, got %v", err)
	}
	if _, err := d.MarkVisited(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestMotherProfileLabels(t *testing.T) {
	_, d, _ := newTestDashboard(t, scriptDialer{})
	p, err := d.Mother(context.Background(), "A")
	if err != nil {
		t.Fatalf("mother: %v", err)
	}
	if p.ANCDateLabel != "10 January 2024" || p.VisitLabel != "Not Yet Visited" {
		t.Fatalf("unexpected labels %+v", p)
	}
}

func TestCallAllReconcilesAndReloads(t *testing.T) {
	dialer := scriptDialer{"A": domain.OutcomeAnswered, "B": domain.OutcomeNotAnswered, "C": domain.OutcomePressed2}
	_, d, store := newTestDashboard(t, dialer)
	res, err := d.CallAll(context.Background())
	if err != nil {
		t.Fatalf("call all: %v", err)
	}
	flagged := map[string]bool{}
	for _, p := range res.Mothers {
		flagged[p.ID] = p.Flagged
	}
	if flagged["A"] || !flagged["B"] || !flagged["C"] {
		t.Fatalf("unexpected flags %v", flagged)
	}
	if store.updates != 2 {
		t.Fatalf("expected 2 updates, got %d", store.updates)
	}
}

func TestCallAllDispatchFailureNotFlagged(t *testing.T) {
	dialer := scriptDialer{"A": domain.OutcomeAnswered, "C": domain.OutcomePressed2}
	_, d, _ := newTestDashboard(t, dialer)
	res, err := d.CallAll(context.Background())
	if err != nil {
		t.Fatalf("call all: %v", err)
	}
	if _, ok := res.Report.Outcomes["B"]; ok {
		t.Fatalf("B should be absent from the map")
	}
	for _, p := range res.Mothers {
		if p.ID == "B" && p.Flagged {
			t.Fatalf("B must not be flagged")
		}
		if p.ID == "C" && !p.Flagged {
			t.Fatalf("C should be flagged")
		}
	}
}

func TestCallOneAnsweredNoMutation(t *testing.T) {
	_, d, store := newTestDashboard(t, scriptDialer{"A": domain.OutcomeAnswered})
	res, err := d.CallOne(context.Background(), "A")
	if err != nil {
		t.Fatalf("call one: %v", err)
	}
	if res.Outcome != domain.OutcomeAnswered || res.Flagged || store.updates != 0 {
		t.Fatalf("unexpected result %+v updates=%d", res, store.updates)
	}
}

func TestCallOneLogsLoadFailure(t *testing.T) {
	svc, d, store := newTestDashboard(t, scriptDialer{"A": domain.OutcomeAnswered})
	var buf bytes.Buffer
	svc.Log = zerolog.New(&buf)
	d = svc.For(d.Session)

	if _, err := d.CallOne(context.Background(), "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("not found should not be logged, got %s", buf.String())
	}

	store.getFail = errors.New("backend unavailable")
	if _, err := d.CallOne(context.Background(), "A"); err == nil || errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected load failure, got %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "load mother for call") || !strings.Contains(out, `"mother_id":"A"`) {
		t.Fatalf("load failure not logged: %s", out)
	}
	if store.updates != 0 {
		t.Fatalf("no update expected, got %d", store.updates)
	}
}

func TestStartCallAllTracksSession(t *testing.T) {
	dialer := scriptDialer{"A": domain.OutcomeAnswered, "B": domain.OutcomeNotAnswered, "C": domain.OutcomePressed2}
	svc, d, store := newTestDashboard(t, dialer)
	ctx, cancel := context.WithCancel(context.Background())
	sess, err := d.StartCallAll(ctx)
	cancel()
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sess.Total != 3 {
		t.Fatalf("unexpected total %d", sess.Total)
	}
	svc.Wait()
	got, err := d.CallSession(sess.ID)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if got.Status != calls.SessionCompleted || got.Flags == nil || len(got.Flags.Flagged) != 2 {
		t.Fatalf("unexpected session %+v", got)
	}
	if !store.mothers["B"].Flagged || !store.mothers["C"].Flagged {
		t.Fatalf("expected flags applied after request context ended")
	}
}

func TestExport(t *testing.T) {
	_, d, store := newTestDashboard(t, scriptDialer{})
	store.mothers["A"] = domain.Patient{ID: "A", Name: "Lakshmi", Age: 24, Phone: "1", Notes: `said "later", twice`}
	data, name, err := d.Export(context.Background())
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if name != "mothers-list-2024-03-05.csv" {
		t.Fatalf("unexpected filename %s", name)
	}
	records, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(records) != 4 || records[1][8] != `said "later", twice` {
		t.Fatalf("unexpected records %v", records)
	}
}
