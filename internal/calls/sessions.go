package calls

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"kannamma/internal/domain"
)

type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session is the progress record of one bulk call started by a worker.
type Session struct {
	ID          string                   `json:"id"`
	Owner       string                   `json:"asha_id"`
	Status      SessionStatus            `json:"status" enum:"running,completed,failed"`
	Dismissed   bool                     `json:"dismissed"`
	Total       int                      `json:"total"`
	Done        int                      `json:"done"`
	Results     []TargetResult           `json:"results"`
	Outcomes    domain.ReconciliationMap `json:"outcomes,omitempty"`
	Flags       *FlagReport              `json:"flags,omitempty"`
	Duplicates  []string                 `json:"duplicates,omitempty"`
	Error       string                   `json:"error,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}

// Tracker keeps bulk call sessions in memory so a client can poll or dismiss them.
type Tracker struct {
	// TTL is how long finished sessions are kept. Zero keeps them forever.
	TTL time.Duration
	Now func() time.Time

	mu    sync.Mutex
	items map[string]*Session
}

func NewTracker(ttl time.Duration) *Tracker {
	return &Tracker{TTL: ttl, Now: time.Now, items: map[string]*Session{}}
}

func (t *Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// Start registers a running session for owner.
func (t *Tracker) Start(owner string, total int) Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pruneLocked()
	s := &Session{
		ID:        uuid.NewString(),
		Owner:     owner,
		Status:    SessionRunning,
		Total:     total,
		Results:   []TargetResult{},
		StartedAt: t.now().UTC(),
	}
	if t.items == nil {
		t.items = map[string]*Session{}
	}
	t.items[s.ID] = s
	return s.snapshot()
}

// Progress records one resolved target. Dismissed sessions stop collecting progress.
func (t *Tracker) Progress(id string, res TargetResult) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[id]
	if !ok || s.Dismissed {
		return
	}
	s.Results = append(s.Results, res)
	s.Done = len(s.Results)
}

// Finish stores the final report and flag results of a session.
func (t *Tracker) Finish(id string, report Report, flags FlagReport, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[id]
	if !ok {
		return
	}
	done := t.now().UTC()
	s.CompletedAt = &done
	if err != nil {
		s.Status = SessionFailed
		s.Error = err.Error()
		return
	}
	s.Status = SessionCompleted
	s.Results = report.Results
	s.Done = len(report.Results)
	s.Total = len(report.Results)
	s.Outcomes = report.Outcomes
	s.Duplicates = report.Duplicates
	s.Flags = &flags
}

// Get returns a snapshot of a session owned by owner.
func (t *Tracker) Get(owner, id string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[id]
	if !ok || s.Owner != owner {
		return Session{}, fmt.Errorf("call session %s: %w", id, domain.ErrNotFound)
	}
	return s.snapshot(), nil
}

// Dismiss marks a session as no longer watched. Calls already placed keep running
// and their outcomes are still reconciled when they finish.
func (t *Tracker) Dismiss(owner, id string) (Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.items[id]
	if !ok || s.Owner != owner {
		return Session{}, fmt.Errorf("call session %s: %w", id, domain.ErrNotFound)
	}
	s.Dismissed = true
	return s.snapshot(), nil
}

func (t *Tracker) pruneLocked() {
	if t.TTL <= 0 {
		return
	}
	cutoff := t.now().Add(-t.TTL)
	for id, s := range t.items {
		if s.CompletedAt != nil && s.CompletedAt.Before(cutoff) {
			delete(t.items, id)
		}
	}
}

func (s *Session) snapshot() Session {
	cp := *s
	cp.Results = append([]TargetResult{}, s.Results...)
	if s.Outcomes != nil {
		cp.Outcomes = make(domain.ReconciliationMap, len(s.Outcomes))
		for k, v := range s.Outcomes {
			cp.Outcomes[k] = v
		}
	}
	return cp
}
