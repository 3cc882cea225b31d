// Package ivr simulates the IVR dispatch service for local and demo deployments.
package ivr

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kannamma/internal/config"
	"kannamma/internal/domain"
)

// Recorder stores the call log entry produced by every completed call.
type Recorder interface {
	Record(ctx context.Context, motherID string, outcome domain.Outcome) (domain.CallLog, error)
}

// Simulator answers calls with a weighted random outcome after a fixed delay.
type Simulator struct {
	Weights map[domain.Outcome]int
	Delay   time.Duration
	// Script pins the outcome for specific mothers.
	Script   map[string]domain.Outcome
	Recorder Recorder
	Log      zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulator builds a simulator from config. rec may be nil.
func NewSimulator(cfg config.SimulatorConfig, rec Recorder, log zerolog.Logger) *Simulator {
	s := &Simulator{
		Weights:  map[domain.Outcome]int{},
		Delay:    cfg.Delay,
		Script:   map[string]domain.Outcome{},
		Recorder: rec,
		Log:      log,
	}
	for name, w := range cfg.Weights {
		s.Weights[domain.Outcome(name)] = w
	}
	for id, o := range cfg.Script {
		s.Script[id] = domain.Outcome(o)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	s.rng = rand.New(rand.NewSource(seed))
	return s
}

// PlaceCall waits Delay, picks an outcome and records it.
func (s *Simulator) PlaceCall(ctx context.Context, target domain.CallTarget) (domain.Outcome, error) {
	if strings.TrimSpace(target.Phone) == "" {
		return "", &domain.DispatchError{PatientID: target.PatientID, Err: errors.New("no phone number")}
	}
	if s.Delay > 0 {
		timer := time.NewTimer(s.Delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	outcome, ok := s.Script[target.PatientID]
	if !ok {
		outcome = s.pick()
	}
	if !outcome.Valid() {
		return "", &domain.UnknownOutcomeError{Value: string(outcome)}
	}
	if s.Recorder != nil {
		if _, err := s.Recorder.Record(ctx, target.PatientID, outcome); err != nil {
			s.Log.Error().Err(err).Str("mother_id", target.PatientID).Msg("record call log")
		}
	}
	s.Log.Debug().Str("mother_id", target.PatientID).Str("outcome", string(outcome)).Msg("simulated call")
	return outcome, nil
}

func (s *Simulator) pick() domain.Outcome {
	keys := make([]string, 0, len(s.Weights))
	total := 0
	for o, w := range s.Weights {
		if w > 0 {
			keys = append(keys, string(o))
			total += w
		}
	}
	if total == 0 {
		return domain.OutcomeAnswered
	}
	// Map iteration order is random; sort so a seeded rng is reproducible.
	sort.Strings(keys)
	s.mu.Lock()
	n := s.rng.Intn(total)
	s.mu.Unlock()
	for _, k := range keys {
		w := s.Weights[domain.Outcome(k)]
		if n < w {
			return domain.Outcome(k)
		}
		n -= w
	}
	return domain.OutcomeAnswered
}
