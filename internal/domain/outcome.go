package domain

import "strings"

// Outcome is the result reported by the IVR for one call.
type Outcome string

const (
	OutcomeAnswered    Outcome = "answered"
	OutcomeNotAnswered Outcome = "not_answered"
	// OutcomePressed2 is the "needs follow-up" touch-tone response.
	OutcomePressed2 Outcome = "pressed_2"
)

// Outcomes lists every valid outcome.
var Outcomes = []Outcome{OutcomeAnswered, OutcomeNotAnswered, OutcomePressed2}

func (o Outcome) Valid() bool {
	switch o {
	case OutcomeAnswered, OutcomeNotAnswered, OutcomePressed2:
		return true
	}
	return false
}

// ParseOutcome accepts only the closed outcome set.
func ParseOutcome(raw string) (Outcome, error) {
	o := Outcome(strings.TrimSpace(raw))
	if !o.Valid() {
		return "", &UnknownOutcomeError{Value: raw}
	}
	return o, nil
}

// ReconciliationMap holds at most one outcome per patient dialed in a bulk-call session.
type ReconciliationMap map[string]Outcome
