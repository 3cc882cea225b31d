package domain

import (
	"errors"
	"strings"
	"time"
)

// DateLayout is the wire format of calendar dates such as last_anc_date.
const DateLayout = "2006-01-02"

// ASHA is the community health worker operating the dashboard.
type ASHA struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	PHCName string `json:"phc_name"`
}

// Session carries the logged-in worker and the backend credential issued at login.
// It is passed explicitly to every component that acts on behalf of the worker.
type Session struct {
	ASHA  ASHA   `json:"asha"`
	Token string `json:"-"`
}

type Patient struct {
	ID             string `json:"id"`
	ASHAID         string `json:"asha_id,omitempty"`
	Name           string `json:"name"`
	Age            int    `json:"age"`
	Phone          string `json:"phone"`
	Address        string `json:"address"`
	LastANCDate    string `json:"last_anc_date" format:"date"`
	GestationWeeks int    `json:"gestation_weeks"`
	Flagged        bool   `json:"flagged"`
	Visited        bool   `json:"visited"`
	Notes          string `json:"notes,omitempty"`
}

// ANCDate parses LastANCDate.
func (p Patient) ANCDate() (time.Time, error) {
	return time.Parse(DateLayout, strings.TrimSpace(p.LastANCDate))
}

// ANCDateLabel renders the last antenatal visit as "02 January 2006", or the raw value
// when it cannot be parsed.
func (p Patient) ANCDateLabel() string {
	d, err := p.ANCDate()
	if err != nil {
		return p.LastANCDate
	}
	return d.Format("02 January 2006")
}

func (p Patient) VisitLabel() string {
	if p.Visited {
		return "Recently Visited"
	}
	return "Not Yet Visited"
}

// Validate checks the fields the dashboard relies on.
func (p Patient) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("patient id is required")
	}
	if strings.TrimSpace(p.Name) == "" {
		return errors.New("patient name is required")
	}
	if p.Age <= 0 {
		return errors.New("patient age must be positive")
	}
	if strings.TrimSpace(p.Phone) == "" {
		return errors.New("patient phone is required")
	}
	if p.LastANCDate != "" {
		if _, err := p.ANCDate(); err != nil {
			return errors.New("invalid last_anc_date: must be YYYY-MM-DD")
		}
	}
	return nil
}

// PatientPatch is a partial update. Nil fields are left untouched.
type PatientPatch struct {
	Visited *bool   `json:"visited,omitempty"`
	Flagged *bool   `json:"flagged,omitempty"`
	Notes   *string `json:"notes,omitempty"`
}

func (p PatientPatch) Empty() bool {
	return p.Visited == nil && p.Flagged == nil && p.Notes == nil
}

// Apply returns a copy of patient with the patch applied.
func (p PatientPatch) Apply(patient Patient) Patient {
	if p.Visited != nil {
		patient.Visited = *p.Visited
	}
	if p.Flagged != nil {
		patient.Flagged = *p.Flagged
	}
	if p.Notes != nil {
		patient.Notes = *p.Notes
	}
	return patient
}

// FlagPatch sets flagged to the given value.
func FlagPatch(flagged bool) PatientPatch {
	return PatientPatch{Flagged: &flagged}
}

// VisitedPatch marks the patient visited and clears any outstanding flag in one update.
func VisitedPatch() PatientPatch {
	visited, flagged := true, false
	return PatientPatch{Visited: &visited, Flagged: &flagged}
}

type CallLog struct {
	ID        string  `json:"id"`
	MotherID  string  `json:"mother_id"`
	Timestamp string  `json:"timestamp" format:"date-time"`
	Outcome   Outcome `json:"outcome" enum:"answered,not_answered,pressed_2"`
}

// CallTarget is one patient to dial.
type CallTarget struct {
	PatientID string `json:"mother_id"`
	Phone     string `json:"phone"`
}

// Target builds the call target for a patient.
func (p Patient) Target() CallTarget {
	return CallTarget{PatientID: p.ID, Phone: p.Phone}
}

// Flagged returns the flagged subset of a roster, preserving order.
func Flagged(roster []Patient) []Patient {
	out := make([]Patient, 0, len(roster))
	for _, p := range roster {
		if p.Flagged {
			out = append(out, p)
		}
	}
	return out
}
