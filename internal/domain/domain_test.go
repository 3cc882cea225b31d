package domain

import (
	"errors"
	"testing"
)

func TestParseOutcome(t *testing.T) {
	for _, o := range Outcomes {
		got, err := ParseOutcome(string(o))
		if err != nil || got != o {
			t.Fatalf("parse %s: got %q err %v", o, got, err)
		}
	}
	_, err := ParseOutcome("pressed_9")
	var unknown *UnknownOutcomeError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected UnknownOutcomeError, got %v", err)
	}
	if unknown.Value != "pressed_9" {
		t.Fatalf("unexpected value %q", unknown.Value)
	}
}

func TestVisitedPatchIsIdempotent(t *testing.T) {
	p := Patient{ID: "m1", Flagged: true}
	once := VisitedPatch().Apply(p)
	twice := VisitedPatch().Apply(once)
	if once != twice {
		t.Fatalf("expected idempotent patch, got %+v vs %+v", once, twice)
	}
	if !twice.Visited || twice.Flagged {
		t.Fatalf("expected visited=true flagged=false, got %+v", twice)
	}
}

func TestPatchEmpty(t *testing.T) {
	if !(PatientPatch{}).Empty() {
		t.Fatalf("zero patch should be empty")
	}
	if FlagPatch(false).Empty() {
		t.Fatalf("flag patch should not be empty")
	}
}

func TestANCDateLabel(t *testing.T) {
	p := Patient{LastANCDate: "2024-03-05"}
	if got := p.ANCDateLabel(); got != "05 March 2024" {
		t.Fatalf("unexpected label %q", got)
	}
	p.LastANCDate = "yesterday"
	if got := p.ANCDateLabel(); got != "yesterday" {
		t.Fatalf("expected raw fallback, got %q", got)
	}
}

func TestPatientValidate(t *testing.T) {
	ok := Patient{ID: "m1", Name: "Lakshmi", Age: 24, Phone: "+919800000001", LastANCDate: "2024-01-10"}
	if err := ok.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	bad := ok
	bad.Age = 0
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected age error")
	}
	bad = ok
	bad.LastANCDate = "10/01/2024"
	if err := bad.Validate(); err == nil {
		t.Fatalf("expected date error")
	}
}

func TestFlaggedKeepsOrder(t *testing.T) {
	roster := []Patient{{ID: "a", Flagged: true}, {ID: "b"}, {ID: "c", Flagged: true}}
	got := Flagged(roster)
	if len(got) != 2 || got[0].ID != "a" || got[1].ID != "c" {
		t.Fatalf("unexpected flagged subset %+v", got)
	}
}
