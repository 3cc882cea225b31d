package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"kannamma/internal/config"
	"kannamma/internal/dashboard"
	"kannamma/internal/domain"
)

const seedYAML = `ashas:
  - id: asha-1
    name: Kavitha
    phc_name: Melur PHC
    password: secret
mothers:
  - id: m1
    asha_id: asha-1
    name: Lakshmi
    age: 24
    phone: "+919800000001"
    address: Ward 3
    last_anc_date: "2024-01-10"
    gestation_weeks: 20
  - id: m2
    asha_id: asha-1
    name: Priya
    age: 29
    phone: "+919800000002"
    address: Main Rd
    last_anc_date: "2024-02-01"
    gestation_weeks: 32
`

func TestSQLiteBackendEndToEnd(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.IVR.Simulator.Delay = 0
	cfg.IVR.Simulator.Script = map[string]string{"m1": "answered", "m2": "pressed_2"}
	ctx := context.Background()
	b, err := NewBackend(ctx, dir, cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	defer b.Close()

	path := filepath.Join(dir, "mothers.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o644); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	sum, err := SeedFromFile(ctx, b, path)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if sum.ASHAs != 1 || sum.Mothers != 2 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	svc := dashboard.New(b, cfg, zerolog.Nop())
	sess, err := svc.Login(ctx, "asha-1", "secret")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	d := svc.For(sess)
	res, err := d.CallAll(ctx)
	if err != nil {
		t.Fatalf("call all: %v", err)
	}
	if len(res.Flags.Flagged) != 1 || res.Flags.Flagged[0] != "m2" {
		t.Fatalf("unexpected flags %+v", res.Flags)
	}
	ov, err := d.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ov.FlaggedCount != 1 || len(ov.CallLogs) != 2 {
		t.Fatalf("unexpected overview %+v", ov)
	}
	for _, l := range ov.CallLogs {
		if l.MotherName == "" {
			t.Fatalf("call log missing mother name: %+v", l)
		}
	}
}

func TestParseSeedRejectsUnknownASHA(t *testing.T) {
	raw := []byte("ashas:\n  - id: a1\n    name: K\n    password: x\nmothers:\n  - id: m1\n    asha_id: a2\n    name: L\n    age: 20\n    phone: '1'\n")
	if _, err := ParseSeed(raw); err == nil {
		t.Fatalf("expected unknown asha error")
	}
}

func TestRemoteBackendIsNotSeedable(t *testing.T) {
	cfg := config.Default()
	cfg.Store.Driver = config.DriverRemote
	cfg.Backend.URL = "http://127.0.0.1:1"
	b, err := NewBackend(context.Background(), t.TempDir(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	if _, err := SeedFromFile(context.Background(), b, "unused.yaml"); !errors.Is(err, ErrNotSeedable) {
		t.Fatalf("expected ErrNotSeedable, got %v", err)
	}
	stores := b.Open(domain.Session{Token: "tok"})
	if stores.Dialer == nil || stores.Patients == nil {
		t.Fatalf("expected wired stores")
	}
}
