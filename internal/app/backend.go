package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"kannamma/internal/backend"
	"kannamma/internal/calllog"
	"kannamma/internal/calls"
	"kannamma/internal/config"
	"kannamma/internal/dashboard"
	"kannamma/internal/db"
	"kannamma/internal/domain"
	"kannamma/internal/ivr"
	"kannamma/internal/migrate"
	"kannamma/internal/pgstore"
	"kannamma/internal/repo"
)

// Seeder is implemented by backends that own their data and can be seeded locally.
type Seeder interface {
	SeedASHA(ctx context.Context, a domain.ASHA, password string) error
	SeedMother(ctx context.Context, p domain.Patient, position int) error
}

// NewBackend wires the store and IVR selected by cfg.
func NewBackend(ctx context.Context, workspace string, cfg *config.Config, log zerolog.Logger) (dashboard.Backend, error) {
	switch cfg.Store.Driver {
	case config.DriverSQLite:
		conn, err := db.Open(db.Config{Workspace: workspace, File: cfg.SQLitePath(workspace)})
		if err != nil {
			return nil, err
		}
		st, err := migrate.Migrate(ctx, conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
		if len(st.Applied) > 0 {
			log.Info().Int("from", st.From).Int("to", st.To).Strs("applied", st.Applied).Msg("sqlite schema migrated")
		}
		b := &SQLite{DB: conn, Repo: repo.Repo{DB: conn}, Schema: st}
		b.Dialer = simulator(cfg, calllog.Writer{DB: conn}, log)
		return b, nil
	case config.DriverPostgres:
		pool, err := pgstore.NewPool(ctx, cfg.Store.PostgresURL, cfg.Store.MaxConns, cfg.Store.MinConns)
		if err != nil {
			return nil, err
		}
		store := &pgstore.Store{Pool: pool}
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return &Postgres{Store: store, Dialer: simulator(cfg, store, log)}, nil
	case config.DriverRemote:
		b := &Remote{Client: backend.New(cfg.Backend.URL, cfg.Backend.Timeout)}
		if cfg.IVR.Mode == config.IVRSimulated {
			b.Simulator = ivr.NewSimulator(cfg.IVR.Simulator, nil, log)
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

func simulator(cfg *config.Config, rec ivr.Recorder, log zerolog.Logger) calls.Dialer {
	return ivr.NewSimulator(cfg.IVR.Simulator, rec, log)
}

// SQLite keeps everything in the workspace database.
type SQLite struct {
	DB     *sql.DB
	Repo   repo.Repo
	Dialer calls.Dialer
	// Schema is the migration run performed when the backend was opened.
	Schema migrate.Status
}

func (b *SQLite) Authenticate(ctx context.Context, ashaID, password string) (domain.Session, error) {
	a, err := b.Repo.Authenticate(ctx, ashaID, password)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{ASHA: a}, nil
}

func (b *SQLite) Open(sess domain.Session) dashboard.Stores {
	roster := repo.Roster{Repo: b.Repo, ASHAID: sess.ASHA.ID}
	return dashboard.Stores{Patients: roster, CallLogs: roster, Dialer: b.Dialer}
}

func (b *SQLite) Close() error {
	return b.DB.Close()
}

func (b *SQLite) SeedASHA(ctx context.Context, a domain.ASHA, password string) error {
	hash, err := repo.HashPassword(password)
	if err != nil {
		return err
	}
	return b.Repo.UpsertASHA(ctx, nil, a, hash)
}

func (b *SQLite) SeedMother(ctx context.Context, p domain.Patient, position int) error {
	return b.Repo.UpsertMother(ctx, nil, p, position)
}

// Postgres keeps everything in a shared PostgreSQL database.
type Postgres struct {
	Store  *pgstore.Store
	Dialer calls.Dialer
}

func (b *Postgres) Authenticate(ctx context.Context, ashaID, password string) (domain.Session, error) {
	a, err := b.Store.Authenticate(ctx, ashaID, password)
	if err != nil {
		return domain.Session{}, err
	}
	return domain.Session{ASHA: a}, nil
}

func (b *Postgres) Open(sess domain.Session) dashboard.Stores {
	roster := pgstore.Roster{Store: b.Store, ASHAID: sess.ASHA.ID}
	return dashboard.Stores{Patients: roster, CallLogs: roster, Dialer: b.Dialer}
}

func (b *Postgres) Close() error {
	b.Store.Pool.Close()
	return nil
}

func (b *Postgres) SeedASHA(ctx context.Context, a domain.ASHA, password string) error {
	hash, err := repo.HashPassword(password)
	if err != nil {
		return err
	}
	return b.Store.UpsertASHA(ctx, a, hash)
}

func (b *Postgres) SeedMother(ctx context.Context, p domain.Patient, position int) error {
	return b.Store.UpsertMother(ctx, p, position)
}

// Remote delegates to the backend REST API. Simulator, when set, replaces the IVR trunk.
type Remote struct {
	Client    *backend.Client
	Simulator *ivr.Simulator
}

func (b *Remote) Authenticate(ctx context.Context, ashaID, password string) (domain.Session, error) {
	return b.Client.Login(ctx, ashaID, password)
}

func (b *Remote) Open(sess domain.Session) dashboard.Stores {
	c := b.Client.WithToken(sess.Token)
	stores := dashboard.Stores{Patients: c, CallLogs: c, Dialer: c}
	if b.Simulator != nil {
		stores.Dialer = b.Simulator
	}
	return stores
}

func (b *Remote) Close() error { return nil }

// ErrNotSeedable is returned when seeding a backend that does not own its data.
var ErrNotSeedable = errors.New("store driver remote cannot be seeded")

// SeedFromFile loads a roster file into a local backend.
func SeedFromFile(ctx context.Context, b dashboard.Backend, path string) (SeedSummary, error) {
	s, ok := b.(Seeder)
	if !ok {
		return SeedSummary{}, ErrNotSeedable
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return SeedSummary{}, err
	}
	file, err := ParseSeed(data)
	if err != nil {
		return SeedSummary{}, err
	}
	return Seed(ctx, s, file)
}
