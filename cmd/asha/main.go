package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"kannamma/internal/app"
	"kannamma/internal/config"
	"kannamma/internal/dashboard"
	"kannamma/internal/domain"
	"kannamma/internal/logging"
	"kannamma/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "asha",
	Short: "Kannamma ASHA dashboard",
	Long: `Kannamma helps an ASHA worker follow up with the pregnant mothers assigned to them.
- Roster: the mothers you look after, with their last antenatal visit and gestation.
- Call all: places an IVR call to every mother at once. Mothers who do not answer or
  press 2 ("I need help") get flagged for a home visit.
- Visit: marks a mother visited and clears the flag.
- Serve: runs the HTTP API the web dashboard talks to.
Credentials come from --asha-id/--password or KANNAMMA_ASHA_ID/KANNAMMA_PASSWORD,
which can live in the workspace .env file.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envPath := filepath.Join(viper.GetString("workspace"), ".env")
		if err := godotenv.Load(envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envPath, err)
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("KANNAMMA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("asha-id", "", "ASHA id to log in as")
	rootCmd.PersistentFlags().String("password", "", "ASHA password")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("asha-id", rootCmd.PersistentFlags().Lookup("asha-id"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(rosterCmd())
	rootCmd.AddCommand(visitCmd())
	rootCmd.AddCommand(flagCmd())
	rootCmd.AddCommand(notesCmd())
	rootCmd.AddCommand(callCmd())
	rootCmd.AddCommand(callAllCmd())
	rootCmd.AddCommand(logsCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the dashboard header",
		Long:  "Who is logged in, which PHC, how many mothers and how many are flagged.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				ov, err := d.Load(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"asha":          ov.ASHA,
						"mother_count":  ov.MotherCount,
						"flagged_count": ov.FlaggedCount,
					})
				}
				fmt.Printf("ASHA: %s (%s)\n", ov.ASHA.Name, ov.ASHA.ID)
				fmt.Printf("PHC: %s\n", ov.ASHA.PHCName)
				fmt.Printf("Mothers: %d (%d flagged)\n", ov.MotherCount, ov.FlaggedCount)
				return nil
			})
		},
	}
}

func rosterCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "roster",
		Short: "Browse assigned mothers",
	}
	cmd.AddCommand(rosterListCmd())
	cmd.AddCommand(rosterShowCmd())
	return cmd
}

func rosterListCmd() *cobra.Command {
	var flagged bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List mothers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				mothers, err := d.Mothers(ctx, flagged)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(mothers)
				}
				printRoster(mothers)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&flagged, "flagged", false, "only flagged mothers")
	return cmd
}

func rosterShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <mother-id>",
		Short: "Show a mother's profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				p, err := d.Mother(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(p)
				}
				fmt.Printf("%s (%d)\n", p.Name, p.Age)
				fmt.Printf("Phone: %s\n", p.Phone)
				fmt.Printf("Address: %s\n", p.Address)
				fmt.Printf("Last ANC: %s\n", p.ANCDateLabel)
				fmt.Printf("Gestation: %d weeks\n", p.GestationWeeks)
				fmt.Printf("Status: %s, %s\n", p.VisitLabel, flagLabel(p.Flagged))
				if p.Notes != "" {
					fmt.Printf("Notes: %s\n", p.Notes)
				}
				return nil
			})
		},
	}
}

func visitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "visit <mother-id>",
		Short: "Mark a mother visited and clear the flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				p, err := d.MarkVisited(ctx, args[0])
				if err != nil {
					return err
				}
				return printPatient(p)
			})
		},
	}
}

func flagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flag <mother-id>",
		Short: "Toggle a mother's flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				p, err := d.ToggleFlag(ctx, args[0])
				if err != nil {
					return err
				}
				return printPatient(p)
			})
		},
	}
}

func notesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "notes <mother-id> <text>",
		Short: "Replace a mother's notes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				p, err := d.SetNotes(ctx, args[0], args[1])
				if err != nil {
					return err
				}
				return printPatient(p)
			})
		},
	}
}

func callCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <mother-id>",
		Short: "Call one mother",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				res, err := d.CallOne(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s: %s", res.PatientID, res.Outcome)
				if res.Flagged {
					fmt.Print(" (flagged for follow-up)")
				}
				fmt.Println()
				return nil
			})
		},
	}
}

func callAllCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call-all",
		Short: "Call every mother and flag the ones that need follow-up",
		Long:  "Places one IVR call per mother at once and waits for all of them. Mothers who did not answer or pressed 2 are flagged; failed calls are reported and left alone.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				res, err := d.CallAll(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				flagged := make(map[string]bool, len(res.Flags.Flagged))
				for _, id := range res.Flags.Flagged {
					flagged[id] = true
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Mother", "Status", "Outcome", "Flagged", "Error"})
				for _, r := range res.Report.Results {
					errText := r.Error
					if msg, ok := res.Flags.Failed[r.PatientID]; ok {
						errText = msg
					}
					tw.AppendRow(table.Row{r.PatientID, r.Status, r.Outcome, yesNo(flagged[r.PatientID]), errText})
				}
				tw.Render()
				if len(res.Report.Duplicates) > 0 {
					fmt.Printf("Skipped duplicate ids: %s\n", strings.Join(res.Report.Duplicates, ", "))
				}
				fmt.Printf("%d flagged for follow-up\n", len(res.Flags.Flagged))
				return nil
			})
		},
	}
}

func logsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs",
		Short: "Show recent call logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				items, err := d.CallLogs(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Mother", "Outcome"})
				for _, l := range items {
					name := l.MotherName
					if name == "" {
						name = l.MotherID
					}
					tw.AppendRow(table.Row{l.Timestamp, name, l.Outcome})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the roster as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDashboard(cmd.Context(), func(ctx context.Context, d *dashboard.Dashboard) error {
				data, name, err := d.Export(ctx)
				if err != nil {
					return err
				}
				if out == "-" {
					_, err := os.Stdout.Write(data)
					return err
				}
				if out == "" {
					out = name
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (- for stdout, default mothers-list-<date>.csv)")
	return cmd
}

func accountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "account",
		Short: "Manage ASHA accounts in a local store",
	}
	cmd.AddCommand(accountAddCmd())
	return cmd
}

func accountAddCmd() *cobra.Command {
	var id, name, phc, password string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create or update an ASHA account",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" || name == "" || password == "" {
				return fmt.Errorf("--id, --name and --password required")
			}
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, b dashboard.Backend) error {
				s, ok := b.(app.Seeder)
				if !ok {
					return app.ErrNotSeedable
				}
				if err := s.SeedASHA(ctx, domain.ASHA{ID: id, Name: name, PHCName: phc}, password); err != nil {
					return err
				}
				fmt.Printf("Saved account %s\n", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "ASHA id")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.Flags().StringVar(&phc, "phc", "", "primary health centre")
	cmd.Flags().StringVar(&password, "password", "", "login password")
	return cmd
}

func seedCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load accounts and mothers from a YAML file",
		Long:  "Upserts the accounts and mothers listed in the file. Existing flag and visit state is kept.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				return fmt.Errorf("--file required")
			}
			return withBackend(cmd.Context(), func(ctx context.Context, _ *config.Config, b dashboard.Backend) error {
				sum, err := app.SeedFromFile(ctx, b, file)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sum)
				}
				fmt.Printf("Seeded %d accounts and %d mothers\n", sum.ASHAs, sum.Mothers)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "seed file")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema migrations to the configured store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd.Context(), func(ctx context.Context, cfg *config.Config, b dashboard.Backend) error {
				local, ok := b.(*app.SQLite)
				if !ok {
					fmt.Printf("Store %s is up to date\n", cfg.Store.Driver)
					return nil
				}
				if viper.GetBool("json") {
					return printJSON(local.Schema)
				}
				if len(local.Schema.Applied) == 0 {
					fmt.Printf("Schema already at version %d\n", local.Schema.To)
					return nil
				}
				fmt.Printf("Migrated schema %d -> %d (%s)\n", local.Schema.From, local.Schema.To, strings.Join(local.Schema.Applied, ", "))
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Workspace configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configInitCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default kannamma.yml and a JWT secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			envPath := filepath.Join(workspace, ".env")
			created, err := ensureEnvSecret(envPath, "KANNAMMA_JWT_SECRET")
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("Added KANNAMMA_JWT_SECRET to %s\n", envPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the dashboard HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				return fmt.Errorf("KANNAMMA_JWT_SECRET is required for bearer auth (asha config init writes one)")
			}
			log := logging.New(cfg.Log, os.Stderr)
			b, err := app.NewBackend(cmd.Context(), viper.GetString("workspace"), cfg, log)
			if err != nil {
				return err
			}
			defer b.Close()
			svc := dashboard.New(b, cfg, log)
			handler, err := server.New(server.Config{
				Service:     svc,
				BasePath:    basePath,
				Auth:        server.AuthConfig{JWTSecret: secret, TokenTTL: cfg.Server.TokenTTL},
				CORSOrigins: cfg.Server.CORSOrigins,
				Log:         log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Str("store", cfg.Store.Driver).Msg("serving Kannamma API")
			fmt.Printf("Serving Kannamma API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			log.Info().Msg("waiting for background calls")
			svc.Wait()
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	return cmd
}

// --- helpers ---

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadOptional(viper.GetString("workspace"))
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withBackend(ctx context.Context, fn func(context.Context, *config.Config, dashboard.Backend) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log, os.Stderr)
	b, err := app.NewBackend(ctx, viper.GetString("workspace"), cfg, log)
	if err != nil {
		return err
	}
	defer b.Close()
	return fn(ctx, cfg, b)
}

func withDashboard(ctx context.Context, fn func(context.Context, *dashboard.Dashboard) error) error {
	return withBackend(ctx, func(ctx context.Context, cfg *config.Config, b dashboard.Backend) error {
		id := strings.TrimSpace(viper.GetString("asha-id"))
		password := viper.GetString("password")
		if id == "" || password == "" {
			return fmt.Errorf("not logged in; pass --asha-id and --password or set KANNAMMA_ASHA_ID and KANNAMMA_PASSWORD")
		}
		log := logging.New(cfg.Log, os.Stderr)
		if cfg.Log.Format == "console" {
			// Keep terminal output to warnings so tables stay readable.
			log = log.Level(max(log.GetLevel(), zerolog.WarnLevel))
		}
		svc := dashboard.New(b, cfg, log)
		sess, err := svc.Login(ctx, id, password)
		if err != nil {
			return err
		}
		defer svc.Wait()
		return fn(ctx, svc.For(sess))
	})
}

// ensureEnvSecret adds a random value for key to the env file unless one is set.
func ensureEnvSecret(path, key string) (bool, error) {
	values, err := godotenv.Read(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return false, err
		}
		values = map[string]string{}
	}
	if values[key] != "" {
		return false, nil
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return false, err
	}
	values[key] = hex.EncodeToString(buf)
	return true, godotenv.Write(values, path)
}

func printRoster(mothers []domain.Patient) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Age", "Phone", "Last ANC", "Weeks", "Flagged", "Visited"})
	for _, p := range mothers {
		tw.AppendRow(table.Row{p.ID, p.Name, p.Age, p.Phone, p.ANCDateLabel(), p.GestationWeeks, yesNo(p.Flagged), yesNo(p.Visited)})
	}
	tw.Render()
}

func printPatient(p domain.Patient) error {
	if viper.GetBool("json") {
		return printJSON(p)
	}
	fmt.Printf("%s: %s, %s\n", p.Name, p.VisitLabel(), flagLabel(p.Flagged))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func flagLabel(flagged bool) string {
	if flagged {
		return "flagged"
	}
	return "not flagged"
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}
