package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"herdline/internal/app"
	"herdline/internal/config"
	"herdline/internal/db"
	"herdline/internal/domain"
	"herdline/internal/engine"
	"herdline/internal/events"
	"herdline/internal/feed"
	"herdline/internal/logging"
	"herdline/internal/migrate"
	"herdline/internal/photos"
	"herdline/internal/schedule"
	"herdline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hl",
	Short: "Herdline CLI",
	Long: `Herdline tracks the daily care of goats and cows.
- Project: one animal, its acquisition date and current weight.
- Feed tier: the grain ration level, re-evaluated on every check period day.
- Schedule: the fixed list of daily tasks, grouped in phases (morning, midday, ...).
- Ledger: which tasks were done on a date, plus photos attached to a phase.
- Event log: every change, view with 'hl log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
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
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HERDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("owner-id", "local-user", "owner identifier")
	rootCmd.PersistentFlags().Bool("admin", false, "act with the admin role")
	rootCmd.PersistentFlags().String("log-level", "", "log level (defaults to herdline.yml)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("owner-id", rootCmd.PersistentFlags().Lookup("owner-id"))
	_ = viper.BindPFlag("admin", rootCmd.PersistentFlags().Lookup("admin"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(dashboardCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(photosCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(dbCmd())
}

func actor() engine.Actor {
	return engine.Actor{ID: viper.GetString("owner-id"), Admin: viper.GetBool("admin")}
}

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	prj.AddCommand(projectWeightCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var name, animal, acquired string
	var weight float64
	var period int
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a project for one animal",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseAnimalKind(animal)
			if err != nil {
				return err
			}
			var acq domain.Date
			if acquired != "" {
				if acq, err = domain.ParseDate(acquired); err != nil {
					return err
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.CreateProject(ctx, engine.CreateProjectOptions{
					OwnerID:         actor().ID,
					Name:            name,
					AnimalKind:      kind,
					AcquisitionDate: acq,
					WeightKg:        weight,
					CheckPeriodDays: period,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&animal, "animal", "", "goat or cow")
	cmd.Flags().Float64Var(&weight, "weight", 0, "current weight in kg")
	cmd.Flags().StringVar(&acquired, "acquired", "", "acquisition date YYYY-MM-DD (default today)")
	cmd.Flags().IntVar(&period, "check-period", 0, "days between weight checks (default from config)")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("animal")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func projectListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListProjects(ctx, actor(), all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				today := e.Today()
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Animal", "Day", "Weight", "Tier", "Owner"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.AnimalKind, p.ElapsedDays(today), p.CurrentWeightKg, p.FeedTier, p.OwnerID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "list every owner's projects (admin)")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project with its ledger",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.GetProject(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and its photos",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.DeleteProject(ctx, args[0], actor().ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Deleted %s (%d photos released, %d blob errors)\n", args[0], len(res.Released), res.BlobDeleteErrs)
				return nil
			})
		},
	}
	return cmd
}

func projectWeightCmd() *cobra.Command {
	var kg float64
	cmd := &cobra.Command{
		Use:   "weight <project-id>",
		Short: "Record a weigh-in and recompute the feed tier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.UpdateWeight(ctx, args[0], actor().ID, kg)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().Float64Var(&kg, "kg", 0, "weight in kg")
	_ = cmd.MarkFlagRequired("kg")
	return cmd
}

func dashboardCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "dashboard <project-id>",
		Short: "Show today's schedule; runs the weight checkpoint when due",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := optionalDate(date)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				dash, err := e.Dashboard(ctx, args[0], actor(), d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dash)
				}
				p := dash.Project
				fmt.Printf("%s (%s) day %d, %s\n", p.Name, p.AnimalKind, dash.ElapsedDays, dash.Date)
				fmt.Printf("Weight %.1f kg, tier %s, %.0f%% of target\n", p.CurrentWeightKg, p.FeedTier, dash.TargetProgress*100)
				if dash.Checkpoint.Fired {
					fmt.Printf("Checkpoint fired: tier re-evaluated at %.1f kg\n", dash.Checkpoint.AdjustedWeightKg)
				}
				if dash.WeightCheckDue {
					fmt.Println("Weight check due today")
				}
				renderSchedule(dash.Schedule, dash.Completions)
				for _, phase := range sortedPhases(dash.Photos) {
					fmt.Printf("Photos %s: %s\n", phase, strings.Join(refStrings(dash.Photos[phase]), ", "))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	return cmd
}

func tasksCmd() *cobra.Command {
	t := &cobra.Command{Use: "tasks", Short: "Record task completions"}
	t.AddCommand(tasksSaveCmd())
	return t
}

func tasksSaveCmd() *cobra.Command {
	var date string
	var done, notDone []string
	cmd := &cobra.Command{
		Use:   "save <project-id>",
		Short: "Replace the completions stored for a date",
		Long:  "Keys are phase.index, e.g. morning.0. Everything previously saved for the date is replaced.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := optionalDate(date)
			if err != nil {
				return err
			}
			completions, err := parseCompletions(done, notDone)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.IsZero() {
					d = e.Today()
				}
				res, err := e.RecordTaskCompletion(ctx, args[0], actor().ID, d, completions)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("Saved %d completions for %s\n", res.Saved, res.Date)
				for _, k := range res.Orphans {
					fmt.Printf("  warning: %s is not part of the schedule\n", k)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	cmd.Flags().StringSliceVar(&done, "done", nil, "task keys marked done")
	cmd.Flags().StringSliceVar(&notDone, "not-done", nil, "task keys marked not done")
	return cmd
}

// parseCompletions merges --done and --not-done keys; a key in both is an error.
func parseCompletions(done, notDone []string) (map[domain.TaskKey]bool, error) {
	out := map[domain.TaskKey]bool{}
	for _, raw := range done {
		k, err := domain.ParseTaskKey(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		out[k] = true
	}
	for _, raw := range notDone {
		k, err := domain.ParseTaskKey(strings.TrimSpace(raw))
		if err != nil {
			return nil, err
		}
		if out[k] {
			return nil, fmt.Errorf("%s is both done and not done", k)
		}
		out[k] = false
	}
	return out, nil
}

func photosCmd() *cobra.Command {
	p := &cobra.Command{Use: "photos", Short: "Attach, list and fetch task photos"}
	p.AddCommand(photosAttachCmd())
	p.AddCommand(photosListCmd())
	p.AddCommand(photosGetCmd())
	return p
}

func photosGetCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "get <project-id> <ref>",
		Short: "Write an attached photo to a file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				data, contentType, err := e.Photo(ctx, args[0], actor(), domain.PhotoRef(args[1]))
				if err != nil {
					return err
				}
				if out == "" {
					out = args[1]
				}
				if err := os.WriteFile(out, data, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %s (%s, %d bytes)\n", out, contentType, len(data))
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "destination file (default the ref)")
	return cmd
}

func photosAttachCmd() *cobra.Command {
	var date, phase string
	cmd := &cobra.Command{
		Use:   "attach <project-id> <file>...",
		Short: "Attach photos to a phase of a date",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := optionalDate(date)
			if err != nil {
				return err
			}
			uploads := make([]photos.Upload, 0, len(args)-1)
			for _, path := range args[1:] {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				uploads = append(uploads, photos.Upload{Filename: filepath.Base(path), Data: data})
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.IsZero() {
					d = e.Today()
				}
				res, err := e.AttachPhotos(ctx, args[0], actor().ID, d, phase, uploads)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				for _, ref := range res.Accepted {
					fmt.Printf("attached %s\n", ref)
				}
				for _, s := range res.Skipped {
					fmt.Printf("skipped %s: %s\n", s.Filename, s.Reason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	cmd.Flags().StringVar(&phase, "phase", "", "schedule phase, e.g. morning")
	_ = cmd.MarkFlagRequired("phase")
	return cmd
}

func photosListCmd() *cobra.Command {
	var date string
	cmd := &cobra.Command{
		Use:   "list <project-id>",
		Short: "List photos of a date",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := optionalDate(date)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if d.IsZero() {
					d = e.Today()
				}
				_, dayPhotos, err := e.Day(ctx, args[0], actor(), d)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(dayPhotos)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Phase", "Ref"})
				for _, phase := range sortedPhases(dayPhotos) {
					for _, ref := range dayPhotos[phase] {
						tw.AppendRow(table.Row{phase, ref})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "date YYYY-MM-DD (default today)")
	return cmd
}

func scheduleCmd() *cobra.Command {
	var animal string
	var weight float64
	var day int
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Preview the daily schedule for an animal and weight",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseAnimalKind(animal)
			if err != nil {
				return err
			}
			if err := feed.ValidateWeight(weight); err != nil {
				return err
			}
			phases := schedule.Build(day, weight, kind)
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"animal_kind": kind,
					"weight_kg":   weight,
					"feed_tier":   feed.Tier(weight, kind),
					"fodder_kg":   feed.FodderKg(weight, kind),
					"phases":      phases,
				})
			}
			fmt.Printf("%s at %.1f kg: tier %s, %s, %g kg fodder\n", kind, weight, feed.Tier(weight, kind), schedule.GrainText(weight, kind), feed.FodderKg(weight, kind))
			renderSchedule(phases, nil)
			return nil
		},
	}
	cmd.Flags().StringVar(&animal, "animal", "", "goat or cow")
	cmd.Flags().Float64Var(&weight, "weight", 0, "weight in kg")
	cmd.Flags().IntVar(&day, "day", 1, "elapsed day")
	_ = cmd.MarkFlagRequired("animal")
	_ = cmd.MarkFlagRequired("weight")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage herdline.yml",
		Long:  "herdline.yml holds the check period, growth adjustment and target weight per animal, plus photo storage settings.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default herdline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate herdline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, projectID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if projectID != "" {
					if _, err := e.GetProject(ctx, projectID, actor()); err != nil {
						return err
					}
				} else if !actor().Admin {
					return fmt.Errorf("--project is required without --admin")
				}
				evts, err := e.Events.Latest(ctx, events.Filter{ProjectID: projectID, Type: evtType, Limit: n})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(evts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Type", "Project", "Entity", "Actor"})
				for _, ev := range evts {
					tw.AppendRow(table.Row{ev.ID, ev.TS, ev.Type, ev.ProjectID, ev.EntityKind + ":" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&projectID, "project", "", "project id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("HERDLINE_JWT_SECRET"),
				AllowLegacyOwnerHeader: legacyHeader,
			}
			if authCfg.JWTSecret == "" && !legacyHeader {
				return fmt.Errorf("HERDLINE_JWT_SECRET is required for bearer auth")
			}
			ws, err := openWorkspace(cmd.Context())
			if err != nil {
				return err
			}
			defer ws.Close()
			defer ws.Logger.Sync()
			authCfg.Logger = ws.Logger
			handler, err := server.New(server.Config{
				Engine:           ws.Engine,
				BasePath:         basePath,
				Auth:             authCfg,
				Logger:           ws.Logger,
				UploadsPerMinute: ws.Config.Photos.RatePerMinute,
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
			ws.Logger.Info("serving herdline api", zap.String("addr", addr), zap.String("base_path", basePath))
			fmt.Printf("Serving Herdline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&legacyHeader, "allow-owner-header", false, "trust X-Owner-Id without a token (local use only)")
	return cmd
}

func tokenCmd() *cobra.Command {
	t := &cobra.Command{Use: "token", Short: "Bearer tokens for the API"}
	t.AddCommand(tokenMintCmd())
	return t
}

func tokenMintCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint an HS256 token for --owner-id (secret from HERDLINE_JWT_SECRET)",
		RunE: func(cmd *cobra.Command, args []string) error {
			var roles []string
			if actor().Admin {
				roles = append(roles, server.RoleAdmin)
			}
			token, err := server.MintToken(os.Getenv("HERDLINE_JWT_SECRET"), actor().ID, roles, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for no expiry)")
	return cmd
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Inspect the workspace database"}
	d.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace")})
			if err != nil {
				return err
			}
			defer conn.Close()
			applied, pending, err := migrate.Status(conn)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"db": db.Path(viper.GetString("workspace")), "applied": applied, "pending": pending})
			}
			fmt.Println("db:", db.Path(viper.GetString("workspace")))
			for _, a := range applied {
				fmt.Printf("  applied %s at %s\n", a.Name, a.AppliedAt)
			}
			for _, name := range pending {
				fmt.Printf("  pending %s\n", name)
			}
			return nil
		},
	})
	return d
}

// --- helpers ---

func newLogger(workspace string) (*zap.Logger, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	level := viper.GetString("log-level")
	if level == "" {
		level = cfg.Log.Level
	}
	return logging.New(level, cfg.Log.Development)
}

func openWorkspace(ctx context.Context) (*app.Workspace, error) {
	workspace := viper.GetString("workspace")
	logger, err := newLogger(workspace)
	if err != nil {
		return nil, err
	}
	return app.Open(ctx, workspace, logger)
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	ws, err := openWorkspace(ctx)
	if err != nil {
		return err
	}
	defer ws.Close()
	defer ws.Logger.Sync()
	return fn(logging.WithContext(ctx, ws.Logger), ws.Engine)
}

func optionalDate(s string) (domain.Date, error) {
	if strings.TrimSpace(s) == "" {
		return domain.Date{}, nil
	}
	return domain.ParseDate(s)
}

func renderSchedule(phases []domain.Phase, done map[domain.TaskKey]bool) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"Key", "Time", "Task", "Done"})
	for _, ph := range phases {
		for i, t := range ph.Tasks {
			key := domain.TaskKey{Phase: ph.Name, Index: i}
			mark := ""
			if done[key] {
				mark = "x"
			}
			tw.AppendRow(table.Row{key.String(), t.TimeRange, t.Description, mark})
		}
		tw.AppendSeparator()
	}
	tw.Render()
}

func sortedPhases(m map[string][]domain.PhotoRef) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func refStrings(refs []domain.PhotoRef) []string {
	out := make([]string, len(refs))
	for i, r := range refs {
		out[i] = string(r)
	}
	return out
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
