package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/dispatch"
	"caseflow/internal/domain"
	"caseflow/internal/engine"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/scheduler"
	"caseflow/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "caseflow",
	Short: "Caseflow strategy engine CLI",
	Long: `Caseflow runs collection strategies against a case base.
- Workspace: the .caseflow directory holding the database; caseflow.yml next to it holds settings.
- Fields: the registry of filterable case attributes (dpd, bucket, outstanding_amount, ...).
- Strategies: named rule sets plus actions; ACTIVE strategies can run.
- Schedules: per-strategy recurrence; the scheduler picks up due strategies by priority.
- Executions: one record per run with matched/success/failure counts.`,
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
	viper.SetEnvPrefix("CASEFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(fieldsCmd())
	rootCmd.AddCommand(strategyCmd())
	rootCmd.AddCommand(executionCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(caseCmd())
	rootCmd.AddCommand(serveCmd())
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
}

func migrateCmd() *cobra.Command {
	var seedFields bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if seedFields {
					if err := r.SeedFilterFields(ctx); err != nil {
						return err
					}
					fmt.Println("filter fields seeded")
				}
				v, err := migrate.Version(r.DB)
				if err != nil {
					return err
				}
				fmt.Printf("schema at version %d\n", v)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&seedFields, "seed-fields", false, "seed the standard filter field registry")
	return cmd
}

func fieldsCmd() *cobra.Command {
	fld := &cobra.Command{Use: "fields", Short: "Filter field registry"}
	fld.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List active filter fields",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				fields, err := r.ListActiveFilterFields(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(fields)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Label", "Type", "Operators", "Options"})
				for _, f := range fields {
					tw.AppendRow(table.Row{f.Code, f.Label, f.DataType, strings.Join(f.AllowedOperators, ","), strings.Join(f.Options, ",")})
				}
				tw.Render()
				return nil
			})
		},
	})
	return fld
}

func strategyCmd() *cobra.Command {
	st := &cobra.Command{Use: "strategy", Short: "Manage strategies"}
	st.AddCommand(strategyListCmd())
	st.AddCommand(strategyShowCmd())
	st.AddCommand(strategyCreateCmd())
	st.AddCommand(strategyDeleteCmd())
	st.AddCommand(strategySimulateCmd())
	st.AddCommand(strategyExecuteCmd())
	return st
}

func strategyListCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List strategies by priority",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListStrategies(ctx, repo.StrategyFilters{Status: status})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Code", "Name", "Priority", "Status"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.ID, s.Code, s.Name, s.Priority, s.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status (DRAFT, ACTIVE, INACTIVE)")
	return cmd
}

func strategyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <strategy-id>",
		Short: "Show a strategy with rules and actions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetStrategy(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(s)
			})
		},
	}
}

func strategyCreateCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a strategy from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var s domain.Strategy
			if err := json.Unmarshal(data, &s); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				created, err := e.CreateStrategy(ctx, s)
				if err != nil {
					return err
				}
				return printJSON(created)
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "strategy JSON file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func strategyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <strategy-id>",
		Short: "Delete a strategy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteStrategy(ctx, args[0])
			})
		},
	}
}

func strategySimulateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "simulate <strategy-id>",
		Short: "Count matching cases without dispatching",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				count, sample, err := e.Simulate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"strategy_id":     args[0],
					"matched_count":   count,
					"sample_case_ids": sample,
				})
			})
		},
	}
}

func strategyExecuteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "execute <strategy-id>",
		Short: "Run a strategy now and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				exec, err := e.ExecuteStrategy(ctx, args[0], domain.TriggerManual)
				if err != nil {
					return err
				}
				return printJSON(exec)
			})
		},
	}
}

func executionCmd() *cobra.Command {
	ex := &cobra.Command{Use: "executions", Short: "Inspect strategy executions"}
	var strategyID, status string
	var limit int
	list := &cobra.Command{
		Use:   "list",
		Short: "List executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListExecutions(ctx, repo.ExecutionFilters{StrategyID: strategyID, Status: status, Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Strategy", "Status", "Trigger", "Matched", "Success", "Failure"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.StrategyID, e.Status, e.Trigger, e.MatchedCaseCount, e.SuccessCount, e.FailureCount})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&strategyID, "strategy", "", "filter by strategy id")
	list.Flags().StringVar(&status, "status", "", "filter by status")
	list.Flags().IntVar(&limit, "limit", 50, "max rows")
	ex.AddCommand(list)

	ex.AddCommand(&cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				e, err := r.GetExecution(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(e)
			})
		},
	})

	ex.AddCommand(&cobra.Command{
		Use:   "stuck",
		Short: "List executions running past the stuck threshold",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListStuck(ctx)
				if err != nil {
					return err
				}
				return printJSON(items)
			})
		},
	})
	return ex
}

func scheduleCmd() *cobra.Command {
	sc := &cobra.Command{Use: "schedule", Short: "Manage strategy schedules"}

	var recurrence string
	enable := &cobra.Command{
		Use:   "enable <strategy-id>",
		Short: "Enable a schedule with a recurrence spec",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd.Context(), func(ctx context.Context, s *scheduler.Scheduler) error {
				job, err := s.Enable(ctx, args[0], recurrence)
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	}
	enable.Flags().StringVar(&recurrence, "recurrence", "", `recurrence JSON, e.g. {"type":"daily","at":"09:00"}`)
	_ = enable.MarkFlagRequired("recurrence")
	sc.AddCommand(enable)

	sc.AddCommand(&cobra.Command{
		Use:   "disable <strategy-id>",
		Short: "Disable a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withScheduler(cmd.Context(), func(ctx context.Context, s *scheduler.Scheduler) error {
				job, err := s.Disable(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	})

	sc.AddCommand(&cobra.Command{
		Use:   "show <strategy-id>",
		Short: "Show a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				job, err := r.GetJob(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(job)
			})
		},
	})
	return sc
}

func caseCmd() *cobra.Command {
	cs := &cobra.Command{Use: "case", Short: "Manage cases"}

	var file string
	imp := &cobra.Command{
		Use:   "import",
		Short: "Import cases from a JSON file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var cases []domain.Case
			if err := json.Unmarshal(data, &cases); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				for _, c := range cases {
					if err := r.InsertCase(ctx, c); err != nil {
						return fmt.Errorf("case %s: %w", c.ID, err)
					}
				}
				fmt.Printf("imported %d cases\n", len(cases))
				return nil
			})
		},
	}
	imp.Flags().StringVar(&file, "file", "", "cases JSON file")
	_ = imp.MarkFlagRequired("file")
	cs.AddCommand(imp)

	cs.AddCommand(&cobra.Command{
		Use:   "show <case-id>",
		Short: "Show a case",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				c, err := r.GetCase(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(c)
			})
		},
	})
	return cs
}

func serveCmd() *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and the scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			log := newLogger()
			e := buildEngine(conn, cfg, log)
			sched := buildScheduler(conn, cfg, e, log)

			var apiKeys []string
			for _, k := range cfg.Server.APIKeys {
				apiKeys = append(apiKeys, k.Key)
			}
			handler, err := server.New(server.Config{
				Engine:    e,
				Scheduler: sched,
				BasePath:  cfg.Server.BasePath,
				Auth:      server.AuthConfig{JWTSecret: cfg.Server.JWTSecret, APIKeys: apiKeys},
			})
			if err != nil {
				return err
			}

			if !noScheduler {
				go sched.Run(cmd.Context())
			}

			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", cfg.Server.Addr).Str("base_path", cfg.Server.BasePath).Bool("scheduler", !noScheduler).Msg("serving caseflow api")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without the scheduler loop")
	return cmd
}

func buildEngine(conn *sql.DB, cfg *config.Config, log zerolog.Logger) engine.Engine {
	e := engine.New(conn, log)
	e.PageSize = cfg.Execution.CasePageSize
	e.SampleLimit = cfg.Simulate.SampleLimit
	e.StuckAfter = cfg.Execution.StuckAfter.Std()
	e.Dispatcher = dispatch.Adapter{
		Templates: dispatch.StaticTemplates{},
		Sender:    dispatch.LogSender{Log: log},
		Config:    dispatch.Config{Timeout: cfg.Execution.DispatchTimeout.Std()},
	}
	return e
}

func buildScheduler(conn *sql.DB, cfg *config.Config, e engine.Engine, log zerolog.Logger) *scheduler.Scheduler {
	instanceID := cfg.Scheduler.InstanceID
	if instanceID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "caseflow"
		}
		instanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return &scheduler.Scheduler{
		Repo:            repo.Repo{DB: conn},
		Runner:          e,
		Log:             log,
		InstanceID:      instanceID,
		TickInterval:    cfg.Scheduler.TickInterval.Std(),
		Workers:         cfg.Scheduler.Workers,
		StaleClaimAfter: cfg.Execution.StuckAfter.Std(),
	}
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, buildEngine(conn, cfg, newLogger()))
}

func withScheduler(ctx context.Context, fn func(context.Context, *scheduler.Scheduler) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	e := buildEngine(conn, cfg, newLogger())
	return fn(ctx, buildScheduler(conn, cfg, e, newLogger()))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
