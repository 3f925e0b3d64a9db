package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Wykoo/mini-warehouse-ml/internal/config"
	internal_http "github.com/Wykoo/mini-warehouse-ml/internal/http"
	"github.com/Wykoo/mini-warehouse-ml/internal/log"
	internal_storage "github.com/Wykoo/mini-warehouse-ml/internal/storage"
	"github.com/Wykoo/mini-warehouse-ml/pkg/gate"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/artifact"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/explain"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/predict"
	"github.com/Wykoo/mini-warehouse-ml/pkg/ml/train"
	"github.com/Wykoo/mini-warehouse-ml/pkg/models"
	"github.com/Wykoo/mini-warehouse-ml/pkg/service"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// SetupCLI registers every subcommand on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (optional)")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the daily pipeline once",
		RunE: func(cmd *cobra.Command, args []string) error {
			inProcess, _ := cmd.Flags().GetBool("in-process")
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			orch, err := env.orchestrator(inProcess)
			if err != nil {
				return err
			}
			run, err := orch.Run(cmd.Context())
			if run != nil {
				printRun(run)
			}
			return err
		},
	}
	runCmd.Flags().Bool("in-process", false, "Run the ML stages inside this process instead of as child commands")

	scheduleCmd := &cobra.Command{
		Use:   "schedule",
		Short: "Trigger the daily pipeline on its cron schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			inProcess, _ := cmd.Flags().GetBool("in-process")
			serve, _ := cmd.Flags().GetBool("serve")
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			orch, err := env.orchestrator(inProcess)
			if err != nil {
				return err
			}
			trigger, err := service.NewTrigger(env.cfg.Pipeline.Schedule, orch, env.logger)
			if err != nil {
				return err
			}
			env.logger.Infof("Next run at %s", trigger.Next().Format(time.RFC3339))

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return trigger.Run(ctx) })
			if serve {
				g.Go(func() error {
					e := internal_http.BuildServer(env.store, env.registry, env.logger)
					return internal_http.StartServer(ctx, env.cfg.HTTPAddr, e, env.logger)
				})
			}
			return g.Wait()
		},
	}
	scheduleCmd.Flags().Bool("in-process", false, "Run the ML stages inside this process instead of as child commands")
	scheduleCmd.Flags().Bool("serve", false, "Also serve the status API")

	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Wait until the warehouse database answers",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			if err := env.gate().Wait(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "Database is ready")
			return nil
		},
	}

	trainCmd := &cobra.Command{
		Use:   "train",
		Short: "Train the candidate models and promote the best one",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			res, err := env.engine().Run(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Run %s: best model %s (MAE %.2f, RMSE %.2f, R2 %.4f) saved to %s\n",
				res.RunID, res.Best.Model, res.Best.MAE, res.Best.RMSE, res.Best.R2, res.Artifact.File)
			return nil
		},
	}

	predictCmd := &cobra.Command{
		Use:   "predict",
		Short: "Score a batch with the current best model",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			report, err := env.scorer().Score(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Scored %d rows with %s, report %s\n", len(report.Records), report.Artifact.File, report.Path)
			return nil
		},
	}

	explainCmd := &cobra.Command{
		Use:   "explain",
		Short: "Explain the current best model",
	}
	importanceCmd := &cobra.Command{
		Use:   "importance",
		Short: "Rank features by the model's intrinsic importance",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			res, err := env.explainer().Importance(cmd.Context())
			if err != nil {
				return err
			}
			printScores(res.Top)
			return nil
		},
	}
	attributionCmd := &cobra.Command{
		Use:   "attribution",
		Short: "Compute per-row feature attributions on a sample",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			res, err := env.explainer().Attribution(cmd.Context())
			if err != nil {
				return err
			}
			printScores(res.Summary)
			return nil
		},
	}
	explainCmd.AddCommand(importanceCmd, attributionCmd)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only status API",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := setup(cmd)
			if err != nil {
				return err
			}
			defer env.close()
			e := internal_http.BuildServer(env.store, env.registry, env.logger)
			return internal_http.StartServer(cmd.Context(), env.cfg.HTTPAddr, e, env.logger)
		},
	}

	rootCmd.AddCommand(runCmd, scheduleCmd, probeCmd, trainCmd, predictCmd, explainCmd, serveCmd)
}

// Execute runs rootCmd until SIGINT/SIGTERM and returns the process exit code.
func Execute(rootCmd *cobra.Command) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	log.GetLogger().Errorf("%v", err)
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return ExitCode(err)
}

// ExitCode maps failures that a retry cannot fix to service.PermanentExitCode
// so a parent orchestrator stops retrying the command.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, models.ErrMissingInput), errors.Is(err, models.ErrUnsupportedModel):
		return service.PermanentExitCode
	default:
		return 1
	}
}

type environment struct {
	cfg        *config.Config
	configPath string
	store      *internal_storage.PostgresStore
	registry   *artifact.Registry
	logger     *logrus.Logger
}

func setup(cmd *cobra.Command) (*environment, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	log.SetLevel(cfg.LogLevel)
	logger := log.GetLogger()
	logger.Debugf("Using database %s:%d/%s", cfg.Postgres.Host, cfg.Postgres.Port, cfg.Postgres.DB)

	store, err := internal_storage.NewPostgresStore(cfg.DatabaseURL())
	if err != nil {
		return nil, errors.Wrap(err, "failed to initialize store")
	}
	return &environment{
		cfg:        cfg,
		configPath: path,
		store:      store,
		registry:   artifact.NewRegistry(cfg.ArtifactsDir),
		logger:     logger,
	}, nil
}

func (e *environment) close() {
	if err := e.store.Close(); err != nil {
		e.logger.Errorf("Failed to close store: %v", err)
	}
}

func (e *environment) gate() *gate.Gate {
	return gate.New(e.store, e.cfg.Gate.Interval, e.cfg.Gate.Timeout, e.logger)
}

func (e *environment) engine() *train.Engine {
	return train.NewEngine(e.cfg.Train, e.store, e.store, e.registry, e.logger)
}

func (e *environment) scorer() *predict.Service {
	return predict.NewService(e.cfg.Predict, e.store, e.store, e.registry, e.logger)
}

func (e *environment) explainer() *explain.Explainer {
	return explain.NewExplainer(e.cfg.Explain, e.registry, e.store, e.logger)
}

// orchestrator binds the daily graph. In-process mode runs the ML stages
// through the engine directly; otherwise they re-invoke this binary.
func (e *environment) orchestrator(inProcess bool) (*service.Orchestrator, error) {
	stages := service.Stages{
		Gate:      e.gate(),
		Scripts:   e.store,
		ScriptDir: e.cfg.Pipeline.ScriptDir,
		Commands:  StageCommands(e.cfg, selfPath(), e.configPath),
	}
	if inProcess {
		stages.Overrides = map[string]service.TaskFunc{
			service.TaskTrain: func(ctx context.Context) error {
				_, err := e.engine().Run(ctx)
				return err
			},
			service.TaskPredict: func(ctx context.Context) error {
				_, err := e.scorer().Score(ctx)
				return err
			},
			service.TaskExplainImportance: func(ctx context.Context) error {
				_, err := e.explainer().Importance(ctx)
				return err
			},
			service.TaskExplainAttribution: func(ctx context.Context) error {
				_, err := e.explainer().Attribution(ctx)
				return err
			},
		}
	}
	tmpl := service.TemplateConfig{Retry: e.cfg.RetryPolicy(), TaskTimeout: e.cfg.Pipeline.TaskTimeout}
	g, funcs, err := service.DailyPipeline(tmpl, stages, e.logger)
	if err != nil {
		return nil, err
	}
	return service.NewOrchestrator(g, funcs, e.store, e.logger,
		service.WithWorkers(e.cfg.Pipeline.Workers),
		service.WithRunLock(e.store),
	)
}

// StageCommands completes the configured commands with self-invocations for
// the ML stages. Every command gets the connection environment.
func StageCommands(cfg *config.Config, exe, configPath string) map[string]service.Command {
	self := func(args ...string) service.Command {
		if configPath != "" {
			args = append(args, "--config", configPath)
		}
		return service.Command{Path: exe, Args: args}
	}
	out := map[string]service.Command{
		service.TaskTrain:              self("train"),
		service.TaskPredict:            self("predict"),
		service.TaskExplainImportance:  self("explain", "importance"),
		service.TaskExplainAttribution: self("explain", "attribution"),
	}
	for id, c := range cfg.Pipeline.Commands {
		out[id] = c
	}
	env := cfg.ChildEnv()
	for id, c := range out {
		c.Env = append(append([]string(nil), env...), c.Env...)
		out[id] = c
	}
	return out
}

func selfPath() string {
	exe, err := os.Executable()
	if err != nil {
		return os.Args[0]
	}
	return exe
}

func printRun(run *models.PipelineRun) {
	fmt.Fprintf(os.Stdout, "Execution %s: %s\n", run.ExecutionID, run.Status)
	for _, t := range run.Tasks {
		line := fmt.Sprintf("- %s: %s (attempts %d)", t.ID, t.Status, t.Attempts)
		if t.ErrorMsg != "" {
			line += ": " + t.ErrorMsg
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func printScores(scores []explain.FeatureScore) {
	for i, s := range scores {
		fmt.Fprintf(os.Stdout, "%2d. %-30s %.6f\n", i+1, s.Feature, s.Score)
	}
}
