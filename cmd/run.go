// File: cmd/run.go
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/nullpath/webpilot/api/schemas"
	"github.com/nullpath/webpilot/internal/browser"
	"github.com/nullpath/webpilot/internal/config"
	"github.com/nullpath/webpilot/internal/dispatcher"
	"github.com/nullpath/webpilot/internal/llmclient"
	"github.com/nullpath/webpilot/internal/loop"
	"github.com/nullpath/webpilot/internal/observability"
	"github.com/nullpath/webpilot/internal/session"
	"github.com/nullpath/webpilot/internal/store"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	runCmd := &cobra.Command{
		Use:   "run [task]",
		Short: "Executes a browser automation task described in natural language",
		Args:  cobra.MaximumNArgs(1),
		PreRunE: func(cmd *cobra.Command, args []string) error {
			// Bind flags so command-line values override config file and env.
			if err := viper.BindPFlag("llm.model", cmd.Flags().Lookup("model")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			// Re-load so the flag bindings from PreRunE take effect.
			cfg, err := config.Load(viper.GetViper())
			if err != nil {
				return fmt.Errorf("failed to resolve config with flag overrides: %w", err)
			}
			appCfg = cfg

			task, err := resolveTask(cmd, args)
			if err != nil {
				return err
			}

			logger.Info("Starting task run",
				zap.String("task", task),
				zap.String("provider", cfg.LLM.Provider),
				zap.String("model", cfg.LLM.Model),
				zap.Bool("headless", cfg.Browser.Headless))

			components, err := initializeRunComponents(ctx, cfg, logger)
			if err != nil {
				if components != nil {
					components.Shutdown()
				}
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			// Reclaims sessions abandoned past the idle windows, independent
			// of the run itself.
			sweepCtx, stopSweeper := context.WithCancel(ctx)
			defer stopSweeper()
			go components.Sessions.RunSweeper(sweepCtx,
				cfg.Session.SweepInterval, cfg.Session.IdleAfter, cfg.Session.MaxIdle)

			opts := []loop.Option{}
			if components.Recorder != nil {
				opts = append(opts, loop.WithRecorder(components.Recorder))
			}
			runner := loop.NewRunner(components.LLM, components.Dispatcher, components.Sessions,
				cfg.Agent, cfg.LLM, logger, opts...)

			outcome := runner.Run(ctx, task)

			fmt.Printf("\nTask %s after %d iterations (%d actions dispatched)\n",
				outcome.Status, outcome.Iterations, len(outcome.Dispatched))

			if !outcome.Succeeded() {
				if outcome.Reason == schemas.FailCancelled {
					return context.Canceled
				}
				if outcome.Err != nil {
					return fmt.Errorf("task failed (%s): %w", outcome.Reason, outcome.Err)
				}
				return fmt.Errorf("task failed (%s)", outcome.Reason)
			}
			return nil
		},
	}

	runCmd.Flags().StringP("file", "f", "", "Read the task description from a file instead of an argument.")
	runCmd.Flags().StringP("model", "m", "", "Model name to use. (Overrides config/env)")
	runCmd.Flags().Bool("headless", true, "Run the browser headless. (Overrides config/env)")

	return runCmd
}

// resolveTask reads the task description from the positional argument or from
// the --file flag.
func resolveTask(cmd *cobra.Command, args []string) (string, error) {
	file, _ := cmd.Flags().GetString("file")
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read task file: %w", err)
		}
		task := strings.TrimSpace(string(data))
		if task == "" {
			return "", fmt.Errorf("task file %s is empty", file)
		}
		return task, nil
	}
	if len(args) == 0 || strings.TrimSpace(args[0]) == "" {
		return "", errors.New("a task is required, either as an argument or via --file")
	}
	return strings.TrimSpace(args[0]), nil
}

// runComponents holds initialized services.
type runComponents struct {
	Engine     schemas.BrowserEngine
	Sessions   *session.Store
	Dispatcher *dispatcher.Dispatcher
	LLM        schemas.LLMClient
	Recorder   schemas.RunRecorder
	DBPool     *pgxpool.Pool
}

// Shutdown gracefully closes all components.
func (rc *runComponents) Shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if rc.Engine != nil {
		if err := rc.Engine.Shutdown(shutdownCtx); err != nil {
			observability.GetLogger().Warn("Error during browser shutdown", zap.Error(err))
		}
	}
	if rc.DBPool != nil {
		rc.DBPool.Close()
	}
}

// initializeRunComponents handles dependency injection.
func initializeRunComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*runComponents, error) {
	components := &runComponents{}

	// 1. Run store, only when a database is configured.
	if cfg.Database.URL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to database: %w", err)
		}
		components.DBPool = dbPool

		recorder, err := store.New(ctx, dbPool, logger)
		if err != nil {
			return components, fmt.Errorf("failed to initialize run store: %w", err)
		}
		components.Recorder = recorder
	}

	// 2. Browser engine.
	engine, err := browser.NewManager(ctx, logger, cfg.Browser)
	if err != nil {
		return components, fmt.Errorf("failed to initialize browser: %w", err)
	}
	components.Engine = engine

	// 3. Session store and dispatcher.
	components.Sessions = session.NewStore(logger)
	components.Dispatcher = dispatcher.New(engine, components.Sessions, logger)

	// 4. Model client.
	llm, err := llmclient.NewClient(ctx, cfg.LLM, logger)
	if err != nil {
		return components, fmt.Errorf("failed to initialize LLM client: %w", err)
	}
	components.LLM = llm

	return components, nil
}
