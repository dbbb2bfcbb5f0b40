package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/omc-dev/bridged/internal/bridge"
	"github.com/omc-dev/bridged/internal/config"
	"github.com/omc-dev/bridged/internal/logging"
	"github.com/omc-dev/bridged/internal/messagelog"
	"github.com/omc-dev/bridged/internal/providercli"
	"github.com/omc-dev/bridged/internal/registry"
	"github.com/omc-dev/bridged/internal/signalplane"
	"github.com/omc-dev/bridged/internal/taskstore"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the bridge loop for a single worker",
	Long: `Start the bridge loop for a single worker: load and validate its
--config document, wire its filesystem stores, and run until a shutdown
signal or SIGINT/SIGTERM arrives.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

// stateRoot returns the per-user root under which task, team, and
// signal-plane documents are persisted, distinct from a project's own
// <workingDirectory>/.omc audit trees.
func stateRoot() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".omc", "state"), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	configPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return err
	}
	if configPath == "" {
		return fmt.Errorf("configuration error: --config is required")
	}

	logLevelFlag, err := cmd.Flags().GetString("log-level")
	if err != nil {
		return err
	}
	level, _, err := logging.ParseLevel(logLevelFlag)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	root, err := stateRoot()
	if err != nil {
		return err
	}

	cfg, err := config.LoadFromFile(configPath, root)
	if err != nil {
		return err
	}
	if err := cfg.Validate(root); err != nil {
		return err
	}

	logger := logging.New(os.Stderr, level, cfg.TeamName, cfg.WorkerName)

	tasksRoot := filepath.Join(root, "tasks")
	teamsRoot := filepath.Join(root, "teams")

	tasks, err := taskstore.New(tasksRoot, cfg.TeamName)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}

	inboxPath := filepath.Join(teamsRoot, cfg.TeamName, "inbox", cfg.WorkerName)
	outboxPath := filepath.Join(teamsRoot, cfg.TeamName, "outbox", cfg.WorkerName)
	inbox := messagelog.NewInbox(inboxPath, logger)
	outbox := messagelog.NewOutbox(outboxPath, cfg.OutboxMaxLines, logger)

	signals, err := signalplane.New(teamsRoot, cfg.TeamName, cfg.WorkerName)
	if err != nil {
		return fmt.Errorf("failed to open signal plane: %w", err)
	}

	cli := providercli.New(logger)

	daemonCfg := bridge.Config{
		TeamName:             cfg.TeamName,
		WorkerName:           cfg.WorkerName,
		Provider:             providercli.Provider(cfg.Provider),
		WorkingDirectory:     cfg.WorkingDirectory,
		Model:                cfg.Model,
		PollInterval:         time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		TaskTimeout:          time.Duration(cfg.TaskTimeoutMs) * time.Millisecond,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		OutboxMaxLines:       cfg.OutboxMaxLines,
		MaxRetries:           cfg.MaxRetries,
	}

	daemon := bridge.New(daemonCfg, bridge.Stores{
		Tasks:    tasks,
		Inbox:    inbox,
		Outbox:   outbox,
		Signals:  signals,
		CLI:      cli,
		Registry: registry.NoopRegistry{},
	}, logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return daemon.Run(ctx)
}
