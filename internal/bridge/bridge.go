// Package bridge implements the per-worker state machine that ties the
// task store, message logs, signal plane, prompt builder, and CLI
// supervisor together into a poll-execute-report cycle.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/omc-dev/bridged/internal/checksum"
	"github.com/omc-dev/bridged/internal/fsutil"
	"github.com/omc-dev/bridged/internal/messagelog"
	"github.com/omc-dev/bridged/internal/model"
	"github.com/omc-dev/bridged/internal/promptbuilder"
	"github.com/omc-dev/bridged/internal/providercli"
	"github.com/omc-dev/bridged/internal/registry"
	"github.com/omc-dev/bridged/internal/signalplane"
	"github.com/omc-dev/bridged/internal/taskstore"
)

// childTerminateGrace is how long the shutdown sequence waits after
// sending a terminate signal before escalating to a hard kill.
const childTerminateGrace = 5 * time.Second

// shutdownPollInterval is how often invokeProvider checks for a shutdown
// signal while a provider child is running and the loop would otherwise
// be blocked waiting for it to finish. A package variable, not a
// constant, so tests can shorten it instead of waiting out a real second.
var shutdownPollInterval = 1 * time.Second

// errShutdownRequested is returned up through runCycle when executeTask
// observes a shutdown request (at the pre-spawn re-check or while the
// provider child is running) and has already completed the full shutdown
// sequence itself; Run must stop the loop without touching the task or
// outbox again.
var errShutdownRequested = errors.New("bridge: shutdown requested during task execution")

// SessionTerminator models the best-effort kill of the terminal-multiplexer
// session hosting this daemon, performed as the last shutdown step. The
// session plumbing itself is out of scope; the loop only ever calls
// through this interface.
type SessionTerminator interface {
	Terminate(ctx context.Context) error
}

// Config carries the daemon's tuning parameters, already validated and
// defaulted by internal/config.
type Config struct {
	TeamName             string
	WorkerName           string
	Provider             providercli.Provider
	WorkingDirectory     string
	Model                string
	PollInterval         time.Duration
	TaskTimeout          time.Duration
	MaxConsecutiveErrors int
	OutboxMaxLines       int
	MaxRetries           int
}

// CLIRunner is the subset of providercli.Supervisor the bridge loop
// depends on; a narrow interface so tests can substitute a fake provider
// child without spawning a real process.
type CLIRunner interface {
	Run(ctx context.Context, req providercli.Request) (*providercli.Handle, <-chan providercli.Outcome, error)
}

// Daemon is a single worker's bridge loop, wired to its filesystem stores.
type Daemon struct {
	cfg Config

	tasks    *taskstore.Store
	inbox    *messagelog.Inbox
	outbox   *messagelog.Outbox
	signals  *signalplane.Plane
	cli      CLIRunner
	registry registry.Registry
	session  SessionTerminator
	logger   *slog.Logger

	promptsDir string
	outputsDir string

	consecutiveErrors int
	quarantined       bool
	quarantineWarned  bool
	wasIdle           bool

	audit model.AuditRecord
}

// Stores bundles the persisted components a Daemon needs; wiring them up
// separately keeps each store's own root/sanitization independent.
type Stores struct {
	Tasks    *taskstore.Store
	Inbox    *messagelog.Inbox
	Outbox   *messagelog.Outbox
	Signals  *signalplane.Plane
	CLI      CLIRunner
	Registry registry.Registry
	Session  SessionTerminator
}

// New builds a Daemon from its config and pre-wired stores. Registry and
// Session are optional; a nil Registry degrades to a no-op and a nil
// Session simply skips the final shutdown step.
func New(cfg Config, stores Stores, logger *slog.Logger) *Daemon {
	if stores.Registry == nil {
		stores.Registry = registry.NoopRegistry{}
	}
	return &Daemon{
		cfg:        cfg,
		tasks:      stores.Tasks,
		inbox:      stores.Inbox,
		outbox:     stores.Outbox,
		signals:    stores.Signals,
		cli:        stores.CLI,
		registry:   stores.Registry,
		session:    stores.Session,
		logger:     logger,
		promptsDir: filepath.Join(cfg.WorkingDirectory, ".omc", "prompts"),
		outputsDir: filepath.Join(cfg.WorkingDirectory, ".omc", "outputs"),
	}
}

// Run executes the bridge loop until ctx is cancelled or a shutdown signal
// is observed, returning nil on a clean stop.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("bridge starting", "team", d.cfg.TeamName, "worker", d.cfg.WorkerName, "provider", d.cfg.Provider)

	rec, err := d.signals.ReadAudit()
	if err == nil {
		d.audit = rec
	}

	for {
		select {
		case <-ctx.Done():
			return d.shutdown("", "context cancelled")
		default:
		}

		if sig, present, err := d.signals.CheckShutdown(); err == nil && present {
			return d.shutdown(sig.RequestID, sig.Reason)
		}

		if err := d.runCycleGuarded(ctx); err != nil {
			if errors.Is(err, errShutdownRequested) {
				return nil
			}
			d.logger.Error("cycle failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return d.shutdown("", "context cancelled")
		case <-time.After(d.sleepInterval()):
		}
	}
}

func (d *Daemon) sleepInterval() time.Duration {
	if d.quarantined {
		return 3 * d.cfg.PollInterval
	}
	return d.cfg.PollInterval
}

// runCycleGuarded wraps runCycle so a transient I/O error never crashes
// the daemon: it is logged, counted, and the loop resumes.
func (d *Daemon) runCycleGuarded(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: cycle panicked: %v", r)
			d.consecutiveErrors++
		}
	}()
	err = d.runCycle(ctx)
	if err != nil && !errors.Is(err, errShutdownRequested) {
		d.consecutiveErrors++
	}
	return err
}

func (d *Daemon) runCycle(ctx context.Context) error {
	d.audit.CyclesObserved++

	if d.consecutiveErrors >= d.cfg.MaxConsecutiveErrors {
		return d.enterQuarantine()
	}

	if err := d.writeHeartbeat(model.HeartbeatPolling, ""); err != nil {
		d.logger.Warn("failed to write heartbeat", "error", err)
	}

	inboxMsgs, err := d.inbox.ReadNew()
	if err != nil {
		d.logger.Warn("failed to read inbox", "error", err)
		inboxMsgs = nil
	}

	task, err := d.tasks.FindNext(d.cfg.WorkerName, os.Getpid())
	if err != nil {
		return fmt.Errorf("failed to find next task: %w", err)
	}

	if task == nil {
		return d.handleIdle()
	}

	return d.executeTask(ctx, task, inboxMsgs)
}

func (d *Daemon) handleIdle() error {
	if !d.wasIdle {
		if err := d.outbox.Append(model.NewIdleMessage("no claimable task")); err != nil {
			d.logger.Warn("failed to append idle message", "error", err)
		}
		d.audit.IdleCycles++
		d.wasIdle = true
	}
	d.outbox.RotateIfNeeded()
	return d.flushAudit()
}

func (d *Daemon) executeTask(ctx context.Context, task *model.Task, inboxMsgs []model.InboxMessage) error {
	d.wasIdle = false
	d.audit.TasksClaimed++

	inProgress := model.TaskInProgress
	if _, err := d.tasks.Update(task.ID, taskstore.Patch{Status: &inProgress}); err != nil {
		return fmt.Errorf("failed to mark task in_progress: %w", err)
	}

	if err := d.writeHeartbeat(model.HeartbeatExecuting, task.ID); err != nil {
		d.logger.Warn("failed to write heartbeat", "error", err)
	}

	// Re-check shutdown after claiming but before spawning the CLI, closing
	// the narrow window where a shutdown arrives mid-selection.
	if sig, present, err := d.signals.CheckShutdown(); err == nil && present {
		pending := model.TaskPending
		if _, revertErr := d.tasks.Update(task.ID, taskstore.Patch{Status: &pending}); revertErr != nil {
			d.logger.Error("failed to revert task on shutdown", "task", task.ID, "error", revertErr)
		}
		if err := d.shutdown(sig.RequestID, sig.Reason); err != nil {
			return fmt.Errorf("%w: %v", errShutdownRequested, err)
		}
		return errShutdownRequested
	}

	prompt := promptbuilder.Build(*task, inboxMsgs, d.cfg.WorkingDirectory)
	if err := d.persistPrompt(task.ID, prompt); err != nil {
		d.logger.Warn("failed to persist prompt audit copy", "task", task.ID, "error", err)
	}

	result, err := d.invokeProvider(ctx, task, prompt)
	if err != nil {
		if errors.Is(err, errShutdownRequested) {
			return err
		}
		return d.handleTaskFailure(task, err)
	}

	return d.handleTaskSuccess(task, result)
}

// invokeProvider spawns the provider child and waits for it to finish,
// concurrently watching for a shutdown request so a signal file that
// appears mid-invocation is honored instead of only being observed once
// the loop is free again. If a shutdown is observed, the child is
// terminated, the task is reverted to pending, and the shutdown sequence
// runs before invokeProvider returns.
func (d *Daemon) invokeProvider(ctx context.Context, task *model.Task, prompt string) (*providercli.Result, error) {
	req := providercli.Request{
		Provider:         d.cfg.Provider,
		Prompt:           prompt,
		Model:            d.cfg.Model,
		WorkingDirectory: d.cfg.WorkingDirectory,
		Timeout:          d.cfg.TaskTimeout,
	}

	handle, resultCh, err := d.cli.Run(ctx, req)
	if err != nil {
		return nil, err
	}
	defer handle.Kill()

	shutdownPoll := time.NewTicker(shutdownPollInterval)
	defer shutdownPoll.Stop()

	for {
		select {
		case outcome := <-resultCh:
			return outcome.Result, outcome.Err
		case <-ctx.Done():
			return d.abortForShutdown(task, handle, resultCh, "", "context cancelled")
		case <-shutdownPoll.C:
			sig, present, err := d.signals.CheckShutdown()
			if err != nil || !present {
				continue
			}
			return d.abortForShutdown(task, handle, resultCh, sig.RequestID, sig.Reason)
		}
	}
}

// abortForShutdown terminates a live provider child, escalating to a kill
// after childTerminateGrace, reverts task to pending, and runs the
// shutdown sequence. It always returns errShutdownRequested (wrapped, if
// the shutdown sequence itself failed) so the caller propagates the stop
// without touching the task or outbox again.
func (d *Daemon) abortForShutdown(task *model.Task, handle *providercli.Handle, resultCh <-chan providercli.Outcome, requestID, reason string) (*providercli.Result, error) {
	handle.Terminate()
	time.AfterFunc(childTerminateGrace, handle.Kill)
	<-resultCh // wait for the child to actually exit before finishing shutdown bookkeeping

	pending := model.TaskPending
	if _, err := d.tasks.Update(task.ID, taskstore.Patch{Status: &pending}); err != nil {
		d.logger.Error("failed to revert task on shutdown", "task", task.ID, "error", err)
	}
	if err := d.shutdown(requestID, reason); err != nil {
		return nil, fmt.Errorf("%w: %v", errShutdownRequested, err)
	}
	return nil, errShutdownRequested
}

func (d *Daemon) handleTaskSuccess(task *model.Task, result *providercli.Result) error {
	outputPath, err := d.outputPathFor(task.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve output path: %w", err)
	}
	if err := fsutil.AtomicWrite(outputPath, []byte(result.Response)); err != nil {
		d.logger.Warn("failed to write output file", "task", task.ID, "error", err)
	} else if err := checksum.VerifyFile(outputPath, checksum.SHA256Bytes([]byte(result.Response))); err != nil {
		d.logger.Warn("output file failed integrity check after write", "task", task.ID, "error", err)
	}

	completed := model.TaskCompleted
	if _, err := d.tasks.Update(task.ID, taskstore.Patch{Status: &completed}); err != nil {
		return fmt.Errorf("failed to mark task completed: %w", err)
	}

	d.consecutiveErrors = 0
	d.audit.TasksCompleted++
	d.audit.LastSuccessfulAt = time.Now().UTC()

	summary := result.Response
	if len(summary) > 500 {
		summary = summary[:500]
	}
	if err := d.outbox.Append(model.NewTaskCompleteMessage(task.ID, summary)); err != nil {
		d.logger.Warn("failed to append task_complete message", "error", err)
	}

	if err := d.writeHeartbeat(model.HeartbeatPolling, ""); err != nil {
		d.logger.Warn("failed to write heartbeat", "error", err)
	}

	d.outbox.RotateIfNeeded()
	return d.flushAudit()
}

func (d *Daemon) handleTaskFailure(task *model.Task, taskErr error) error {
	d.consecutiveErrors++
	d.audit.TasksFailed++

	fr, err := d.tasks.WriteFailure(task.ID, taskErr.Error())
	if err != nil {
		return fmt.Errorf("failed to write failure sidecar: %w", err)
	}

	exhausted, err := d.tasks.Exhausted(task.ID, d.cfg.MaxRetries)
	if err != nil {
		return fmt.Errorf("failed to check retry exhaustion: %w", err)
	}

	if exhausted {
		completed := model.TaskCompleted
		if _, err := d.tasks.Update(task.ID, taskstore.Patch{Status: &completed, Metadata: map[string]any{
			"error":             taskErr.Error(),
			"permanentlyFailed": true,
			"failedAttempts":    fr.RetryCount,
		}}); err != nil {
			return fmt.Errorf("failed to mark task permanently failed: %w", err)
		}
		d.audit.PermanentFailures++
		if err := d.outbox.Append(model.NewErrorMessage(fmt.Sprintf("task %s permanently failed after %d attempts: %s", task.ID, fr.RetryCount, taskErr.Error()))); err != nil {
			d.logger.Warn("failed to append permanent-failure message", "error", err)
		}
	} else {
		pending := model.TaskPending
		if _, err := d.tasks.Update(task.ID, taskstore.Patch{Status: &pending}); err != nil {
			return fmt.Errorf("failed to revert failed task to pending: %w", err)
		}
		if err := d.outbox.Append(model.NewTaskFailedMessage(task.ID, taskErr.Error(), fr.RetryCount)); err != nil {
			d.logger.Warn("failed to append task_failed message", "error", err)
		}
	}

	if err := d.writeHeartbeat(model.HeartbeatPolling, ""); err != nil {
		d.logger.Warn("failed to write heartbeat", "error", err)
	}

	d.outbox.RotateIfNeeded()
	return d.flushAudit()
}

func (d *Daemon) enterQuarantine() error {
	if !d.quarantineWarned {
		if err := d.outbox.Append(model.NewErrorMessage(fmt.Sprintf("Self-quarantined after %d consecutive errors", d.cfg.MaxConsecutiveErrors))); err != nil {
			d.logger.Warn("failed to append quarantine message", "error", err)
		}
		d.quarantineWarned = true
	}
	d.quarantined = true
	if err := d.writeHeartbeat(model.HeartbeatQuarantined, ""); err != nil {
		d.logger.Warn("failed to write quarantine heartbeat", "error", err)
	}
	return nil
}

func (d *Daemon) writeHeartbeat(status model.HeartbeatStatus, currentTaskID string) error {
	return d.signals.WriteHeartbeat(model.Heartbeat{
		Worker:            d.cfg.WorkerName,
		Team:              d.cfg.TeamName,
		Provider:          string(d.cfg.Provider),
		Pid:               os.Getpid(),
		LastPollAt:        time.Now().UTC(),
		CurrentTaskID:     currentTaskID,
		ConsecutiveErrors: d.consecutiveErrors,
		Status:            status,
	})
}

func (d *Daemon) flushAudit() error {
	d.audit.Worker = d.cfg.WorkerName
	d.audit.Team = d.cfg.TeamName
	if err := d.signals.WriteAudit(d.audit); err != nil {
		d.logger.Warn("failed to write audit record", "error", err)
	}
	return nil
}

func (d *Daemon) persistPrompt(taskID, prompt string) error {
	path := filepath.Join(d.promptsDir, taskID+".txt")
	return fsutil.AtomicWrite(path, []byte(prompt))
}

func (d *Daemon) outputPathFor(taskID string) (string, error) {
	return filepath.Join(d.outputsDir, taskID+".txt"), nil
}

// shutdown acknowledges the request and clears this worker's
// externally-visible presence. Any live provider child has already been
// terminated by the caller (invokeProvider's shutdown watch) by the time
// this runs; a shutdown observed between cycles never had a child to stop.
func (d *Daemon) shutdown(requestID, reason string) error {
	d.logger.Info("bridge shutting down", "reason", reason)

	if err := d.outbox.Append(model.NewShutdownAckMessage(requestID)); err != nil {
		d.logger.Warn("failed to append shutdown_ack message", "error", err)
	}

	registry.BestEffort(d.registry, d.cfg.TeamName, d.cfg.WorkerName)

	if err := d.signals.ClearShutdown(); err != nil {
		d.logger.Warn("failed to clear shutdown signal", "error", err)
	}
	if err := d.signals.ClearHeartbeat(); err != nil {
		d.logger.Warn("failed to clear heartbeat", "error", err)
	}
	_ = d.flushAudit()

	if d.session != nil {
		sessionCtx, cancel := context.WithTimeout(context.Background(), childTerminateGrace)
		if err := d.session.Terminate(sessionCtx); err != nil {
			d.logger.Warn("failed to terminate multiplexer session", "error", err)
		}
		cancel()
	}

	return nil
}
