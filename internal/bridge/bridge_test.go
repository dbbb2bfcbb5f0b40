package bridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/omc-dev/bridged/internal/messagelog"
	"github.com/omc-dev/bridged/internal/model"
	"github.com/omc-dev/bridged/internal/providercli"
	"github.com/omc-dev/bridged/internal/signalplane"
	"github.com/omc-dev/bridged/internal/taskstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCLI is a CLIRunner test double that returns a canned outcome
// without spawning any subprocess. When resultDelay is set, the outcome
// is sent on its own goroutine after the delay instead of immediately,
// so tests can exercise the window while invokeProvider is still
// waiting on it. startedCh, if non-nil, is closed once Run has been
// called so a test can synchronize with the invocation actually
// starting before acting further.
type fakeCLI struct {
	response    string
	err         error
	calls       int
	resultDelay time.Duration
	startedCh   chan struct{}
}

func (f *fakeCLI) Run(ctx context.Context, req providercli.Request) (*providercli.Handle, <-chan providercli.Outcome, error) {
	f.calls++
	ch := make(chan providercli.Outcome, 1)

	outcome := providercli.Outcome{Result: &providercli.Result{Response: f.response}}
	if f.err != nil {
		outcome = providercli.Outcome{Err: f.err}
	}

	if f.resultDelay > 0 {
		go func() {
			time.Sleep(f.resultDelay)
			ch <- outcome
		}()
	} else {
		ch <- outcome
	}

	if f.startedCh != nil {
		close(f.startedCh)
	}

	return &providercli.Handle{}, ch, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError + 100}))
}

type testRig struct {
	tasks   *taskstore.Store
	inbox   *messagelog.Inbox
	outbox  *messagelog.Outbox
	signals *signalplane.Plane
	cli     *fakeCLI
	daemon  *Daemon
	root    string
}

func newRig(t *testing.T, cli *fakeCLI) *testRig {
	t.Helper()
	root := t.TempDir()

	tasksRoot := filepath.Join(root, "tasks")
	tasks, err := taskstore.New(tasksRoot, "alpha")
	require.NoError(t, err)

	teamsRoot := filepath.Join(root, "teams")
	signals, err := signalplane.New(teamsRoot, "alpha", "w1")
	require.NoError(t, err)

	logger := discardLogger()
	inbox := messagelog.NewInbox(filepath.Join(root, "inbox.ndjson"), logger)
	outbox := messagelog.NewOutbox(filepath.Join(root, "outbox.ndjson"), 500, logger)

	cfg := Config{
		TeamName:             "alpha",
		WorkerName:           "w1",
		Provider:             providercli.ProviderCodex,
		WorkingDirectory:     root,
		PollInterval:         10 * time.Millisecond,
		TaskTimeout:          time.Second,
		MaxConsecutiveErrors: 3,
		OutboxMaxLines:       500,
		MaxRetries:           2,
	}

	daemon := New(cfg, Stores{Tasks: tasks, Inbox: inbox, Outbox: outbox, Signals: signals, CLI: cli}, logger)

	return &testRig{tasks: tasks, inbox: inbox, outbox: outbox, signals: signals, cli: cli, daemon: daemon, root: root}
}

func writeTask(t *testing.T, r *testRig, task model.Task) {
	t.Helper()
	path := filepath.Join(r.root, "tasks", "alpha", task.ID)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	data, err := json.MarshalIndent(task, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func readOutboxLines(t *testing.T, r *testRig) []model.OutboxMessage {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(r.root, "outbox.ndjson"))
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)

	var msgs []model.OutboxMessage
	for _, line := range splitNonEmptyLines(data) {
		var msg model.OutboxMessage
		require.NoError(t, json.Unmarshal(line, &msg))
		msgs = append(msgs, msg)
	}
	return msgs
}

func splitNonEmptyLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	return lines
}

func TestRunCycle_HappyPath_CompletesTaskAndAppendsOutbox(t *testing.T) {
	cli := &fakeCLI{response: "ok"}
	r := newRig(t, cli)
	writeTask(t, r, model.Task{ID: "1", Owner: "w1", Status: model.TaskPending, Subject: "do a thing"})

	require.NoError(t, r.daemon.runCycle(context.Background()))

	task, err := r.tasks.Read("1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)

	msgs := readOutboxLines(t, r)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboxTaskComplete, msgs[0].Type)
	assert.Equal(t, "ok", msgs[0].Summary)
	assert.Equal(t, 1, cli.calls)
}

func TestRunCycle_NoClaimableTask_EmitsSingleIdleMessage(t *testing.T) {
	r := newRig(t, &fakeCLI{})

	require.NoError(t, r.daemon.runCycle(context.Background()))
	require.NoError(t, r.daemon.runCycle(context.Background()))

	msgs := readOutboxLines(t, r)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboxIdle, msgs[0].Type)
}

func TestRunCycle_TaskFailure_RevertsToPendingUntilExhausted(t *testing.T) {
	cli := &fakeCLI{err: assertErr("boom")}
	r := newRig(t, cli)
	writeTask(t, r, model.Task{ID: "1", Owner: "w1", Status: model.TaskPending})

	require.NoError(t, r.daemon.runCycle(context.Background()))
	task, err := r.tasks.Read("1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)

	require.NoError(t, r.daemon.runCycle(context.Background()))
	task, err = r.tasks.Read("1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)

	require.NoError(t, r.daemon.runCycle(context.Background()))
	task, err = r.tasks.Read("1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskCompleted, task.Status)
	assert.Equal(t, true, task.Metadata["permanentlyFailed"])

	msgs := readOutboxLines(t, r)
	var failed, permanentErrors int
	for _, m := range msgs {
		switch m.Type {
		case model.OutboxTaskFailed:
			failed++
		case model.OutboxError:
			permanentErrors++
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 1, permanentErrors)
}

func TestRunCycle_BlockedTask_StaysIdle(t *testing.T) {
	r := newRig(t, &fakeCLI{})
	writeTask(t, r, model.Task{ID: "0", Owner: "other", Status: model.TaskPending})
	writeTask(t, r, model.Task{ID: "1", Owner: "w1", Status: model.TaskPending, BlockedBy: []string{"0"}})

	require.NoError(t, r.daemon.runCycle(context.Background()))

	task, err := r.tasks.Read("1")
	require.NoError(t, err)
	assert.Equal(t, model.TaskPending, task.Status)
	assert.Equal(t, 0, r.cli.calls)
}

func writeShutdownSignal(t *testing.T, r *testRig, sig model.ShutdownSignal) {
	t.Helper()
	sig.Timestamp = time.Now().UTC()
	data, err := json.Marshal(sig)
	require.NoError(t, err)
	path := filepath.Join(r.root, "teams", "alpha", "signals", "w1.shutdown")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, data, 0o600))
}

func TestRunCycle_ShutdownSignalMidInvocation_TerminatesAndReverts(t *testing.T) {
	old := shutdownPollInterval
	shutdownPollInterval = 5 * time.Millisecond
	t.Cleanup(func() { shutdownPollInterval = old })

	cli := &fakeCLI{response: "ok", resultDelay: 200 * time.Millisecond, startedCh: make(chan struct{})}
	r := newRig(t, cli)
	writeTask(t, r, model.Task{ID: "1", Owner: "w1", Status: model.TaskPending})

	errCh := make(chan error, 1)
	go func() { errCh <- r.daemon.runCycle(context.Background()) }()

	select {
	case <-cli.startedCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for provider invocation to start")
	}

	writeShutdownSignal(t, r, model.ShutdownSignal{RequestID: "req-9", Reason: "maintenance"})

	var err error
	select {
	case err = <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runCycle to return after shutdown signal")
	}
	require.ErrorIs(t, err, errShutdownRequested)

	task, readErr := r.tasks.Read("1")
	require.NoError(t, readErr)
	assert.Equal(t, model.TaskPending, task.Status)

	msgs := readOutboxLines(t, r)
	require.Len(t, msgs, 1)
	assert.Equal(t, model.OutboxShutdownAck, msgs[0].Type)
	assert.Equal(t, "req-9", msgs[0].RequestID)
}

type assertErrType string

func (e assertErrType) Error() string { return string(e) }

func assertErr(msg string) error { return assertErrType(msg) }
