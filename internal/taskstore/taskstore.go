// Package taskstore implements the per-team directory of task descriptors
// and failure sidecars: atomic reads and updates, the cooperative claim
// protocol used during scheduling, and blocker resolution.
package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/omc-dev/bridged/internal/fsutil"
	"github.com/omc-dev/bridged/internal/model"
	"github.com/omc-dev/bridged/internal/sanitize"
)

// claimSettleDelay is the pause between writing a claim and re-reading it
// to confirm the write survived uncontended. It narrows, but does not
// close, the race window between two workers claiming the same task.
const claimSettleDelay = 50 * time.Millisecond

// Store manages the task documents for a single team under root/<team>.
type Store struct {
	root string
	team string
	dir  string
}

// New returns a Store rooted at filepath.Join(tasksRoot, team), validating
// that team sanitizes to itself (callers are expected to have already
// sanitized untrusted names before reaching the store).
func New(tasksRoot, team string) (*Store, error) {
	if err := sanitize.TaskID(team); err != nil {
		// Team names follow the same safe character class as task ids.
		return nil, fmt.Errorf("taskstore: invalid team name %q: %w", team, err)
	}

	dir := filepath.Join(tasksRoot, team)
	if _, err := sanitize.WithinBase(dir, tasksRoot); err != nil {
		return nil, fmt.Errorf("taskstore: %w", err)
	}

	return &Store{root: tasksRoot, team: team, dir: dir}, nil
}

func (s *Store) pathFor(taskID string) (string, error) {
	if err := sanitize.TaskID(taskID); err != nil {
		return "", fmt.Errorf("taskstore: %w", err)
	}
	p := filepath.Join(s.dir, taskID)
	resolved, err := sanitize.WithinBase(p, s.root)
	if err != nil {
		return "", fmt.Errorf("taskstore: %w", err)
	}
	return resolved, nil
}

func (s *Store) failurePathFor(taskID string) (string, error) {
	p, err := s.pathFor(taskID)
	if err != nil {
		return "", err
	}
	return p + ".failure", nil
}

// Read returns the task with the given id, or (nil, nil) if it does not
// exist or fails to parse as a structurally valid task document.
func (s *Store) Read(taskID string) (*model.Task, error) {
	path, err := s.pathFor(taskID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: failed to read task %s: %w", taskID, err)
	}

	var task model.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, nil
	}
	if task.ID == "" {
		return nil, nil
	}

	return &task, nil
}

// Patch is a partial update applied to a task. Nil fields are left
// unchanged; non-nil fields overwrite the corresponding task field.
type Patch struct {
	Status    *model.TaskStatus
	ClaimedBy *string
	ClaimedAt *int64
	ClaimPid  *int
	Metadata  map[string]any
}

// Update reads the task, applies patch on top of it, and atomically
// rewrites the document, preserving any field the patch does not touch.
func (s *Store) Update(taskID string, patch Patch) (*model.Task, error) {
	path, err := s.pathFor(taskID)
	if err != nil {
		return nil, err
	}

	task, err := s.Read(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("taskstore: task %s does not exist", taskID)
	}

	if patch.Status != nil {
		task.Status = *patch.Status
	}
	if patch.ClaimedBy != nil {
		task.ClaimedBy = *patch.ClaimedBy
	}
	if patch.ClaimedAt != nil {
		task.ClaimedAt = *patch.ClaimedAt
	}
	if patch.ClaimPid != nil {
		task.ClaimPid = *patch.ClaimPid
	}
	if patch.Metadata != nil {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			task.Metadata[k] = v
		}
	}

	// Merge the known fields over the document as read so that fields this
	// package does not model survive the rewrite.
	doc := map[string]json.RawMessage{}
	if raw, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(raw, &doc)
	}
	known, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("taskstore: failed to encode task %s: %w", taskID, err)
	}
	if err := json.Unmarshal(known, &doc); err != nil {
		return nil, fmt.Errorf("taskstore: failed to encode task %s: %w", taskID, err)
	}

	if err := fsutil.AtomicWriteJSON(path, doc); err != nil {
		return nil, fmt.Errorf("taskstore: failed to write task %s: %w", taskID, err)
	}

	return task, nil
}

// List returns every task id in the team directory, sorted numerically
// when every id parses as an integer, and lexicographically otherwise.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: failed to list tasks: %w", err)
	}

	ids := make([]string, 0, len(entries))
	allNumeric := true
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".failure" {
			continue
		}
		if _, err := strconv.ParseInt(name, 10, 64); err != nil {
			allNumeric = false
		}
		ids = append(ids, name)
	}

	if allNumeric {
		sort.Slice(ids, func(i, j int) bool {
			a, _ := strconv.ParseInt(ids[i], 10, 64)
			b, _ := strconv.ParseInt(ids[j], 10, 64)
			return a < b
		})
	} else {
		sort.Strings(ids)
	}

	return ids, nil
}

// BlockersResolved reports whether every blocker listed for task exists
// and is completed.
func (s *Store) BlockersResolved(task *model.Task) (bool, error) {
	for _, blockerID := range task.BlockedBy {
		blocker, err := s.Read(blockerID)
		if err != nil {
			return false, err
		}
		if blocker == nil || blocker.Status != model.TaskCompleted {
			return false, nil
		}
	}
	return true, nil
}

// ReadFailure returns the failure sidecar for taskID, or nil if none exists.
func (s *Store) ReadFailure(taskID string) (*model.FailureRecord, error) {
	path, err := s.failurePathFor(taskID)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("taskstore: failed to read failure sidecar for %s: %w", taskID, err)
	}

	var fr model.FailureRecord
	if err := json.Unmarshal(data, &fr); err != nil {
		return nil, fmt.Errorf("taskstore: corrupt failure sidecar for %s: %w", taskID, err)
	}
	return &fr, nil
}

// WriteFailure creates or increments the failure sidecar for taskID with
// the given error text, recording the current time as the failure time.
func (s *Store) WriteFailure(taskID, errText string) (*model.FailureRecord, error) {
	path, err := s.failurePathFor(taskID)
	if err != nil {
		return nil, err
	}

	existing, err := s.ReadFailure(taskID)
	if err != nil {
		return nil, err
	}

	fr := model.FailureRecord{RetryCount: 1, LastError: errText, LastFailureAt: time.Now().UTC()}
	if existing != nil {
		fr.RetryCount = existing.RetryCount + 1
	}

	if err := fsutil.AtomicWriteJSON(path, fr); err != nil {
		return nil, fmt.Errorf("taskstore: failed to write failure sidecar for %s: %w", taskID, err)
	}

	return &fr, nil
}

// Exhausted reports whether taskID has failed more times than maxRetries
// allows, i.e. maxRetries retries have already been spent and this
// failure was one attempt too many.
func (s *Store) Exhausted(taskID string, maxRetries int) (bool, error) {
	fr, err := s.ReadFailure(taskID)
	if err != nil {
		return false, err
	}
	if fr == nil {
		return false, nil
	}
	return fr.RetryCount > maxRetries, nil
}

// FindNext scans tasks in sorted order and returns the first one this
// worker can validly claim, running the cooperative claim protocol
// against each candidate until one is confirmed or the candidate list is
// exhausted. Returns (nil, nil) if nothing is claimable right now.
func (s *Store) FindNext(worker string, pid int) (*model.Task, error) {
	ids, err := s.List()
	if err != nil {
		return nil, err
	}

	for _, id := range ids {
		task, err := s.Read(id)
		if err != nil || task == nil {
			continue
		}
		if task.Status != model.TaskPending || task.Owner != worker {
			continue
		}

		resolved, err := s.BlockersResolved(task)
		if err != nil || !resolved {
			continue
		}

		claimed, err := s.tryClaim(id, worker, pid)
		if err != nil {
			continue
		}
		if claimed != nil {
			return claimed, nil
		}
	}

	return nil, nil
}

// tryClaim writes this worker's claim fields onto task id, waits
// claimSettleDelay, re-reads the task, and returns it only if the status
// is still pending and both claim fields still match what we wrote.
func (s *Store) tryClaim(id, worker string, pid int) (*model.Task, error) {
	now := time.Now().UnixMilli()
	claimedBy := worker
	claimPid := pid
	claimedAt := now

	if _, err := s.Update(id, Patch{ClaimedBy: &claimedBy, ClaimedAt: &claimedAt, ClaimPid: &claimPid}); err != nil {
		return nil, err
	}

	time.Sleep(claimSettleDelay)

	confirmed, err := s.Read(id)
	if err != nil {
		return nil, err
	}
	if confirmed == nil {
		return nil, fmt.Errorf("taskstore: task %s vanished during claim", id)
	}

	if confirmed.Status != model.TaskPending {
		return nil, nil
	}
	if confirmed.ClaimedBy != worker || confirmed.ClaimPid != pid {
		return nil, nil
	}

	return confirmed, nil
}
