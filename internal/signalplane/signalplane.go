// Package signalplane implements the two small filesystem documents a
// worker and its team lead use to coordinate outside the task/inbox/outbox
// data path, the shutdown-request signal and the worker heartbeat, plus
// the worker's run-audit record.
package signalplane

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/omc-dev/bridged/internal/fsutil"
	"github.com/omc-dev/bridged/internal/model"
	"github.com/omc-dev/bridged/internal/sanitize"
)

// Plane resolves and manipulates the shutdown-signal and heartbeat
// documents for a single (team, worker) pair.
type Plane struct {
	root          string
	team          string
	worker        string
	signalPath    string
	heartbeatPath string
	auditPath     string
}

// New returns a Plane rooted at teamsRoot/<team>, after validating that
// team and worker sanitize to safe path components.
func New(teamsRoot, team, worker string) (*Plane, error) {
	if err := sanitize.TaskID(team); err != nil {
		return nil, fmt.Errorf("signalplane: invalid team name %q: %w", team, err)
	}
	if err := sanitize.TaskID(worker); err != nil {
		return nil, fmt.Errorf("signalplane: invalid worker name %q: %w", worker, err)
	}

	teamDir := filepath.Join(teamsRoot, team)
	if _, err := sanitize.WithinBase(teamDir, teamsRoot); err != nil {
		return nil, fmt.Errorf("signalplane: %w", err)
	}

	return &Plane{
		root:          teamsRoot,
		team:          team,
		worker:        worker,
		signalPath:    filepath.Join(teamDir, "signals", worker+".shutdown"),
		heartbeatPath: filepath.Join(teamDir, "heartbeats", worker),
		auditPath:     filepath.Join(teamDir, "audit", worker),
	}, nil
}

// CheckShutdown reports whether a shutdown signal document is present. It
// returns (nil, false, nil) when there is none.
func (p *Plane) CheckShutdown() (*model.ShutdownSignal, bool, error) {
	data, err := os.ReadFile(p.signalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("signalplane: failed to read shutdown signal: %w", err)
	}

	var sig model.ShutdownSignal
	if err := json.Unmarshal(data, &sig); err != nil {
		// A malformed shutdown signal is still a shutdown request: better
		// to stop than to spin on a document we can't parse.
		return &model.ShutdownSignal{Reason: "malformed shutdown signal"}, true, nil
	}
	return &sig, true, nil
}

// ClearShutdown removes the shutdown signal document, if present.
func (p *Plane) ClearShutdown() error {
	if err := os.Remove(p.signalPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("signalplane: failed to clear shutdown signal: %w", err)
	}
	return nil
}

// WriteHeartbeat atomically rewrites the worker's heartbeat document.
func (p *Plane) WriteHeartbeat(hb model.Heartbeat) error {
	if err := fsutil.AtomicWriteJSON(p.heartbeatPath, hb); err != nil {
		return fmt.Errorf("signalplane: failed to write heartbeat: %w", err)
	}
	return nil
}

// ClearHeartbeat removes the worker's heartbeat document. Called once on a
// clean shutdown so team leads don't see a stale "last known status" for a
// worker that has exited.
func (p *Plane) ClearHeartbeat() error {
	if err := os.Remove(p.heartbeatPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("signalplane: failed to clear heartbeat: %w", err)
	}
	return nil
}

// WriteAudit atomically rewrites the worker's cumulative run-audit record.
func (p *Plane) WriteAudit(rec model.AuditRecord) error {
	if err := fsutil.AtomicWriteJSON(p.auditPath, rec); err != nil {
		return fmt.Errorf("signalplane: failed to write audit record: %w", err)
	}
	return nil
}

// ReadAudit returns the worker's audit record, or a zero-value record with
// Worker/Team populated if none has been written yet.
func (p *Plane) ReadAudit() (model.AuditRecord, error) {
	data, err := os.ReadFile(p.auditPath)
	if err != nil {
		if os.IsNotExist(err) {
			return model.AuditRecord{Worker: p.worker, Team: p.team}, nil
		}
		return model.AuditRecord{}, fmt.Errorf("signalplane: failed to read audit record: %w", err)
	}

	var rec model.AuditRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// A corrupt audit trail restarts counting from zero rather than
		// blocking the daemon.
		return model.AuditRecord{Worker: p.worker, Team: p.team}, nil
	}
	return rec, nil
}
