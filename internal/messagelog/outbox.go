package messagelog

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/omc-dev/bridged/internal/fsutil"
	"github.com/omc-dev/bridged/internal/model"
)

// Outbox appends structured progress messages to a worker's outbox log and
// keeps it under a line budget by rotation.
type Outbox struct {
	path     string
	maxLines int
	logger   *slog.Logger
}

// NewOutbox returns an Outbox for the log at path with the given line
// budget. A non-positive maxLines disables rotation.
func NewOutbox(path string, maxLines int, logger *slog.Logger) *Outbox {
	return &Outbox{path: path, maxLines: maxLines, logger: logger}
}

// Append writes msg as a single NDJSON line to the outbox.
func (ob *Outbox) Append(msg model.OutboxMessage) error {
	line, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("messagelog: failed to marshal outbox message: %w", err)
	}
	if err := fsutil.AppendLine(ob.path, line); err != nil {
		return fmt.Errorf("messagelog: failed to append to outbox %s: %w", ob.path, err)
	}
	return nil
}

// RotateIfNeeded truncates the outbox to its most recent half once it
// exceeds maxLines. Rotation failure is logged and swallowed: outbox
// growth is a housekeeping concern, never a reason to fail a cycle.
func (ob *Outbox) RotateIfNeeded() {
	if ob.maxLines <= 0 {
		return
	}

	if err := ob.rotate(); err != nil && ob.logger != nil {
		ob.logger.Warn("outbox rotation failed", "path", ob.path, "error", err)
	}
}

func (ob *Outbox) rotate() error {
	data, err := os.ReadFile(ob.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read outbox: %w", err)
	}

	lines := splitLines(data)
	if len(lines) <= ob.maxLines {
		return nil
	}

	keepFrom := len(lines) - len(lines)/2
	kept := lines[keepFrom:]

	var buf bytes.Buffer
	for _, line := range kept {
		buf.Write(line)
		buf.WriteByte('\n')
	}

	if err := fsutil.AtomicWrite(ob.path, buf.Bytes()); err != nil {
		return fmt.Errorf("failed to rewrite outbox: %w", err)
	}
	return nil
}

// splitLines returns data's non-empty lines without their trailing newline.
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), MaxInboxReadBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		cp := make([]byte, len(line))
		copy(cp, line)
		lines = append(lines, cp)
	}
	return lines
}
