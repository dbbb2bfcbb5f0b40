// Package messagelog implements the newline-delimited inbox and outbox
// logs: byte-offset cursor tracking for the inbox, size-bounded rotation
// for the outbox, and truncation-safe reads for both.
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

// MaxInboxReadBytes bounds a single inbox read to prevent memory
// exhaustion on a pathologically large inbox file.
const MaxInboxReadBytes = 10 * 1024 * 1024

// Inbox reads and rotates a single worker's inbox log plus its adjacent
// byte-offset cursor file.
type Inbox struct {
	path       string
	cursorPath string
	logger     *slog.Logger
}

// NewInbox returns an Inbox for the log at path, with its cursor persisted
// at path+".offset".
func NewInbox(path string, logger *slog.Logger) *Inbox {
	return &Inbox{path: path, cursorPath: path + ".offset", logger: logger}
}

type cursorDoc struct {
	BytesRead int64 `json:"bytesRead"`
}

func (ib *Inbox) readCursor() int64 {
	data, err := os.ReadFile(ib.cursorPath)
	if err != nil {
		return 0
	}
	var doc cursorDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0
	}
	if doc.BytesRead < 0 {
		return 0
	}
	return doc.BytesRead
}

func (ib *Inbox) writeCursor(offset int64) error {
	return fsutil.AtomicWriteJSON(ib.cursorPath, cursorDoc{BytesRead: offset})
}

// ReadNew reads the persisted cursor, resets to zero on truncation, reads
// at most MaxInboxReadBytes from the cursor, decodes newline-delimited
// records up to (and stopping at) the first malformed line, and persists
// the new cursor past only the successfully decoded lines.
func (ib *Inbox) ReadNew() ([]model.InboxMessage, error) {
	cursor := ib.readCursor()

	info, err := os.Stat(ib.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("messagelog: failed to stat inbox %s: %w", ib.path, err)
	}

	if info.Size() < cursor {
		cursor = 0
	}

	if info.Size() == cursor {
		return nil, nil
	}

	f, err := os.Open(ib.path)
	if err != nil {
		return nil, fmt.Errorf("messagelog: failed to open inbox %s: %w", ib.path, err)
	}
	defer f.Close()

	if _, err := f.Seek(cursor, 0); err != nil {
		return nil, fmt.Errorf("messagelog: failed to seek inbox %s: %w", ib.path, err)
	}

	toRead := info.Size() - cursor
	truncatedWindow := false
	if toRead > MaxInboxReadBytes {
		toRead = MaxInboxReadBytes
		truncatedWindow = true
	}

	window := make([]byte, toRead)
	n, err := f.Read(window)
	if err != nil && n == 0 {
		return nil, fmt.Errorf("messagelog: failed to read inbox %s: %w", ib.path, err)
	}
	window = window[:n]

	// Decode only newline-terminated records; a trailing partial line is
	// left for a later read.
	if idx := bytes.LastIndexByte(window, '\n'); idx >= 0 {
		window = window[:idx+1]
	} else {
		window = window[:0]
	}

	if truncatedWindow && ib.logger != nil {
		ib.logger.Warn("inbox read window truncated", "path", ib.path, "pending_bytes", info.Size()-cursor)
	}

	var messages []model.InboxMessage
	shadowOffset := cursor
	scanned := int64(0)

	scanner := bufio.NewScanner(bytes.NewReader(window))
	scanner.Buffer(make([]byte, 64*1024), MaxInboxReadBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		lineWithNewline := int64(len(line)) + 1 // +1 for the newline consumed by Scan

		if len(bytes.TrimSpace(line)) == 0 {
			scanned += lineWithNewline
			shadowOffset += lineWithNewline
			continue
		}

		var msg model.InboxMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			// Malformed line: stop advancing so the next read re-observes it.
			break
		}

		messages = append(messages, msg)
		scanned += lineWithNewline
		shadowOffset += lineWithNewline
	}

	if err := ib.writeCursor(shadowOffset); err != nil {
		return nil, err
	}

	return messages, nil
}

// Rotate can be invoked externally (not by the bridge loop) when the
// inbox exceeds byteBudget: it retains the most recent half of the file
// and resets the cursor to zero, matching the truncation-safe read path.
func (ib *Inbox) Rotate(byteBudget int64) error {
	info, err := os.Stat(ib.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("messagelog: failed to stat inbox %s: %w", ib.path, err)
	}
	if info.Size() <= byteBudget {
		return nil
	}

	data, err := os.ReadFile(ib.path)
	if err != nil {
		return fmt.Errorf("messagelog: failed to read inbox %s for rotation: %w", ib.path, err)
	}

	keepFrom := len(data) / 2
	// Advance to the next newline so we don't keep a truncated record.
	if idx := bytes.IndexByte(data[keepFrom:], '\n'); idx >= 0 {
		keepFrom += idx + 1
	}

	if err := fsutil.AtomicWrite(ib.path, data[keepFrom:]); err != nil {
		return fmt.Errorf("messagelog: failed to rotate inbox %s: %w", ib.path, err)
	}

	return ib.writeCursor(0)
}
