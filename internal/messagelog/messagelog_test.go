package messagelog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/omc-dev/bridged/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeInboxFile(t *testing.T, path string, lines ...model.InboxMessage) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	require.NoError(t, err)
	defer f.Close()
	for _, line := range lines {
		data, err := json.Marshal(line)
		require.NoError(t, err)
		_, err = f.Write(append(data, '\n'))
		require.NoError(t, err)
	}
}

func TestInbox_ReadNew_ReturnsAllOnFirstRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.ndjson")
	writeInboxFile(t, path,
		model.InboxMessage{Type: "note", Content: "hello"},
		model.InboxMessage{Type: "note", Content: "world"},
	)

	ib := NewInbox(path, nil)
	msgs, err := ib.ReadNew()
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "world", msgs[1].Content)
}

func TestInbox_ReadNew_OnlyReturnsNewLinesOnSecondRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.ndjson")
	writeInboxFile(t, path, model.InboxMessage{Type: "note", Content: "first"})

	ib := NewInbox(path, nil)
	_, err := ib.ReadNew()
	require.NoError(t, err)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	data, err := json.Marshal(model.InboxMessage{Type: "note", Content: "second"})
	require.NoError(t, err)
	_, err = f.Write(append(data, '\n'))
	require.NoError(t, err)
	require.NoError(t, f.Close())

	msgs, err := ib.ReadNew()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "second", msgs[0].Content)
}

func TestInbox_ReadNew_MissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	ib := NewInbox(filepath.Join(dir, "missing.ndjson"), nil)
	msgs, err := ib.ReadNew()
	require.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestInbox_ReadNew_ResetsCursorOnTruncation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.ndjson")
	writeInboxFile(t, path,
		model.InboxMessage{Type: "note", Content: "a"},
		model.InboxMessage{Type: "note", Content: "b"},
	)

	ib := NewInbox(path, nil)
	_, err := ib.ReadNew()
	require.NoError(t, err)

	// Truncate the log to simulate an external reset/rotation.
	writeInboxFile(t, path, model.InboxMessage{Type: "note", Content: "c"})

	msgs, err := ib.ReadNew()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "c", msgs[0].Content)
}

func TestInbox_ReadNew_StopsAtFirstMalformedLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.ndjson")

	valid, err := json.Marshal(model.InboxMessage{Type: "note", Content: "good"})
	require.NoError(t, err)

	require.NoError(t, os.MkdirAll(dir, 0o700))
	content := append(valid, '\n')
	content = append(content, []byte("{not json\n")...)
	content = append(content, []byte(`{"type":"note","content":"unreachable"}`+"\n")...)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	ib := NewInbox(path, nil)
	msgs, err := ib.ReadNew()
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "good", msgs[0].Content)

	// The cursor must not have advanced past the malformed line: a second
	// read observes the same malformed line and still returns nothing new.
	msgs, err = ib.ReadNew()
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestOutbox_Append_WritesNDJSONLine(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.ndjson")

	ob := NewOutbox(path, 0, nil)
	require.NoError(t, ob.Append(model.NewIdleMessage("nothing to do")))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var msg model.OutboxMessage
	require.NoError(t, json.Unmarshal(data[:len(data)-1], &msg))
	assert.Equal(t, model.OutboxIdle, msg.Type)
}

func TestOutbox_RotateIfNeeded_KeepsMostRecentHalf(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.ndjson")

	ob := NewOutbox(path, 4, nil)
	for i := 0; i < 10; i++ {
		require.NoError(t, ob.Append(model.NewIdleMessage("cycle")))
	}

	ob.RotateIfNeeded()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := splitLines(data)
	assert.Len(t, lines, 5)
}

func TestOutbox_RotateIfNeeded_NoopUnderBudget(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "outbox.ndjson")

	ob := NewOutbox(path, 100, nil)
	require.NoError(t, ob.Append(model.NewIdleMessage("cycle")))
	ob.RotateIfNeeded()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Len(t, splitLines(data), 1)
}

func TestOutbox_RotateIfNeeded_MissingFileIsNoop(t *testing.T) {
	dir := t.TempDir()
	ob := NewOutbox(filepath.Join(dir, "missing.ndjson"), 10, nil)
	ob.RotateIfNeeded()
}
