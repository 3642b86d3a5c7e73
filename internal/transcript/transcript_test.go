package transcript

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hcom-sh/hcom-native/internal/store"
)

const testSchema = `
CREATE TABLE instances (
    name TEXT PRIMARY KEY,
    status TEXT,
    status_context TEXT,
    status_detail TEXT,
    last_event_id INTEGER DEFAULT 0,
    status_time INTEGER DEFAULT 0,
    transcript_path TEXT
);
CREATE TABLE events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT,
    type TEXT,
    instance TEXT,
    data TEXT
);
`

func openTestStore(t *testing.T) (*store.Store, *sql.DB) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hcom.db")

	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(testSchema)
	require.NoError(t, err)
	_, err = raw.Exec("INSERT INTO instances (name, status, status_context) VALUES ('cx', 'listening', '')")
	require.NoError(t, err)

	s, err := store.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
		raw.Close()
	})
	return s, raw
}

func newWatcher(t *testing.T) *Watcher {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return NewWatcher("cx", logrus.NewEntry(log))
}

func writeTranscript(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func statusEvents(t *testing.T, raw *sql.DB) []string {
	t.Helper()
	rows, err := raw.Query("SELECT data FROM events WHERE type = 'status' ORDER BY id")
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var data string
		require.NoError(t, rows.Scan(&data))
		out = append(out, data)
	}
	return out
}

// ---- apply_patch regex ----

func TestApplyPatchRegexMatchesAllVerbs(t *testing.T) {
	input := "*** Update File: src/main.go\n*** Add File: new.go\n*** Delete File: old.go\n"
	matches := applyPatchRe.FindAllStringSubmatch(input, -1)
	require.Len(t, matches, 3)
	assert.Equal(t, "src/main.go", matches[0][1])
	assert.Equal(t, "new.go", matches[1][1])
	assert.Equal(t, "old.go", matches[2][1])
}

func TestApplyPatchRegexEndOfStringWithoutNewline(t *testing.T) {
	m := applyPatchRe.FindStringSubmatch("*** Update File: path/to/file.py")
	require.NotNil(t, m)
	assert.Equal(t, "path/to/file.py", m[1])
}

// ---- shell command extraction ----

func TestShellCommandBashLCArray(t *testing.T) {
	assert.Equal(t, "ls -la",
		extractShellCommand(`{"command": ["bash", "-lc", "ls -la"]}`))
}

func TestShellCommandStringFormat(t *testing.T) {
	assert.Equal(t, "echo hello",
		extractShellCommand(`{"command": "echo hello"}`))
}

func TestShellCommandGenericArray(t *testing.T) {
	assert.Equal(t, "ls -la /tmp",
		extractShellCommand(`{"command": ["ls", "-la", "/tmp"]}`))
}

func TestShellCommandFallbackRawString(t *testing.T) {
	assert.Equal(t, "not json at all", extractShellCommand("not json at all"))
}

func TestShellCommandTruncatesLongFallback(t *testing.T) {
	long := strings.Repeat("x", 1000)
	assert.Len(t, extractShellCommand(long), 500)
}

// ---- message text extraction ----

func TestExtractMessageTextParts(t *testing.T) {
	payload := map[string]interface{}{
		"content": []interface{}{
			map[string]interface{}{"text": "hello "},
			map[string]interface{}{"text": "world"},
		},
	}
	assert.Equal(t, "hello world", extractMessageText(toRaw(t, payload)))
}

func TestExtractMessageTextStringArray(t *testing.T) {
	payload := map[string]interface{}{"content": []interface{}{"hello", "world"}}
	assert.Equal(t, "helloworld", extractMessageText(toRaw(t, payload)))
}

func TestExtractMessageTextMissingContent(t *testing.T) {
	payload := map[string]interface{}{"role": "user"}
	assert.Empty(t, extractMessageText(toRaw(t, payload)))
}

// ---- sync over a real file ----

func entry(payloadType string, fields map[string]string) string {
	parts := []string{fmt.Sprintf("%q: %q", "type", payloadType)}
	for k, v := range fields {
		parts = append(parts, fmt.Sprintf("%q: %s", k, v))
	}
	return fmt.Sprintf(
		`{"type": "response_item", "timestamp": "2026-01-01T00:00:00+00:00", "payload": {%s}}`,
		strings.Join(parts, ", "))
}

func TestSyncLogsApplyPatchEdits(t *testing.T) {
	s, raw := openTestStore(t)
	w := newWatcher(t)

	path := writeTranscript(t, entry("function_call", map[string]string{
		"name":    `"apply_patch"`,
		"call_id": `"c1"`,
		"input":   `"*** Update File: a.go\n*** Add File: b.go\n"`,
	}))
	w.SetTranscriptPath(path)

	edits := w.Sync(s)
	assert.Equal(t, 2, edits)

	events := statusEvents(t, raw)
	require.Len(t, events, 2)
	assert.Contains(t, events[0], `"context":"tool:apply_patch"`)
	assert.Contains(t, events[0], `"detail":"a.go"`)
	assert.Contains(t, events[1], `"detail":"b.go"`)
}

func TestSyncDeduplicatesByCallID(t *testing.T) {
	s, raw := openTestStore(t)
	w := newWatcher(t)

	line := entry("function_call", map[string]string{
		"name":      `"shell"`,
		"call_id":   `"c1"`,
		"arguments": `"{\"command\": \"ls\"}"`,
	})
	path := writeTranscript(t, line, line)
	w.SetTranscriptPath(path)
	w.Sync(s)

	events := statusEvents(t, raw)
	assert.Len(t, events, 1, "same call_id processed once")
}

func TestSyncLogsUserPromptAndSkipsHcomInjected(t *testing.T) {
	s, raw := openTestStore(t)
	w := newWatcher(t)

	path := writeTranscript(t,
		entry("message", map[string]string{
			"role":    `"user"`,
			"content": `[{"text": "please fix the bug"}]`,
		}),
		entry("message", map[string]string{
			"role":    `"user"`,
			"content": `[{"text": "[hcom] injected trigger"}]`,
		}),
	)
	w.SetTranscriptPath(path)
	w.Sync(s)

	events := statusEvents(t, raw)
	require.Len(t, events, 1)
	assert.Contains(t, events[0], `"context":"prompt"`)
}

func TestSyncIncrementalReads(t *testing.T) {
	s, raw := openTestStore(t)
	w := newWatcher(t)

	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	first := entry("function_call", map[string]string{
		"name":      `"shell"`,
		"call_id":   `"c1"`,
		"arguments": `"{\"command\": \"make\"}"`,
	})
	require.NoError(t, os.WriteFile(path, []byte(first+"\n"), 0o644))
	w.SetTranscriptPath(path)
	w.Sync(s)

	second := entry("function_call", map[string]string{
		"name":      `"shell"`,
		"call_id":   `"c2"`,
		"arguments": `"{\"command\": \"make test\"}"`,
	})
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(second + "\n")
	require.NoError(t, err)
	f.Close()

	w.Sync(s)

	events := statusEvents(t, raw)
	require.Len(t, events, 2)
	assert.Contains(t, events[1], "make test")
}

func TestSyncHandlesTruncatedFile(t *testing.T) {
	s, raw := openTestStore(t)
	w := newWatcher(t)

	path := filepath.Join(t.TempDir(), "rollout.jsonl")
	line := entry("function_call", map[string]string{
		"name":      `"shell"`,
		"call_id":   `"c1"`,
		"arguments": `"{\"command\": \"ls\"}"`,
	})
	require.NoError(t, os.WriteFile(path, []byte(line+"\n"+line+"\n"), 0o644))
	w.SetTranscriptPath(path)
	w.Sync(s)

	// File replaced with shorter content: position resets to 0.
	replacement := entry("function_call", map[string]string{
		"name":      `"shell"`,
		"call_id":   `"c2"`,
		"arguments": `"{\"command\": \"pwd\"}"`,
	})
	require.NoError(t, os.WriteFile(path, []byte(replacement+"\n"), 0o644))
	w.Sync(s)

	events := statusEvents(t, raw)
	require.Len(t, events, 2)
	assert.Contains(t, events[1], "pwd")
}

func TestSyncMirrorsStatusIntoInstanceRow(t *testing.T) {
	s, raw := openTestStore(t)
	w := newWatcher(t)

	path := writeTranscript(t, entry("function_call", map[string]string{
		"name":      `"shell"`,
		"call_id":   `"c1"`,
		"arguments": `"{\"command\": \"go build\"}"`,
	}))
	w.SetTranscriptPath(path)
	w.Sync(s)

	var status, context, detail string
	require.NoError(t, raw.QueryRow(
		"SELECT status, status_context, status_detail FROM instances WHERE name = 'cx'").
		Scan(&status, &context, &detail))
	assert.Equal(t, "active", status)
	assert.Equal(t, "tool:shell", context)
	assert.Equal(t, "go build", detail)
}

func TestSetTranscriptPathResetsPosition(t *testing.T) {
	w := newWatcher(t)
	w.filePos = 100
	w.SetTranscriptPath("/a")
	assert.Zero(t, w.filePos)

	w.filePos = 50
	w.SetTranscriptPath("/a") // unchanged path keeps position
	assert.Equal(t, int64(50), w.filePos)
}

// toRaw converts a test payload into the raw-message map form.
func toRaw(t *testing.T, v map[string]interface{}) map[string]json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(b, &out))
	return out
}
