// Package transcript watches the Codex rollout JSONL file for tool activity.
//
// Codex has no per-tool hooks, so the wrapper tails the transcript
// (rollout-*.jsonl) instead, synthesizing status events for file edits,
// shell commands, and user prompts. Events are mirrored into the instance
// row with newer-timestamp-wins semantics.
package transcript

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hcom-sh/hcom-native/internal/logging"
	"github.com/hcom-sh/hcom-native/internal/store"
)

// applyPatchRe extracts file paths from apply_patch input:
// *** Update File: path, *** Add File: path, *** Delete File: path.
var applyPatchRe = regexp.MustCompile(`\*\*\* (?:Update|Add|Delete) File: (.+?)(?:\n|$)`)

// maxDedupEntries bounds the call-id dedup set; the set is cleared
// wholesale when exceeded.
const maxDedupEntries = 10000

// maxShellFallback bounds the raw-argument fallback for shell commands.
const maxShellFallback = 500

// Watcher tails one instance's transcript file.
type Watcher struct {
	instance       string
	transcriptPath string
	filePos        int64
	loggedCallIDs  map[string]struct{}
	log            *logrus.Entry
}

// NewWatcher creates a watcher for instance.
func NewWatcher(instance string, log *logrus.Entry) *Watcher {
	return &Watcher{
		instance:      instance,
		loggedCallIDs: make(map[string]struct{}),
		log:           log,
	}
}

// SetTranscriptPath switches the tailed file, resetting the read position
// when the path changes.
func (w *Watcher) SetTranscriptPath(path string) {
	if w.transcriptPath != path {
		w.transcriptPath = path
		w.filePos = 0
	}
}

// Sync parses entries appended since the last call, logging tool calls and
// prompts into the store. Returns the number of file edits logged.
func (w *Watcher) Sync(st *store.Store) int {
	if w.transcriptPath == "" {
		return 0
	}

	info, err := os.Stat(w.transcriptPath)
	if err != nil {
		return 0
	}
	// Truncated or replaced file: start over.
	if info.Size() < w.filePos {
		w.filePos = 0
	}

	f, err := os.Open(w.transcriptPath)
	if err != nil {
		return 0
	}
	defer f.Close()

	if _, err := f.Seek(w.filePos, io.SeekStart); err != nil {
		return 0
	}

	edits := 0
	reader := bufio.NewReader(f)
	pos := w.filePos
	for {
		line, err := reader.ReadString('\n')
		if line != "" && err == nil {
			pos += int64(len(line))
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				var entry map[string]json.RawMessage
				if json.Unmarshal([]byte(trimmed), &entry) == nil {
					edits += w.processEntry(entry, st)
				}
			}
		}
		if err != nil {
			// Leave a partial trailing line for the next sync.
			break
		}
	}
	w.filePos = pos

	return edits
}

func rawString(m map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := m[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// processEntry handles one transcript line. Returns the number of file
// edits logged.
func (w *Watcher) processEntry(entry map[string]json.RawMessage, st *store.Store) int {
	if rawString(entry, "type") != "response_item" {
		return 0
	}

	var payload map[string]json.RawMessage
	if raw, ok := entry["payload"]; !ok || json.Unmarshal(raw, &payload) != nil {
		return 0
	}

	payloadType := rawString(payload, "type")
	timestamp := rawString(entry, "timestamp")

	// User messages: log active:prompt unless hcom-injected.
	if payloadType == "message" && rawString(payload, "role") == "user" {
		if !strings.HasPrefix(extractMessageText(payload), "[hcom]") {
			w.logUserPrompt(timestamp, st)
		}
		return 0
	}

	if payloadType != "function_call" && payloadType != "custom_tool_call" {
		return 0
	}

	toolName := rawString(payload, "name")
	callID := rawString(payload, "call_id")

	if callID != "" {
		if _, seen := w.loggedCallIDs[callID]; seen {
			return 0
		}
	}

	edits := 0
	switch toolName {
	case "apply_patch":
		input := rawString(payload, "input")
		if input == "" {
			input = rawString(payload, "arguments")
		}
		for _, m := range applyPatchRe.FindAllStringSubmatch(input, -1) {
			w.logFileEdit(strings.TrimSpace(m[1]), timestamp, st)
			edits++
		}
	case "shell", "shell_command", "exec_command":
		args := rawString(payload, "arguments")
		if args == "" {
			args = rawString(payload, "input")
		}
		if cmd := extractShellCommand(args); cmd != "" {
			w.logShellCommand(cmd, timestamp, st)
		}
	}

	if callID != "" {
		if len(w.loggedCallIDs) > maxDedupEntries {
			w.loggedCallIDs = make(map[string]struct{})
		}
		w.loggedCallIDs[callID] = struct{}{}
	}

	return edits
}

// extractMessageText joins the text parts of a user message payload.
func extractMessageText(payload map[string]json.RawMessage) string {
	raw, ok := payload["content"]
	if !ok {
		return ""
	}

	var parts []json.RawMessage
	if json.Unmarshal(raw, &parts) != nil {
		return ""
	}

	var sb strings.Builder
	for _, part := range parts {
		var obj map[string]json.RawMessage
		if json.Unmarshal(part, &obj) == nil {
			if t := rawString(obj, "text"); t != "" {
				sb.WriteString(t)
				continue
			}
		}
		var s string
		if json.Unmarshal(part, &s) == nil {
			sb.WriteString(s)
		}
	}
	return strings.TrimSpace(sb.String())
}

// extractShellCommand recovers the command line from shell tool arguments.
// The command value may be ["bash", "-lc", "cmd"], an arbitrary string
// array (space-joined), or a plain string; the fallback is the raw
// arguments truncated to 500 characters.
func extractShellCommand(argsStr string) string {
	var args map[string]json.RawMessage
	if json.Unmarshal([]byte(argsStr), &args) == nil {
		raw, ok := args["command"]
		if !ok {
			raw, ok = args["cmd"]
		}
		if ok {
			var arr []string
			if json.Unmarshal(raw, &arr) == nil {
				if len(arr) >= 3 && arr[0] == "bash" && arr[1] == "-lc" {
					return arr[2]
				}
				return strings.Join(arr, " ")
			}
			var s string
			if json.Unmarshal(raw, &s) == nil {
				return s
			}
		}
	}

	runes := []rune(argsStr)
	if len(runes) > maxShellFallback {
		runes = runes[:maxShellFallback]
	}
	return string(runes)
}

func (w *Watcher) logActivity(st *store.Store, context, detail, timestamp string) {
	if err := st.LogStatusEvent(w.instance, "active", context, detail, timestamp); err != nil {
		logging.Sub(w.log, "transcript", "log_event.fail").
			Errorf("Failed to log %s event: %v", context, err)
	}
	if timestamp != "" {
		_ = st.UpdateStatusIfNewer(w.instance, "active", context, detail, timestamp)
	}
}

func (w *Watcher) logFileEdit(filepath, timestamp string, st *store.Store) {
	w.logActivity(st, "tool:apply_patch", filepath, timestamp)
}

func (w *Watcher) logShellCommand(command, timestamp string, st *store.Store) {
	w.logActivity(st, "tool:shell", command, timestamp)
}

func (w *Watcher) logUserPrompt(timestamp string, st *store.Store) {
	w.logActivity(st, "prompt", "", timestamp)
}

// Run polls the transcript until running clears. The poll interval is
// sliced into 500ms sleeps so shutdown is prompt.
func Run(running *atomic.Bool, instance string, pollInterval time.Duration, st *store.Store, log *logrus.Entry) {
	logging.Sub(log, "transcript", "watcher.start").
		Infof("Starting transcript watcher for %s", instance)

	w := NewWatcher(instance, log)

	for running.Load() {
		path, found, err := st.GetTranscriptPath(instance)
		if err != nil {
			logging.Sub(log, "transcript", "watcher.path_fail").
				Errorf("DB error getting transcript path: %v", err)
		} else if found {
			w.SetTranscriptPath(path)
		}

		if edits := w.Sync(st); edits > 0 {
			logging.Sub(log, "transcript", "watcher.sync").
				Infof("Logged %d file edits for %s", edits, instance)
		}

		remaining := pollInterval
		for running.Load() && remaining > 0 {
			slice := remaining
			if slice > 500*time.Millisecond {
				slice = 500 * time.Millisecond
			}
			time.Sleep(slice)
			remaining -= slice
		}
	}

	logging.Sub(log, "transcript", "watcher.stop").
		Infof("Transcript watcher stopped for %s", instance)
}
