// Package screen tracks the wrapped tool's terminal output with an
// in-process VT emulator and exposes the predicates the delivery gate needs:
//
//   - IsReady: ready pattern visible on screen
//   - IsWaitingApproval: OSC9 approval notification detected
//   - IsOutputStable: screen unchanged for N milliseconds
//   - IsPromptEmpty / InputBoxText: tool-specific input box extraction
//
// The tracker is owned by the PTY loop; the delivery goroutine reads a
// snapshot published after every refresh, never the tracker itself.
package screen

import (
	"bytes"
	"strings"
	"time"
	"unicode"

	"github.com/vito/vt100"

	"github.com/hcom-sh/hcom-native/internal/tool"
)

// OSC9 approval notifications. Codex emits these when user approval is
// needed; detection happens on the raw byte stream (before VT parsing
// strips them) so status can flip to blocked immediately.
var (
	osc9Approval = []byte("\x1b]9;Approval requested")
	osc9Edit     = []byte("\x1b]9;Codex wants to edit")
)

// windowSize is the rolling raw-output window scanned for OSC9 sequences.
const windowSize = 4096

// Tracker feeds PTY output into a VT emulator and answers gate predicates.
type Tracker struct {
	vt           *vt100.VT100
	readyPattern string
	tl           tool.Tool
	toolKnown    bool

	waitingApproval bool
	lastOutput      time.Time
	lastChange      time.Time
	window          []byte

	debug *Debug
}

// NewTracker creates a tracker sized to the terminal. An empty readyPattern
// disables ready gating (IsReady always true). toolKnown is false when
// wrapping an arbitrary command; input extraction then always reports
// "prompt not found".
func NewTracker(rows, cols int, readyPattern []byte, tl tool.Tool, toolKnown bool, debug *Debug) *Tracker {
	t := &Tracker{
		vt:           vt100.NewVT100(rows, cols),
		readyPattern: string(readyPattern),
		tl:           tl,
		toolKnown:    toolKnown,
		lastOutput:   time.Now(),
		lastChange:   time.Now(),
		window:       make([]byte, 0, windowSize),
		debug:        debug,
	}
	if debug != nil {
		debug.logf("PTY debug log started\nReady pattern: %q\nWill dump screen state every 5 seconds", string(readyPattern))
	}
	return t
}

// Process consumes a chunk of raw PTY output.
func (t *Tracker) Process(data []byte) {
	t.window = append(t.window, data...)
	if len(t.window) > windowSize {
		t.window = t.window[len(t.window)-windowSize:]
	}

	if bytes.Contains(t.window, osc9Approval) || bytes.Contains(t.window, osc9Edit) {
		t.waitingApproval = true
	}

	t.vt.Write(data)

	t.lastOutput = time.Now()
	t.lastChange = time.Now()
}

// Resize adjusts the emulated screen to the real terminal size.
func (t *Tracker) Resize(rows, cols int) {
	t.vt.Resize(rows, cols)
}

// Cols returns the emulated screen width.
func (t *Tracker) Cols() int {
	return t.vt.Width
}

// ClearApproval resets the approval latch. Called on every user keystroke -
// the user acting on the prompt is what clears it.
func (t *Tracker) ClearApproval() {
	t.waitingApproval = false
}

// IsWaitingApproval reports whether an OSC9 approval request is pending.
func (t *Tracker) IsWaitingApproval() bool {
	return t.waitingApproval
}

// IsReady reports whether the ready pattern is visible on some row. The
// pattern disappears when the user has uncommitted input, a submenu is
// open, or (for Claude) accept-edits mode hides the status bar. Always true
// when no pattern is configured.
func (t *Tracker) IsReady() bool {
	if t.readyPattern == "" {
		return true
	}
	for row := 0; row < t.vt.Height; row++ {
		if strings.Contains(t.rowString(row), t.readyPattern) {
			return true
		}
	}
	return false
}

// IsOutputStable reports whether the screen has been unchanged for at least
// ms milliseconds. ms == 0 disables the check (always stable).
func (t *Tracker) IsOutputStable(ms int64) bool {
	if ms == 0 {
		return true
	}
	return time.Since(t.lastChange).Milliseconds() >= ms
}

// LastOutput returns the time of the last PTY output.
func (t *Tracker) LastOutput() time.Time {
	return t.lastOutput
}

// IsPromptEmpty reports whether the tool's input box holds no user text.
// An unlocatable prompt reads as not empty - the gate treats it as unsafe.
func (t *Tracker) IsPromptEmpty() bool {
	text, ok := t.InputBoxText()
	return ok && text == ""
}

// InputBoxText extracts the text currently in the tool's input box.
// ok is false when the prompt cannot be located at all.
func (t *Tracker) InputBoxText() (string, bool) {
	if !t.toolKnown {
		return "", false
	}
	switch t.tl {
	case tool.Claude:
		return t.claudeInputText()
	case tool.Gemini:
		return t.geminiInputText()
	case tool.Codex:
		return t.codexInputText()
	default:
		return "", false
	}
}

// rowString renders one screen row as a string.
func (t *Tracker) rowString(row int) string {
	if row < 0 || row >= len(t.vt.Content) {
		return ""
	}
	return string(t.vt.Content[row])
}

// lines renders the whole screen.
func (t *Tracker) lines() []string {
	out := make([]string, t.vt.Height)
	for row := 0; row < t.vt.Height; row++ {
		out[row] = t.rowString(row)
	}
	return out
}

// trimPrompt trims whitespace including NBSP (U+00A0), which Claude renders
// after the prompt glyph.
func trimPrompt(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == '\u00a0'
	})
}

// isDashBorder reports whether a line is a Gemini dash border: at least 20
// cells of nothing but box-drawing dashes.
func isDashBorder(line string) bool {
	trimmed := strings.TrimSpace(line)
	if len([]rune(trimmed)) < 20 {
		return false
	}
	for _, r := range trimmed {
		if r != '─' {
			return false
		}
	}
	return true
}

// dimMajority applies the placeholder heuristic on one row: scan cells from
// startCol, count dim vs non-dim among visible characters. Placeholder text
// is rendered dim; user input is not. Returns true when the text is real
// user input (non-dim cells present and in the majority).
func (t *Tracker) dimMajority(row, startCol int) bool {
	if row < 0 || row >= len(t.vt.Content) {
		return false
	}
	dimCount, nonDimCount := 0, 0
	for col := startCol; col < t.vt.Width && col < len(t.vt.Content[row]); col++ {
		r := t.vt.Content[row][col]
		if r == 0 || unicode.IsSpace(r) || r == '\u00a0' {
			continue
		}
		if t.vt.Format[row][col].Intensity == vt100.Faint {
			dimCount++
		} else {
			nonDimCount++
		}
	}
	return nonDimCount > 0 && nonDimCount > dimCount
}

// runeColumn finds the screen column of the first occurrence of r on row.
func (t *Tracker) runeColumn(row int, r rune) (int, bool) {
	if row < 0 || row >= len(t.vt.Content) {
		return 0, false
	}
	for col, c := range t.vt.Content[row] {
		if c == r {
			return col, true
		}
	}
	return 0, false
}

// claudeInputText extracts the Claude input box.
//
// Layout: a row starting with ❯ flanked above and below by ─ border rows.
// The dim attribute distinguishes placeholder text (dim) from user input
// (not dim); a pure text heuristic cannot.
func (t *Tracker) claudeInputText() (string, bool) {
	lines := t.lines()
	for row, line := range lines {
		trimmed := strings.TrimLeft(line, " \t")
		if !strings.HasPrefix(trimmed, "❯") {
			continue
		}
		if row == 0 || !strings.Contains(lines[row-1], "─") {
			continue
		}
		if row+1 >= len(lines) || !strings.Contains(lines[row+1], "─") {
			continue
		}

		idx := strings.IndexRune(line, '❯')
		if idx < 0 {
			continue
		}
		text := trimPrompt(line[idx+len("❯"):])
		if text == "" {
			return "", true
		}

		promptCol, _ := t.runeColumn(row, '❯')
		if t.dimMajority(row, promptCol+2) {
			return text, true
		}
		return "", true
	}
	return "", false
}

// geminiInputText extracts the Gemini input box.
//
// Three box formats are supported: the old ╭ corner with │ > prompt, the
// 2025+ ▀ top border with a " > " prompt line, and the dash-border variant.
// Wrapped input spans continuation rows down to the bottom border; they are
// joined with spaces. The ready pattern ("Type your message" placeholder)
// being visible means the prompt is empty. A border that fills the whole
// width wraps the emulator's cursor onto the next row, so one blank row
// between the ▀/dash border and the prompt line is skipped.
func (t *Tracker) geminiInputText() (string, bool) {
	lines := t.lines()

	for row := len(lines) - 2; row >= 0; row-- {
		line := lines[row]

		if strings.ContainsRune(line, '▀') || isDashBorder(line) {
			promptRow := row + 1
			if strings.TrimSpace(lines[promptRow]) == "" && promptRow+1 < len(lines) {
				promptRow++
			}
			next := lines[promptRow]
			if start := strings.Index(next, " > "); start >= 0 {
				first := strings.TrimSpace(next[start+len(" > "):])
				if first == "" || t.IsReady() {
					return "", true
				}
				var sb strings.Builder
				sb.WriteString(first)
				for k := promptRow + 1; k < len(lines); k++ {
					cont := lines[k]
					if strings.ContainsRune(cont, '▄') || isDashBorder(cont) {
						break
					}
					if trimmed := strings.TrimSpace(cont); trimmed != "" {
						sb.WriteByte(' ')
						sb.WriteString(trimmed)
					}
				}
				return sb.String(), true
			}
		}

		if strings.ContainsRune(line, '╭') {
			next := lines[row+1]
			if start := strings.Index(next, "│ >"); start >= 0 {
				after := next[start+len("│ >"):]
				if end := strings.Index(after, "│"); end >= 0 {
					text := strings.TrimSpace(after[:end])
					if text == "" || t.IsReady() {
						return "", true
					}
					return text, true
				}
			}
		}
	}

	if t.IsReady() {
		return "", true
	}
	return "", false
}

// codexInputText extracts the Codex input box.
//
// Codex uses › as its prompt character with the same dim-placeholder
// convention as Claude. When the prompt glyph cannot be located by column,
// fall back to the ready-pattern heuristic.
func (t *Tracker) codexInputText() (string, bool) {
	lines := t.lines()

	for row := len(lines) - 1; row >= 0; row-- {
		trimmed := strings.TrimLeft(lines[row], " \t")
		after, found := strings.CutPrefix(trimmed, "› ")
		if !found {
			continue
		}
		text := trimPrompt(after)
		if text == "" {
			return "", true
		}

		promptCol, ok := t.runeColumn(row, '›')
		if !ok {
			if t.IsReady() {
				return "", true
			}
			return text, true
		}

		if t.dimMajority(row, promptCol+2) {
			return text, true
		}
		return "", true
	}

	if t.IsReady() {
		return "", true
	}
	return "", false
}
