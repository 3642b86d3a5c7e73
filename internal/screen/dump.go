package screen

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vito/vt100"

	"github.com/hcom-sh/hcom-native/internal/config"
	"github.com/hcom-sh/hcom-native/internal/tool"
)

// Debug writes human-readable screen dumps to
// <base>/.tmp/logs/pty_debug/{name}_{pid}.log. Enabled by HCOM_PTY_DEBUG=1
// or by creating the runtime flag file; the flag file is polled every 5
// seconds so dumps can be toggled on a live wrapper.
type Debug struct {
	cfg      *config.Config
	instance string

	enabled       bool
	file          *os.File
	counter       int
	lastDump      time.Time
	lastFlagCheck time.Time
}

// NewDebug creates the debug sink for an instance. Returns nil when the
// wrapper has no config (tests).
func NewDebug(cfg *config.Config, instance string) *Debug {
	if cfg == nil {
		return nil
	}
	d := &Debug{
		cfg:           cfg,
		instance:      instance,
		lastDump:      time.Now(),
		lastFlagCheck: time.Now(),
	}
	if cfg.PTYDebug || flagFileExists(cfg) {
		d.enabled = true
		d.file = openDebugFile(cfg, instance)
	}
	return d
}

func flagFileExists(cfg *config.Config) bool {
	_, err := os.Stat(cfg.DebugFlagPath())
	return err == nil
}

func openDebugFile(cfg *config.Config, instance string) *os.File {
	if err := os.MkdirAll(cfg.DebugLogDir(), 0o755); err != nil {
		return nil
	}
	name := instance
	if name == "" {
		name = "unknown"
	}
	path := filepath.Join(cfg.DebugLogDir(), fmt.Sprintf("%s_%d.log", name, os.Getpid()))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil
	}
	return f
}

func (d *Debug) logf(format string, args ...any) {
	if d == nil || d.file == nil {
		return
	}
	fmt.Fprintf(d.file, format+"\n", args...)
	d.file.Sync()
}

// Enabled reports whether dumps are active.
func (d *Debug) Enabled() bool {
	return d != nil && d.enabled
}

// CheckFlag polls the runtime flag file (at most every 5s) and toggles
// debug dumping. The env flag keeps debug on regardless of the file.
func (d *Debug) CheckFlag() {
	if d == nil || time.Since(d.lastFlagCheck) < 5*time.Second {
		return
	}
	d.lastFlagCheck = time.Now()

	flagOn := flagFileExists(d.cfg)
	switch {
	case flagOn && !d.enabled:
		d.enabled = true
		d.file = openDebugFile(d.cfg, d.instance)
		d.logf("PTY debug toggled ON at runtime via flag file")
	case !flagOn && d.enabled && !d.cfg.PTYDebug:
		d.logf("PTY debug toggled OFF at runtime (flag file removed)")
		d.enabled = false
		if d.file != nil {
			d.file.Close()
			d.file = nil
		}
	}
}

// DebugEnabled reports whether the tracker's debug sink is active.
func (t *Tracker) DebugEnabled() bool {
	return t.debug.Enabled()
}

// CheckDebugFlag polls the runtime toggle.
func (t *Tracker) CheckDebugFlag() {
	t.debug.CheckFlag()
}

// CheckPeriodicDump writes a dump if 5 seconds have passed since the last.
func (t *Tracker) CheckPeriodicDump(injectPort int, label string) bool {
	if !t.debug.Enabled() {
		return false
	}
	if time.Since(t.debug.lastDump) < 5*time.Second {
		return false
	}
	t.DumpScreen(injectPort, label)
	t.debug.lastDump = time.Now()
	return true
}

// DumpScreen writes the current screen state and predicate values to the
// debug log, with per-cell dim markers on prompt rows so the placeholder
// heuristic can be verified against a live terminal.
func (t *Tracker) DumpScreen(injectPort int, label string) {
	if !t.debug.Enabled() {
		return
	}
	t.debug.counter++

	var sb strings.Builder
	fmt.Fprintf(&sb, "\n=== SCREEN DUMP %d: %s ===\n", t.debug.counter, label)
	fmt.Fprintf(&sb, "Tool: %s\n", t.tl)
	fmt.Fprintf(&sb, "Ready pattern: %q\n", t.readyPattern)
	fmt.Fprintf(&sb, "Inject port: %d\n", injectPort)
	fmt.Fprintf(&sb, "Screen size: %dx%d\n", t.vt.Height, t.vt.Width)
	fmt.Fprintf(&sb, "Cursor: (%d, %d)\n", t.vt.Cursor.Y, t.vt.Cursor.X)
	fmt.Fprintf(&sb, "Waiting approval: %v\n", t.waitingApproval)
	fmt.Fprintf(&sb, "Last output: %dms ago\n", time.Since(t.lastOutput).Milliseconds())

	promptRune := t.promptRune()

	sb.WriteString("Screen content (non-empty lines):\n")
	for i, line := range t.lines() {
		trimmed := strings.TrimRight(line, " \t")
		if trimmed == "" {
			continue
		}
		fmt.Fprintf(&sb, "  %3d: %s\n", i, trimmed)
		if promptRune != 0 && strings.ContainsRune(trimmed, promptRune) {
			t.dumpCellAttrs(&sb, i, promptRune)
		}
	}

	fmt.Fprintf(&sb, "IsReady(): %v\n", t.IsReady())
	fmt.Fprintf(&sb, "IsOutputStable(1000): %v\n", t.IsOutputStable(1000))
	fmt.Fprintf(&sb, "IsPromptEmpty(): %v\n", t.IsPromptEmpty())
	if text, ok := t.InputBoxText(); ok {
		fmt.Fprintf(&sb, "InputBoxText: %q\n", text)
	} else {
		sb.WriteString("InputBoxText: not found\n")
	}

	t.debug.logf("%s", sb.String())
}

func (t *Tracker) promptRune() rune {
	if !t.toolKnown {
		return 0
	}
	switch t.tl {
	case tool.Claude:
		return '❯'
	case tool.Codex:
		return '›'
	case tool.Gemini:
		return '>'
	default:
		return 0
	}
}

// dumpCellAttrs annotates a prompt row with D/- dim markers per cell.
func (t *Tracker) dumpCellAttrs(sb *strings.Builder, row int, promptRune rune) {
	fmt.Fprintf(sb, "       Cell attrs: [%c] ", promptRune)
	found := false
	for col := 0; col < t.vt.Width && col < len(t.vt.Content[row]); col++ {
		r := t.vt.Content[row][col]
		if r == promptRune && !found {
			found = true
			continue
		}
		if !found || r == 0 || strings.TrimSpace(string(r)) == "" {
			continue
		}
		marker := "-"
		if t.vt.Format[row][col].Intensity == vt100.Faint {
			marker = "D"
		}
		fmt.Fprintf(sb, "%c:%s ", r, marker)
	}
	sb.WriteByte('\n')
}

// screenJSON is the wire shape of the SCREEN query response.
type screenJSON struct {
	Lines       []string `json:"lines"`
	Size        [2]int   `json:"size"`
	Cursor      [2]int   `json:"cursor"`
	Ready       bool     `json:"ready"`
	PromptEmpty bool     `json:"prompt_empty"`
	InputText   *string  `json:"input_text"`
}

// ScreenJSON renders the screen state for the inject server's SCREEN query.
func (t *Tracker) ScreenJSON() string {
	lines := t.lines()
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}

	dump := screenJSON{
		Lines:       lines,
		Size:        [2]int{t.vt.Height, t.vt.Width},
		Cursor:      [2]int{t.vt.Cursor.Y, t.vt.Cursor.X},
		Ready:       t.IsReady(),
		PromptEmpty: t.IsPromptEmpty(),
	}
	if text, ok := t.InputBoxText(); ok {
		dump.InputText = &text
	}

	b, err := json.Marshal(dump)
	if err != nil {
		return "{}\n"
	}
	return string(b) + "\n"
}
