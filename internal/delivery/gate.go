package delivery

import (
	"time"

	"github.com/hcom-sh/hcom-native/internal/tool"
)

// Reason identifies why the gate blocked (or that it passed). The String
// values are stable wire names used in logs and tui: status contexts.
type Reason int

const (
	ReasonOK Reason = iota
	ReasonNotIdle
	ReasonApproval
	ReasonUserActive
	ReasonNotReady
	ReasonPromptHasText
	ReasonOutputUnstable
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "ok"
	case ReasonNotIdle:
		return "not_idle"
	case ReasonApproval:
		return "approval"
	case ReasonUserActive:
		return "user_active"
	case ReasonNotReady:
		return "not_ready"
	case ReasonPromptHasText:
		return "prompt_has_text"
	case ReasonOutputUnstable:
		return "output_unstable"
	default:
		return "blocked"
	}
}

// Detail returns the human-readable description shown in the TUI while the
// gate stays blocked.
func (r Reason) Detail() string {
	switch r {
	case ReasonNotIdle:
		return "waiting for idle status"
	case ReasonUserActive:
		return "user is typing"
	case ReasonNotReady:
		return "prompt not visible"
	case ReasonOutputUnstable:
		return "output still streaming"
	case ReasonPromptHasText:
		return "uncommitted text in prompt"
	case ReasonApproval:
		return "waiting for user approval"
	default:
		return "blocked"
	}
}

// StatusIcon maps an instance status to the glyph rendered into the
// terminal title.
func StatusIcon(status string) string {
	switch status {
	case "listening":
		return "◉"
	case "active":
		return "▶"
	case "blocked":
		return "■"
	case "stopped":
		return "⊘"
	default:
		return "○"
	}
}

// ToolConfig parameterizes the gate per tool.
//
// The gate answers one question: if we inject a single line plus Enter
// right now, will it land as a fresh user turn without clobbering an
// approval prompt, a running command, or the user's typing?
//
// Status semantics around it:
//   - "blocked": permission prompt showing (hooks, or OSC9 via the PTY)
//   - "active": agent processing; messages not delivering is normal
//   - "listening": agent idle; gate contexts may be surfaced to the TUI
type ToolConfig struct {
	// Tool this configuration is for.
	Tool tool.Tool

	// RequireIdle requires store status == "listening" before inject.
	RequireIdle bool

	// RequireReadyPrompt requires the ready pattern visible on screen.
	RequireReadyPrompt bool

	// RequirePromptEmpty requires the input box to hold no user text.
	RequirePromptEmpty bool

	// RequireOutputStableSeconds requires the screen unchanged for this
	// many seconds; 0 disables the check.
	RequireOutputStableSeconds float64

	// BlockOnUserActivity blocks while keystrokes are within the cooldown.
	BlockOnUserActivity bool

	// BlockOnApproval blocks while an approval prompt is detected.
	BlockOnApproval bool
}

// ConfigFor returns the gate preset for a tool. The presets match observed
// tool UX:
//
//   - Claude: ready pattern hides in accept-edits mode, so the ready check
//     is off; prompt-empty uses the dim-attribute heuristic instead.
//   - Gemini: the "Type your message" placeholder disappears the instant
//     the user types, so pattern visibility doubles as prompt-empty.
//   - Codex: same shape as Gemini; status lags ~5s behind the transcript
//     watcher but is reliable.
//
// Output stability is disabled everywhere: hooks already signal idle.
func ConfigFor(t tool.Tool) ToolConfig {
	switch t {
	case tool.Gemini:
		return ToolConfig{
			Tool:                t,
			RequireIdle:         true,
			RequireReadyPrompt:  true,
			BlockOnUserActivity: true,
			BlockOnApproval:     true,
		}
	case tool.Codex:
		return ToolConfig{
			Tool:                t,
			RequireIdle:         true,
			RequireReadyPrompt:  true,
			BlockOnUserActivity: true,
			BlockOnApproval:     true,
		}
	default:
		return ToolConfig{
			Tool:                tool.Claude,
			RequireIdle:         true,
			RequirePromptEmpty:  true,
			BlockOnUserActivity: true,
			BlockOnApproval:     true,
		}
	}
}

// evaluateGate runs the short-circuit AND over the gate conditions in their
// fixed order, returning the reason of the first failure.
//
// Idle is checked first: a busy agent is normal, not alarming, and later
// reasons would mislead. The loop separately inspects screen approval for
// status reporting, so OSC9 still surfaces while the gate says not_idle.
func evaluateGate(cfg ToolConfig, st ScreenState, cooldown time.Duration, isIdle bool) (bool, Reason) {
	if cfg.RequireIdle && !isIdle {
		return false, ReasonNotIdle
	}
	if cfg.BlockOnApproval && st.Approval {
		return false, ReasonApproval
	}
	if cfg.BlockOnUserActivity && time.Since(st.LastUserInput) < cooldown {
		return false, ReasonUserActive
	}
	if cfg.RequireReadyPrompt && !st.Ready {
		return false, ReasonNotReady
	}
	if cfg.RequirePromptEmpty && !st.PromptEmpty {
		return false, ReasonPromptHasText
	}
	if cfg.RequireOutputStableSeconds > 0 && !st.OutputStable1s {
		return false, ReasonOutputUnstable
	}
	return true, ReasonOK
}
