package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hcom-sh/hcom-native/internal/tool"
)

const cooldown = 500 * time.Millisecond

// safeScreen returns a screen state where every gate condition passes.
func safeScreen() ScreenState {
	empty := ""
	return ScreenState{
		Ready:          true,
		Approval:       false,
		OutputStable1s: true,
		PromptEmpty:    true,
		InputText:      &empty,
		LastUserInput:  time.Now().Add(-10 * time.Second),
		LastOutput:     time.Now().Add(-10 * time.Second),
		Cols:           80,
	}
}

func TestGateAllConditionsPass(t *testing.T) {
	safe, reason := evaluateGate(ConfigFor(tool.Claude), safeScreen(), cooldown, true)
	assert.True(t, safe)
	assert.Equal(t, ReasonOK, reason)
	assert.Equal(t, "ok", reason.String())
}

func TestGateBlocksWhenNotIdle(t *testing.T) {
	safe, reason := evaluateGate(ConfigFor(tool.Claude), safeScreen(), cooldown, false)
	assert.False(t, safe)
	assert.Equal(t, ReasonNotIdle, reason)
	assert.Equal(t, "not_idle", reason.String())
}

func TestGateBlocksOnApproval(t *testing.T) {
	st := safeScreen()
	st.Approval = true
	safe, reason := evaluateGate(ConfigFor(tool.Claude), st, cooldown, true)
	assert.False(t, safe)
	assert.Equal(t, ReasonApproval, reason)
}

func TestGateBlocksOnUserActivity(t *testing.T) {
	// S2: keystroke 50ms ago with a 500ms cooldown.
	st := safeScreen()
	st.LastUserInput = time.Now().Add(-50 * time.Millisecond)
	safe, reason := evaluateGate(ConfigFor(tool.Claude), st, cooldown, true)
	assert.False(t, safe)
	assert.Equal(t, "user_active", reason.String())
	assert.Equal(t, "user is typing", reason.Detail())
}

func TestGateBlocksWhenNotReadyForGemini(t *testing.T) {
	st := safeScreen()
	st.Ready = false
	safe, reason := evaluateGate(ConfigFor(tool.Gemini), st, cooldown, true)
	assert.False(t, safe)
	assert.Equal(t, ReasonNotReady, reason)
}

func TestGateClaudeSkipsReadyCheck(t *testing.T) {
	st := safeScreen()
	st.Ready = false
	safe, _ := evaluateGate(ConfigFor(tool.Claude), st, cooldown, true)
	assert.True(t, safe)
}

func TestGateBlocksOnPromptTextForClaude(t *testing.T) {
	st := safeScreen()
	st.PromptEmpty = false
	safe, reason := evaluateGate(ConfigFor(tool.Claude), st, cooldown, true)
	assert.False(t, safe)
	assert.Equal(t, ReasonPromptHasText, reason)
	assert.Equal(t, "prompt_has_text", reason.String())
}

func TestGateGeminiSkipsPromptEmptyCheck(t *testing.T) {
	st := safeScreen()
	st.PromptEmpty = false
	safe, _ := evaluateGate(ConfigFor(tool.Gemini), st, cooldown, true)
	assert.True(t, safe)
}

func TestGateOutputUnstableOnlyWhenConfigured(t *testing.T) {
	st := safeScreen()
	st.OutputStable1s = false
	safe, _ := evaluateGate(ConfigFor(tool.Claude), st, cooldown, true)
	assert.True(t, safe, "stability check disabled by default")

	strict := ConfigFor(tool.Claude)
	strict.RequireOutputStableSeconds = 1.0
	safe, reason := evaluateGate(strict, st, cooldown, true)
	assert.False(t, safe)
	assert.Equal(t, ReasonOutputUnstable, reason)
}

func TestGateShortCircuitOrder(t *testing.T) {
	// Multiple failures: the first per the fixed order wins.
	st := safeScreen()
	st.Approval = true
	st.Ready = false
	safe, reason := evaluateGate(ConfigFor(tool.Gemini), st, cooldown, false)
	assert.False(t, safe)
	assert.Equal(t, ReasonNotIdle, reason)

	// Idle now: approval outranks not_ready.
	safe, reason = evaluateGate(ConfigFor(tool.Gemini), st, cooldown, true)
	assert.False(t, safe)
	assert.Equal(t, ReasonApproval, reason)
}

func TestToolConfigPresets(t *testing.T) {
	claude := ConfigFor(tool.Claude)
	gemini := ConfigFor(tool.Gemini)
	codex := ConfigFor(tool.Codex)

	assert.False(t, claude.RequireReadyPrompt)
	assert.True(t, claude.RequirePromptEmpty)

	assert.True(t, gemini.RequireReadyPrompt)
	assert.False(t, gemini.RequirePromptEmpty)

	assert.True(t, codex.RequireReadyPrompt)
	assert.False(t, codex.RequirePromptEmpty)

	for _, cfg := range []ToolConfig{claude, gemini, codex} {
		assert.True(t, cfg.RequireIdle)
		assert.True(t, cfg.BlockOnUserActivity)
		assert.True(t, cfg.BlockOnApproval)
		assert.Zero(t, cfg.RequireOutputStableSeconds)
	}
}

func TestStatusIcons(t *testing.T) {
	assert.Equal(t, "◉", StatusIcon("listening"))
	assert.Equal(t, "▶", StatusIcon("active"))
	assert.Equal(t, "■", StatusIcon("blocked"))
	assert.Equal(t, "⊘", StatusIcon("stopped"))
	assert.Equal(t, "○", StatusIcon("whatever"))
}

func TestReasonDetails(t *testing.T) {
	assert.Equal(t, "waiting for idle status", ReasonNotIdle.Detail())
	assert.Equal(t, "waiting for user approval", ReasonApproval.Detail())
}
