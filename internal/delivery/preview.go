package delivery

import (
	"fmt"

	"github.com/mattn/go-runewidth"

	"github.com/hcom-sh/hcom-native/internal/store"
)

// minimalTrigger is the bare inject text for tools whose hooks present the
// message themselves.
const minimalTrigger = "<hcom>"

// previewMax bounds the total inject text, wrapper included.
const previewMax = 60

// buildPreview renders the visible message preview injected for tools whose
// hooks give the human no context of their own:
//
//	<hcom>[intent:thread #id] sender → recipient (+N)</hcom>
//
// Envelope fallbacks: intent without thread stands alone, thread without
// intent becomes "thread:<t>", neither becomes "new message".
func buildPreview(msgs []store.Message, name string) string {
	if len(msgs) == 0 {
		return "<hcom></hcom>"
	}

	msg := msgs[0]
	var prefix string
	switch {
	case msg.Intent != "" && msg.Thread != "":
		prefix = msg.Intent + ":" + msg.Thread
	case msg.Intent != "":
		prefix = msg.Intent
	case msg.Thread != "":
		prefix = "thread:" + msg.Thread
	default:
		prefix = "new message"
	}
	envelope := fmt.Sprintf("[%s #%d]", prefix, msg.EventID)

	preview := fmt.Sprintf("%s %s → %s", envelope, msg.From, name)
	if len(msgs) > 1 {
		preview = fmt.Sprintf("%s (+%d)", preview, len(msgs)-1)
	}

	maxContent := previewMax - len("<hcom></hcom>")
	if runewidth.StringWidth(preview) > maxContent {
		preview = runewidth.Truncate(preview, maxContent, "...")
	}

	return "<hcom>" + preview + "</hcom>"
}

// buildCodexHint appends the recovery instruction used on Codex retries,
// prompting the agent to pull messages itself.
func buildCodexHint(preview string) string {
	return preview + " | Run: hcom listen"
}

// fitToInputBox contracts text to the minimal trigger when it would not fit
// in the visible input box. The usable width is estimated as cols minus the
// tool's chrome, never below 10.
func fitToInputBox(text string, cols int) string {
	width := cols - 15
	if width < 10 {
		width = 10
	}
	if len(text) > width {
		return minimalTrigger
	}
	return text
}
