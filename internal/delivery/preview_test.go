package delivery

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hcom-sh/hcom-native/internal/store"
)

func TestPreviewEmptyBatch(t *testing.T) {
	assert.Equal(t, "<hcom></hcom>", buildPreview(nil, "alpha"))
}

func TestPreviewSingleMessageFullEnvelope(t *testing.T) {
	msgs := []store.Message{{From: "beta", Intent: "review", Thread: "t1", EventID: 7}}
	assert.Equal(t, "<hcom>[review:t1 #7] beta → alpha</hcom>", buildPreview(msgs, "alpha"))
}

func TestPreviewEnvelopeFallbacks(t *testing.T) {
	assert.Equal(t, "<hcom>[review #7] b → a</hcom>",
		buildPreview([]store.Message{{From: "b", Intent: "review", EventID: 7}}, "a"))
	assert.Equal(t, "<hcom>[thread:t1 #7] b → a</hcom>",
		buildPreview([]store.Message{{From: "b", Thread: "t1", EventID: 7}}, "a"))
	assert.Equal(t, "<hcom>[new message #7] b → a</hcom>",
		buildPreview([]store.Message{{From: "b", EventID: 7}}, "a"))
}

func TestPreviewBatchCount(t *testing.T) {
	msgs := []store.Message{
		{From: "b", EventID: 7},
		{From: "c", EventID: 8},
		{From: "d", EventID: 9},
	}
	got := buildPreview(msgs, "a")
	assert.Contains(t, got, "(+2)")
}

func TestPreviewTruncatesTo60(t *testing.T) {
	msgs := []store.Message{{
		From:    strings.Repeat("x", 50),
		Intent:  "very-long-intent-name",
		Thread:  "very-long-thread-name",
		EventID: 123456,
	}}
	got := buildPreview(msgs, "some-long-recipient-name")
	assert.LessOrEqual(t, len(got), 60)
	assert.True(t, strings.HasPrefix(got, "<hcom>"))
	assert.True(t, strings.HasSuffix(got, "</hcom>"))
	assert.Contains(t, got, "...")
}

func TestCodexHint(t *testing.T) {
	assert.Equal(t, "<hcom>[x #1] b → a</hcom> | Run: hcom listen",
		buildCodexHint("<hcom>[x #1] b → a</hcom>"))
}

func TestFitToInputBox(t *testing.T) {
	long := strings.Repeat("x", 40)

	// 80 cols leaves 65 usable: fits.
	assert.Equal(t, long, fitToInputBox(long, 80))

	// 40 cols leaves 25 usable: contract to the minimal trigger.
	assert.Equal(t, minimalTrigger, fitToInputBox(long, 40))

	// Width clamps at 10 even for absurdly narrow terminals.
	assert.Equal(t, "123456789", fitToInputBox("123456789", 5))
	assert.Equal(t, minimalTrigger, fitToInputBox("12345678901", 5))
}
