package delivery

import (
	"database/sql"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/hcom-sh/hcom-native/internal/config"
	"github.com/hcom-sh/hcom-native/internal/store"
	"github.com/hcom-sh/hcom-native/internal/tool"
)

const testSchema = `
CREATE TABLE instances (
    name TEXT PRIMARY KEY,
    status TEXT,
    status_context TEXT,
    status_detail TEXT,
    last_event_id INTEGER DEFAULT 0,
    last_stop INTEGER,
    tcp_mode INTEGER DEFAULT 0,
    transcript_path TEXT,
    session_id TEXT,
    tool TEXT,
    directory TEXT,
    parent_name TEXT,
    tag TEXT,
    wait_timeout INTEGER,
    subagent_timeout INTEGER,
    hints TEXT,
    pid INTEGER,
    created_at TEXT,
    background INTEGER DEFAULT 0,
    agent_id TEXT,
    launch_args TEXT,
    origin_device_id TEXT,
    background_log_file TEXT,
    launch_context TEXT,
    status_time INTEGER DEFAULT 0
);
CREATE TABLE events (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp TEXT,
    type TEXT,
    instance TEXT,
    data TEXT
);
CREATE TABLE process_bindings (
    process_id TEXT PRIMARY KEY,
    instance_name TEXT
);
CREATE TABLE notify_endpoints (
    instance TEXT NOT NULL,
    kind TEXT NOT NULL,
    port INTEGER NOT NULL,
    updated_at REAL,
    PRIMARY KEY (instance, kind)
);
`

// harness pairs a Store with a raw handle on the same database file for
// schema setup and direct assertions.
type harness struct {
	*store.Store
	raw *sql.DB
}

func openTestStore(t *testing.T) *harness {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hcom.db")

	raw, err := sql.Open("sqlite", "file:"+path)
	require.NoError(t, err)
	_, err = raw.Exec(testSchema)
	require.NoError(t, err)

	s, err := store.Open(path, nil)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
		raw.Close()
	})
	return &harness{Store: s, raw: raw}
}

func (h *harness) exec(t *testing.T, stmt string, args ...any) {
	t.Helper()
	_, err := h.raw.Exec(stmt, args...)
	require.NoError(t, err)
}

func (h *harness) eventData(t *testing.T, eventType string) []string {
	t.Helper()
	rows, err := h.raw.Query("SELECT data FROM events WHERE type = ?", eventType)
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

func newDiscardLogger() *logrus.Entry {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(log)
}

func testLoop(t *testing.T, h *harness, processID, instance string) *Loop {
	t.Helper()
	return &Loop{
		Cfg:      &config.Config{ProcessID: processID, InstanceName: instance},
		Store:    h.Store,
		Env:      &Env{Screen: NewSharedScreen(), UserActivityCooldown: UserActivityCooldown},
		ToolCfg:  ConfigFor(tool.Claude),
		Running:  &atomic.Bool{},
		Killed:   &atomic.Bool{},
		Name:     NewSharedText(instance),
		Status:   NewSharedText("listening"),
		Instance: instance,
		Log:      newDiscardLogger(),
	}
}

// ---- shared state cells ----

func TestSharedScreenWholeSnapshotSwap(t *testing.T) {
	cell := NewSharedScreen()
	text := "hello"
	cell.Set(ScreenState{Ready: true, InputText: &text, Cols: 120})

	got := cell.Get()
	assert.True(t, got.Ready)
	require.NotNil(t, got.InputText)
	assert.Equal(t, "hello", *got.InputText)
	assert.Equal(t, 120, got.Cols)
}

func TestSharedScreenNoteUserInputClearsApproval(t *testing.T) {
	cell := NewSharedScreen()
	cell.Set(ScreenState{Approval: true})

	stamp := time.Now()
	cell.NoteUserInput(stamp)

	got := cell.Get()
	assert.False(t, got.Approval)
	assert.Equal(t, stamp, got.LastUserInput)
}

func TestSharedText(t *testing.T) {
	cell := NewSharedText("a")
	assert.Equal(t, "a", cell.Get())
	cell.Set("b")
	assert.Equal(t, "b", cell.Get())
}

// ---- cleanup / ownership handoff ----

func TestCleanupAsOwnerDeletesInstanceAndEmitsLifeEvent(t *testing.T) {
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'listening', '')")
	h.exec(t, "INSERT INTO process_bindings (process_id, instance_name) VALUES ('pid-1', 'alpha')")
	require.NoError(t, h.RegisterNotifyPort("alpha", 1234))

	l := testLoop(t, h, "pid-1", "alpha")
	l.cleanup("alpha")

	st, err := h.GetInstanceStatus("alpha")
	require.NoError(t, err)
	assert.Nil(t, st)

	_, found, err := h.GetProcessBinding("pid-1")
	require.NoError(t, err)
	assert.False(t, found)

	var endpoints int
	require.NoError(t, h.raw.QueryRow(
		"SELECT COUNT(*) FROM notify_endpoints WHERE instance = 'alpha'").Scan(&endpoints))
	assert.Zero(t, endpoints)

	events := h.eventData(t, "life")
	require.Len(t, events, 1)
	assert.Contains(t, events[0], `"action":"stopped"`)
	assert.Contains(t, events[0], `"reason":"closed"`)
}

func TestCleanupKilledContext(t *testing.T) {
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'listening', '')")
	h.exec(t, "INSERT INTO process_bindings (process_id, instance_name) VALUES ('pid-1', 'alpha')")

	l := testLoop(t, h, "pid-1", "alpha")
	l.Killed.Store(true)
	l.cleanup("alpha")

	events := h.eventData(t, "life")
	require.Len(t, events, 1)
	assert.Contains(t, events[0], `"reason":"killed"`)
}

func TestCleanupWithSuccessorSkipsInstanceTeardown(t *testing.T) {
	// S5: the binding now names a different instance. Only our own process
	// binding goes; the successor's instance row is untouched.
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'listening', '')")
	h.exec(t, "INSERT INTO process_bindings (process_id, instance_name) VALUES ('pid-1', 'alpha-successor')")

	l := testLoop(t, h, "pid-1", "alpha")
	l.cleanup("alpha")

	st, err := h.GetInstanceStatus("alpha")
	require.NoError(t, err)
	require.NotNil(t, st, "instance row must survive")
	assert.Equal(t, "listening", st.Status)

	assert.Empty(t, h.eventData(t, "life"), "no life event for a handed-off instance")

	_, found, err := h.GetProcessBinding("pid-1")
	require.NoError(t, err)
	assert.False(t, found, "own binding always removed")
}

func TestCleanupDeletedBindingSkipsTeardown(t *testing.T) {
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'listening', '')")

	l := testLoop(t, h, "pid-1", "alpha")
	l.cleanup("alpha")

	st, err := h.GetInstanceStatus("alpha")
	require.NoError(t, err)
	assert.NotNil(t, st, "missing binding means a successor took over")
}

// ---- blocked-status reporting ----

func TestReportApprovalSetsBlockedStatus(t *testing.T) {
	// S3: approval on screen flips status to blocked with pty:approval
	// regardless of the gate reason.
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'active', '')")

	l := testLoop(t, h, "", "alpha")
	screen := safeScreen()
	screen.Approval = true
	lastCtx := ""
	l.reportBlockedStatus("alpha", ReasonNotIdle, screen, time.Now(), &lastCtx)

	status, context, _, err := h.GetStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, "blocked", status)
	assert.Equal(t, "pty:approval", context)
}

func TestReportStabilityRecovery(t *testing.T) {
	// S4: status stuck active with a quiet screen for 10s recovers to
	// listening with pty:recovered.
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'active', '')")

	l := testLoop(t, h, "", "alpha")
	screen := safeScreen()
	screen.LastOutput = time.Now().Add(-11 * time.Second)
	lastCtx := ""
	recovered := l.reportBlockedStatus("alpha", ReasonNotIdle, screen, time.Now(), &lastCtx)

	assert.True(t, recovered)
	status, context, _, err := h.GetStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, "listening", status)
	assert.Equal(t, "pty:recovered", context)
}

func TestReportTUIContextAfterTwoSeconds(t *testing.T) {
	// S2 continued: after 2s of user_active blocking on a listening
	// instance, the tui: context lands in the row without any event.
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'listening', '')")

	l := testLoop(t, h, "", "alpha")
	screen := safeScreen()
	lastCtx := ""

	// Fresh block: nothing written yet.
	l.reportBlockedStatus("alpha", ReasonUserActive, screen, time.Now(), &lastCtx)
	_, context, _, err := h.GetStatus("alpha")
	require.NoError(t, err)
	assert.Empty(t, context)

	// Block older than 2s: context written, idempotently.
	l.reportBlockedStatus("alpha", ReasonUserActive, screen, time.Now().Add(-3*time.Second), &lastCtx)
	_, context, _, err = h.GetStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, "tui:user-active", context)
	assert.Equal(t, "tui:user-active", lastCtx)

	var detail string
	require.NoError(t, h.raw.QueryRow(
		"SELECT status_detail FROM instances WHERE name = 'alpha'").Scan(&detail))
	assert.Equal(t, "user is typing", detail)

	assert.Empty(t, h.eventData(t, "status"), "gate contexts never emit events")
}

func TestReportTUIContextOnlyWhenListening(t *testing.T) {
	h := openTestStore(t)
	h.exec(t, "INSERT INTO instances (name, status, status_context) VALUES ('alpha', 'active', 'busy')")

	l := testLoop(t, h, "", "alpha")
	screen := safeScreen()
	screen.LastOutput = time.Now() // not quiet, no recovery either
	lastCtx := ""
	l.reportBlockedStatus("alpha", ReasonNotReady, screen, time.Now().Add(-3*time.Second), &lastCtx)

	_, context, _, err := h.GetStatus("alpha")
	require.NoError(t, err)
	assert.Equal(t, "busy", context, "active status never overwritten by tui context")
}

// ---- inject text synthesis per tool ----

func TestBuildInjectTextPerTool(t *testing.T) {
	msgs := []store.Message{{From: "beta", EventID: 7}}
	h := openTestStore(t)
	l := testLoop(t, h, "", "alpha")

	l.ToolCfg = ConfigFor(tool.Claude)
	assert.Equal(t, "<hcom>", l.buildInjectText(msgs, "alpha", 0))

	l.ToolCfg = ConfigFor(tool.Gemini)
	assert.Equal(t, "<hcom>[new message #7] beta → alpha</hcom>", l.buildInjectText(msgs, "alpha", 0))

	l.ToolCfg = ConfigFor(tool.Codex)
	assert.Equal(t, "<hcom>[new message #7] beta → alpha</hcom>", l.buildInjectText(msgs, "alpha", 0))
	assert.Equal(t, "<hcom>[new message #7] beta → alpha</hcom> | Run: hcom listen",
		l.buildInjectText(msgs, "alpha", 1))
}
