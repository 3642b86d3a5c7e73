// Package store provides access to the shared hcom SQLite database.
//
// The wrapper reads unread messages (events with type='message'), tracks the
// delivery cursor (instances.last_event_id), maintains instance status and
// heartbeats, and registers its notify endpoints. The schema is owned by the
// daemon; this package only touches the columns the PTY side-car needs.
//
// Each goroutine holds its own Store. Concurrent writers rely on WAL mode
// and SQLite's busy timeout; no transaction ever spans a wait.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Message is one undelivered message event addressed to an instance.
type Message struct {
	From    string
	Intent  string
	Thread  string
	EventID int64
}

// InstanceStatus is the slice of the instance row the gate needs.
type InstanceStatus struct {
	Status      string
	LastEventID int64
}

// Store is a single-owner handle to the hcom database.
type Store struct {
	db  *sql.DB
	log *logrus.Entry
}

// Open opens the database at path with WAL mode and a 5-second busy timeout.
func Open(path string, log *logrus.Entry) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	// One connection per handle: each goroutine owns its Store.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}
	return &Store{db: db, log: log}, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) warnf(event, format string, args ...any) {
	if s.log != nil {
		s.log.WithFields(logrus.Fields{"subsystem": "store", "event": event}).
			Warnf(format, args...)
	}
}

// GetInstanceStatus returns the status row for name, or nil when the
// instance does not exist.
func (s *Store) GetInstanceStatus(name string) (*InstanceStatus, error) {
	row := s.db.QueryRow(
		"SELECT status, last_event_id FROM instances WHERE name = ?", name)

	var st InstanceStatus
	var status sql.NullString
	var lastEventID sql.NullInt64
	if err := row.Scan(&status, &lastEventID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	st.Status = status.String
	if st.Status == "" {
		st.Status = "unknown"
	}
	st.LastEventID = lastEventID.Int64
	return &st, nil
}

// messageData is the opaque event payload for type='message' events.
type messageData struct {
	From     string   `json:"from"`
	Scope    string   `json:"scope"`
	Mentions []string `json:"mentions"`
	Intent   string   `json:"intent"`
	Thread   string   `json:"thread"`
}

// GetUnreadMessages returns messages with id > last_event_id that are in
// scope for name. Messages authored by name itself are skipped; scope
// "broadcast" delivers to everyone, "mentions" only to listed names, and
// unknown scopes are dropped.
func (s *Store) GetUnreadMessages(name string) []Message {
	cursor := int64(0)
	if st, err := s.GetInstanceStatus(name); err != nil {
		s.warnf("messages.cursor_fail", "DB error reading cursor: %v", err)
	} else if st != nil {
		cursor = st.LastEventID
	}

	rows, err := s.db.Query(
		"SELECT id, data FROM events WHERE id > ? AND type = 'message' ORDER BY id",
		cursor)
	if err != nil {
		s.warnf("messages.query_fail", "DB error reading messages: %v", err)
		return nil
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var id int64
		var data string
		if err := rows.Scan(&id, &data); err != nil {
			continue
		}

		var md messageData
		if err := json.Unmarshal([]byte(data), &md); err != nil {
			continue
		}
		if md.From == "" {
			md.From = "unknown"
		}
		if md.From == name {
			continue
		}
		if md.Scope == "" {
			md.Scope = "broadcast"
		}

		switch md.Scope {
		case "broadcast":
		case "mentions":
			if !lo.Contains(md.Mentions, name) {
				continue
			}
		default:
			continue
		}

		messages = append(messages, Message{
			From:    md.From,
			Intent:  md.Intent,
			Thread:  md.Thread,
			EventID: id,
		})
	}
	return messages
}

// HasPending reports whether any unread in-scope messages exist for name.
func (s *Store) HasPending(name string) bool {
	return len(s.GetUnreadMessages(name)) > 0
}

// GetCursor returns last_event_id for name, or 0 when absent or on error.
func (s *Store) GetCursor(name string) int64 {
	st, err := s.GetInstanceStatus(name)
	if err != nil {
		s.warnf("cursor.fail", "DB error reading cursor: %v", err)
		return 0
	}
	if st == nil {
		return 0
	}
	return st.LastEventID
}

// IsIdle reports whether the instance status is "listening". Missing
// instances and store errors both read as not idle.
func (s *Store) IsIdle(name string) bool {
	st, err := s.GetInstanceStatus(name)
	if err != nil {
		s.warnf("idle.fail", "DB error reading status: %v", err)
		return false
	}
	return st != nil && st.Status == "listening"
}

func (s *Store) registerEndpoint(name, kind string, port int) error {
	now := float64(time.Now().UnixMicro()) / 1e6
	_, err := s.db.Exec(
		`INSERT INTO notify_endpoints (instance, kind, port, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(instance, kind) DO UPDATE SET
		     port = excluded.port,
		     updated_at = excluded.updated_at`,
		name, kind, port, now)
	return err
}

// RegisterNotifyPort advertises the delivery wake port for name.
func (s *Store) RegisterNotifyPort(name string, port int) error {
	return s.registerEndpoint(name, "pty", port)
}

// RegisterInjectPort advertises the text-injection port for name.
func (s *Store) RegisterInjectPort(name string, port int) error {
	return s.registerEndpoint(name, "inject", port)
}

// DeleteNotifyEndpoints removes every endpoint registered for name.
func (s *Store) DeleteNotifyEndpoints(name string) error {
	_, err := s.db.Exec("DELETE FROM notify_endpoints WHERE instance = ?", name)
	return err
}

// MigrateNotifyEndpoints moves endpoint rows from oldName to newName,
// replacing anything already registered under newName.
func (s *Store) MigrateNotifyEndpoints(oldName, newName string) error {
	if oldName == newName {
		return nil
	}
	if _, err := s.db.Exec(
		"DELETE FROM notify_endpoints WHERE instance = ?", newName); err != nil {
		return err
	}
	_, err := s.db.Exec(
		"UPDATE notify_endpoints SET instance = ? WHERE instance = ?",
		newName, oldName)
	return err
}

// UpdateHeartbeat stamps last_stop and re-asserts tcp_mode=true in one
// statement. Re-asserting on every heartbeat self-heals after store resets
// or instance re-creation - the delivery loop is the source of truth for
// whether TCP delivery is active.
func (s *Store) UpdateHeartbeat(name string) error {
	_, err := s.db.Exec(
		"UPDATE instances SET last_stop = ?, tcp_mode = 1 WHERE name = ?",
		time.Now().Unix(), name)
	return err
}

// UpdateTCPMode flags whether a native PTY owns this instance's delivery.
func (s *Store) UpdateTCPMode(name string, tcpMode bool) error {
	v := 0
	if tcpMode {
		v = 1
	}
	_, err := s.db.Exec(
		"UPDATE instances SET tcp_mode = ? WHERE name = ?", v, name)
	return err
}

// GetStatus returns (status, status_context) for name. found is false when
// the instance does not exist.
func (s *Store) GetStatus(name string) (status, context string, found bool, err error) {
	row := s.db.QueryRow(
		"SELECT status, status_context FROM instances WHERE name = ?", name)

	var st, ctx sql.NullString
	if err := row.Scan(&st, &ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", "", false, nil
		}
		return "", "", false, err
	}
	status = st.String
	if status == "" {
		status = "unknown"
	}
	return status, ctx.String, true, nil
}

// SetStatus updates the instance status row. Entering "listening" also
// stamps the heartbeat. The first update away from status_context="new"
// emits a ready life event and checks launch-batch completion.
func (s *Store) SetStatus(name, status, context string) error {
	_, prevContext, found, err := s.GetStatus(name)
	if err != nil {
		return err
	}
	isNew := found && prevContext == "new"

	now := time.Now().Unix()
	if status == "listening" {
		_, err = s.db.Exec(
			"UPDATE instances SET status = ?, status_context = ?, status_time = ?, last_stop = ? WHERE name = ?",
			status, context, now, now, name)
	} else {
		_, err = s.db.Exec(
			"UPDATE instances SET status = ?, status_context = ?, status_time = ? WHERE name = ?",
			status, context, now, name)
	}
	if err != nil {
		return err
	}

	if isNew {
		if err := s.emitReadyEvent(name, status, context); err != nil {
			s.warnf("ready_event.fail", "Failed to emit ready event: %v", err)
		}
	}
	return nil
}

// emitReadyEvent records that the instance reached its first real status,
// then checks whether its launch batch is complete.
func (s *Store) emitReadyEvent(name, status, context string) error {
	launcher := os.Getenv("HCOM_LAUNCHED_BY")
	if launcher == "" {
		launcher = "unknown"
	}
	batchID := os.Getenv("HCOM_LAUNCH_BATCH_ID")

	data := map[string]any{
		"action":  "ready",
		"by":      launcher,
		"status":  status,
		"context": context,
	}
	if batchID != "" {
		data["batch_id"] = batchID
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := s.db.Exec(
		"INSERT INTO events (timestamp, type, instance, data) VALUES (?, 'life', ?, ?)",
		nowISO(), name, string(payload)); err != nil {
		return err
	}

	if launcher != "unknown" && batchID != "" {
		return s.checkBatchCompletion(launcher, batchID)
	}
	return nil
}

// checkBatchCompletion sends the launcher a one-shot system message once
// every instance of a launch batch has emitted its ready event.
func (s *Store) checkBatchCompletion(launcher, batchID string) error {
	var launchData string
	err := s.db.QueryRow(
		`SELECT data FROM events
		 WHERE type = 'life' AND instance = ?
		   AND json_extract(data, '$.action') = 'batch_launched'
		   AND json_extract(data, '$.batch_id') = ?
		 LIMIT 1`,
		launcher, batchID).Scan(&launchData)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	var launch struct {
		Launched int64 `json:"launched"`
	}
	if err := json.Unmarshal([]byte(launchData), &launch); err != nil {
		return err
	}
	if launch.Launched == 0 {
		return nil
	}

	var readyCount int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events
		 WHERE type = 'life'
		   AND json_extract(data, '$.action') = 'ready'
		   AND json_extract(data, '$.batch_id') = ?`,
		batchID).Scan(&readyCount); err != nil {
		return err
	}
	if readyCount < launch.Launched {
		return nil
	}

	var alreadySent int64
	if err := s.db.QueryRow(
		`SELECT COUNT(*) FROM events
		 WHERE type = 'message'
		   AND instance = 'sys_[hcom-launcher]'
		   AND json_extract(data, '$.text') LIKE ?
		 LIMIT 1`,
		"%batch: "+batchID+"%").Scan(&alreadySent); err != nil {
		return err
	}
	if alreadySent > 0 {
		return nil
	}

	rows, err := s.db.Query(
		`SELECT DISTINCT instance FROM events
		 WHERE type = 'life'
		   AND json_extract(data, '$.action') = 'ready'
		   AND json_extract(data, '$.batch_id') = ?`,
		batchID)
	if err != nil {
		return err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err == nil {
			names = append(names, n)
		}
	}

	text := fmt.Sprintf("@%s All %d instances ready: %s (batch: %s)",
		launcher, launch.Launched, strings.Join(names, ", "), batchID)
	payload, err := json.Marshal(map[string]any{
		"from":     "[hcom-launcher]",
		"text":     text,
		"scope":    "mentions",
		"mentions": []string{launcher},
		"system":   true,
	})
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"INSERT INTO events (timestamp, type, instance, data) VALUES (?, 'message', 'sys_[hcom-launcher]', ?)",
		nowISO(), string(payload))
	return err
}

// SetGateStatus updates the transient gate-blocking context without logging
// a status event. The TUI reads status_context/status_detail for display;
// keeping these out of the events table keeps the event log clean.
func (s *Store) SetGateStatus(name, context, detail string) error {
	_, err := s.db.Exec(
		"UPDATE instances SET status_context = ?, status_detail = ? WHERE name = ?",
		context, detail, name)
	return err
}

// UpdateInstancePID records the spawned child pid.
func (s *Store) UpdateInstancePID(name string, pid int) error {
	_, err := s.db.Exec(
		"UPDATE instances SET pid = ? WHERE name = ?", pid, name)
	return err
}

// StoreLaunchContext writes launch_context only when it is currently empty,
// so richer context captured later by hooks is never clobbered.
func (s *Store) StoreLaunchContext(name, contextJSON string) error {
	_, err := s.db.Exec(
		"UPDATE instances SET launch_context = ? WHERE name = ? AND (launch_context IS NULL OR launch_context = '')",
		contextJSON, name)
	return err
}

// GetProcessBinding returns the instance name bound to processID.
func (s *Store) GetProcessBinding(processID string) (string, bool, error) {
	var name string
	err := s.db.QueryRow(
		"SELECT instance_name FROM process_bindings WHERE process_id = ?",
		processID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return name, true, nil
}

// DeleteProcessBinding removes the binding for processID.
func (s *Store) DeleteProcessBinding(processID string) error {
	_, err := s.db.Exec(
		"DELETE FROM process_bindings WHERE process_id = ?", processID)
	return err
}

// GetTranscriptPath returns the transcript path for name, when set.
func (s *Store) GetTranscriptPath(name string) (string, bool, error) {
	var path sql.NullString
	err := s.db.QueryRow(
		"SELECT transcript_path FROM instances WHERE name = ?", name).Scan(&path)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if path.String == "" {
		return "", false, nil
	}
	return path.String, true, nil
}

// GetInstanceSnapshot captures the instance row before deletion so the stop
// life event can carry it.
func (s *Store) GetInstanceSnapshot(name string) (map[string]any, error) {
	row := s.db.QueryRow(
		`SELECT transcript_path, session_id, tool, directory, parent_name, tag,
		        wait_timeout, subagent_timeout, hints, pid, created_at, background,
		        agent_id, launch_args, origin_device_id, background_log_file
		 FROM instances WHERE name = ?`, name)

	var (
		transcriptPath, sessionID, toolName, directory, parentName, tag sql.NullString
		waitTimeout, subagentTimeout, pid                               sql.NullInt64
		hints, createdAt, agentID, launchArgs                           sql.NullString
		background                                                      sql.NullInt64
		originDeviceID, backgroundLogFile                               sql.NullString
	)
	err := row.Scan(&transcriptPath, &sessionID, &toolName, &directory,
		&parentName, &tag, &waitTimeout, &subagentTimeout, &hints, &pid,
		&createdAt, &background, &agentID, &launchArgs, &originDeviceID,
		&backgroundLogFile)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	snapshot := map[string]any{
		"transcript_path":     transcriptPath.String,
		"session_id":          sessionID.String,
		"tool":                toolName.String,
		"directory":           directory.String,
		"parent_name":         parentName.String,
		"tag":                 tag.String,
		"wait_timeout":        nullableInt(waitTimeout),
		"subagent_timeout":    nullableInt(subagentTimeout),
		"hints":               hints.String,
		"pid":                 nullableInt(pid),
		"created_at":          createdAt.String,
		"background":          background.Int64,
		"agent_id":            agentID.String,
		"launch_args":         launchArgs.String,
		"origin_device_id":    originDeviceID.String,
		"background_log_file": backgroundLogFile.String,
	}
	return snapshot, nil
}

func nullableInt(v sql.NullInt64) any {
	if v.Valid {
		return v.Int64
	}
	return nil
}

// DeleteInstance removes the instance row, reporting whether a row existed.
func (s *Store) DeleteInstance(name string) (bool, error) {
	res, err := s.db.Exec("DELETE FROM instances WHERE name = ?", name)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows > 0, nil
}

// LogLifeEvent appends a life event (started/stopped) for instance.
func (s *Store) LogLifeEvent(instance, action, by, reason string, snapshot map[string]any) error {
	data := map[string]any{
		"action": action,
		"by":     by,
		"reason": reason,
	}
	if snapshot != nil {
		data["snapshot"] = snapshot
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(
		"INSERT INTO events (timestamp, type, instance, data) VALUES (?, 'life', ?, ?)",
		nowISO(), instance, string(payload))
	return err
}

// LogStatusEvent appends a status event. Used by the transcript watcher for
// tool:apply_patch, tool:shell, and prompt activity.
func (s *Store) LogStatusEvent(instance, status, context, detail, timestamp string) error {
	data := map[string]any{
		"status":  status,
		"context": context,
	}
	if detail != "" {
		data["detail"] = detail
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}

	ts := timestamp
	if ts == "" {
		ts = nowISO()
	}
	_, err = s.db.Exec(
		"INSERT INTO events (timestamp, type, instance, data) VALUES (?, 'status', ?, ?)",
		ts, instance, string(payload))
	return err
}

// UpdateStatusIfNewer mirrors a transcript-derived status into the instance
// row only when its timestamp is not older than the current status_time
// (newer-timestamp-wins).
func (s *Store) UpdateStatusIfNewer(name, status, context, detail, timestamp string) error {
	eventTime := parseISO(timestamp)

	var currentTime sql.NullInt64
	err := s.db.QueryRow(
		"SELECT status_time FROM instances WHERE name = ?", name).Scan(&currentTime)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if eventTime < currentTime.Int64 {
		return nil
	}

	if detail != "" {
		_, err = s.db.Exec(
			"UPDATE instances SET status = ?, status_context = ?, status_detail = ?, status_time = ? WHERE name = ?",
			status, context, detail, eventTime, name)
	} else {
		_, err = s.db.Exec(
			"UPDATE instances SET status = ?, status_context = ?, status_time = ? WHERE name = ?",
			status, context, eventTime, name)
	}
	return err
}

// nowISO matches the daemon's event timestamp format.
func nowISO() string {
	return time.Now().UTC().Format("2006-01-02T15:04:05.000000+00:00")
}

// parseISO converts an ISO-8601 timestamp to epoch seconds, 0 on failure.
func parseISO(ts string) int64 {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, ts); err == nil {
			return t.Unix()
		}
	}
	return 0
}
