// Package delivery drives the inject-render-submit-verify pipeline that
// lands queued messages into the wrapped tool's input buffer.
//
// The loop is notify-driven: while no messages are pending it blocks on the
// notify server and touches the store only on a wake or after the 30-second
// idle timeout. When messages exist it evaluates the gate, injects text via
// the local TCP inject port, watches the screen tracker for the text to
// render, submits with a carriage return, and verifies delivery by
// observing the message cursor advance.
//
// States:
//
//	Idle           - no pending messages, blocked on the notify server
//	Pending        - messages exist, waiting for a safe gate
//	WaitTextRender - text injected, waiting for it to appear in the box
//	WaitTextClear  - Enter sent, waiting for the box to empty
//	VerifyCursor   - waiting for last_event_id to pass the inject snapshot
package delivery

import (
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/hcom-sh/hcom-native/internal/config"
	"github.com/hcom-sh/hcom-native/internal/logging"
	"github.com/hcom-sh/hcom-native/internal/notify"
	"github.com/hcom-sh/hcom-native/internal/store"
	"github.com/hcom-sh/hcom-native/internal/tool"
)

// state enumerates the delivery machine states.
type state int

const (
	stateIdle state = iota
	statePending
	stateWaitTextRender
	stateWaitTextClear
	stateVerifyCursor
)

const (
	idleWait         = 30 * time.Second
	renderTimeout    = 2 * time.Second
	clearTimeout     = 2 * time.Second
	verifyTimeout    = 10 * time.Second
	maxEnterAttempts = 3
	maxInjectRetries = 3
	pollInterval     = 10 * time.Millisecond

	// blockReportAfter is how long the gate must stay blocked before the
	// tui: context is written; gate flapping stays invisible.
	blockReportAfter = 2 * time.Second

	// recoverAfterQuiet flips a stuck "active" status back to listening
	// once the screen has been silent this long.
	recoverAfterQuiet = 10 * time.Second
)

// UserActivityCooldown is how recently a keystroke blocks injection.
const UserActivityCooldown = 500 * time.Millisecond

// Env carries the delivery loop's view of the PTY process.
type Env struct {
	// Screen is the snapshot cell refreshed by the PTY loop.
	Screen *SharedScreen

	// InjectPort is the PTY's text-injection TCP port.
	InjectPort int

	// UserActivityCooldown gates injection after keystrokes.
	UserActivityCooldown time.Duration
}

func (e *Env) userActive(st ScreenState) bool {
	return time.Since(st.LastUserInput) < e.UserActivityCooldown
}

// Loop owns one delivery run: its store handle, its notify server, and the
// published name/status cells the PTY loop renders into the title.
type Loop struct {
	Cfg      *config.Config
	Store    *store.Store
	Notify   *notify.Server
	Env      *Env
	ToolCfg  ToolConfig
	Running  *atomic.Bool
	Killed   *atomic.Bool
	Name     *SharedText
	Status   *SharedText
	Instance string
	Log      *logrus.Entry
}

func (l *Loop) info(event, format string, args ...any) {
	logging.Sub(l.Log, "native", event).Infof(format, args...)
}

func (l *Loop) warn(event, format string, args ...any) {
	logging.Sub(l.Log, "native", event).Warnf(format, args...)
}

func (l *Loop) logErr(event, format string, args ...any) {
	logging.Sub(l.Log, "native", event).Errorf(format, args...)
}

// injectText writes text to the PTY via the inject port (no Enter).
func injectText(port int, text string) bool {
	if text == "" {
		return false
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), time.Second)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = conn.Write([]byte(text))
	return err == nil
}

// injectEnter submits the input box contents.
func injectEnter(port int) bool {
	return injectText(port, "\r")
}

// truncateForLog bounds injected text in log lines.
func truncateForLog(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}

// Run executes the delivery state machine until Running clears, then
// performs teardown with the ownership handoff check.
func (l *Loop) Run() {
	retry := defaultRetryPolicy()

	// The process binding is the source of truth for the instance name:
	// it can change underneath us (session resume rebinds to the
	// canonical instance).
	processID := l.Cfg.ProcessID
	currentName := l.Instance
	if processID != "" {
		if bound, found, err := l.Store.GetProcessBinding(processID); err != nil {
			l.logErr("delivery.init", "DB error getting process binding: %v - using instance name", err)
		} else if found {
			currentName = bound
		}
	}

	l.info("delivery.init", "Delivery loop starting: name=%s, process_id=%s, tool=%s, require_idle=%v",
		currentName, processID, l.ToolCfg.Tool, l.ToolCfg.RequireIdle)

	if err := l.Store.SetStatus(currentName, "listening", "start"); err != nil {
		l.logErr("delivery.status.fail", "Failed to set initial status: %v", err)
	}

	// tcp_mode marks that a native PTY owns delivery. Also re-asserted on
	// every heartbeat, which self-heals after store resets.
	if err := l.Store.UpdateTCPMode(currentName, true); err != nil {
		l.warn("delivery.tcp_mode_fail", "Failed to set tcp_mode: %v", err)
	} else {
		l.info("delivery.tcp_mode", "Set tcp_mode=true for %s", currentName)
	}

	// Working set.
	st := statePending // check immediately on start
	attempt := 0
	injectAttempt := 0
	enterAttempt := 0
	injectedText := ""
	phaseStartedAt := time.Now()
	var cursorBefore int64
	pendingSince := time.Now()
	pendingValid := true

	var blockSince time.Time
	blockTracked := false
	lastBlockContext := ""

	currentStatus := "listening"

	for l.Running.Load() {
		// Binding refresh: migrate endpoints when the name changed.
		if processID != "" {
			if newName, found, err := l.Store.GetProcessBinding(processID); err != nil {
				l.logErr("delivery.binding_refresh", "DB error checking process binding: %v", err)
			} else if found && newName != currentName {
				l.info("delivery.binding_refresh", "Instance name changed: %s -> %s", currentName, newName)
				_ = l.Store.MigrateNotifyEndpoints(currentName, newName)
				_ = l.Store.UpdateTCPMode(newName, true)
				l.Name.Set(newName)
				currentName = newName
			}
		}

		// Track status for the title. Deleted instances and store errors
		// both render as stopped.
		newStatus, _, found, err := l.Store.GetStatus(currentName)
		if err != nil {
			l.logErr("delivery.status_check", "DB error getting status: %v", err)
			newStatus = "stopped"
		} else if !found {
			newStatus = "stopped"
		}
		if newStatus != currentStatus {
			l.Status.Set(newStatus)
			currentStatus = newStatus
		}

		switch st {
		case stateIdle:
			notified := l.Notify.Wait(idleWait)

			if !l.Running.Load() {
				l.info("delivery.shutdown", "Running flag cleared, exiting loop")
				break
			}

			if err := l.Store.UpdateHeartbeat(currentName); err != nil {
				l.warn("delivery.heartbeat_fail", "Failed to update heartbeat: %v", err)
			}
			// Re-register endpoints: self-heals after store resets.
			_ = l.Store.RegisterNotifyPort(currentName, l.Notify.Port())
			_ = l.Store.RegisterInjectPort(currentName, l.Env.InjectPort)

			if l.Store.HasPending(currentName) {
				l.info("delivery.wake", "Woke up (notified=%v) with pending messages for %s", notified, currentName)
				st = statePending
				pendingSince = time.Now()
				pendingValid = true
			}

		case statePending:
			if !l.Store.HasPending(currentName) {
				l.info("delivery.no_pending", "No pending messages for %s", currentName)
				st = stateIdle
				attempt = 0
				pendingValid = false
				continue
			}

			isIdle := true
			if l.ToolCfg.RequireIdle {
				isIdle = l.Store.IsIdle(currentName)
			}

			screen := l.Env.Screen.Get()
			safe, reason := evaluateGate(l.ToolCfg, screen, l.Env.UserActivityCooldown, isIdle)

			if safe {
				l.info("delivery.gate_pass", "Gate passed, injecting to port %d", l.Env.InjectPort)

				cursorBefore = l.Store.GetCursor(currentName)

				// Re-check immediately before inject.
				msgs := l.Store.GetUnreadMessages(currentName)
				if len(msgs) == 0 {
					st = stateIdle
					attempt = 0
					injectAttempt = 0
					pendingValid = false
					continue
				}

				text := l.buildInjectText(msgs, currentName, injectAttempt)
				text = fitToInputBox(text, screen.Cols)

				if injectText(l.Env.InjectPort, text) {
					l.info("delivery.injected", "Injected '%s' (len=%d, inject_attempt=%d)",
						truncateForLog(text, 40), len(text), injectAttempt)
					injectedText = text
					phaseStartedAt = time.Now()
					enterAttempt = 0
					st = stateWaitTextRender
					continue // no retry delay while in a wait phase
				}
				l.warn("delivery.inject_fail", "TCP inject failed")
				attempt++
			} else {
				// Keep the heartbeat fresh while blocked; the status stays
				// listening until a delivery completes and hooks fire.
				_ = l.Store.UpdateHeartbeat(currentName)

				if attempt == 0 || attempt%5 == 0 {
					l.info("delivery.gate_blocked",
						"Gate blocked: %s (attempt=%d, ready=%v, approval=%v, stable=%v, user_active=%v)",
						reason, attempt, screen.Ready, screen.Approval,
						screen.OutputStable1s, l.Env.userActive(screen))
				}

				if !blockTracked {
					blockSince = time.Now()
					blockTracked = true
				}

				recovered := l.reportBlockedStatus(currentName, reason, screen, blockSince, &lastBlockContext)
				if recovered {
					attempt = 0
					continue
				}

				attempt++
			}

			delay := retry.delay(attempt, time.Since(pendingSince), pendingValid)
			if delay > 0 {
				if l.Notify.Wait(delay) {
					attempt = 0 // fresh wake, re-check immediately
				}
			}

		case stateWaitTextRender:
			elapsed := time.Since(phaseStartedAt)
			if elapsed > renderTimeout {
				l.warn("delivery.phase1_timeout", "Text render timeout after %v, inject_attempt=%d", elapsed, injectAttempt)
				st = statePending
				injectAttempt++
				attempt++
				continue
			}

			screen := l.Env.Screen.Get()
			if screen.InputText != nil && injectedText != "" &&
				strings.Contains(*screen.InputText, injectedText) {
				l.info("delivery.text_rendered", "Injected text appeared in input box, sending Enter")
				st = stateWaitTextClear
				phaseStartedAt = time.Now()
				enterAttempt = 0

				if l.Env.userActive(screen) {
					l.info("delivery.enter_blocked", "Enter blocked by user activity")
				} else if screen.Approval {
					l.info("delivery.enter_blocked", "Enter blocked by approval prompt")
				} else {
					l.info("delivery.send_enter", "Sending Enter key")
					injectEnter(l.Env.InjectPort)
				}
				continue
			}

			time.Sleep(pollInterval)

		case stateWaitTextClear:
			screen := l.Env.Screen.Get()
			textCleared := screen.InputText != nil && *screen.InputText == ""

			if textCleared {
				l.info("delivery.text_cleared", "Input box cleared, verifying cursor")
				st = stateVerifyCursor
				phaseStartedAt = time.Now()
				continue
			}

			if time.Since(phaseStartedAt) > clearTimeout {
				if enterAttempt < maxEnterAttempts {
					canSend := !l.Env.userActive(screen) && !screen.Approval
					if canSend {
						l.info("delivery.retry_enter", "Retrying Enter (attempt=%d)", enterAttempt)
						injectEnter(l.Env.InjectPort)
						enterAttempt++
						phaseStartedAt = time.Now()
						time.Sleep(200 * time.Millisecond << enterAttempt)
					} else {
						l.info("delivery.enter_retry_blocked", "Enter retry blocked (user_active=%v)", l.Env.userActive(screen))
					}
					continue
				}

				l.warn("delivery.phase2_max_retries", "Max Enter retries (%d) reached, going back to pending", maxEnterAttempts)
				st = statePending
				injectAttempt++
				attempt++
				continue
			}

			time.Sleep(pollInterval)

		case stateVerifyCursor:
			currentCursor := l.Store.GetCursor(currentName)
			if currentCursor > cursorBefore {
				// Delivered: the hook consumed the batch and advanced the
				// cursor. Clear any stale gate-block context.
				if lastBlockContext != "" {
					_ = l.Store.SetGateStatus(currentName, "", "")
					lastBlockContext = ""
				}
				blockTracked = false

				l.info("delivery.success", "Cursor advanced %d -> %d, delivery successful", cursorBefore, currentCursor)
				if l.Store.HasPending(currentName) {
					l.info("delivery.more_pending", "More messages pending, continuing")
					st = statePending
					pendingSince = time.Now()
					pendingValid = true
				} else {
					l.info("delivery.complete", "All messages delivered, going idle")
					st = stateIdle
					pendingValid = false
				}
				attempt = 0
				injectAttempt = 0
				continue
			}

			if time.Since(phaseStartedAt) > verifyTimeout {
				injectAttempt++
				l.warn("delivery.verify_timeout", "Cursor verify timeout (before=%d, current=%d, inject_attempt=%d)",
					cursorBefore, currentCursor, injectAttempt)

				if injectAttempt < maxInjectRetries {
					l.info("delivery.retry", "Retrying delivery (inject_attempt=%d)", injectAttempt)
					st = statePending
					attempt++
					continue
				}

				if !l.Store.HasPending(currentName) {
					// Cursor tracking lagged but the batch is gone.
					if lastBlockContext != "" {
						_ = l.Store.SetGateStatus(currentName, "", "")
						lastBlockContext = ""
					}
					blockTracked = false

					l.info("delivery.success_no_cursor", "Messages gone despite cursor not advancing - delivery successful")
					st = stateIdle
					pendingValid = false
					attempt = 0
					injectAttempt = 0
					continue
				}

				l.warn("delivery.failed", "Delivery failed after %d attempts, resetting", injectAttempt)
				st = statePending
				attempt = 0
			}

			time.Sleep(pollInterval)
		}
	}

	l.cleanup(currentName)
}

// buildInjectText synthesizes the tool-aware inject text.
func (l *Loop) buildInjectText(msgs []store.Message, name string, injectAttempt int) string {
	switch l.ToolCfg.Tool {
	case tool.Claude:
		return minimalTrigger
	case tool.Codex:
		if injectAttempt > 0 {
			return buildCodexHint(buildPreview(msgs, name))
		}
		return buildPreview(msgs, name)
	default:
		return buildPreview(msgs, name)
	}
}

// reportBlockedStatus reflects the blocked gate into the store,
// independently of the gate's short-circuited reason:
//
//   - Screen approval sets status=blocked with pty:approval immediately.
//     The screen is authoritative - for Codex it is the only mechanism,
//     for others a fallback when hooks did not fire.
//   - A status stuck "active" with a quiet screen for 10s recovers to
//     listening with pty:recovered; returns true so the caller re-checks
//     the gate at once.
//   - A gate blocked >=2s on a listening instance writes a tui: context
//     row update (no status event), debounced by context equality.
func (l *Loop) reportBlockedStatus(name string, reason Reason, screen ScreenState, blockSince time.Time, lastBlockContext *string) bool {
	if screen.Approval {
		_ = l.Store.SetStatus(name, "blocked", "pty:approval")
		return false
	}

	if reason == ReasonNotIdle {
		status, _, found, err := l.Store.GetStatus(name)
		if err != nil {
			l.logErr("delivery.recovery_check", "DB error checking status: %v", err)
		} else if found && status == "active" &&
			time.Since(screen.LastOutput) > recoverAfterQuiet {
			_ = l.Store.SetStatus(name, "listening", "pty:recovered")
			l.info("delivery.recovered", "Status recovered: output stable 10s, %s -> listening", status)
			return true
		}
	}

	if time.Since(blockSince) >= blockReportAfter {
		status, _, found, err := l.Store.GetStatus(name)
		if err != nil {
			l.logErr("delivery.gate_status_update", "DB error checking status: %v", err)
			return false
		}
		// Only annotate a listening instance; never overwrite active or
		// blocked.
		if found && status == "listening" {
			context := "tui:" + strings.ReplaceAll(reason.String(), "_", "-")
			if context != *lastBlockContext {
				_ = l.Store.SetGateStatus(name, context, reason.Detail())
				*lastBlockContext = context
			}
		}
	}
	return false
}

// cleanup runs the teardown sequence with the ownership handoff check: if
// the process binding now names a different instance (session resume spawned
// a successor), instance-level teardown is skipped so the successor's row
// survives; only our own process binding is removed.
func (l *Loop) cleanup(currentName string) {
	l.info("delivery.cleanup", "Cleaning up instance %s", currentName)

	processID := l.Cfg.ProcessID
	ownsInstance := true
	if processID != "" {
		bound, found, err := l.Store.GetProcessBinding(processID)
		switch {
		case err != nil:
			ownsInstance = false // store error: be conservative
		case !found:
			ownsInstance = false // binding deleted: successor took over
		default:
			ownsInstance = bound == currentName
		}
	}

	if ownsInstance {
		snapshot, err := l.Store.GetInstanceSnapshot(currentName)
		if err != nil {
			l.logErr("delivery.cleanup", "DB error getting instance snapshot: %v", err)
		}

		exitContext, exitReason := "exit:closed", "closed"
		if l.Killed != nil && l.Killed.Load() {
			exitContext, exitReason = "exit:killed", "killed"
		}
		_ = l.Store.SetStatus(currentName, "inactive", exitContext)
		_ = l.Store.DeleteNotifyEndpoints(currentName)

		deleted, _ := l.Store.DeleteInstance(currentName)
		if deleted {
			if err := l.Store.LogLifeEvent(currentName, "stopped", "pty", exitReason, snapshot); err != nil {
				l.warn("delivery.life_event_fail", "Failed to log life event: %v", err)
			}
		}
	} else {
		l.info("delivery.cleanup_skipped", "Skipping instance cleanup for %s - name reassigned to new process", currentName)
	}

	if processID != "" {
		_ = l.Store.DeleteProcessBinding(processID)
	}
}
