// Package proxy spawns the wrapped tool under a PTY and runs the
// multiplexed forwarding loop.
//
// Data flow: child output passes through the title OSC filter to the real
// stdout and, unfiltered, into the screen tracker; real stdin goes to the
// PTY master; the inject server carries external text into the master; the
// delivery goroutine decides when. Two small reader goroutines feed byte
// chunks into channels - every piece of processing happens on the
// orchestrator goroutine, which is the sole writer of stdout, the PTY
// master, and the shared screen snapshot. That serialization is what keeps
// our title OSC writes ordered against the child's output.
package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/boz/go-throttle"
	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/hcom-sh/hcom-native/internal/config"
	"github.com/hcom-sh/hcom-native/internal/delivery"
	"github.com/hcom-sh/hcom-native/internal/logging"
	"github.com/hcom-sh/hcom-native/internal/notify"
	"github.com/hcom-sh/hcom-native/internal/screen"
	"github.com/hcom-sh/hcom-native/internal/store"
	"github.com/hcom-sh/hcom-native/internal/term"
	"github.com/hcom-sh/hcom-native/internal/tool"
	"github.com/hcom-sh/hcom-native/internal/transcript"
)

// Options configures one proxy run.
type Options struct {
	// ReadyPattern is the byte string whose visibility marks the tool as
	// accepting input. Empty disables ready gating.
	ReadyPattern []byte

	// InstanceName identifies this wrapper in the store; empty disables
	// delivery.
	InstanceName string

	// Tool is the tool name as given on the command line. Unknown names
	// are allowed for wrapping arbitrary commands.
	Tool string
}

const (
	// pollTick drives periodic work in the main loop: stdin-terminal
	// recheck, debug flag polling.
	pollTick = 10 * time.Second

	// debugTick drives the debug flag poll and periodic dumps; both are
	// rate-limited to every 5 seconds inside the screen package.
	debugTick = time.Second

	// winchDebounce coalesces resize storms.
	winchDebounce = 50 * time.Millisecond

	// deliveryStartClaude / deliveryStartOther bound how long we wait for
	// the ready pattern before starting delivery anyway. Claude in
	// accept-edits mode may never show it.
	deliveryStartClaude = 5 * time.Second
	deliveryStartOther  = 60 * time.Second

	deliveryInitTimeout = 5 * time.Second
	deliveryJoinTimeout = 5 * time.Second
	childTermTimeout    = 5 * time.Second
	childKillTimeout    = 2 * time.Second
)

// Proxy owns the child process, the PTY master, and all per-run servers.
type Proxy struct {
	opts Options
	cfg  *config.Config
	log  *logrus.Entry

	tl        tool.Tool
	toolKnown bool

	ptmx    *os.File
	cmd     *exec.Cmd
	guard   *term.Guard
	tracker *screen.Tracker
	inject  *injectServer

	running    atomic.Bool
	killed     atomic.Bool
	notifyPort atomic.Int32

	sharedScreen *delivery.SharedScreen
	sharedName   *delivery.SharedText
	sharedStatus *delivery.SharedText

	deliveryDone chan struct{}

	lastUserInput time.Time
}

func (p *Proxy) info(event, format string, args ...any) {
	logging.Sub(p.log, "native", event).Infof(format, args...)
}

func (p *Proxy) warn(event, format string, args ...any) {
	logging.Sub(p.log, "native", event).Warnf(format, args...)
}

func (p *Proxy) logErr(event, format string, args ...any) {
	logging.Sub(p.log, "native", event).Errorf(format, args...)
}

// Spawn starts command under a new PTY sized to the controlling terminal
// and wires up the screen tracker and inject server. The child becomes a
// session leader with the slave as its controlling terminal; the master
// stays with us.
func Spawn(command string, args []string, opts Options, cfg *config.Config, log *logrus.Entry) (*Proxy, error) {
	ws := term.Size()

	guard, err := term.NewGuard()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire terminal: %w", err)
	}

	cmd := exec.Command(command, args...)
	ptmx, err := pty.StartWithSize(cmd, ws)
	if err != nil {
		guard.Restore()
		return nil, fmt.Errorf("failed to start %s under pty: %w", command, err)
	}

	tl, terr := tool.Parse(opts.Tool)
	toolKnown := terr == nil

	p := &Proxy{
		opts:         opts,
		cfg:          cfg,
		log:          log,
		tl:           tl,
		toolKnown:    toolKnown,
		ptmx:         ptmx,
		cmd:          cmd,
		guard:        guard,
		sharedScreen: delivery.NewSharedScreen(),
		sharedName:   delivery.NewSharedText(opts.InstanceName),
		sharedStatus: delivery.NewSharedText("listening"),
		deliveryDone: make(chan struct{}),
		lastUserInput: time.Now(),
	}
	p.running.Store(true)

	// Record the child pid and a minimal launch context so `hcom kill`
	// can close the terminal pane. Hooks may later store richer context;
	// this write only lands when the column is still empty.
	if opts.InstanceName != "" {
		if st, err := store.Open(cfg.DBPath(), log); err == nil {
			_ = st.UpdateInstancePID(opts.InstanceName, cmd.Process.Pid)
			_ = st.StoreLaunchContext(opts.InstanceName, buildEarlyLaunchContext())
			st.Close()
		}
	}

	dbg := screen.NewDebug(cfg, opts.InstanceName)
	p.tracker = screen.NewTracker(int(ws.Rows), int(ws.Cols), opts.ReadyPattern, tl, toolKnown, dbg)

	p.inject, err = newInjectServer()
	if err != nil {
		p.teardownOnSpawnError()
		return nil, err
	}

	// Advertise the inject port when a parent adapter captures stderr;
	// interactively the line would just pollute the terminal.
	if !term.StderrIsTerminal() {
		fmt.Fprintf(os.Stderr, "INJECT_PORT=%d\n", p.inject.Port())
	}

	return p, nil
}

func (p *Proxy) teardownOnSpawnError() {
	_ = unix.Kill(-p.cmd.Process.Pid, unix.SIGKILL)
	p.ptmx.Close()
	p.guard.Restore()
}

// buildEarlyLaunchContext captures the spawn-time facts kill needs to close
// the pane: terminal preset, process id, pane id, and a wrapper run id.
func buildEarlyLaunchContext() string {
	ctx := map[string]string{}

	if preset := os.Getenv("HCOM_LAUNCHED_PRESET"); preset != "" {
		ctx["terminal_preset"] = preset
	}
	if pid := os.Getenv("HCOM_PROCESS_ID"); pid != "" {
		ctx["process_id"] = pid
	}
	for _, v := range []string{"WEZTERM_PANE", "TMUX_PANE", "KITTY_WINDOW_ID"} {
		if pane := os.Getenv(v); pane != "" {
			ctx["pane_id"] = pane
			break
		}
	}
	ctx["wrapper_run_id"] = uuid.NewString()

	b, err := json.Marshal(ctx)
	if err != nil {
		return "{}"
	}
	return string(b)
}

// readIntoChan pumps reads from f into a channel of owned chunks, closing
// the channel on EOF or error (EIO is the PTY's end-of-stream).
func readIntoChan(f *os.File, out chan<- []byte) {
	buf := make([]byte, 65536)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			out <- chunk
		}
		if err != nil {
			close(out)
			return
		}
	}
}

// Run executes the proxy loop until child EOF, terminal hangup, or a fatal
// signal, then tears down in order and returns the child's exit code.
func Run(p *Proxy) (int, error) {
	defer p.guard.Restore()

	stdoutTTY := term.StdoutIsTerminal()

	// Signal plane. SIGPIPE is routed to a drained channel so writes to a
	// revoked terminal return EPIPE instead of killing us before cleanup.
	sigWinch := make(chan os.Signal, 1)
	sigInt := make(chan os.Signal, 1)
	sigTerm := make(chan os.Signal, 1)
	sigHup := make(chan os.Signal, 1)
	sigPipe := make(chan os.Signal, 1)
	signal.Notify(sigWinch, syscall.SIGWINCH)
	signal.Notify(sigInt, syscall.SIGINT)
	signal.Notify(sigTerm, syscall.SIGTERM)
	signal.Notify(sigHup, syscall.SIGHUP)
	signal.Notify(sigPipe, syscall.SIGPIPE)
	defer signal.Stop(sigWinch)
	defer signal.Stop(sigInt)
	defer signal.Stop(sigTerm)
	defer signal.Stop(sigHup)
	defer signal.Stop(sigPipe)

	// Resize handling, debounced: intermediate signals inside the window
	// are dropped, the first one applies immediately.
	resizeCh := make(chan struct{}, 1)
	winchThrottle := throttle.ThrottleFunc(winchDebounce, false, func() {
		select {
		case resizeCh <- struct{}{}:
		default:
		}
	})
	defer winchThrottle.Stop()
	go func() {
		for range sigWinch {
			winchThrottle.Trigger()
		}
	}()

	ptyOut := make(chan []byte, 8)
	go readIntoChan(p.ptmx, ptyOut)

	stdinCh := make(chan []byte, 8)
	go readIntoChan(os.Stdin, stdinCh)

	ticker := time.NewTicker(pollTick)
	defer ticker.Stop()

	debugTicker := time.NewTicker(debugTick)
	defer debugTicker.Stop()

	titleFilter := &titleOscFilter{}
	pendingUTF8 := 0
	lastWrittenName := ""
	lastWrittenStatus := ""

	readySignaled := false
	deliveryStarted := false
	startupTime := time.Now()

	deliveryStartTimeout := deliveryStartOther
	if p.toolKnown && p.tl == tool.Claude {
		deliveryStartTimeout = deliveryStartClaude
	}

	var runErr error

loop:
	for {
		select {
		case <-sigInt:
			// Forwarded to the child's process group; the wrapper stays.
			p.forwardSignal(unix.SIGINT)

		case <-sigTerm:
			p.forwardSignal(unix.SIGTERM)
			p.killed.Store(true)
			break loop

		case <-sigHup:
			// Terminal closed. The child receives its own SIGHUP from the
			// kernel; do not forward.
			p.killed.Store(true)
			break loop

		case <-sigPipe:
			// Ignored: the next write returns EPIPE and the loop exits
			// through the normal error path.

		case <-resizeCh:
			ws := term.Size()
			p.tracker.Resize(int(ws.Rows), int(ws.Cols))
			_ = pty.Setsize(p.ptmx, ws)

		case data, ok := <-ptyOut:
			if !ok {
				break loop // child EOF
			}

			filtered, hadTitle := titleFilter.Filter(data)
			if _, err := os.Stdout.Write(filtered); err != nil {
				runErr = fmt.Errorf("failed to write to stdout: %w", err)
				break loop
			}
			// Track incomplete trailing UTF-8 so our title OSC never
			// splices into a partial codepoint. When the whole read was a
			// title sequence (filtered empty), keep the prior count - a
			// reset mid-sequence causes replacement-glyph artifacts.
			if len(filtered) > 0 {
				pendingUTF8 = pendingUTF8Bytes(filtered)
			}
			if hadTitle {
				// The tool tried to set its own title; force a rewrite of
				// ours at the end of this pass.
				lastWrittenName = ""
			}

			p.tracker.Process(data)
			p.refreshScreenState()

			if !readySignaled && p.tracker.IsReady() {
				readySignaled = true
				p.tracker.DumpScreen(p.inject.Port(), "Ready pattern detected")
			}

			if !deliveryStarted && (readySignaled || time.Since(startupTime) > deliveryStartTimeout) {
				p.tracker.DumpScreen(p.inject.Port(), "Starting delivery thread")
				if err := p.startDelivery(); err != nil {
					runErr = err
					break loop
				}
				deliveryStarted = true
			}

		case data, ok := <-stdinCh:
			if !ok {
				break loop // stdin EOF: terminal gone
			}
			p.lastUserInput = time.Now()
			p.tracker.ClearApproval()
			p.sharedScreen.NoteUserInput(p.lastUserInput)
			if _, err := p.ptmx.Write(data); err != nil {
				runErr = fmt.Errorf("failed to write to pty: %w", err)
				break loop
			}

		case req := <-p.inject.Requests():
			if req.isQuery {
				switch req.query {
				case "SCREEN":
					req.reply <- p.tracker.ScreenJSON()
				default:
					req.reply <- "error: unknown command\n"
				}
			} else if text := filterPrintable(req.text); text != "" {
				if _, err := p.ptmx.Write([]byte(text)); err != nil {
					p.warn("inject.write_fail", "Failed to write injected text: %v", err)
				}
			}

		case <-ticker.C:
			if readySignaled {
				p.refreshScreenState()
			}
			p.tracker.CheckDebugFlag()
			p.tracker.CheckPeriodicDump(p.inject.Port(), "Periodic dump (main loop)")
			// A lost terminal (window closed, stdin redirected) may never
			// produce an EOF; detect it here.
			if !term.StdinIsTerminal() {
				break loop
			}

		case <-debugTicker.C:
			p.tracker.CheckDebugFlag()
			p.tracker.CheckPeriodicDump(p.inject.Port(), "Periodic dump (main loop)")
		}

		// Title write, serialized with child output by running on this
		// goroutine, deferred while a UTF-8 sequence is incomplete.
		if stdoutTTY && pendingUTF8 == 0 {
			name := p.sharedName.Get()
			status := p.sharedStatus.Get()
			if name != "" && (name != lastWrittenName || status != lastWrittenStatus) {
				icon := delivery.StatusIcon(status)
				title := fmt.Sprintf("%s %s [%s]", icon, name, toolUpper(p.tl, p.toolKnown, p.opts.Tool))
				osc := fmt.Sprintf("\x1b]1;%s\x07\x1b]2;%s\x07", title, title)
				if _, err := os.Stdout.Write([]byte(osc)); err == nil {
					lastWrittenName = name
					lastWrittenStatus = status
				}
			}
		}
	}

	// Held filter prefix bytes are real output; release them.
	if remaining := titleFilter.Flush(); len(remaining) > 0 {
		os.Stdout.Write(remaining)
	}

	exitCode := p.shutdown(ptyOut, deliveryStarted)
	return exitCode, runErr
}

func toolUpper(tl tool.Tool, known bool, raw string) string {
	if known {
		return tl.Upper()
	}
	return strings.ToUpper(raw)
}

// shutdown tears down in order: stop the delivery loop, wake and join it,
// terminate the child's process group, drain the master while waiting, and
// escalate to SIGKILL past the deadline.
func (p *Proxy) shutdown(ptyOut <-chan []byte, deliveryStarted bool) int {
	p.running.Store(false)

	if port := p.notifyPort.Load(); port != 0 {
		p.info("proxy.shutdown.wake", "Waking notify port %d", port)
		if err := notify.Wake(int(port), 100*time.Millisecond); err != nil {
			p.info("proxy.shutdown.wake_fail", "Failed to connect: %v", err)
		}
	}

	if deliveryStarted {
		select {
		case <-p.deliveryDone:
		case <-time.After(deliveryJoinTimeout):
			p.warn("delivery.join_timeout", "Delivery goroutine did not finish in time")
		}
	}

	p.inject.Close()

	// The child is a session leader, so pid == pgid; the negative pid
	// reaches the whole group, not just a launch script.
	p.forwardSignal(unix.SIGTERM)

	return p.drainAndWait(ptyOut)
}

func (p *Proxy) forwardSignal(sig syscall.Signal) {
	_ = unix.Kill(-p.cmd.Process.Pid, sig)
}

// drainAndWait reaps the child while consuming leftover PTY output. If
// nobody reads the master, the kernel buffer fills and a child writing
// during shutdown blocks forever, deadlocking with our wait.
func (p *Proxy) drainAndWait(ptyOut <-chan []byte) int {
	waitCh := make(chan int, 1)
	go func() { waitCh <- waitExitCode(p.cmd) }()

	termDeadline := time.NewTimer(childTermTimeout)
	defer termDeadline.Stop()

	for {
		select {
		case code := <-waitCh:
			p.ptmx.Close()
			return code
		case _, ok := <-ptyOut:
			if !ok {
				ptyOut = nil // reader finished; nil channel blocks forever
			}
		case <-termDeadline.C:
			p.forwardSignal(unix.SIGKILL)
			killDeadline := time.NewTimer(childKillTimeout)
			defer killDeadline.Stop()
			for {
				select {
				case code := <-waitCh:
					p.ptmx.Close()
					return code
				case _, ok := <-ptyOut:
					if !ok {
						ptyOut = nil
					}
				case <-killDeadline.C:
					// Stuck in uninterruptible state - give up.
					p.ptmx.Close()
					return 1
				}
			}
		}
	}
}

// waitExitCode maps the child's wait status to an exit code: the child's
// own code, 128+signal when signaled, 1 otherwise.
func waitExitCode(cmd *exec.Cmd) int {
	err := cmd.Wait()
	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		if code := ee.ExitCode(); code >= 0 {
			return code
		}
	}
	return 1
}

// refreshScreenState publishes a consistent snapshot for the delivery loop.
func (p *Proxy) refreshScreenState() {
	var inputText *string
	if text, ok := p.tracker.InputBoxText(); ok {
		inputText = &text
	}
	p.sharedScreen.Set(delivery.ScreenState{
		Ready:          p.tracker.IsReady(),
		Approval:       p.tracker.IsWaitingApproval(),
		OutputStable1s: p.tracker.IsOutputStable(1000),
		PromptEmpty:    p.tracker.IsPromptEmpty(),
		InputText:      inputText,
		LastUserInput:  p.lastUserInput,
		LastOutput:     p.tracker.LastOutput(),
		Cols:           p.tracker.Cols(),
	})
}

// startDelivery launches the delivery goroutine (and, for Codex, the
// transcript watcher), waiting up to 5 seconds for its store and notify
// server to initialize. Init failure fails the wrapper fast.
func (p *Proxy) startDelivery() error {
	instanceName := p.opts.InstanceName
	if instanceName == "" {
		instanceName = p.cfg.InstanceName
	}
	if instanceName == "" {
		p.warn("delivery.skip.no_instance_name",
			"No instance name - delivery disabled. Set HCOM_INSTANCE_NAME.")
		close(p.deliveryDone)
		return nil
	}

	if p.toolKnown && p.tl == tool.Codex {
		go p.runTranscriptWatcher(instanceName)
	}

	initCh := make(chan error, 1)

	go func() {
		defer close(p.deliveryDone)

		p.info("delivery.start", "Starting delivery thread for %s", instanceName)

		st, err := store.Open(p.cfg.DBPath(), p.log)
		if err != nil {
			initCh <- fmt.Errorf("failed to open database: %w", err)
			return
		}
		defer st.Close()

		ns, err := notify.NewServer()
		if err != nil {
			initCh <- fmt.Errorf("failed to create notify server: %w", err)
			return
		}
		defer ns.Close()

		if err := st.RegisterNotifyPort(instanceName, ns.Port()); err != nil {
			initCh <- fmt.Errorf("failed to register notify port: %w", err)
			return
		}
		p.notifyPort.Store(int32(ns.Port()))
		p.info("notify.registered", "Registered notify port %d", ns.Port())

		if err := st.RegisterInjectPort(instanceName, p.inject.Port()); err != nil {
			p.warn("inject.register_fail", "Failed to register inject port: %v", err)
		}

		initCh <- nil

		loop := &delivery.Loop{
			Cfg:    p.cfg,
			Store:  st,
			Notify: ns,
			Env: &delivery.Env{
				Screen:               p.sharedScreen,
				InjectPort:           p.inject.Port(),
				UserActivityCooldown: delivery.UserActivityCooldown,
			},
			ToolCfg:  delivery.ConfigFor(p.tl),
			Running:  &p.running,
			Killed:   &p.killed,
			Name:     p.sharedName,
			Status:   p.sharedStatus,
			Instance: instanceName,
			Log:      p.log,
		}
		loop.Run()

		p.info("delivery.stop", "Delivery thread stopped for %s", instanceName)
	}()

	select {
	case err := <-initCh:
		if err != nil {
			p.logErr("delivery.init.fail", "Failed to initialize delivery: %v", err)
			return err
		}
		p.info("delivery.init.success", "Initialized delivery for %s", instanceName)
		return nil
	case <-time.After(deliveryInitTimeout):
		p.logErr("delivery.init.timeout", "Delivery thread init timed out after 5s")
		return errors.New("delivery thread initialization timed out")
	}
}

func (p *Proxy) runTranscriptWatcher(instanceName string) {
	st, err := store.Open(p.cfg.DBPath(), p.log)
	if err != nil {
		p.logErr("transcript.db_open_fail", "Failed to open DB: %v", err)
		return
	}
	defer st.Close()
	transcript.Run(&p.running, instanceName, 5*time.Second, st, p.log)
}
