// Package config provides configuration loading for the hcom PTY wrapper.
//
// All HCOM_* environment variable access goes through this package. The
// configuration is read once at startup into an immutable snapshot; derived
// paths (database, logs, daemon markers) hang off the base directory.
//
// Environment variables:
//   - HCOM_DIR: base directory (default ~/.hcom)
//   - HCOM_INSTANCE_NAME: instance name for delivery and logging
//   - HCOM_PROCESS_ID: process id for the daemon's process binding
//   - HCOM_PTY_MODE: "1" when a native PTY owns delivery
//   - HCOM_PTY_DEBUG: "1" to enable screen debug dumps
//   - HCOM_PYTHON: interpreter path for the fallback adapter (default python3)
package config

import (
	"os"
	"path/filepath"
)

// Config holds the frozen environment snapshot for one wrapper run.
type Config struct {
	// Dir is the hcom base directory.
	Dir string

	// InstanceName is the instance this wrapper delivers for. Empty
	// disables delivery (wrap-only mode).
	InstanceName string

	// ProcessID keys the process binding in the store. The binding, not
	// this value, is the source of truth for the instance name.
	ProcessID string

	// PTYMode reports whether a native PTY owns this instance's delivery.
	PTYMode bool

	// PTYDebug enables screen debug dumps from startup.
	PTYDebug bool

	// Interpreter is the adapter interpreter path.
	Interpreter string
}

// FromEnv reads the HCOM_* environment into a Config snapshot.
func FromEnv() *Config {
	dir := os.Getenv("HCOM_DIR")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".hcom")
		} else {
			dir = ".hcom"
		}
	}

	interpreter := os.Getenv("HCOM_PYTHON")
	if interpreter == "" {
		interpreter = "python3"
	}

	return &Config{
		Dir:          dir,
		InstanceName: os.Getenv("HCOM_INSTANCE_NAME"),
		ProcessID:    os.Getenv("HCOM_PROCESS_ID"),
		PTYMode:      os.Getenv("HCOM_PTY_MODE") == "1",
		PTYDebug:     os.Getenv("HCOM_PTY_DEBUG") == "1",
		Interpreter:  interpreter,
	}
}

// DBPath returns the shared store path (Dir/hcom.db).
func (c *Config) DBPath() string {
	return filepath.Join(c.Dir, "hcom.db")
}

// LogPath returns the JSONL log file path (Dir/.tmp/logs/hcom.log).
func (c *Config) LogPath() string {
	return filepath.Join(c.Dir, ".tmp", "logs", "hcom.log")
}

// SocketPath returns the daemon socket path (Dir/hcomd.sock).
func (c *Config) SocketPath() string {
	return filepath.Join(c.Dir, "hcomd.sock")
}

// PIDPath returns the daemon pid file path (Dir/hcomd.pid).
func (c *Config) PIDPath() string {
	return filepath.Join(c.Dir, "hcomd.pid")
}

// DaemonVersionPath returns the daemon version marker path.
// Written by the daemon on startup, read by clients to detect mismatch.
func (c *Config) DaemonVersionPath() string {
	return filepath.Join(c.Dir, ".tmp", "daemon.version")
}

// DebugFlagPath returns the runtime debug toggle flag path. Presence of the
// file enables debug dumps; removal disables them.
func (c *Config) DebugFlagPath() string {
	return filepath.Join(c.Dir, ".tmp", "pty_debug_on")
}

// DebugLogDir returns the directory for per-instance debug dumps.
func (c *Config) DebugLogDir() string {
	return filepath.Join(c.Dir, ".tmp", "logs", "pty_debug")
}
