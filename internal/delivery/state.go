package delivery

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

// ScreenState is the snapshot of gate-relevant screen facts. The PTY loop
// is its single writer; the delivery loop reads it. Every write replaces
// the whole struct so readers never observe a torn mix.
type ScreenState struct {
	Ready          bool
	Approval       bool
	OutputStable1s bool
	PromptEmpty    bool
	// InputText is the tool's input box contents; nil means the prompt
	// could not be located (unsafe).
	InputText     *string
	LastUserInput time.Time
	// LastOutput feeds stability-based status recovery.
	LastOutput time.Time
	// Cols is the terminal width, for sizing inject previews.
	Cols int
}

// SharedScreen is the cross-goroutine cell holding the latest ScreenState.
type SharedScreen struct {
	mu deadlock.RWMutex
	st ScreenState
}

// NewSharedScreen returns a cell with sane zero-time defaults.
func NewSharedScreen() *SharedScreen {
	return &SharedScreen{st: ScreenState{
		LastUserInput: time.Now(),
		LastOutput:    time.Now(),
		Cols:          80,
	}}
}

// Set replaces the snapshot.
func (s *SharedScreen) Set(st ScreenState) {
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
}

// Get copies the snapshot out.
func (s *SharedScreen) Get() ScreenState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st
}

// NoteUserInput stamps user activity and clears the approval flag. Called
// from the stdin path between full refreshes.
func (s *SharedScreen) NoteUserInput(t time.Time) {
	s.mu.Lock()
	s.st.LastUserInput = t
	s.st.Approval = false
	s.mu.Unlock()
}

// SharedText is a string cell shared between the delivery loop (writer) and
// the PTY loop (reader, for title rendering).
type SharedText struct {
	mu deadlock.RWMutex
	v  string
}

// NewSharedText returns a cell holding v.
func NewSharedText(v string) *SharedText {
	return &SharedText{v: v}
}

// Set stores v.
func (s *SharedText) Set(v string) {
	s.mu.Lock()
	s.v = v
	s.mu.Unlock()
}

// Get loads the current value.
func (s *SharedText) Get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v
}
