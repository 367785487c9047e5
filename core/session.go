package core

import (
	"log/slog"
	"sync"
	"time"
)

// DeviceState tracks the externally visible session state.
type DeviceState string

const (
	DeviceStateIdle         DeviceState = "idle"
	DeviceStateConnecting   DeviceState = "connecting"
	DeviceStateListening    DeviceState = "listening"
	DeviceStateSpeaking     DeviceState = "speaking"
	DeviceStateDisconnected DeviceState = "disconnected"
)

// StatusSink receives display-only session events. The UI collaborator
// implements it; a nil sink is ignored.
type StatusSink interface {
	StateChanged(old, new DeviceState)
	Transcription(text string)
	ToolCall(tool string, args map[string]any)
	Status(message string)
}

// Session is the connection/listening/speaking state machine. The
// speaking-to-listening transition after a completed turn is delayed by
// the remaining scheduled playback so the speaking indicator holds until
// audio actually finishes; that pending transition is superseded by any
// later playback frame or interruption.
type Session struct {
	mu     sync.Mutex
	state  DeviceState
	logger *slog.Logger
	sink   StatusSink

	pending    *time.Timer
	pendingGen uint64
}

// NewSession creates a session in the Idle state.
func NewSession(logger *slog.Logger, sink StatusSink) *Session {
	return &Session{
		state:  DeviceStateIdle,
		logger: logger,
		sink:   sink,
	}
}

// State returns the current state.
func (s *Session) State() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Set transitions to the given state, cancelling any pending delayed
// transition.
func (s *Session) Set(state DeviceState) {
	s.mu.Lock()
	s.cancelPendingLocked()
	old := s.setLocked(state)
	s.mu.Unlock()
	s.notify(old, state)
}

// MarkSpeaking enters Speaking on an inbound playback frame, superseding
// any pending revert to Listening.
func (s *Session) MarkSpeaking() {
	s.mu.Lock()
	s.cancelPendingLocked()
	old := s.state
	if old != DeviceStateListening && old != DeviceStateSpeaking {
		s.mu.Unlock()
		return
	}
	s.setLocked(DeviceStateSpeaking)
	s.mu.Unlock()
	s.notify(old, DeviceStateSpeaking)
}

// ScheduleListening arms the delayed speaking-to-listening transition.
// A later MarkSpeaking, Set or CancelPending call supersedes it; a stale
// timer that fires anyway is ignored via the generation counter.
func (s *Session) ScheduleListening(after time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelPendingLocked()
	s.pendingGen++
	gen := s.pendingGen

	if after <= 0 {
		s.revertLocked(gen)
		return
	}

	s.logger.Debug("turn complete, holding speaking state", "remaining", after)
	s.pending = time.AfterFunc(after, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.revertLocked(gen)
	})
}

func (s *Session) revertLocked(gen uint64) {
	if gen != s.pendingGen || s.state != DeviceStateSpeaking {
		return
	}
	old := s.setLocked(DeviceStateListening)
	go s.notify(old, DeviceStateListening)
}

// CancelPending drops any armed delayed transition without changing
// state.
func (s *Session) CancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelPendingLocked()
}

func (s *Session) cancelPendingLocked() {
	s.pendingGen++
	if s.pending != nil {
		s.pending.Stop()
		s.pending = nil
	}
}

func (s *Session) setLocked(state DeviceState) (old DeviceState) {
	old = s.state
	if old != state {
		s.state = state
		s.logger.Info("session state changed", "from", old, "to", state)
	}
	return old
}

func (s *Session) notify(old, new DeviceState) {
	if s.sink != nil && old != new {
		s.sink.StateChanged(old, new)
	}
}
