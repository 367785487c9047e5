package core

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestInitialStateIsIdle(t *testing.T) {
	s := NewSession(testLogger(), nil)
	if s.State() != DeviceStateIdle {
		t.Errorf("initial state = %v, want idle", s.State())
	}
}

func TestMarkSpeaking(t *testing.T) {
	s := NewSession(testLogger(), nil)

	// Only listening or speaking sessions can mark speaking.
	s.MarkSpeaking()
	if s.State() != DeviceStateIdle {
		t.Errorf("state = %v, want idle (no transition from idle)", s.State())
	}

	s.Set(DeviceStateListening)
	s.MarkSpeaking()
	if s.State() != DeviceStateSpeaking {
		t.Errorf("state = %v, want speaking", s.State())
	}
}

func TestScheduleListeningReverts(t *testing.T) {
	s := NewSession(testLogger(), nil)
	s.Set(DeviceStateListening)
	s.MarkSpeaking()

	s.ScheduleListening(10 * time.Millisecond)
	if s.State() != DeviceStateSpeaking {
		t.Error("state must hold speaking during the delay window")
	}

	deadline := time.Now().Add(time.Second)
	for s.State() != DeviceStateListening {
		if time.Now().After(deadline) {
			t.Fatal("delayed transition to listening never fired")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestScheduleListeningImmediate(t *testing.T) {
	s := NewSession(testLogger(), nil)
	s.Set(DeviceStateListening)
	s.MarkSpeaking()

	// No remaining playback: revert without arming a timer.
	s.ScheduleListening(0)
	if s.State() != DeviceStateListening {
		t.Errorf("state = %v, want listening", s.State())
	}
}

func TestPlaybackFrameSupersedesPendingRevert(t *testing.T) {
	s := NewSession(testLogger(), nil)
	s.Set(DeviceStateListening)
	s.MarkSpeaking()

	s.ScheduleListening(20 * time.Millisecond)
	s.MarkSpeaking() // next turn started before the delay elapsed

	time.Sleep(80 * time.Millisecond)
	if s.State() != DeviceStateSpeaking {
		t.Errorf("state = %v, want speaking (stale revert must not fire)", s.State())
	}
}

func TestCancelPending(t *testing.T) {
	s := NewSession(testLogger(), nil)
	s.Set(DeviceStateListening)
	s.MarkSpeaking()

	s.ScheduleListening(20 * time.Millisecond)
	s.CancelPending()

	time.Sleep(80 * time.Millisecond)
	if s.State() != DeviceStateSpeaking {
		t.Errorf("state = %v, want speaking (cancelled revert must not fire)", s.State())
	}
}

func TestSetCancelsPending(t *testing.T) {
	s := NewSession(testLogger(), nil)
	s.Set(DeviceStateListening)
	s.MarkSpeaking()
	s.ScheduleListening(20 * time.Millisecond)

	s.Set(DeviceStateDisconnected)
	time.Sleep(80 * time.Millisecond)
	if s.State() != DeviceStateDisconnected {
		t.Errorf("state = %v, want disconnected", s.State())
	}
}
