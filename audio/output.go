package audio

import "time"

// Format describes a PCM stream layout.
type Format struct {
	SampleRate int
	Channels   int
}

// UnitState tracks a playback unit through its lifecycle.
// Scheduled to Playing to Finished, or cancelled from either.
// Finished and Cancelled are terminal and mutually exclusive.
type UnitState int

const (
	UnitScheduled UnitState = iota
	UnitPlaying
	UnitFinished
	UnitCancelled
)

func (s UnitState) String() string {
	switch s {
	case UnitScheduled:
		return "scheduled"
	case UnitPlaying:
		return "playing"
	case UnitFinished:
		return "finished"
	case UnitCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Unit is one decoded block bound to its scheduled start on the device
// timeline. The scheduler owns the set of live units; the device only
// reads samples and device-private progress fields.
type Unit struct {
	ID      uint64
	Block   SampleBlock
	StartAt time.Duration

	// state is guarded by the owning scheduler's mutex.
	state UnitState

	// pos counts frames already rendered. Device-private.
	pos int
}

// State returns the unit state as last set by the scheduler. Only
// meaningful while holding no assumption of concurrent transitions.
func (u *Unit) State() UnitState { return u.state }

// End returns the scheduled end of the unit on the device timeline.
func (u *Unit) End() time.Duration { return u.StartAt + u.Block.Duration() }

// Device is an output device with a monotonic clock in its own time
// domain. Play and Stop must never block; unit starts and completions
// are reported on the callbacks passed to Start, from outside the
// hardware callback.
type Device interface {
	Format() Format
	Clock() time.Duration
	Start(onStarted, onFinished func(*Unit)) error
	Play(u *Unit)
	Stop(u *Unit)
	Close() error
}
