package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/talkpipe/talkpipe-go/metrics"
)

// SchedulerConfig holds the scheduler's tunables.
type SchedulerConfig struct {
	// MaxBacklog is the overflow bound: once more than this many units
	// are scheduled but unfinished, the guard performs a lossy cutover.
	MaxBacklog int
}

// Scheduler owns the gapless playback timeline. Each enqueued block is
// bound to a unit starting exactly where the previous one ends, or at
// "now" when playback has caught up with the schedule. The scheduler is
// the single writer of the active-unit set and the queue counters; the
// device reports completions back through the callback wired in Start.
type Scheduler struct {
	dev    Device
	cfg    SchedulerConfig
	logger *slog.Logger

	mu        sync.Mutex
	cursor    time.Duration
	active    map[uint64]*Unit
	nextID    uint64
	enqueued  uint64
	processed uint64
}

// NewScheduler creates a scheduler bound to an output device and starts
// the device's completion stream.
func NewScheduler(dev Device, cfg SchedulerConfig, logger *slog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		dev:    dev,
		cfg:    cfg,
		logger: logger,
		active: make(map[uint64]*Unit),
	}
	if err := dev.Start(s.started, s.finish); err != nil {
		return nil, &DeviceError{Op: "start output", Err: err}
	}
	return s, nil
}

// started is the device start callback.
func (s *Scheduler) started(u *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.state == UnitScheduled {
		u.state = UnitPlaying
	}
}

// Enqueue schedules a block for gapless playback and runs the overflow
// guard. It returns the created unit, or nil if the guard discarded the
// schedule during this call.
func (s *Scheduler) Enqueue(block SampleBlock) (*Unit, error) {
	format := s.dev.Format()
	if block.SampleRate != format.SampleRate || block.Channels != format.Channels {
		return nil, &PlaybackError{Reason: fmt.Sprintf(
			"block format %dHz/%dch does not match device %dHz/%dch",
			block.SampleRate, block.Channels, format.SampleRate, format.Channels)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.dev.Clock()
	if s.cursor < now {
		s.logger.Debug("playback underrun, cursor reset",
			"cursor", s.cursor, "now", now)
		metrics.Default().Underruns.Inc()
		s.cursor = now
	}

	s.nextID++
	u := &Unit{
		ID:      s.nextID,
		Block:   block,
		StartAt: s.cursor,
		state:   UnitScheduled,
	}
	s.cursor += block.Duration()
	s.active[u.ID] = u
	s.enqueued++
	metrics.Default().UnitsScheduled.Inc()
	metrics.Default().Backlog.Set(float64(s.enqueued - s.processed))

	s.dev.Play(u)

	if s.guardLocked(now) {
		return nil, nil
	}
	return u, nil
}

// guardLocked is the overflow guard, run after every enqueue. A backlog
// past MaxBacklog means the consumer cannot keep pace and everything
// already buffered is stale, so bounded memory wins over zero loss.
// Returns true when a cutover discarded the schedule.
func (s *Scheduler) guardLocked(now time.Duration) bool {
	backlog := s.enqueued - s.processed
	if s.cfg.MaxBacklog <= 0 || backlog <= uint64(s.cfg.MaxBacklog) {
		return false
	}

	dropped := s.discardAllLocked()
	s.cursor = now
	s.logger.Warn("playback backlog over bound, emergency cutover",
		"backlog", backlog, "max", s.cfg.MaxBacklog, "dropped", dropped)
	metrics.Default().OverflowCutovers.Inc()
	return true
}

// CancelAll stops and discards every live unit and resets the timeline
// to "now". Safe to call with an empty active set. Returns the number of
// units cancelled.
func (s *Scheduler) CancelAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	dropped := s.discardAllLocked()
	s.cursor = s.dev.Clock()
	return dropped
}

// discardAllLocked cancels every active unit and zeroes the counters.
func (s *Scheduler) discardAllLocked() int {
	dropped := 0
	for id, u := range s.active {
		s.dev.Stop(u)
		u.state = UnitCancelled
		delete(s.active, id)
		dropped++
	}
	s.enqueued = 0
	s.processed = 0
	metrics.Default().Backlog.Set(0)
	if dropped > 0 {
		metrics.Default().UnitsDiscarded.Add(float64(dropped))
	}
	return dropped
}

// finish is the device completion callback. A unit cancelled while the
// completion was in flight stays cancelled; it is never double-marked.
func (s *Scheduler) finish(u *Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.state == UnitCancelled {
		return
	}
	if _, ok := s.active[u.ID]; !ok {
		return
	}
	u.state = UnitFinished
	delete(s.active, u.ID)
	s.processed++
	metrics.Default().UnitsFinished.Inc()
	metrics.Default().Backlog.Set(float64(s.enqueued - s.processed))
}

// Remaining returns how much scheduled audio is still ahead of the
// device clock, floored at zero. Drives the delayed speaking-to-listening
// transition.
func (s *Scheduler) Remaining() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	rem := s.cursor - s.dev.Clock()
	if rem < 0 {
		return 0
	}
	return rem
}

// Backlog returns the number of units scheduled but not yet finished.
func (s *Scheduler) Backlog() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.enqueued - s.processed)
}

// Counters returns the monotonic enqueued and processed counts since the
// last reset.
func (s *Scheduler) Counters() (enqueued, processed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueued, s.processed
}

// Cursor returns the next scheduled start time on the device timeline.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// ActiveUnits returns the number of live units.
func (s *Scheduler) ActiveUnits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
