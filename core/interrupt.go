package core

import (
	"log/slog"

	"github.com/talkpipe/talkpipe-go/audio"
	"github.com/talkpipe/talkpipe-go/metrics"
)

// Interrupter handles barge-in. Unlike the overflow guard, which only
// fires past the backlog bound, interruption is externally driven and
// always cancels everything.
type Interrupter struct {
	sched   *audio.Scheduler
	acc     *audio.Accumulator
	session *Session
	logger  *slog.Logger
}

// NewInterrupter wires the interruption controller to the playback
// state it supervises.
func NewInterrupter(sched *audio.Scheduler, acc *audio.Accumulator, session *Session, logger *slog.Logger) *Interrupter {
	return &Interrupter{
		sched:   sched,
		acc:     acc,
		session: session,
		logger:  logger,
	}
}

// Interrupt cancels every outstanding playback unit, clears pending
// inbound audio, resets the timeline to "now" and moves the session
// away from Speaking. Idempotent: an empty active set is a no-op reset.
func (i *Interrupter) Interrupt() {
	i.session.CancelPending()

	cancelled := i.sched.CancelAll()
	i.acc.Reset()

	if i.session.State() == DeviceStateSpeaking {
		i.session.Set(DeviceStateListening)
	}

	metrics.Default().Interruptions.Inc()
	i.logger.Info("playback interrupted", "cancelled_units", cancelled)
}
