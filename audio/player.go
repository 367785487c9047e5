package audio

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"
)

var _ Device = (*OutputDevice)(nil)

type unitEvent struct {
	u        *Unit
	finished bool
}

// OutputDevice plays scheduled units through the default PortAudio
// output stream. The hardware callback renders the unit queue against a
// sample-accurate clock: silence until a unit's start time, then its
// samples, units strictly in schedule order. Unit starts and completions
// are posted to a drain goroutine so the callback never runs scheduler
// code.
type OutputDevice struct {
	format      Format
	blockFrames int
	logger      *slog.Logger

	stream      *portaudio.Stream
	clockFrames atomic.Int64
	events      chan unitEvent
	done        chan struct{}
	closeOnce   sync.Once

	mu    sync.Mutex
	queue []*Unit

	onStarted  func(*Unit)
	onFinished func(*Unit)
}

// NewOutputDevice initializes PortAudio and opens the default output
// stream at the given format. blockFrames is the callback period in
// frames.
func NewOutputDevice(format Format, blockFrames int, logger *slog.Logger) (*OutputDevice, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, &DeviceError{Op: "initialize portaudio", Err: err}
	}

	d := &OutputDevice{
		format:      format,
		blockFrames: blockFrames,
		logger:      logger,
		events:      make(chan unitEvent, 256),
		done:        make(chan struct{}),
	}

	stream, err := portaudio.OpenDefaultStream(
		0,
		format.Channels,
		float64(format.SampleRate),
		blockFrames,
		d.render,
	)
	if err != nil {
		portaudio.Terminate()
		return nil, &DeviceError{Op: "open output stream", Err: fmt.Errorf("%dHz/%dch: %w", format.SampleRate, format.Channels, err)}
	}
	d.stream = stream

	return d, nil
}

func (d *OutputDevice) Format() Format { return d.format }

// Clock returns the device timeline position: frames rendered since
// Start, as a duration.
func (d *OutputDevice) Clock() time.Duration {
	return time.Duration(d.clockFrames.Load()) * time.Second / time.Duration(d.format.SampleRate)
}

// Start begins streaming and event delivery.
func (d *OutputDevice) Start(onStarted, onFinished func(*Unit)) error {
	d.onStarted = onStarted
	d.onFinished = onFinished

	go d.drainEvents()

	if err := d.stream.Start(); err != nil {
		return fmt.Errorf("failed to start output stream: %w", err)
	}
	d.logger.Info("audio output started",
		"sample_rate", d.format.SampleRate,
		"channels", d.format.Channels,
		"block_frames", d.blockFrames)
	return nil
}

// Play places a unit on the render queue in schedule order.
func (d *OutputDevice) Play(u *Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()

	i := len(d.queue)
	for i > 0 && d.queue[i-1].StartAt > u.StartAt {
		i--
	}
	d.queue = append(d.queue, nil)
	copy(d.queue[i+1:], d.queue[i:])
	d.queue[i] = u
}

// Stop removes a unit from the render queue. No completion event is
// posted for a stopped unit.
func (d *OutputDevice) Stop(u *Unit) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for i, queued := range d.queue {
		if queued.ID == u.ID {
			d.queue = append(d.queue[:i], d.queue[i+1:]...)
			return
		}
	}
}

// render is the PortAudio callback. It must complete within one block
// period: a short queue critical section and sample copies only.
func (d *OutputDevice) render(out [][]float32) {
	frames := len(out[0])
	for ch := range out {
		for f := range out[ch] {
			out[ch][f] = 0
		}
	}

	clock := d.clockFrames.Load()
	channels := d.format.Channels

	d.mu.Lock()
	i := 0
	for i < frames && len(d.queue) > 0 {
		u := d.queue[0]
		total := len(u.Block.Samples) / channels
		begin := d.framesAt(u.StartAt) + int64(u.pos)

		if gap := begin - (clock + int64(i)); gap > 0 {
			// Schedule has not reached this unit yet; leave silence.
			if gap >= int64(frames-i) {
				break
			}
			i += int(gap)
			continue
		}

		n := total - u.pos
		if n > frames-i {
			n = frames - i
		}
		for f := 0; f < n; f++ {
			for ch := 0; ch < channels; ch++ {
				out[ch][i+f] = u.Block.Samples[(u.pos+f)*channels+ch]
			}
		}
		if u.pos == 0 && n > 0 {
			d.post(unitEvent{u: u})
		}
		u.pos += n
		i += n

		if u.pos >= total {
			d.queue = d.queue[1:]
			d.post(unitEvent{u: u, finished: true})
		}
	}
	d.mu.Unlock()

	d.clockFrames.Add(int64(frames))
}

func (d *OutputDevice) framesAt(t time.Duration) int64 {
	return int64(t) * int64(d.format.SampleRate) / int64(time.Second)
}

// post hands an event to the drain goroutine without ever blocking the
// hardware callback.
func (d *OutputDevice) post(ev unitEvent) {
	select {
	case d.events <- ev:
	default:
	}
}

func (d *OutputDevice) drainEvents() {
	for {
		select {
		case <-d.done:
			return
		case ev := <-d.events:
			if ev.finished {
				d.onFinished(ev.u)
			} else {
				d.onStarted(ev.u)
			}
		}
	}
}

// Close stops the stream and terminates PortAudio.
func (d *OutputDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
		if d.stream != nil {
			if err := d.stream.Stop(); err != nil {
				d.logger.Error("failed to stop output stream", "error", err)
			}
			if err := d.stream.Close(); err != nil {
				d.logger.Error("failed to close output stream", "error", err)
			}
		}
		portaudio.Terminate()
	})
	return nil
}
