package audio

import "sync"

// WireChunk is a run of PCM16LE bytes crossing the network boundary,
// tagged with a logical timestamp in the output-device clock domain.
type WireChunk struct {
	Data      []byte
	Timestamp int64 // microseconds
}

// Accumulator collects inbound wire chunks until roughly a second of
// audio is pending, then consolidates them into one decoded block.
// Flushing per arriving chunk (tens of milliseconds each) would swamp
// the scheduler with tiny units; batching amortizes that overhead.
type Accumulator struct {
	mu         sync.Mutex
	threshold  int
	sampleRate int
	channels   int
	pending    [][]byte
	size       int
}

// NewAccumulator creates an accumulator that flushes once thresholdBytes
// of PCM16LE data at the given playback format is pending.
func NewAccumulator(thresholdBytes, sampleRate, channels int) *Accumulator {
	return &Accumulator{
		threshold:  thresholdBytes,
		sampleRate: sampleRate,
		channels:   channels,
	}
}

// Push appends a chunk to the pending buffer in arrival order.
func (a *Accumulator) Push(data []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, data)
	a.size += len(data)
}

// ShouldFlush reports whether the pending byte length has reached the
// configured threshold.
func (a *Accumulator) ShouldFlush() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size >= a.threshold
}

// Size returns the pending byte length.
func (a *Accumulator) Size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

// Flush concatenates every pending chunk in arrival order, decodes the
// result into a single block and resets the buffer. Flushing never
// reorders chunks.
func (a *Accumulator) Flush() (SampleBlock, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	joined := make([]byte, 0, a.size)
	for _, chunk := range a.pending {
		joined = append(joined, chunk...)
	}
	a.pending = nil
	a.size = 0

	return DecodePCM16(joined, a.sampleRate, a.channels)
}

// Reset discards all pending chunks. Called on interruption, overflow
// recovery and disconnect.
func (a *Accumulator) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = nil
	a.size = 0
}
