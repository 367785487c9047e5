package audio

import "sync"

// Gate controls whether the capture callback produces chunks. The
// microphone device keeps running either way, so opening the gate never
// pays a device start latency.
type Gate struct {
	mu        sync.Mutex
	recording bool
}

// NewGate creates a closed gate.
func NewGate() *Gate {
	return &Gate{}
}

// Open starts chunk production.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recording = true
}

// Close stops chunk production.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.recording = false
}

// Recording reports whether chunks are being produced.
func (g *Gate) Recording() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.recording
}
