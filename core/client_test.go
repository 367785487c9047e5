package core

import (
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/talkpipe/talkpipe-go/audio"
)

// fakeOutput implements audio.Device with a manually advanced clock so
// pipeline behavior can be asserted without hardware.
type fakeOutput struct {
	mu         sync.Mutex
	format     audio.Format
	clock      time.Duration
	played     []*audio.Unit
	stopped    []*audio.Unit
	onStarted  func(*audio.Unit)
	onFinished func(*audio.Unit)
}

func newFakeOutput(format audio.Format) *fakeOutput {
	return &fakeOutput{format: format}
}

func (d *fakeOutput) Format() audio.Format { return d.format }

func (d *fakeOutput) Clock() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock
}

func (d *fakeOutput) setClock(t time.Duration) {
	d.mu.Lock()
	d.clock = t
	d.mu.Unlock()
}

func (d *fakeOutput) Start(onStarted, onFinished func(*audio.Unit)) error {
	d.onStarted = onStarted
	d.onFinished = onFinished
	return nil
}

func (d *fakeOutput) Play(u *audio.Unit) {
	d.mu.Lock()
	d.played = append(d.played, u)
	d.mu.Unlock()
}

func (d *fakeOutput) Stop(u *audio.Unit) {
	d.mu.Lock()
	d.stopped = append(d.stopped, u)
	d.mu.Unlock()
}

func (d *fakeOutput) Close() error { return nil }

func (d *fakeOutput) playedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.played)
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []string
	texts    []string
	tools    []string
}

func (s *recordingSink) StateChanged(old, new DeviceState) {}

func (s *recordingSink) Transcription(text string) {
	s.mu.Lock()
	s.texts = append(s.texts, text)
	s.mu.Unlock()
}

func (s *recordingSink) ToolCall(tool string, args map[string]any) {
	s.mu.Lock()
	s.tools = append(s.tools, tool)
	s.mu.Unlock()
}

func (s *recordingSink) Status(message string) {
	s.mu.Lock()
	s.statuses = append(s.statuses, message)
	s.mu.Unlock()
}

func (s *recordingSink) lastStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.statuses) == 0 {
		return ""
	}
	return s.statuses[len(s.statuses)-1]
}

// newTestClient builds a client around the fake output device with a
// 4800-byte flush threshold (0.1s of PCM16 at 24kHz mono).
func newTestClient(t *testing.T) (*Client, *fakeOutput, *recordingSink) {
	t.Helper()

	var cfg Config
	cfg.Audio.PlaybackSampleRate = 24000
	cfg.Audio.Channels = 1
	cfg.Audio.FlushThresholdBytes = 4800

	dev := newFakeOutput(audio.Format{SampleRate: 24000, Channels: 1})
	capture := audio.NewCapture(audio.CaptureConfig{
		SampleRate: 16000,
		Channels:   1,
		BlockSize:  4096,
	}, testLogger())
	sink := &recordingSink{}

	c, err := newClient(cfg, dev, capture, testLogger(), sink)
	if err != nil {
		t.Fatalf("newClient failed: %v", err)
	}
	return c, dev, sink
}

// audioFrame builds an audio_response frame carrying n bytes of silence.
func audioFrame(n int) []byte {
	return []byte(`{"type":"audio_response","data":"` +
		base64.StdEncoding.EncodeToString(make([]byte, n)) + `"}`)
}

func TestConnectedOpensGateAndListens(t *testing.T) {
	c, _, sink := newTestClient(t)

	c.handleServerMessage([]byte(`{"type":"connected","message":"ready"}`))

	if !c.capture.Gate().Recording() {
		t.Error("capture gate should be open after connected")
	}
	if got := c.State(); got != DeviceStateListening {
		t.Errorf("state = %v, want listening", got)
	}
	if sink.lastStatus() != "ready" {
		t.Errorf("status = %q, want ready", sink.lastStatus())
	}
}

func TestAudioResponseAccumulatesBelowThreshold(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage(audioFrame(2400))

	if got := c.State(); got != DeviceStateSpeaking {
		t.Errorf("state = %v, want speaking", got)
	}
	if got := c.acc.Size(); got != 2400 {
		t.Errorf("accumulated %d bytes, want 2400", got)
	}
	if dev.playedCount() != 0 {
		t.Errorf("%d units played before threshold", dev.playedCount())
	}
}

func TestAudioResponseFlushesAtThreshold(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage(audioFrame(2400))
	c.handleServerMessage(audioFrame(2400))

	if dev.playedCount() != 1 {
		t.Fatalf("%d units played, want 1", dev.playedCount())
	}
	if got := c.acc.Size(); got != 0 {
		t.Errorf("accumulator holds %d bytes after flush, want 0", got)
	}

	u := dev.played[0]
	want := 100 * time.Millisecond
	if got := u.Block.Duration(); got != want {
		t.Errorf("unit duration = %v, want %v", got, want)
	}
}

func TestConsecutiveUnitsScheduleGaplessly(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage(audioFrame(4800))
	c.handleServerMessage(audioFrame(4800))

	if dev.playedCount() != 2 {
		t.Fatalf("%d units played, want 2", dev.playedCount())
	}
	first, second := dev.played[0], dev.played[1]
	if second.StartAt != first.End() {
		t.Errorf("second unit starts at %v, want %v", second.StartAt, first.End())
	}
}

func TestTurnCompletePlaysTailAndReverts(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	// Sub-threshold remainder: 2400 bytes is 50ms.
	c.handleServerMessage(audioFrame(2400))
	c.handleServerMessage([]byte(`{"type":"turn_complete"}`))

	if dev.playedCount() != 1 {
		t.Fatalf("%d units played, want the flushed tail", dev.playedCount())
	}
	if got := c.State(); got != DeviceStateSpeaking {
		t.Errorf("state = %v, want speaking while tail plays", got)
	}

	deadline := time.Now().Add(time.Second)
	for c.State() != DeviceStateListening {
		if time.Now().After(deadline) {
			t.Fatalf("state stuck at %v, want listening after playback drains", c.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestTurnCompleteWithEmptyBuffer(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage([]byte(`{"type":"turn_complete"}`))

	if dev.playedCount() != 0 {
		t.Errorf("%d units played from an empty buffer", dev.playedCount())
	}
	if got := c.State(); got != DeviceStateListening {
		t.Errorf("state = %v, want listening", got)
	}
}

func TestInterruptedClearsAllPlaybackState(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage(audioFrame(4800))
	c.handleServerMessage(audioFrame(4800))
	c.handleServerMessage(audioFrame(2400)) // pending remainder

	dev.setClock(30 * time.Millisecond)
	c.handleServerMessage([]byte(`{"type":"interrupted"}`))

	if got := c.sched.ActiveUnits(); got != 0 {
		t.Errorf("%d active units after interruption, want 0", got)
	}
	if got := c.acc.Size(); got != 0 {
		t.Errorf("accumulator holds %d bytes after interruption, want 0", got)
	}
	if got := c.sched.Cursor(); got != 30*time.Millisecond {
		t.Errorf("cursor = %v after interruption, want device clock", got)
	}
	enqueued, processed := c.sched.Counters()
	if enqueued != 0 || processed != 0 {
		t.Errorf("counters = (%d, %d) after interruption, want zeroed", enqueued, processed)
	}
	if got := c.State(); got != DeviceStateListening {
		t.Errorf("state = %v, want listening", got)
	}

	// Idempotent on an already-empty pipeline.
	c.handleServerMessage([]byte(`{"type":"interrupted"}`))
	if got := c.sched.ActiveUnits(); got != 0 {
		t.Errorf("%d active units after repeat interruption", got)
	}
}

func TestInterruptedSupersedesPendingTransition(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage(audioFrame(4800))
	c.handleServerMessage([]byte(`{"type":"turn_complete"}`))
	c.handleServerMessage([]byte(`{"type":"interrupted"}`))

	if got := c.State(); got != DeviceStateListening {
		t.Errorf("state = %v, want listening immediately", got)
	}
	if dev.playedCount() != 1 {
		t.Fatalf("%d units played, want 1", dev.playedCount())
	}
	if dev.played[0].State() != audio.UnitCancelled {
		t.Errorf("unit state = %v, want cancelled", dev.played[0].State())
	}
}

func TestTranscriptionAndToolCallReachSink(t *testing.T) {
	c, _, sink := newTestClient(t)

	c.handleServerMessage([]byte(`{"type":"transcription","text":"hello there"}`))
	c.handleServerMessage([]byte(`{"type":"tool_call","tool":"summarize","args":{}}`))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.texts) != 1 || sink.texts[0] != "hello there" {
		t.Errorf("transcriptions = %v", sink.texts)
	}
	if len(sink.tools) != 1 || sink.tools[0] != "summarize" {
		t.Errorf("tool calls = %v", sink.tools)
	}
}

func TestUndecodableAudioIsDropped(t *testing.T) {
	c, dev, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage([]byte(`{"type":"audio_response","data":"%%%"}`))

	if got := c.acc.Size(); got != 0 {
		t.Errorf("accumulator holds %d bytes from a bad fragment", got)
	}
	if dev.playedCount() != 0 {
		t.Errorf("%d units played from a bad fragment", dev.playedCount())
	}
}

func TestUnknownMessageKeepsState(t *testing.T) {
	c, _, _ := newTestClient(t)
	c.handleServerMessage([]byte(`{"type":"connected"}`))

	c.handleServerMessage([]byte(`{"type":"telemetry","x":1}`))

	if got := c.State(); got != DeviceStateListening {
		t.Errorf("state = %v, want listening", got)
	}
}
