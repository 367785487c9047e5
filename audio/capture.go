package audio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/talkpipe/talkpipe-go/metrics"
)

// CaptureConfig holds the capture-side tunables. The device is opened
// directly at the wire rate, so no online resampling happens between the
// microphone and the network.
type CaptureConfig struct {
	SampleRate int
	Channels   int
	// BlockSize is the samples per device callback: the knob trading
	// latency against per-block overhead.
	BlockSize int
	// QueueDepth bounds the capture-to-network handoff queue.
	QueueDepth int
}

// Capture pulls float sample blocks from the default microphone at a
// fixed block size, encodes each one to PCM16LE and hands the chunk to a
// bounded queue. The device callback never blocks: when the queue is
// full the newest chunk is dropped, and when nobody is sending the gate
// keeps the callback from producing at all.
type Capture struct {
	cfg    CaptureConfig
	gate   *Gate
	logger *slog.Logger
	chunks chan WireChunk
}

// NewCapture creates a capture pipeline. Run must be called to open the
// device.
func NewCapture(cfg CaptureConfig, logger *slog.Logger) *Capture {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 64
	}
	return &Capture{
		cfg:    cfg,
		gate:   NewGate(),
		logger: logger,
		chunks: make(chan WireChunk, cfg.QueueDepth),
	}
}

// Chunks returns the bounded queue of encoded capture chunks.
func (c *Capture) Chunks() <-chan WireChunk { return c.chunks }

// Gate returns the recording gate.
func (c *Capture) Gate() *Gate { return c.gate }

// Run opens the default capture device and produces chunks until the
// context is cancelled.
func (c *Capture) Run(ctx context.Context) error {
	if c.cfg.BlockSize <= 0 {
		return &DeviceError{Op: "open capture", Err: fmt.Errorf("invalid capture block size %d", c.cfg.BlockSize)}
	}

	malgoCtx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		c.logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return &DeviceError{Op: "initialize capture context", Err: err}
	}
	defer func() {
		_ = malgoCtx.Uninit()
		malgoCtx.Free()
	}()

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(c.cfg.Channels)
	deviceConfig.SampleRate = uint32(c.cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(c.cfg.BlockSize / c.cfg.Channels)

	captureCallback := func(_, raw []byte, _ uint32) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !c.gate.Recording() {
			return
		}

		block := SampleBlock{
			Samples:    bytesToFloat32(raw),
			SampleRate: c.cfg.SampleRate,
			Channels:   c.cfg.Channels,
		}
		chunk := WireChunk{
			Data:      EncodePCM16(block),
			Timestamp: time.Now().UnixMicro(),
		}

		select {
		case c.chunks <- chunk:
			metrics.Default().ChunksCaptured.Inc()
		default:
			metrics.Default().ChunksDropped.Inc()
			c.logger.Warn("capture queue full, dropping chunk", "bytes", len(chunk.Data))
		}
	}

	device, err := malgo.InitDevice(malgoCtx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: captureCallback,
	})
	if err != nil {
		return &DeviceError{Op: "open capture device", Err: err}
	}
	defer device.Uninit()

	if err := device.Start(); err != nil {
		return &DeviceError{Op: "start capture device", Err: err}
	}
	defer device.Stop()

	c.logger.Info("audio capture started",
		"sample_rate", c.cfg.SampleRate,
		"channels", c.cfg.Channels,
		"block_size", c.cfg.BlockSize)

	<-ctx.Done()
	c.logger.Info("audio capture stopped")
	return nil
}

// bytesToFloat32 reinterprets little-endian IEEE float32 capture bytes.
func bytesToFloat32(b []byte) []float32 {
	samples := make([]float32, len(b)/4)
	for i := range samples {
		samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return samples
}
