package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkpipe/talkpipe-go/audio"
	"github.com/talkpipe/talkpipe-go/logger"
	"github.com/talkpipe/talkpipe-go/metrics"
	"github.com/talkpipe/talkpipe-go/pkg/interfaces"
	"github.com/talkpipe/talkpipe-go/protocols/websocket"
	"github.com/talkpipe/talkpipe-go/utils"
)

// Config is the client configuration, loaded from YAML via viper.
type Config struct {
	System struct {
		DeviceID string `mapstructure:"device_id"`

		Network struct {
			Transport string           `mapstructure:"transport"`
			Websocket *WebsocketConfig `mapstructure:"websocket"`
		} `mapstructure:"network"`
	} `mapstructure:"system"`

	Audio struct {
		CaptureSampleRate  int `mapstructure:"capture_sample_rate"`
		PlaybackSampleRate int `mapstructure:"playback_sample_rate"`
		Channels           int `mapstructure:"channels"`

		// The three pipeline knobs. Empirically chosen defaults, not law:
		// tune against target hardware and network.
		CaptureBlockSize    int `mapstructure:"capture_block_size"`
		FlushThresholdBytes int `mapstructure:"flush_threshold_bytes"`
		OverflowMaxUnits    int `mapstructure:"overflow_max_units"`

		PlaybackBlockFrames int `mapstructure:"playback_block_frames"`
	} `mapstructure:"audio"`

	Logging logger.Config `mapstructure:"logging"`
}

type WebsocketConfig struct {
	URL         string `mapstructure:"url"`
	AccessToken string `mapstructure:"access_token"`
}

func (c *Config) applyDefaults() {
	if c.Audio.CaptureSampleRate == 0 {
		c.Audio.CaptureSampleRate = 16000
	}
	if c.Audio.PlaybackSampleRate == 0 {
		c.Audio.PlaybackSampleRate = 24000
	}
	if c.Audio.Channels == 0 {
		c.Audio.Channels = 1
	}
	if c.Audio.CaptureBlockSize == 0 {
		c.Audio.CaptureBlockSize = 4096
	}
	if c.Audio.FlushThresholdBytes == 0 {
		// ~1s of PCM16 at the playback rate
		c.Audio.FlushThresholdBytes = c.Audio.PlaybackSampleRate * c.Audio.Channels * 2
	}
	if c.Audio.OverflowMaxUnits == 0 {
		c.Audio.OverflowMaxUnits = 50
	}
	if c.Audio.PlaybackBlockFrames == 0 {
		c.Audio.PlaybackBlockFrames = 1024
	}
}

// Client runs the duplex pipeline: microphone chunks out to the backend,
// synthesized speech fragments back in through the accumulator and the
// playback scheduler. One message-loop goroutine serializes all access
// to the accumulator, the scheduler and the guard; the capture and
// output device callbacks only touch their own queues.
type Client struct {
	config   Config
	clientID string
	logger   *slog.Logger
	sink     StatusSink

	session     *Session
	capture     *audio.Capture
	device      audio.Device
	sched       *audio.Scheduler
	acc         *audio.Accumulator
	interrupter *Interrupter
	backoff     utils.ReconnectStrategy

	transportMu sync.RWMutex
	transport   interfaces.TransportProtocol

	closeChan  chan struct{}
	closeOnce  sync.Once
	captureErr chan error
	wg         sync.WaitGroup
}

// NewClient creates a client on the real capture and output devices.
func NewClient(cfg Config, log *slog.Logger, sink StatusSink) (*Client, error) {
	if log == nil {
		return nil, errors.New("logger cannot be nil")
	}
	cfg.applyDefaults()

	dev, err := audio.NewOutputDevice(
		audio.Format{SampleRate: cfg.Audio.PlaybackSampleRate, Channels: cfg.Audio.Channels},
		cfg.Audio.PlaybackBlockFrames,
		log,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create output device: %w", err)
	}

	capture := audio.NewCapture(audio.CaptureConfig{
		SampleRate: cfg.Audio.CaptureSampleRate,
		Channels:   cfg.Audio.Channels,
		BlockSize:  cfg.Audio.CaptureBlockSize,
	}, log)

	return newClient(cfg, dev, capture, log, sink)
}

// newClient wires the pipeline around the given devices.
func newClient(cfg Config, dev audio.Device, capture *audio.Capture, log *slog.Logger, sink StatusSink) (*Client, error) {
	cfg.applyDefaults()

	sched, err := audio.NewScheduler(dev, audio.SchedulerConfig{MaxBacklog: cfg.Audio.OverflowMaxUnits}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create playback scheduler: %w", err)
	}

	acc := audio.NewAccumulator(cfg.Audio.FlushThresholdBytes, cfg.Audio.PlaybackSampleRate, cfg.Audio.Channels)
	session := NewSession(log, sink)

	return &Client{
		config:      cfg,
		clientID:    uuid.NewString(),
		logger:      log,
		sink:        sink,
		session:     session,
		capture:     capture,
		device:      dev,
		sched:       sched,
		acc:         acc,
		interrupter: NewInterrupter(sched, acc, session, log),
		backoff:     utils.NewExponentialBackoff(),
		closeChan:   make(chan struct{}),
		captureErr:  make(chan error, 1),
	}, nil
}

// Run drives the client until the context is cancelled, Close is called
// or a device fails. Transport closure is not fatal: the session resets
// and reconnection re-enters Connecting with exponential backoff.
func (c *Client) Run(ctx context.Context) error {
	c.logger.Info("starting client")
	defer c.logger.Info("client stopped")

	captureCtx, cancelCapture := context.WithCancel(ctx)
	defer cancelCapture()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.capture.Run(captureCtx); err != nil && captureCtx.Err() == nil {
			select {
			case c.captureErr <- err:
			default:
			}
		}
	}()

	c.wg.Add(1)
	go c.sendLoop(ctx)

	for {
		if err := c.connect(ctx); err != nil {
			c.logger.Error("connection failed", "error", err)
			c.session.Set(DeviceStateDisconnected)
			if !c.waitRetry(ctx) {
				return nil
			}
			continue
		}
		c.backoff.Reset()

		err := c.messageLoop(ctx)
		c.teardown()

		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrConnectionLost):
			c.logger.Warn("transport closed, reconnecting")
			metrics.Default().Reconnects.Inc()
			if !c.waitRetry(ctx) {
				return nil
			}
		default:
			return err
		}
	}
}

// waitRetry sleeps for the backoff delay. Returns false when the client
// is shutting down.
func (c *Client) waitRetry(ctx context.Context) bool {
	delay := c.backoff.NextDelay()
	c.logger.Info("retrying connection", "delay", delay)
	select {
	case <-ctx.Done():
		return false
	case <-c.closeChan:
		return false
	case <-time.After(delay):
		return true
	}
}

func (c *Client) connect(ctx context.Context) error {
	c.session.Set(DeviceStateConnecting)
	c.logger.Info("connecting to server",
		"url", c.config.System.Network.Websocket.URL,
		"transport", c.config.System.Network.Transport)

	transport, err := NewProtocol(c.config, c.clientID)
	if err != nil {
		return err
	}
	if err := transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrConnectionFailed, err)
	}

	c.transportMu.Lock()
	c.transport = transport
	c.transportMu.Unlock()
	return nil
}

// messageLoop is the single consumer of inbound messages. Accumulator,
// scheduler and guard state are only touched from here, so their short
// critical sections never contend with another writer.
func (c *Client) messageLoop(ctx context.Context) error {
	transport := c.currentTransport()
	msgs := transport.Receive()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.closeChan:
			return nil
		case err := <-c.captureErr:
			c.logger.Error("capture device failed", "error", err)
			return err
		case msg, ok := <-msgs:
			if !ok {
				return ErrConnectionLost
			}
			if msg.Type != interfaces.MsgText {
				c.logger.Debug("ignoring non-text frame", "size", len(msg.Payload))
				continue
			}
			c.handleServerMessage(msg.Payload)
		}
	}
}

// handleServerMessage dispatches one inbound frame. The variant switch
// is exhaustive over the closed message set.
func (c *Client) handleServerMessage(data []byte) {
	msg, err := ParseServerMessage(data)
	if err != nil {
		c.logger.Error("failed to parse server message", "error", err)
		return
	}

	switch m := msg.(type) {
	case ConnectedMessage:
		c.logger.Info("backend session established", "message", m.Message)
		c.capture.Gate().Open()
		c.session.Set(DeviceStateListening)
		if c.sink != nil {
			c.sink.Status(m.Message)
		}

	case AudioResponseMessage:
		pcm, err := m.PCM()
		if err != nil {
			metrics.Default().FormatErrors.Inc()
			c.logger.Error("dropping undecodable audio fragment", "error", err)
			return
		}
		c.session.MarkSpeaking()
		c.acc.Push(pcm)
		if c.acc.ShouldFlush() {
			c.flushPlayback()
		}

	case TurnCompleteMessage:
		// Play out whatever is left of the turn, then hold the speaking
		// indicator until scheduled audio actually finishes.
		c.flushPlayback()
		c.session.ScheduleListening(c.sched.Remaining())

	case InterruptedMessage:
		c.interrupter.Interrupt()

	case TranscriptionMessage:
		if c.sink != nil {
			c.sink.Transcription(m.Text)
		}

	case ToolCallMessage:
		c.logger.Info("tool call", "tool", m.Tool)
		if c.sink != nil {
			c.sink.ToolCall(m.Tool, m.Args)
		}

	case ErrorMessage:
		c.logger.Error("server reported error", "message", m.Message)
		if c.sink != nil {
			c.sink.Status("error: " + m.Message)
		}

	case UnknownMessage:
		c.logger.Warn("unknown message type received", "type", m.Type)
	}
}

// flushPlayback consolidates pending inbound audio into one scheduled
// unit. Malformed data and rejected blocks are dropped locally; the
// pipeline continues.
func (c *Client) flushPlayback() {
	if c.acc.Size() == 0 {
		return
	}

	block, err := c.acc.Flush()
	if err != nil {
		metrics.Default().FormatErrors.Inc()
		c.logger.Error("dropping malformed playback buffer", "error", err)
		return
	}

	if _, err := c.sched.Enqueue(block); err != nil {
		c.logger.Error("playback unit rejected", "error", err)
	}
}

// sendLoop forwards encoded capture chunks to the transport. Chunks
// produced while the transport is down are dropped silently: capture
// must never back up waiting for the network.
func (c *Client) sendLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeChan:
			return
		case chunk := <-c.capture.Chunks():
			transport := c.currentTransport()
			if transport == nil {
				continue
			}
			payload, err := EncodeAudioChunk(chunk.Data, chunk.Timestamp)
			if err != nil {
				c.logger.Error("failed to encode audio chunk", "error", err)
				continue
			}
			if err := transport.Send(payload, interfaces.MsgText); err != nil {
				c.logger.Debug("failed to send audio chunk", "error", err)
			}
		}
	}
}

// teardown is the transport-failure path: stop producing capture
// chunks, reset playback equivalently to an interruption and mark the
// session disconnected.
func (c *Client) teardown() {
	c.capture.Gate().Close()
	c.session.CancelPending()
	c.sched.CancelAll()
	c.acc.Reset()
	c.session.Set(DeviceStateDisconnected)

	c.transportMu.Lock()
	transport := c.transport
	c.transport = nil
	c.transportMu.Unlock()

	if transport != nil {
		if err := transport.Close(); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	}
	if c.sink != nil {
		c.sink.Status("disconnected")
	}
}

func (c *Client) currentTransport() interfaces.TransportProtocol {
	c.transportMu.RLock()
	defer c.transportMu.RUnlock()
	return c.transport
}

// EndTurn tells the backend the user finished speaking.
func (c *Client) EndTurn() error {
	transport := c.currentTransport()
	if transport == nil {
		return ErrNotConnected
	}
	payload, err := EncodeEndOfTurn()
	if err != nil {
		return err
	}
	return transport.Send(payload, interfaces.MsgText)
}

// State returns the current session state.
func (c *Client) State() DeviceState {
	return c.session.State()
}

// Close requests a graceful stop and waits for the loops to exit.
func (c *Client) Close() error {
	c.logger.Info("closing client")

	c.closeOnce.Do(func() {
		if transport := c.currentTransport(); transport != nil {
			if payload, err := EncodeStop(); err == nil {
				_ = transport.Send(payload, interfaces.MsgText)
			}
		}
		close(c.closeChan)
	})

	c.wg.Wait()
	c.teardown()
	return c.device.Close()
}

// NewProtocol creates the configured transport.
func NewProtocol(config Config, clientID string) (interfaces.TransportProtocol, error) {
	switch config.System.Network.Transport {
	case "", "websocket":
		if config.System.Network.Websocket == nil {
			return nil, errors.New("websocket config missing")
		}
		return websocket.NewWebSocketProtocol(websocket.Config{
			URL:         config.System.Network.Websocket.URL,
			AccessToken: config.System.Network.Websocket.AccessToken,
			DeviceID:    config.System.DeviceID,
			ClientID:    clientID,
		})
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedProtocol, config.System.Network.Transport)
	}
}
