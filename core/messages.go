package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// ServerMessage is the closed set of inbound message kinds. The message
// loop matches it exhaustively; anything the backend adds later decodes
// to UnknownMessage and is skipped.
type ServerMessage interface {
	isServerMessage()
}

// ConnectedMessage acknowledges that the backend established its
// upstream session.
type ConnectedMessage struct {
	Message string `json:"message"`
}

// AudioResponseMessage carries one synthesized-speech fragment:
// base64-encoded PCM16LE at the playback wire rate.
type AudioResponseMessage struct {
	Data string `json:"data"`
}

// PCM decodes the base64 payload.
func (m AudioResponseMessage) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}

// TurnCompleteMessage signals the remote model finished its turn.
type TurnCompleteMessage struct{}

// InterruptedMessage signals barge-in: the remote party started speaking
// and all queued playback is stale.
type InterruptedMessage struct{}

// TranscriptionMessage carries display-only text.
type TranscriptionMessage struct {
	Text string `json:"text"`
}

// ToolCallMessage reports a model tool invocation, display-only here.
type ToolCallMessage struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// ErrorMessage carries a backend error string.
type ErrorMessage struct {
	Message string `json:"message"`
}

// UnknownMessage preserves the type tag of an unrecognized message.
type UnknownMessage struct {
	Type string
}

func (ConnectedMessage) isServerMessage()     {}
func (AudioResponseMessage) isServerMessage() {}
func (TurnCompleteMessage) isServerMessage()  {}
func (InterruptedMessage) isServerMessage()   {}
func (TranscriptionMessage) isServerMessage() {}
func (ToolCallMessage) isServerMessage()      {}
func (ErrorMessage) isServerMessage()         {}
func (UnknownMessage) isServerMessage()       {}

type envelope struct {
	Type string `json:"type"`
}

// ParseServerMessage decodes one inbound JSON frame into its variant.
func ParseServerMessage(data []byte) (ServerMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to parse message envelope: %w", err)
	}

	switch env.Type {
	case "connected":
		var m ConnectedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse connected message: %w", err)
		}
		return m, nil
	case "audio_response":
		var m AudioResponseMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse audio_response message: %w", err)
		}
		return m, nil
	case "turn_complete":
		return TurnCompleteMessage{}, nil
	case "interrupted":
		return InterruptedMessage{}, nil
	case "transcription":
		var m TranscriptionMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse transcription message: %w", err)
		}
		return m, nil
	case "tool_call":
		var m ToolCallMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse tool_call message: %w", err)
		}
		return m, nil
	case "error":
		var m ErrorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse error message: %w", err)
		}
		return m, nil
	default:
		return UnknownMessage{Type: env.Type}, nil
	}
}

// Outbound messages.

type audioChunkMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// EncodeAudioChunk frames captured PCM16LE bytes for the wire.
func EncodeAudioChunk(pcm []byte, timestampMicros int64) ([]byte, error) {
	return json.Marshal(audioChunkMessage{
		Type:      "audio_chunk",
		Data:      base64.StdEncoding.EncodeToString(pcm),
		Timestamp: timestampMicros,
	})
}

type controlMessage struct {
	Type string `json:"type"`
}

// EncodeEndOfTurn frames the push-to-talk release signal.
func EncodeEndOfTurn() ([]byte, error) {
	return json.Marshal(controlMessage{Type: "end_of_turn"})
}

// EncodeStop frames the graceful session stop request.
func EncodeStop() ([]byte, error) {
	return json.Marshal(controlMessage{Type: "stop"})
}
