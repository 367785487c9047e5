package interfaces

import (
	"context"
	"errors"
)

var (
	ErrConnectionFailed    = errors.New("connection failed")
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
)

// TransportProtocol is the duplex channel to the backend. Receive's
// channel closes when the transport does; callers treat that as
// connection loss.
type TransportProtocol interface {
	Connect(ctx context.Context) error
	Send(data []byte, msgType MessageType) error
	Receive() <-chan Message
	Close() error
	ProtocolType() string
}

type Message struct {
	Payload []byte
	Type    MessageType
}

type MessageType int

const (
	MsgText   MessageType = iota // JSON text frame
	MsgBinary                    // raw binary frame
)
