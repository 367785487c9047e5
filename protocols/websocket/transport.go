package websocket

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/talkpipe/talkpipe-go/pkg/interfaces"
)

var _ interfaces.TransportProtocol = (*WSProtocol)(nil)

// Config holds the websocket dial parameters for the voice backend.
type Config struct {
	URL         string
	AccessToken string
	DeviceID    string
	ClientID    string
}

// WSProtocol is the gorilla/websocket transport. One read pump feeds the
// message channel; writes are serialized by a mutex so the capture
// sender and control messages never interleave frames.
type WSProtocol struct {
	conn      *websocket.Conn
	config    Config
	msgChan   chan interfaces.Message
	closeChan chan struct{}
	closeOnce sync.Once
	mu        sync.Mutex
}

func NewWebSocketProtocol(config Config) (*WSProtocol, error) {
	return &WSProtocol{
		config:    config,
		msgChan:   make(chan interfaces.Message, 100),
		closeChan: make(chan struct{}),
	}, nil
}

func (p *WSProtocol) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	headers := http.Header{}
	if p.config.AccessToken != "" {
		headers.Set("Authorization", fmt.Sprintf("Bearer %s", p.config.AccessToken))
	}
	if p.config.DeviceID != "" {
		headers.Set("Device-Id", p.config.DeviceID)
	}
	headers.Set("Client-Id", p.config.ClientID)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, p.config.URL, headers)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConnectionFailed, err)
	}
	p.conn = conn

	go p.readPump()
	return nil
}

func (p *WSProtocol) readPump() {
	defer close(p.msgChan)
	for {
		select {
		case <-p.closeChan:
			return
		default:
			msgType, data, err := p.conn.ReadMessage()
			if err != nil {
				return
			}
			select {
			case p.msgChan <- interfaces.Message{
				Payload: data,
				Type:    convertMsgType(msgType),
			}:
			case <-p.closeChan:
				return
			}
		}
	}
}

func convertMsgType(wsType int) interfaces.MessageType {
	if wsType == websocket.BinaryMessage {
		return interfaces.MsgBinary
	}
	return interfaces.MsgText
}

func (p *WSProtocol) Send(data []byte, msgType interfaces.MessageType) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		return interfaces.ErrConnectionFailed
	}

	wsType := websocket.TextMessage
	if msgType == interfaces.MsgBinary {
		wsType = websocket.BinaryMessage
	}
	return p.conn.WriteMessage(wsType, data)
}

func (p *WSProtocol) Receive() <-chan interfaces.Message {
	return p.msgChan
}

func (p *WSProtocol) ProtocolType() string { return "websocket" }

func (p *WSProtocol) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closeChan)
		if p.conn != nil {
			err = p.conn.Close()
		}
	})
	return err
}
