package core

import "errors"

var (
	ErrUnsupportedProtocol = errors.New("unsupported protocol")
	ErrConnectionLost      = errors.New("connection lost")
	ErrConnectionFailed    = errors.New("connection failed")
	ErrNotConnected        = errors.New("not connected to server")
)
