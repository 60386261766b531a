package convai

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by send operations issued before Connect
// succeeds or after the session has been torn down.
var ErrNotConnected = errors.New("convai: not connected")

// ConnectionError reports a failed dial or a failed initiation handshake.
type ConnectionError struct {
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("convai: connect %s: %v", e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ProtocolDecodeError reports a remote frame that could not be decoded.
type ProtocolDecodeError struct {
	Type    string
	Message string
	Err     error
}

func (e *ProtocolDecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Type == "" {
		return "convai: decode frame: " + msg
	}
	return fmt.Sprintf("convai: decode %s frame: %s", e.Type, msg)
}

func (e *ProtocolDecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// SendError reports a transport failure while writing a frame.
type SendError struct {
	Type string
	Err  error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("convai: send %s: %v", e.Type, e.Err)
}

func (e *SendError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
