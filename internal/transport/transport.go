// Package transport defines the connection the session layer talks through.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport closed")

// Conn is a bidirectional message connection. Send is reliable and ordered. SendDatagram is
// unreliable: when the peer is slow only the latest datagram survives.
type Conn interface {
	Send(ctx context.Context, msg []byte) error
	Recv(ctx context.Context) ([]byte, error)
	SendDatagram(msg []byte) error
	RemoteAddr() string
	// Close tears the connection down; messages already passed to Send are delivered first.
	Close(reason string) error
}
