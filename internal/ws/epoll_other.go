//go:build !linux

package ws

import (
	"net"
)

// Without epoll every connection gets its own blocking read loop, started
// by the server.
const nativeEpoll = false

// Epoll is a no-op stand-in so the server compiles everywhere.
type Epoll struct {
	done chan struct{}
}

// NewEpoll returns the stand-in.
func NewEpoll() (*Epoll, error) {
	return &Epoll{done: make(chan struct{})}, nil
}

// Add is a no-op.
func (e *Epoll) Add(net.Conn) error { return nil }

// Remove is a no-op.
func (e *Epoll) Remove(net.Conn) error { return nil }

// Wait blocks until Close.
func (e *Epoll) Wait() ([]net.Conn, error) {
	<-e.done
	return nil, net.ErrClosed
}

// Close unblocks Wait.
func (e *Epoll) Close() error {
	close(e.done)
	return nil
}

func isEINTR(error) bool { return false }

func socketFD(net.Conn) int { return -1 }
