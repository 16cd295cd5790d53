// Package radio defines the point-to-point radio capabilities the name service
// and bridge depend on. Concrete adapters live in subpackages.
package radio

import (
	"context"
	"errors"
	"io"

	"github.com/google/uuid"
)

var (
	// ErrClosed is returned by listeners and sockets after Close
	ErrClosed = errors.New("radio: closed")
	// ErrNoService is returned by Dial when the peer has no listening session for the service
	ErrNoService = errors.New("radio: no listening session for service")
	// ErrUnreachable is returned by Dial when the peer cannot be reached
	ErrUnreachable = errors.New("radio: peer unreachable")
)

// Socket is one connected radio session.
type Socket interface {
	io.ReadWriteCloser
	// RemoteAddr is the peer's radio address
	RemoteAddr() string
	// Channel is the negotiated channel (RFCOMM channel, TCP port, ...)
	Channel() int
}

// Listener accepts incoming sessions for one service UUID.
type Listener interface {
	Accept() (Socket, error)
	Close() error
}

// Adapter is the local radio.
type Adapter interface {
	// EnsureDiscoverable makes this device visible to peers
	EnsureDiscoverable(ctx context.Context) error
	// PairedPeers returns the addresses of all currently paired peers
	PairedPeers(ctx context.Context) ([]string, error)
	// IsScanning reports whether an inquiry scan is in progress
	IsScanning() bool
	// CancelScan stops an in-progress scan; the radio cannot scan and dial at once
	CancelScan() error
	// Dial opens a session to the service registered under service on addr
	Dial(ctx context.Context, addr string, service uuid.UUID) (Socket, error)
	// Listen registers a listening session for service
	Listen(name string, service uuid.UUID) (Listener, error)
}
