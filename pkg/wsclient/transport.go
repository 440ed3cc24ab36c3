package wsclient

import (
	"context"
	"net/http"
	"time"
)

// TransportEventKind classifies events a Transport emits to its owner.
type TransportEventKind int

const (
	TransportUpgradeOK TransportEventKind = iota
	TransportFrame
	TransportDown
	TransportError
)

// FrameKind distinguishes text, binary, ping, pong, and close frames.
type FrameKind int

const (
	FrameText FrameKind = iota
	FrameBinary
	FramePing
	FramePong
	FrameClose
)

// TransportEvent is one item from a Transport's event stream.
type TransportEvent struct {
	Kind    TransportEventKind
	Frame   FrameKind
	Payload []byte
	Err     error
}

// Transport is the out-of-scope collaborator this library depends on:
// opening a socket, performing the WebSocket upgrade, sending frames, and
// delivering an event stream back to its owner. The library assumes the
// transport implementation handles TLS and basic framing; it never touches
// raw sockets itself. See GorillaTransport for the reference
// implementation used by default.
type Transport interface {
	// Open dials url with headers and performs the WebSocket upgrade,
	// blocking until either it succeeds or ctx is done.
	Open(ctx context.Context, url string, headers http.Header) error

	// Send writes one frame. Safe to call concurrently with Events
	// delivery, but not with another concurrent Send (the Client actor
	// serializes sends itself).
	Send(kind FrameKind, payload []byte) error

	// Events returns the channel of inbound events. GorillaTransport never
	// closes it; the Client discards events from a transport it has
	// replaced and stops reading once it closes.
	Events() <-chan TransportEvent

	// Close tears down the connection.
	Close() error
}

// ReadTimeout/WriteTimeout are applied by the default GorillaTransport; a
// custom Transport is free to ignore them.
type TransportOptions struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ReadBufferSize  int
	WriteBufferSize int
}
