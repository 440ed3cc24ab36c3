package wsclient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// GorillaTransport is the default Transport, wrapping
// github.com/gorilla/websocket with a dedicated read pump delivering
// frames onto a buffered event channel, and a write mutex serializing
// outbound frames (gorilla's *websocket.Conn forbids concurrent writers).
type GorillaTransport struct {
	opts TransportOptions

	connMu sync.RWMutex
	conn   *websocket.Conn
	wmu    sync.Mutex

	events    chan TransportEvent
	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewGorillaTransport creates a transport with the given read/write
// timeouts and buffer sizes. Zero-value TransportOptions picks gorilla's
// own defaults.
func NewGorillaTransport(opts TransportOptions) *GorillaTransport {
	return &GorillaTransport{
		opts:    opts,
		events:  make(chan TransportEvent, 256),
		closeCh: make(chan struct{}),
	}
}

// Open implements Transport.
func (t *GorillaTransport) Open(ctx context.Context, url string, headers http.Header) error {
	dialer := websocket.Dialer{
		ReadBufferSize:  t.opts.ReadBufferSize,
		WriteBufferSize: t.opts.WriteBufferSize,
	}

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return newErr("GorillaTransport.Open", KindUpgradeFailed, err)
	}

	conn.SetPingHandler(t.handlePing)
	conn.SetPongHandler(t.handlePong)

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	go t.readLoop()

	return nil
}

// handlePing replaces gorilla's default ping handler, which would otherwise
// silently auto-reply and swallow the control frame before ReadMessage ever
// returns. It replicates the default's auto-pong behavior and also surfaces
// the ping as a TransportFrame event so HeartbeatManager variants that key
// off inbound pings can see it.
func (t *GorillaTransport) handlePing(appData string) error {
	t.wmu.Lock()
	conn := t.conn
	if conn != nil {
		conn.SetWriteDeadline(time.Now().Add(t.writeDeadline()))
	}
	var err error
	if conn != nil {
		err = conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(t.writeDeadline()))
	}
	t.wmu.Unlock()
	if err == websocket.ErrCloseSent {
		err = nil
	}
	t.safeSend(TransportEvent{Kind: TransportFrame, Frame: FramePing, Payload: []byte(appData)})
	return err
}

// handlePong replaces gorilla's default no-op pong handler so a reply to an
// outbound ping is forwarded to the owner as a TransportFrame event; without
// this, heartbeat variants that wait on inbound pongs would never see one.
func (t *GorillaTransport) handlePong(appData string) error {
	t.safeSend(TransportEvent{Kind: TransportFrame, Frame: FramePong, Payload: []byte(appData)})
	return nil
}

// Send implements Transport.
func (t *GorillaTransport) Send(kind FrameKind, payload []byte) error {
	t.connMu.RLock()
	conn := t.conn
	t.connMu.RUnlock()

	if conn == nil {
		return newErr("GorillaTransport.Send", KindDisconnected, nil)
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	if t.opts.WriteTimeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(t.opts.WriteTimeout))
	}

	switch kind {
	case FrameText:
		return conn.WriteMessage(websocket.TextMessage, payload)
	case FrameBinary:
		return conn.WriteMessage(websocket.BinaryMessage, payload)
	case FramePing:
		return conn.WriteControl(websocket.PingMessage, payload, time.Now().Add(t.writeDeadline()))
	case FramePong:
		return conn.WriteControl(websocket.PongMessage, payload, time.Now().Add(t.writeDeadline()))
	case FrameClose:
		return conn.WriteControl(websocket.CloseMessage, payload, time.Now().Add(t.writeDeadline()))
	default:
		return newErr("GorillaTransport.Send", KindInvalidFrame, nil)
	}
}

func (t *GorillaTransport) writeDeadline() time.Duration {
	if t.opts.WriteTimeout > 0 {
		return t.opts.WriteTimeout
	}
	return 10 * time.Second
}

// Events implements Transport.
func (t *GorillaTransport) Events() <-chan TransportEvent { return t.events }

// Close implements Transport.
func (t *GorillaTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.connMu.Lock()
		if t.conn != nil {
			err = t.conn.Close()
		}
		t.connMu.Unlock()
	})
	return err
}

func (t *GorillaTransport) readLoop() {
	defer t.emitDown()

	for {
		select {
		case <-t.closeCh:
			return
		default:
		}

		t.connMu.RLock()
		conn := t.conn
		t.connMu.RUnlock()
		if conn == nil {
			return
		}

		if t.opts.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(t.opts.ReadTimeout))
		}

		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return
			}
			t.safeSend(TransportEvent{Kind: TransportError, Err: err})
			return
		}

		kind := FrameText
		if msgType == websocket.BinaryMessage {
			kind = FrameBinary
		}
		t.safeSend(TransportEvent{Kind: TransportFrame, Frame: kind, Payload: data})
	}
}

func (t *GorillaTransport) emitDown() {
	select {
	case <-t.closeCh:
		return
	default:
	}
	t.safeSend(TransportEvent{Kind: TransportDown})
}

func (t *GorillaTransport) safeSend(ev TransportEvent) {
	select {
	case t.events <- ev:
	case <-t.closeCh:
	}
}
