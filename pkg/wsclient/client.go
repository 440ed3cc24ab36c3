package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowrate/exws/pkg/ratelimit"
)

// State is a Client's position in its connection lifecycle.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateReconnecting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Snapshot is a point-in-time view of a Client's internal bookkeeping,
// returned by GetState for callers that want visibility without reaching
// into the actor's private fields.
type Snapshot struct {
	State             State
	ReconnectAttempts int
	Subscriptions     []string
	PendingRequests   int
	HeartbeatFailures int
	LatencyP50Us      int64
	LatencyP99Us      int64
}

// Client is a single resilient WebSocket connection: state machine,
// heartbeat, reconnection with subscription restore, request/response
// correlation, and rate-limited sends, all owned by one actor. Inbound
// transport events and outbound calls are both funneled through the
// dispatch loop so the mutable fields (state, reconnect attempts, active
// transport) are only ever touched from one goroutine at a time.
type Client struct {
	cfg     Config
	sink    telemetrySink
	costFn  ratelimit.CostFunc
	limiter *ratelimit.Limiter
	ownsLim bool

	corr    *correlator
	subs    *subscriptionSet
	latency *LatencyStats
	hb      *heartbeatManager
	rec     *recorder

	state             atomic.Int32
	reconnectAttempts atomic.Int32

	transportMu sync.RWMutex
	transport   Transport
	generation  atomic.Int64

	writeCh    chan *writeRequest
	events     chan TransportEvent
	deliveries chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
	doneCh    chan struct{}

	heartbeatTicker *time.Ticker
	tickerMu        sync.Mutex
}

type writeRequest struct {
	kind    FrameKind
	payload []byte
	done    chan error
}

// NewClient builds a Client from cfg without dialing. Call Connect to
// establish the first connection.
func NewClient(cfg Config) *Client {
	sink := cfg.telemetry()
	latBuf := cfg.LatencyBufferSize
	if latBuf <= 0 {
		latBuf = 256
	}

	lat := NewLatencyStats(latBuf)
	c := &Client{
		cfg:        cfg,
		sink:       sink,
		costFn:     ratelimit.SimpleCost,
		corr:       newCorrelator(lat, sink, cfg.URL),
		subs:       newSubscriptionSet(sink),
		latency:    lat,
		writeCh:    make(chan *writeRequest, 256),
		events:     make(chan TransportEvent, 256),
		deliveries: make(chan []byte, 256),
		closeCh:    make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	if cfg.Limiter != nil {
		c.limiter = cfg.Limiter
	} else {
		c.limiter = ratelimit.NewLimiter(ratelimitDefaultCapacity, ratelimitDefaultRefill, ratelimitDefaultInterval, ratelimitDefaultQueue, rateSink{sink}, cfg.URL)
		c.ownsLim = true
	}
	if cfg.CostFunc != nil {
		c.costFn = cfg.CostFunc
	}
	if cfg.RecordTo != nil {
		c.rec = newRecorder(cfg.RecordTo)
	}

	c.hb = newHeartbeatManager(cfg.Heartbeat, sink, c.onHeartbeatTimeout, c.sendPing, c.sendHeartbeatReply)

	return c
}

const (
	ratelimitDefaultCapacity = 20
	ratelimitDefaultRefill   = 20
	ratelimitDefaultInterval = time.Second
	ratelimitDefaultQueue    = 64
)

// rateSink adapts telemetrySink to ratelimit.Sink; both are the same
// duck-typed shape, but Go interfaces aren't structurally convertible
// across package boundaries without an explicit adapter.
type rateSink struct{ s telemetrySink }

func (r rateSink) Emit(event string, m map[string]float64, meta map[string]string) { r.s.Emit(event, m, meta) }

// Connect dials the configured URL, blocking until the WebSocket upgrade
// completes or ctx/ConnectTimeout elapses. On success it starts the
// dispatch loop, heartbeat ticker, and (if configured) the auth step.
func (c *Client) Connect(ctx context.Context) error {
	if c.getState() == StateClosed {
		return newErr("Client.Connect", KindClosed, nil)
	}

	c.setState(StateConnecting)

	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}

	transport := c.cfg.Transport
	if transport == nil {
		transport = NewGorillaTransport(c.cfg.TransportOptions)
	}

	if err := transport.Open(dialCtx, c.cfg.URL, c.cfg.httpHeaders()); err != nil {
		_ = c.Close()
		return classifyDialError(err)
	}

	c.swapTransport(transport)
	c.setState(StateConnected)
	c.reconnectAttempts.Store(0)

	go c.dispatchLoop()
	c.startHeartbeatTicker()

	if c.cfg.Auth != nil {
		authCtx, cancel := context.WithTimeout(ctx, c.requestTimeout())
		defer cancel()
		if err := c.runAuth(authCtx); err != nil {
			_ = c.Close()
			return err
		}
	}

	return nil
}

func classifyDialError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newErr("Client.Connect", KindTimeout, err)
	}
	return newErr("Client.Connect", KindConnectionRefused, err)
}

func (c *Client) runAuth(ctx context.Context) error {
	id, method, params := c.cfg.Auth()
	_, err := c.Request(ctx, id, method, params)
	if err != nil {
		return newErr("Client.runAuth", KindAuthFailed, err)
	}
	return nil
}

// swapTransport installs transport as current, bumping the generation
// counter so stale events from a transport being replaced mid-reconnect are
// dropped rather than misattributed to the new one, and starts its event
// forwarder.
func (c *Client) swapTransport(t Transport) {
	gen := c.generation.Add(1)
	c.transportMu.Lock()
	c.transport = t
	c.transportMu.Unlock()
	go c.forward(t, gen)
}

func (c *Client) forward(t Transport, gen int64) {
	for ev := range t.Events() {
		if c.generation.Load() != gen {
			continue
		}
		select {
		case c.events <- ev:
		case <-c.closeCh:
			return
		}
	}
}

func (c *Client) currentTransport() Transport {
	c.transportMu.RLock()
	defer c.transportMu.RUnlock()
	return c.transport
}

func (c *Client) startHeartbeatTicker() {
	if c.cfg.Heartbeat.Variant != HeartbeatPingPong || c.cfg.Heartbeat.Interval <= 0 {
		return
	}
	c.tickerMu.Lock()
	defer c.tickerMu.Unlock()
	if c.heartbeatTicker != nil {
		c.heartbeatTicker.Stop()
	}
	c.heartbeatTicker = time.NewTicker(c.cfg.Heartbeat.Interval)
}

func (c *Client) heartbeatTickerChan() <-chan time.Time {
	c.tickerMu.Lock()
	defer c.tickerMu.Unlock()
	if c.heartbeatTicker == nil {
		return nil
	}
	return c.heartbeatTicker.C
}

// dispatchLoop is the actor's single-threaded core: every inbound transport
// event, outbound write, and heartbeat tick passes through here in
// arrival order.
func (c *Client) dispatchLoop() {
	for {
		select {
		case <-c.closeCh:
			return

		case ev := <-c.events:
			c.handleTransportEvent(ev)

		case req := <-c.writeCh:
			c.performWrite(req)

		case <-c.heartbeatTickerChan():
			c.hb.tick()
		}
	}
}

func (c *Client) handleTransportEvent(ev TransportEvent) {
	switch ev.Kind {
	case TransportDown, TransportError:
		c.onTransportDown(ev.Err)

	case TransportFrame:
		switch ev.Frame {
		case FrameClose:
			c.onTransportDown(newErr("Client", KindDisconnected, nil))
		case FramePing:
			c.hb.noteInbound(false)
		case FramePong:
			c.hb.noteInbound(true)
		case FrameText, FrameBinary:
			c.handleInboundPayload(ev.Payload)
		}
	}
}

func (c *Client) handleInboundPayload(payload []byte) {
	c.hb.noteInbound(false)
	if c.rec != nil {
		c.rec.record("in", "frame", payload)
	}

	cl, err := classifyFrame(payload)
	if err != nil {
		return
	}

	switch cl.kind {
	case frameKindHeartbeatRequest:
		_ = c.hb.handleDeribitTestRequest()
	case frameKindCorrelatedReply:
		c.corr.complete(cl.id, cl.raw, "ok")
	default:
		select {
		case c.deliveries <- payload:
		default:
			// Backlogged consumer; drop rather than block the dispatch loop.
		}
	}
}

// performWrite runs on the dispatch loop so outbound frames for one
// connection are always written in the order they were called.
func (c *Client) performWrite(req *writeRequest) {
	t := c.currentTransport()
	if t == nil {
		req.done <- newErr("Client.Send", KindDisconnected, nil)
		return
	}
	err := t.Send(req.kind, req.payload)
	if err == nil && c.rec != nil {
		c.rec.record("out", "frame", req.payload)
	}
	req.done <- err
}

// sendPing and sendHeartbeatReply are called by the heartbeat manager from
// the dispatch loop itself, so they write directly instead of queueing on
// writeCh, which only the dispatch loop drains.
func (c *Client) sendPing() error {
	return c.writeFromLoop(FramePing, []byte("ping"))
}

func (c *Client) sendHeartbeatReply() error {
	reply, err := EncodeRequest(nil, "public/test", map[string]string{})
	if err != nil {
		return err
	}
	if err := c.meter(c.costFn(ratelimit.Request{Method: "public/test"})); err != nil {
		return err
	}
	return c.writeFromLoop(FrameText, reply)
}

func (c *Client) writeFromLoop(kind FrameKind, payload []byte) error {
	req := &writeRequest{kind: kind, payload: payload, done: make(chan error, 1)}
	c.performWrite(req)
	return <-req.done
}

func (c *Client) enqueueWrite(kind FrameKind, payload []byte) error {
	req := &writeRequest{kind: kind, payload: payload, done: make(chan error, 1)}
	select {
	case c.writeCh <- req:
	case <-c.closeCh:
		return newErr("Client.Send", KindClosed, nil)
	}
	select {
	case err := <-req.done:
		return err
	case <-c.closeCh:
		return newErr("Client.Send", KindClosed, nil)
	}
}

// Send metered-transmits a pre-encoded frame: fire-and-forget, no
// correlated reply expected. Before the transport write, the message is
// metered through the rate limiter; if it's immediately deniable the call
// enqueues and blocks until tokens free up, or returns KindRateLimited if
// the limiter's own queue is already full.
func (c *Client) Send(data []byte) error {
	if c.getState() == StateClosed || c.getState() == StateClosing {
		return newErr("Client.Send", KindClosed, nil)
	}

	cost := c.costFn(ratelimit.Request{Method: methodOf(data)})
	if err := c.meter(cost); err != nil {
		return err
	}
	return c.enqueueWrite(FrameText, data)
}

// SendJSON marshals v and sends it as a text frame.
func (c *Client) SendJSON(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return newErr("Client.SendJSON", KindInvalidConfig, err)
	}
	return c.Send(data)
}

// Request sends a JSON-RPC call carrying id and blocks until the correlated
// reply arrives, ctx is cancelled, or RequestTimeout elapses, whichever
// comes first.
func (c *Client) Request(ctx context.Context, id interface{}, method string, params interface{}) (json.RawMessage, error) {
	if c.getState() == StateClosed || c.getState() == StateClosing {
		return nil, newErr("Client.Request", KindClosed, nil)
	}

	timeout := c.requestTimeout()
	waiter, err := c.corr.register(id, method, timeout)
	if err != nil {
		return nil, err
	}

	data, err := EncodeRequest(id, method, params)
	if err != nil {
		c.corr.forget(id)
		return nil, newErr("Client.Request", KindInvalidConfig, err)
	}

	cost := c.costFn(ratelimit.Request{Method: method})
	if err := c.meter(cost); err != nil {
		c.corr.forget(id)
		return nil, err
	}

	if err := c.enqueueWrite(FrameText, data); err != nil {
		c.corr.forget(id)
		return nil, err
	}

	select {
	case reply := <-waiter:
		if reply.Err != nil {
			return nil, reply.Err
		}
		return reply.Data, nil
	case <-ctx.Done():
		return nil, newErr("Client.Request", KindTimeout, ctx.Err())
	}
}

// meter consumes cost tokens from the rate limiter, blocking on the queue
// if necessary. Internally the limiter reports queue_full; that surfaces to
// callers of Send/Request as rate_limited.
func (c *Client) meter(cost int) error {
	res := c.limiter.Consume(cost)
	switch res.Status {
	case ratelimit.StatusOK:
		return nil
	case ratelimit.StatusFull:
		return newErr("Client.meter", KindRateLimited, nil)
	default:
		select {
		case <-res.Ready:
			return nil
		case <-c.closeCh:
			return newErr("Client.meter", KindClosed, nil)
		}
	}
}

// Subscribe sends msg (the exchange-specific subscribe payload) and, on a
// successful send, adds channel to the restored-on-reconnect set.
func (c *Client) Subscribe(channel string, msg interface{}) error {
	if err := c.SendJSON(msg); err != nil {
		return err
	}
	c.subs.add(channel, msg)
	return nil
}

// Unsubscribe sends msg and removes channel from the restore set
// regardless of whether the send succeeds: an unsubscribe that failed to
// reach the server is still one the caller no longer wants restored.
func (c *Client) Unsubscribe(channel string, msg interface{}) error {
	c.subs.remove(channel)
	return c.SendJSON(msg)
}

// Deliveries returns the stream of inbound frames that were neither
// correlated replies nor heartbeat traffic: subscription pushes and other
// server-initiated events.
func (c *Client) Deliveries() <-chan []byte { return c.deliveries }

// GetState returns a point-in-time snapshot of the Client's bookkeeping.
func (c *Client) GetState() Snapshot {
	p50, _ := c.latency.P50()
	p99, _ := c.latency.P99()
	return Snapshot{
		State:             c.getState(),
		ReconnectAttempts: int(c.reconnectAttempts.Load()),
		Subscriptions:     c.subs.channels(),
		PendingRequests:   c.corr.size(),
		HeartbeatFailures: c.hb.failureCount(),
		LatencyP50Us:      p50,
		LatencyP99Us:      p99,
	}
}

// Close tears the connection down permanently: no further reconnection is
// attempted. Safe to call more than once.
func (c *Client) Close() error {
	var closeErr error
	c.closeOnce.Do(func() {
		c.setState(StateClosing)
		c.corr.drain(KindClosed)
		if t := c.currentTransport(); t != nil {
			closeErr = t.Close()
		}
		c.tickerMu.Lock()
		if c.heartbeatTicker != nil {
			c.heartbeatTicker.Stop()
		}
		c.tickerMu.Unlock()
		if c.ownsLim {
			c.limiter.Stop()
		}
		if c.rec != nil {
			c.rec.close()
		}
		c.setState(StateClosed)
		close(c.closeCh)
		close(c.doneCh)
	})
	return closeErr
}

// Done returns a channel closed once the Client has fully shut down.
func (c *Client) Done() <-chan struct{} { return c.doneCh }

func (c *Client) getState() State { return State(c.state.Load()) }

func (c *Client) setState(s State) { c.state.Store(int32(s)) }

func (c *Client) requestTimeout() time.Duration {
	if c.cfg.RequestTimeout > 0 {
		return c.cfg.RequestTimeout
	}
	return 10 * time.Second
}

// onTransportDown reacts to a lost connection. If the Client is already
// shutting down the event is expected and ignored; otherwise it either
// gives up immediately (ReconnectOnError == false) or hands off to the
// reconnection loop.
func (c *Client) onTransportDown(cause error) {
	switch c.getState() {
	case StateClosing, StateClosed, StateReconnecting:
		return
	}

	c.corr.drain(KindDisconnected)

	if !c.cfg.ReconnectOnError {
		c.finalizeClose(cause)
		return
	}

	c.setState(StateReconnecting)
	go c.reconnectLoop()

	if c.cfg.OnDisconnect != nil {
		go c.cfg.OnDisconnect(cause)
	}
}

func (c *Client) finalizeClose(cause error) {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		c.tickerMu.Lock()
		if c.heartbeatTicker != nil {
			c.heartbeatTicker.Stop()
		}
		c.tickerMu.Unlock()
		if c.ownsLim {
			c.limiter.Stop()
		}
		if c.rec != nil {
			c.rec.close()
		}
		close(c.closeCh)
		close(c.doneCh)
	})
	if c.cfg.OnDisconnect != nil {
		go c.cfg.OnDisconnect(cause)
	}
}

// reconnectLoop backs off, reopens the transport, authenticates once, and
// restores subscriptions in their original order before returning to the
// connected state. Exhausting RetryCount closes the Client for good.
func (c *Client) reconnectLoop() {
	for {
		k := int(c.reconnectAttempts.Load())
		delay, ok := backoffDelay(k, c.cfg.RetryCount, c.cfg.RetryDelay, c.cfg.MaxBackoff)
		if !ok {
			c.finalizeClose(newErr("Client.reconnectLoop", KindMaxAttemptsExceeded, nil))
			return
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-c.closeCh:
				return
			}
		}

		connectTimeout := c.cfg.ConnectTimeout
		if connectTimeout <= 0 {
			connectTimeout = 10 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)

		transport := c.cfg.Transport
		if transport == nil {
			transport = NewGorillaTransport(c.cfg.TransportOptions)
		}

		err := transport.Open(ctx, c.cfg.URL, c.cfg.httpHeaders())
		cancel()
		if err != nil {
			c.reconnectAttempts.Add(1)
			continue
		}

		c.swapTransport(transport)

		if c.cfg.Auth != nil {
			authCtx, authCancel := context.WithTimeout(context.Background(), c.requestTimeout())
			err := c.runAuth(authCtx)
			authCancel()
			if err != nil {
				c.reconnectAttempts.Add(1)
				_ = transport.Close()
				continue
			}
		}

		if c.cfg.RestoreSubs {
			for _, msg := range c.subs.replayMessages() {
				_ = c.SendJSON(msg)
			}
		}

		c.setState(StateConnected)
		c.reconnectAttempts.Store(0)
		c.startHeartbeatTicker()
		return
	}
}

func (c *Client) onHeartbeatTimeout(reason string) {
	c.onTransportDown(newErr("Client.heartbeat", KindHeartbeatTimeout, fmt.Errorf("%s", reason)))
}

// methodOf best-effort extracts a JSON-RPC method name for cost-function
// purposes; non-JSON-RPC payloads (or parse failures) cost as an empty
// method, which every CostFunc in pkg/ratelimit treats as the cheapest tier.
func methodOf(data []byte) string {
	var env struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return ""
	}
	return env.Method
}
