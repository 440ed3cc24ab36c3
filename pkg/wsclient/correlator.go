package wsclient

import (
	"encoding/json"
	"strconv"
	"sync"
	"time"
)

// Reply is what a PendingRequest's waiter receives: either Data (the raw
// JSON-RPC reply) or Err (timeout, disconnection, or drain reason).
type Reply struct {
	Data json.RawMessage
	Err  error
}

// pendingRequest is an in-flight correlated request.
type pendingRequest struct {
	id        interface{}
	method    string
	startedAt time.Time
	waiter    chan Reply
	timer     *time.Timer
	delivered bool
}

// correlator maps request id -> pendingRequest for one Client. Requests are
// registered and forgotten on the callers' goroutines, completed on the
// dispatch loop, drained on reconnect or Close, and expired on timer
// goroutines; mu guards every access.
type correlator struct {
	mu      sync.Mutex
	pending map[interface{}]*pendingRequest
	stats   *LatencyStats
	sink    telemetrySink
	name    string
}

func newCorrelator(stats *LatencyStats, sink telemetrySink, name string) *correlator {
	return &correlator{
		pending: make(map[interface{}]*pendingRequest),
		stats:   stats,
		sink:    sink,
		name:    name,
	}
}

// register creates a waiter for id, arming a deadline timer that calls
// timeout() if the reply doesn't arrive in time. Returns KindDuplicateID if
// id is already registered.
func (c *correlator) register(id interface{}, method string, timeout time.Duration) (<-chan Reply, error) {
	c.mu.Lock()
	if _, exists := c.pending[id]; exists {
		c.mu.Unlock()
		return nil, newErr("correlator.register", KindDuplicateID, nil)
	}

	waiter := make(chan Reply, 1)
	pr := &pendingRequest{
		id:        id,
		method:    method,
		startedAt: time.Now(),
		waiter:    waiter,
	}
	pr.timer = time.AfterFunc(timeout, func() { c.timeout(pr, timeout) })
	c.pending[id] = pr
	c.mu.Unlock()

	c.sink.Emit("request.start", map[string]float64{"system_time": float64(time.Now().Unix())},
		map[string]string{"method": method, "id": idString(id), "name": c.name})

	return waiter, nil
}

// complete delivers reply to the waiter registered for id and records
// latency. No-op if id is unknown (a late reply after timeout/drain).
func (c *correlator) complete(id interface{}, data json.RawMessage, result string) {
	c.mu.Lock()
	pr, ok := c.pending[id]
	if !ok {
		// Decoded JSON numbers arrive as float64, so an id registered as a
		// Go int is matched by its string form.
		if want := idString(id); want != "" {
			for k, p := range c.pending {
				if idString(k) == want {
					id, pr, ok = k, p, true
					break
				}
			}
		}
	}
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	pr.timer.Stop()
	pr.delivered = true
	c.mu.Unlock()

	elapsed := time.Since(pr.startedAt)
	if c.stats != nil {
		c.stats.Record(elapsed.Microseconds())
	}

	c.sink.Emit("request.complete", map[string]float64{"duration_ms": float64(elapsed.Milliseconds())},
		map[string]string{"method": pr.method, "id": idString(id), "result": result, "name": c.name})

	select {
	case pr.waiter <- Reply{Data: data}:
	default:
	}
}

// timeout removes the entry for id (if it is still the one that armed this
// timer; reconnection drains may have already removed it) and delivers
// KindRequestTimeout to the waiter.
func (c *correlator) timeout(armed *pendingRequest, configuredTimeout time.Duration) {
	id := armed.id
	c.mu.Lock()
	pr, ok := c.pending[id]
	if !ok || pr != armed {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	c.mu.Unlock()

	c.sink.Emit("request.timeout", map[string]float64{"timeout_ms": float64(configuredTimeout.Milliseconds())},
		map[string]string{"method": pr.method, "id": idString(id), "name": c.name})

	select {
	case pr.waiter <- Reply{Err: newErr("correlator.timeout", KindRequestTimeout, nil)}:
	default:
	}
}

// drain delivers err to every pending waiter and empties the table. Used on
// reconnection entry and on Close.
func (c *correlator) drain(kind Kind) {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[interface{}]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range pending {
		pr.timer.Stop()
		select {
		case pr.waiter <- Reply{Err: newErr("correlator.drain", kind, nil)}:
		default:
		}
	}
}

// forget removes id without delivering anything to its waiter. Used when
// the caller that registered id is about to return its own error directly
// and will never read the waiter channel.
func (c *correlator) forget(id interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pr, ok := c.pending[id]; ok {
		pr.timer.Stop()
		delete(c.pending, id)
	}
}

// size reports the number of in-flight requests, for observability.
func (c *correlator) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func idString(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}
