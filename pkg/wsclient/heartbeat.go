package wsclient

import (
	"sync"
	"time"
)

// HeartbeatVariant selects which liveness protocol the HeartbeatManager
// speaks. Each variant owns only the fields it needs: a tagged union
// rather than a type hierarchy, per the corpus's preference for small
// dispatch tables over subclassing.
type HeartbeatVariant int

const (
	HeartbeatDisabled HeartbeatVariant = iota
	HeartbeatDeribit
	HeartbeatPingPong
	HeartbeatBinance
)

// HeartbeatConfig configures the HeartbeatManager.
type HeartbeatConfig struct {
	Variant  HeartbeatVariant
	Interval time.Duration
}

// heartbeatManager tracks liveness for one connection. failures resets to 0
// on any successful exchange; three consecutive failures (or, for
// ping_pong, 2x interval with no inbound traffic at all) signal the owning
// Client to reconnect.
type heartbeatManager struct {
	mu            sync.Mutex
	cfg           HeartbeatConfig
	lastAt        time.Time
	lastInbound   time.Time
	failures      int
	pingOutstand  bool
	sink          telemetrySink
	onTimeout     func(reason string)
	sendPing      func() error
	sendTestReply func() error
}

func newHeartbeatManager(cfg HeartbeatConfig, sink telemetrySink, onTimeout func(reason string), sendPing, sendTestReply func() error) *heartbeatManager {
	now := time.Now()
	return &heartbeatManager{
		cfg:           cfg,
		lastAt:        now,
		lastInbound:   now,
		sink:          sink,
		onTimeout:     onTimeout,
		sendPing:      sendPing,
		sendTestReply: sendTestReply,
	}
}

// noteInbound records that traffic of any kind arrived, which under the
// ping_pong 2x-interval idleness rule counts toward liveness even when it
// isn't a pong. The same call resets the pong-outstanding flag when the
// traffic is in fact the awaited pong.
func (h *heartbeatManager) noteInbound(isPong bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastInbound = time.Now()
	if isPong {
		if h.pingOutstand {
			rtt := time.Since(h.lastAt)
			h.sink.Emit("heartbeat.pong", map[string]float64{"rtt_ms": float64(rtt.Milliseconds())},
				map[string]string{"type": "ping_pong"})
		}
		h.pingOutstand = false
		h.failures = 0
	}
}

// handleDeribitTestRequest responds to an inbound deribit heartbeat
// test_request by sending the required public/test reply, then resets
// failures to 0.
func (h *heartbeatManager) handleDeribitTestRequest() error {
	h.mu.Lock()
	h.lastInbound = time.Now()
	h.mu.Unlock()

	err := h.sendTestReply()

	h.mu.Lock()
	defer h.mu.Unlock()
	if err != nil {
		h.failures++
		if h.failures >= 3 {
			h.triggerTimeout("heartbeat_timeout")
		}
		return err
	}
	h.failures = 0
	h.sink.Emit("heartbeat.send", map[string]float64{"timestamp": float64(time.Now().UnixMilli())},
		map[string]string{"type": "deribit"})
	return nil
}

// tick is invoked periodically by the Client actor's heartbeat ticker. For
// ping_pong it emits a ping and checks whether the previous one went
// unanswered; for deribit/binance/disabled it is a no-op (those variants
// react to inbound traffic instead).
func (h *heartbeatManager) tick() {
	h.mu.Lock()
	variant := h.cfg.Variant
	h.mu.Unlock()

	switch variant {
	case HeartbeatPingPong:
		h.tickPingPong()
	case HeartbeatBinance:
		h.tickBinance()
	case HeartbeatDeribit, HeartbeatDisabled:
		// react-only variants; nothing to send on a timer.
	}
}

func (h *heartbeatManager) tickPingPong() {
	h.mu.Lock()
	if h.pingOutstand {
		// Previous ping never got a pong within one interval.
		h.failures++
		idle := time.Since(h.lastInbound)
		failures := h.failures
		h.mu.Unlock()

		if failures >= 3 || idle >= 2*h.cfg.Interval {
			h.triggerTimeout("heartbeat_timeout")
		}
	} else {
		h.mu.Unlock()
	}

	if err := h.sendPing(); err != nil {
		h.mu.Lock()
		h.failures++
		failures := h.failures
		h.mu.Unlock()
		if failures >= 3 {
			h.triggerTimeout("heartbeat_timeout")
		}
		return
	}

	h.mu.Lock()
	h.pingOutstand = true
	h.lastAt = time.Now()
	h.mu.Unlock()

	h.sink.Emit("heartbeat.send", map[string]float64{"timestamp": float64(time.Now().UnixMilli())},
		map[string]string{"type": "ping_pong"})
}

// tickBinance relies on transport-level pings; the manager only reacts to
// close/error (handled by the Client actor's transport event loop), so a
// timer tick is a no-op other than idleness bookkeeping already covered by
// noteInbound.
func (h *heartbeatManager) tickBinance() {}

func (h *heartbeatManager) triggerTimeout(reason string) {
	if h.onTimeout != nil {
		h.onTimeout(reason)
	}
}

// failureCount reports the current consecutive-failure count, for
// observability (Client.GetState snapshots).
func (h *heartbeatManager) failureCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures
}
