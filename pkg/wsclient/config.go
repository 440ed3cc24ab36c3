package wsclient

import (
	"io"
	"net/http"
	"time"

	"github.com/flowrate/exws/pkg/ratelimit"
)

// Header is one (name, value) pair sent on the initial connection.
type Header struct {
	Name  string
	Value string
}

// AuthSigner performs the authentication step during connect/reconnect. It
// builds whatever request the exchange's auth protocol requires and
// returns it ready to send; the Client actor takes care of sending it and
// waiting for the correlated reply. A nil AuthSigner means "no
// authentication step".
type AuthSigner func() (id interface{}, method string, params interface{})

// Config is the immutable configuration for one Client. NewClient captures
// it by value; mutating a Config after passing it to NewClient has no
// effect.
type Config struct {
	URL     string
	Headers []Header

	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	Heartbeat         HeartbeatConfig
	ReconnectOnError  bool
	RetryCount        int
	RetryDelay        time.Duration
	MaxBackoff        time.Duration
	RestoreSubs       bool
	LatencyBufferSize int

	// Auth, if set, is replayed exactly once on every successful
	// reconnect (and on the initial connect) before subscriptions are
	// restored.
	Auth AuthSigner

	// RecordTo, if non-nil, receives every inbound/outbound frame via the
	// session recorder. The caller owns opening/closing the underlying
	// file; this library only writes to it.
	RecordTo io.Writer

	// OnDisconnect is invoked (non-blocking, in its own goroutine) every
	// time the connection leaves the connected state unexpectedly.
	OnDisconnect func(err error)

	// Telemetry receives this Client's events (request lifecycle,
	// heartbeats, subscriptions, and the events of the Client's own private
	// rate limiter). Pool failover events go to the pool package's sinks,
	// not here. A nil value installs NoopSink.
	Telemetry telemetrySink

	// Transport overrides the default GorillaTransport. Mostly useful for
	// tests.
	Transport Transport

	TransportOptions TransportOptions

	// Limiter, if set, is shared across every Client dialing the same
	// exchange endpoint so its shared budget is respected across
	// connections.
	// A nil Limiter gives this Client its own private bucket, stopped when
	// the Client closes.
	Limiter *ratelimit.Limiter

	// CostFunc prices each outbound call for the rate limiter. A nil value
	// installs ratelimit.SimpleCost (flat 1 token per call).
	CostFunc ratelimit.CostFunc
}

// DefaultConfig returns a Config with conservative defaults: 1s/2s/4s
// backoff capped at 30s, 3 retries, restore enabled.
func DefaultConfig(url string) Config {
	return Config{
		URL:               url,
		ConnectTimeout:    10 * time.Second,
		RequestTimeout:    10 * time.Second,
		Heartbeat:         HeartbeatConfig{Variant: HeartbeatPingPong, Interval: 30 * time.Second},
		ReconnectOnError:  true,
		RetryCount:        3,
		RetryDelay:        1 * time.Second,
		MaxBackoff:        30 * time.Second,
		RestoreSubs:       true,
		LatencyBufferSize: 256,
		TransportOptions: TransportOptions{
			ReadTimeout:     60 * time.Second,
			WriteTimeout:    10 * time.Second,
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (c Config) httpHeaders() http.Header {
	h := make(http.Header, len(c.Headers))
	for _, kv := range c.Headers {
		h.Add(kv.Name, kv.Value)
	}
	return h
}

func (c Config) telemetry() telemetrySink {
	if c.Telemetry == nil {
		return NoopSink{}
	}
	return c.Telemetry
}
