package pool

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/flowrate/exws/pkg/wsclient"
)

// Sink is the minimal event-emission surface this package depends on.
type Sink interface {
	Emit(event string, measurements map[string]float64, meta map[string]string)
}

// NoopSink discards every event.
type NoopSink struct{}

// Emit implements Sink.
func (NoopSink) Emit(string, map[string]float64, map[string]string) {}

// errorHalfLife is how long it takes a recorded error's weight in the
// health score to decay by half. An id that errored once five minutes ago
// looks almost as healthy as one with a clean record.
const errorHalfLife = 30 * time.Second

// PoolRouter picks the healthiest connected client out of a
// ConnectionRegistry and fails over to the next-healthiest on send error.
type PoolRouter struct {
	mu         sync.Mutex
	registry   *ConnectionRegistry
	errorCount map[string]int
	lastErrAt  map[string]time.Time
	sink       Sink
}

// NewPoolRouter builds a router over registry. A nil sink installs
// NoopSink.
func NewPoolRouter(registry *ConnectionRegistry, sink Sink) *PoolRouter {
	if sink == nil {
		sink = NoopSink{}
	}
	return &PoolRouter{
		registry:   registry,
		errorCount: make(map[string]int),
		lastErrAt:  make(map[string]time.Time),
		sink:       sink,
	}
}

// RecordError bumps id's error count, used both internally by SendBalanced
// and externally by callers that detect failures out of band (a failed
// Request, for instance).
func (p *PoolRouter) RecordError(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errorCount[id]++
	p.lastErrAt[id] = time.Now()
}

// ClearErrors resets id's error history, typically called after a
// successful send through it.
func (p *PoolRouter) ClearErrors(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.errorCount, id)
	delete(p.lastErrAt, id)
}

// HealthScore returns id's current score in (0, 1]: 1 for a clean record,
// decaying toward 0 as errors accumulate, with older errors weighted less
// than recent ones.
func (p *PoolRouter) HealthScore(id string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthScoreLocked(id)
}

func (p *PoolRouter) healthScoreLocked(id string) float64 {
	errs := p.errorCount[id]
	if errs == 0 {
		return 1.0
	}
	elapsed := time.Since(p.lastErrAt[id])
	decayed := float64(errs) * math.Pow(0.5, elapsed.Seconds()/errorHalfLife.Seconds())
	return 1.0 / (1.0 + decayed)
}

// SelectConnection returns the highest-scoring connected client not in
// exclude, breaking ties by id for determinism.
func (p *PoolRouter) SelectConnection(exclude map[string]bool) (id string, client *wsclient.Client, ok bool) {
	candidates := p.registry.Snapshot()

	ids := make([]string, 0, len(candidates))
	for cid, c := range candidates {
		if exclude[cid] {
			continue
		}
		if c.GetState().State != wsclient.StateConnected {
			continue
		}
		ids = append(ids, cid)
	}
	if len(ids) == 0 {
		return "", nil, false
	}

	sort.Slice(ids, func(i, j int) bool {
		si, sj := p.HealthScore(ids[i]), p.HealthScore(ids[j])
		if si != sj {
			return si > sj
		}
		return ids[i] < ids[j]
	})

	best := ids[0]
	return best, candidates[best], true
}

// SendBalanced sends data through the healthiest available connection,
// failing over to the next-healthiest up to maxAttempts times. Returns
// wsclient.KindNoConnections if no connected client exists at all, or
// wsclient.KindMaxAttemptsExceeded once every attempt has failed.
func (p *PoolRouter) SendBalanced(data []byte, maxAttempts int) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	tried := make(map[string]bool, maxAttempts)

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id, client, ok := p.SelectConnection(tried)
		if !ok {
			if attempt == 0 {
				return wsclient.NewError("PoolRouter.SendBalanced", wsclient.KindNoConnections, nil)
			}
			break
		}

		err := client.Send(data)
		if err == nil {
			p.ClearErrors(id)
			return nil
		}

		tried[id] = true
		p.RecordError(id)
		p.sink.Emit("pool.failover", map[string]float64{"attempt": float64(attempt + 1)}, map[string]string{"failed_pid": id, "reason": string(errKind(err))})
	}

	return wsclient.NewError("PoolRouter.SendBalanced", wsclient.KindMaxAttemptsExceeded, nil)
}

func errKind(err error) wsclient.Kind {
	if k, ok := wsclient.KindOf(err); ok {
		return k
	}
	return ""
}
