package pool

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/flowrate/exws/pkg/wsclient"
)

// restartBudgetEvery and restartBudgetBurst give a child 10 restarts per 60
// seconds: rate.NewLimiter refills continuously rather than in discrete
// per-minute windows, but at one token every 6 seconds it converges to the
// same 10-per-minute budget.
const (
	restartBudgetBurst = 10
	restartBudgetEvery = 6 * time.Second
)

type supervisedClient struct {
	cfg     wsclient.Config
	client  *wsclient.Client
	stopped bool
}

// ClientSupervisor dynamically supervises a set of named Clients,
// restarting any that terminate unexpectedly within a bounded budget
// instead of letting a transient failure take the whole pool down. Each
// child gets its own restart budget so one flapping connection doesn't
// starve the others.
type ClientSupervisor struct {
	mu       sync.Mutex
	registry *ConnectionRegistry
	children map[string]*supervisedClient
	budgets  map[string]*rate.Limiter
	sink     Sink

	onConnect    func(id string)
	onDisconnect func(id string, err error)
}

// NewClientSupervisor creates a supervisor writing into registry. A nil
// sink installs NoopSink.
func NewClientSupervisor(registry *ConnectionRegistry, sink Sink) *ClientSupervisor {
	if sink == nil {
		sink = NoopSink{}
	}
	return &ClientSupervisor{
		registry: registry,
		children: make(map[string]*supervisedClient),
		budgets:  make(map[string]*rate.Limiter),
		sink:     sink,
	}
}

// OnConnect installs a callback invoked (from its own goroutine, panics
// recovered and logged) every time a supervised client successfully
// connects or reconnects.
func (s *ClientSupervisor) OnConnect(fn func(id string)) { s.onConnect = fn }

// OnDisconnect installs a callback invoked every time a supervised client
// goes down, before the supervisor decides whether to restart it.
func (s *ClientSupervisor) OnDisconnect(fn func(id string, err error)) { s.onDisconnect = fn }

// StartClient dials cfg under id, registers the resulting Client, and
// begins supervising it: if it later terminates unexpectedly (Close was
// never called directly through StopClient), the supervisor restarts it
// from the same cfg as long as its restart budget allows.
func (s *ClientSupervisor) StartClient(ctx context.Context, id string, cfg wsclient.Config) error {
	client := wsclient.NewClient(cfg)
	if err := client.Connect(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	s.children[id] = &supervisedClient{cfg: cfg, client: client}
	if _, ok := s.budgets[id]; !ok {
		s.budgets[id] = rate.NewLimiter(rate.Every(restartBudgetEvery), restartBudgetBurst)
	}
	s.mu.Unlock()

	s.registry.Put(id, client)
	s.safeOnConnect(id)

	go s.superviseLoop(id)
	return nil
}

// ListClients returns every currently supervised id.
func (s *ClientSupervisor) ListClients() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.children))
	for id := range s.children {
		out = append(out, id)
	}
	return out
}

// StopClient permanently stops the client under id: it is closed and no
// further restarts are attempted.
func (s *ClientSupervisor) StopClient(id string) error {
	s.mu.Lock()
	sc, ok := s.children[id]
	if ok {
		sc.stopped = true
	}
	s.mu.Unlock()
	if !ok {
		return wsclient.NewError("ClientSupervisor.StopClient", wsclient.KindNoConnections, nil)
	}
	s.registry.Remove(id)
	return sc.client.Close()
}

func (s *ClientSupervisor) superviseLoop(id string) {
	for {
		s.mu.Lock()
		sc, ok := s.children[id]
		s.mu.Unlock()
		if !ok {
			return
		}

		<-sc.client.Done()

		s.mu.Lock()
		sc, ok = s.children[id]
		stopped := ok && sc.stopped
		s.mu.Unlock()
		if !ok || stopped {
			return
		}

		s.safeOnDisconnect(id, wsclient.NewError("ClientSupervisor", wsclient.KindDisconnected, nil))

		s.mu.Lock()
		budget := s.budgets[id]
		s.mu.Unlock()
		if !budget.Allow() {
			s.sink.Emit("pool.restart_denied", nil, map[string]string{"id": id})
			s.registry.Remove(id)
			s.mu.Lock()
			delete(s.children, id)
			s.mu.Unlock()
			return
		}

		s.sink.Emit("pool.restart", nil, map[string]string{"id": id})

		newClient := wsclient.NewClient(sc.cfg)
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeoutOrDefault(sc.cfg))
		err := newClient.Connect(ctx)
		cancel()
		if err != nil {
			s.sink.Emit("pool.restart_failed", nil, map[string]string{"id": id})
			// children[id] still holds the client that went down, whose
			// Done() channel is already closed; looping straight back to
			// the top would re-read that closed channel and spin until the
			// budget empties. Sleep out one budget interval so retries are
			// paced by time, not just by token availability.
			time.Sleep(restartBudgetEvery)
			continue
		}

		s.mu.Lock()
		s.children[id] = &supervisedClient{cfg: sc.cfg, client: newClient}
		s.mu.Unlock()
		s.registry.Put(id, newClient)
		s.safeOnConnect(id)
	}
}

func connectTimeoutOrDefault(cfg wsclient.Config) time.Duration {
	if cfg.ConnectTimeout > 0 {
		return cfg.ConnectTimeout
	}
	return 10 * time.Second
}

// safeOnConnect and safeOnDisconnect run user callbacks in their own
// goroutine with a recover guard: a panicking callback must never bring
// down the supervisor.
func (s *ClientSupervisor) safeOnConnect(id string) {
	if s.onConnect == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("pool: onConnect callback for %q panicked: %v", id, r)
			}
		}()
		s.onConnect(id)
	}()
}

func (s *ClientSupervisor) safeOnDisconnect(id string, err error) {
	if s.onDisconnect == nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("pool: onDisconnect callback for %q panicked: %v", id, r)
			}
		}()
		s.onDisconnect(id, err)
	}()
}
