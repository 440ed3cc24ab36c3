package pool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowrate/exws/pkg/wsclient"
)

func TestSupervisorStartAndStop(t *testing.T) {
	server := newEchoServer(t)
	defer server.Close()

	registry := NewConnectionRegistry()
	supervisor := NewClientSupervisor(registry, nil)

	var connected sync.WaitGroup
	connected.Add(1)
	supervisor.OnConnect(func(id string) { connected.Done() })

	cfg := wsclient.DefaultConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	cfg.Heartbeat = wsclient.HeartbeatConfig{Variant: wsclient.HeartbeatDisabled}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := supervisor.StartClient(ctx, "primary", cfg); err != nil {
		t.Fatalf("StartClient: %v", err)
	}

	waitTimeout(t, &connected, 2*time.Second)

	if _, ok := registry.Get("primary"); !ok {
		t.Fatal("expected primary to be registered")
	}

	if err := supervisor.StopClient("primary"); err != nil {
		t.Fatalf("StopClient: %v", err)
	}
	if _, ok := registry.Get("primary"); ok {
		t.Fatal("expected primary to be removed from registry after StopClient")
	}
}

func TestSupervisorRestartsOnUnexpectedDisconnect(t *testing.T) {
	var mu sync.Mutex
	var conns int
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		conns++
		first := conns == 1
		mu.Unlock()

		if first {
			// Drop the first connection immediately to force a restart.
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	registry := NewConnectionRegistry()
	sink := &recordingSink{}
	supervisor := NewClientSupervisor(registry, sink)

	var disconnected, reconnected sync.WaitGroup
	disconnected.Add(1)
	reconnected.Add(1)
	var connectMu sync.Mutex
	seenFirstConnect := false
	var disconnectOnce, reconnectOnce sync.Once
	supervisor.OnDisconnect(func(id string, err error) {
		disconnectOnce.Do(func() { disconnected.Done() })
	})
	supervisor.OnConnect(func(id string) {
		connectMu.Lock()
		wasFirst := !seenFirstConnect
		seenFirstConnect = true
		connectMu.Unlock()
		if wasFirst {
			return
		}
		reconnectOnce.Do(func() { reconnected.Done() })
	})

	cfg := wsclient.DefaultConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	cfg.Heartbeat = wsclient.HeartbeatConfig{Variant: wsclient.HeartbeatDisabled}
	cfg.ConnectTimeout = 2 * time.Second
	// The client must terminate on the drop for the supervisor to restart
	// it; with its own reconnect loop enabled it would recover by itself.
	cfg.ReconnectOnError = false

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := supervisor.StartClient(ctx, "primary", cfg); err != nil {
		t.Fatalf("StartClient: %v", err)
	}

	waitTimeout(t, &disconnected, 2*time.Second)
	waitTimeout(t, &reconnected, 2*time.Second)

	_ = supervisor.StopClient("primary")
}

func waitTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for condition")
	}
}
