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

type recordingSink struct {
	mu     sync.Mutex
	events []string
}

func (s *recordingSink) Emit(event string, m map[string]float64, meta map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) count(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.events {
		if e == event {
			n++
		}
	}
	return n
}

func newEchoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func dialTestClient(t *testing.T, server *httptest.Server) *wsclient.Client {
	t.Helper()
	cfg := wsclient.DefaultConfig("ws" + strings.TrimPrefix(server.URL, "http"))
	cfg.Heartbeat = wsclient.HeartbeatConfig{Variant: wsclient.HeartbeatDisabled}
	client := wsclient.NewClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	return client
}

func TestHealthScoreDropsOnErrorAndResetsOnClear(t *testing.T) {
	registry := NewConnectionRegistry()
	router := NewPoolRouter(registry, nil)

	if got := router.HealthScore("unknown"); got != 1.0 {
		t.Fatalf("HealthScore for untouched id = %f, want 1.0", got)
	}

	router.RecordError("a")
	afterOneError := router.HealthScore("a")
	if afterOneError >= 1.0 {
		t.Fatalf("HealthScore after one error = %f, want < 1.0", afterOneError)
	}

	router.ClearErrors("a")
	if got := router.HealthScore("a"); got != 1.0 {
		t.Fatalf("HealthScore after ClearErrors = %f, want 1.0", got)
	}
}

// TestSelectConnectionFailsOverToHealthiestRemaining drives two connections
// down (recording errors so their health score drops) and confirms
// SelectConnection routes around both, landing on the one remaining
// candidate. This exercises the decay-scored failover logic without
// depending on the timing of a real socket failure.
func TestSelectConnectionFailsOverToHealthiestRemaining(t *testing.T) {
	goodServer := newEchoServer(t)
	defer goodServer.Close()
	badServerA := newEchoServer(t)
	defer badServerA.Close()
	badServerB := newEchoServer(t)
	defer badServerB.Close()

	registry := NewConnectionRegistry()
	sink := &recordingSink{}
	router := NewPoolRouter(registry, sink)

	good := dialTestClient(t, goodServer)
	defer good.Close()
	badA := dialTestClient(t, badServerA)
	defer badA.Close()
	badB := dialTestClient(t, badServerB)
	defer badB.Close()

	registry.Put("bad-a", badA)
	registry.Put("bad-b", badB)
	registry.Put("good", good)

	router.RecordError("bad-a")
	router.RecordError("bad-a")
	router.RecordError("bad-b")
	router.RecordError("bad-b")

	id, _, ok := router.SelectConnection(nil)
	if !ok || id != "good" {
		t.Fatalf("SelectConnection = (%q, ok=%v), want (\"good\", true)", id, ok)
	}

	id, _, ok = router.SelectConnection(map[string]bool{"good": true})
	if !ok {
		t.Fatal("expected a fallback candidate when excluding the healthy one")
	}
	if id != "bad-a" && id != "bad-b" {
		t.Fatalf("unexpected fallback id %q", id)
	}
}

// TestSendBalancedSkipsClosedConnections confirms a closed connection drops
// out of consideration entirely (SelectConnection filters on
// StateConnected) rather than being retried and failed over.
func TestSendBalancedSkipsClosedConnections(t *testing.T) {
	goodServer := newEchoServer(t)
	defer goodServer.Close()
	badServer := newEchoServer(t)

	registry := NewConnectionRegistry()
	router := NewPoolRouter(registry, nil)

	bad := dialTestClient(t, badServer)
	good := dialTestClient(t, goodServer)
	defer good.Close()

	registry.Put("bad", bad)
	registry.Put("good", good)

	badServer.Close()
	bad.Close()

	if err := router.SendBalanced([]byte(`{"jsonrpc":"2.0","method":"public/test"}`), 3); err != nil {
		t.Fatalf("SendBalanced: %v", err)
	}
}

func TestSendBalancedNoConnections(t *testing.T) {
	registry := NewConnectionRegistry()
	router := NewPoolRouter(registry, nil)

	err := router.SendBalanced([]byte("{}"), 3)
	if err == nil {
		t.Fatal("expected error with no registered connections")
	}
	if kind, ok := wsclient.KindOf(err); !ok || kind != wsclient.KindNoConnections {
		t.Fatalf("kind = %v, want no_connections", kind)
	}
}
