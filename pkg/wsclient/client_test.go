package wsclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClientConnectAndClose(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Variant: HeartbeatDisabled}
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if client.GetState().State != StateConnected {
		t.Fatalf("state = %v, want connected", client.GetState().State)
	}

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if client.GetState().State != StateClosed {
		t.Fatalf("state = %v, want closed", client.GetState().State)
	}
}

func TestRequestCorrelatedReply(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var env struct {
				ID interface{} `json:"id"`
			}
			_ = json.Unmarshal(msg, &env)
			reply := []byte(`{"jsonrpc":"2.0","id":` + idString(env.ID) + `,"result":{"ok":true}}`)
			conn.WriteMessage(websocket.TextMessage, reply)
		}
	})
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Variant: HeartbeatDisabled}
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	reply, err := client.Request(reqCtx, 1, "public/test", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !strings.Contains(string(reply), "ok") {
		t.Fatalf("unexpected reply: %s", reply)
	}
}

func TestRequestTimeout(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
			// Never reply.
		}
	})
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Variant: HeartbeatDisabled}
	cfg.RequestTimeout = 100 * time.Millisecond
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	reqCtx, reqCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer reqCancel()
	_, err := client.Request(reqCtx, 1, "public/test", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindRequestTimeout {
		t.Fatalf("kind = %v, want request_timeout", kind)
	}
}

func TestDuplicateIDRejected(t *testing.T) {
	server := newTestServer(t, func(conn *websocket.Conn) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Variant: HeartbeatDisabled}
	cfg.RequestTimeout = 2 * time.Second
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	go client.Request(context.Background(), 42, "public/test", nil)
	time.Sleep(50 * time.Millisecond)

	_, err := client.Request(context.Background(), 42, "public/test", nil)
	if err == nil {
		t.Fatal("expected duplicate id error")
	}
	if kind, ok := KindOf(err); !ok || kind != KindDuplicateID {
		t.Fatalf("kind = %v, want duplicate_id", kind)
	}
}

func TestSubscribeRestoreOnReconnect(t *testing.T) {
	var mu sync.Mutex
	var subscribeCount int
	var connCount int

	handler := func(conn *websocket.Conn) {
		mu.Lock()
		connCount++
		first := connCount == 1
		mu.Unlock()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if strings.Contains(string(msg), "public/subscribe") {
				mu.Lock()
				subscribeCount++
				mu.Unlock()
			}
			if first && strings.Contains(string(msg), "public/subscribe") {
				conn.Close()
				return
			}
		}
	}

	server := newTestServer(t, handler)
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Variant: HeartbeatDisabled}
	cfg.RetryDelay = 10 * time.Millisecond
	cfg.MaxBackoff = 10 * time.Millisecond
	cfg.RetryCount = 5
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	if err := client.Subscribe("book.BTC-PERPETUAL.raw", map[string]string{"method": "public/subscribe"}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		count := subscribeCount
		mu.Unlock()
		if count >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if subscribeCount < 2 {
		t.Fatalf("subscribeCount = %d, want >= 2 (original + restore)", subscribeCount)
	}
}
