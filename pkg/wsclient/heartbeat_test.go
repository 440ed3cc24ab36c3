package wsclient

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestDeribitHeartbeatTestRequestTriggersPublicTestReply(t *testing.T) {
	var mu sync.Mutex
	var replies []string

	server := newTestServer(t, func(conn *websocket.Conn) {
		req := map[string]interface{}{
			"jsonrpc": "2.0",
			"method":  "heartbeat",
			"params":  map[string]string{"type": "test_request"},
		}
		data, _ := json.Marshal(req)
		conn.WriteMessage(websocket.TextMessage, data)

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			mu.Lock()
			replies = append(replies, string(msg))
			mu.Unlock()
		}
	})
	defer server.Close()

	cfg := DefaultConfig(wsURL(server))
	cfg.Heartbeat = HeartbeatConfig{Variant: HeartbeatDeribit}
	client := NewClient(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := len(replies)
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(replies) == 0 {
		t.Fatal("expected a public/test reply to the deribit test_request")
	}
	var env struct {
		Method string `json:"method"`
	}
	if err := json.Unmarshal([]byte(replies[0]), &env); err != nil {
		t.Fatalf("unmarshal reply: %v", err)
	}
	if env.Method != "public/test" {
		t.Fatalf("reply method = %q, want public/test", env.Method)
	}
	if client.hb.failureCount() != 0 {
		t.Fatalf("heartbeat failures = %d, want 0 after successful reply", client.hb.failureCount())
	}
}
