package trade

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func (h *WSHub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestWSHub_BroadcastsFilteredUpdates(t *testing.T) {
	hub := NewWSHub(nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer srv.Close()

	all := dial(t, srv, "")
	one := dial(t, srv, "?position_key=K2")

	deadline := time.Now().Add(2 * time.Second)
	for hub.clientCount() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("clients did not register")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := hub.Publish(ctx, "position.updated", "K1", []byte(`{"version":1}`)); err != nil {
		t.Fatal(err)
	}
	if err := hub.Publish(ctx, "position.updated", "K2", []byte(`{"version":7}`)); err != nil {
		t.Fatal(err)
	}

	read := func(conn *websocket.Conn) WSMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var msg WSMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		return msg
	}

	if msg := read(all); msg.PositionKey != "K1" || msg.Type != "position.updated" {
		t.Errorf("first message = %+v", msg)
	}
	if msg := read(all); msg.PositionKey != "K2" {
		t.Errorf("second message = %+v", msg)
	}
	// The filtered client only sees K2.
	if msg := read(one); msg.PositionKey != "K2" || string(msg.Data) != `{"version":7}` {
		t.Errorf("filtered message = %+v", msg)
	}
}

func TestWSHub_PublishNeverBlocks(t *testing.T) {
	hub := NewWSHub(nil)
	// No Run loop: the buffer fills and further updates are dropped.
	for i := 0; i < 1000; i++ {
		if err := hub.Publish(context.Background(), "position.updated", "K", []byte(`{}`)); err != nil {
			t.Fatal(err)
		}
	}
}
