package broadcast

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

func TestConnDeliversEventsAndUnsubscribesOnClose(t *testing.T) {
	b := New(4, zerolog.Nop())
	upgrader := websocket.Upgrader{}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sub := b.Subscribe("kid", "tablet", RoleDevice)
		NewConn(conn, b, sub, time.Second, zerolog.Nop()).Serve()
	}))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	waitFor(t, func() bool { return b.SubscriberCount("kid") == 1 })

	b.Publish(context.Background(), Event{Kind: KindLocked, ChildID: "kid", Reason: "paused"})

	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev Event
	if err := client.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Kind != KindLocked || ev.Reason != "paused" {
		t.Errorf("unexpected event: %+v", ev)
	}

	_ = client.Close()
	waitFor(t, func() bool { return b.SubscriberCount("kid") == 0 })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
