package broadcast

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestRedisBridgeRelaysBetweenInstances(t *testing.T) {
	mr := miniredis.RunT(t)

	newInstance := func(id string) (*Broadcaster, *RedisBridge) {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		b := New(4, zerolog.Nop())
		bridge := NewRedisBridge(client, b, id, zerolog.Nop())
		b.AddSink(bridge)
		return b, bridge
	}

	a, bridgeA := newInstance("a")
	b, bridgeB := newInstance("b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = bridgeA.Run(ctx) }()
	go func() { _ = bridgeB.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for mr.PubSubNumSub(DefaultChannel)[DefaultChannel] < 2 {
		if time.Now().After(deadline) {
			t.Fatal("bridges did not subscribe")
		}
		time.Sleep(10 * time.Millisecond)
	}

	local := a.Subscribe("kid", "tablet", RoleDevice)
	remote := b.Subscribe("kid", "phone", RoleDevice)

	a.Publish(context.Background(), Event{Kind: KindRulesUpdated, ChildID: "kid"})

	ev, ok := receive(t, remote)
	if !ok {
		t.Fatal("remote instance did not receive the event")
	}
	if ev.Kind != KindRulesUpdated || ev.Origin != "a" {
		t.Errorf("unexpected relayed event: %+v", ev)
	}

	if _, ok := receive(t, local); !ok {
		t.Fatal("local subscriber did not receive the event")
	}

	// The publishing instance must not deliver its own event a second time
	time.Sleep(100 * time.Millisecond)
	if pending(local) != 0 {
		t.Errorf("local subscriber got %d duplicate events", pending(local))
	}
}

func TestRedisBridgeRunsHooksForRemoteEventsOnly(t *testing.T) {
	b := New(4, zerolog.Nop())
	bridge := NewRedisBridge(nil, b, "a", zerolog.Nop())

	var seen []Event
	bridge.OnRemote(func(ev Event) { seen = append(seen, ev) })
	sub := b.Subscribe("kid", "tablet", RoleDevice)

	encode := func(ev Event) string {
		data, err := json.Marshal(ev)
		if err != nil {
			t.Fatalf("failed to encode event: %v", err)
		}
		return string(data)
	}

	bridge.handle(encode(Event{Kind: KindRulesUpdated, ChildID: "kid", Origin: "a"}))
	bridge.handle("not json")
	bridge.handle(encode(Event{Kind: KindRulesUpdated, ChildID: "kid", Origin: "b"}))

	if len(seen) != 1 || seen[0].Origin != "b" || seen[0].ChildID != "kid" {
		t.Fatalf("expected one hook call for the remote event, got %+v", seen)
	}
	ev, ok := receive(t, sub)
	if !ok || ev.Origin != "b" {
		t.Fatalf("remote event not delivered locally: %+v", ev)
	}
	if pending(sub) != 0 {
		t.Errorf("own event was delivered again")
	}
}
