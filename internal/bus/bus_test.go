package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnStateChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnStateChanged {
			t.Errorf("got kind %q, want %q", evt.Kind, KindConnStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindGatewayConnected})
	b.Publish(Event{Kind: KindMessageUpserted})

	select {
	case evt := <-ch:
		if evt.Kind != KindMessageUpserted {
			t.Errorf("got kind %q, want %q", evt.Kind, KindMessageUpserted)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure the connection event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestEmitStampsTimestamp(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("typing.", 10)
	defer unsub()

	before := time.Now()
	b.Emit(KindTypingChanged, "conv-1")

	select {
	case evt := <-ch:
		if evt.Timestamp.Before(before) {
			t.Errorf("timestamp %v predates Emit call", evt.Timestamp)
		}
		if evt.Payload != "conv-1" {
			t.Errorf("payload = %v, want conv-1", evt.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("conn.", 10)
	unsub()

	b.Publish(Event{Kind: KindConnStateChanged})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
