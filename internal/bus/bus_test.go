package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("connectivity.", 10)
	defer unsub()

	b.Publish(Event{Kind: KindConnectivityChanged, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != KindConnectivityChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindConnectivityChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("state.", 10)
	defer unsub()

	b.Emit(KindConnectivityChanged, nil)
	b.Emit(KindPendingChanged, 3)

	select {
	case evt := <-ch:
		if evt.Kind != KindPendingChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, KindPendingChanged)
		}
		if evt.Payload != 3 {
			t.Errorf("payload = %v, want 3", evt.Payload)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit left timestamp unset")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	unsub()

	b.Emit(KindDrainFinished, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 1)
	defer unsub()

	b.Emit(KindDrainFinished, nil)
	// This should be dropped (non-blocking).
	b.Emit(KindActionFailed, nil)

	evt := <-ch
	if evt.Kind != KindDrainFinished {
		t.Errorf("got %q, want %s", evt.Kind, KindDrainFinished)
	}
}

func TestNilBusDiscards(t *testing.T) {
	var b *Bus
	b.Emit(KindSignedOut, nil)
}
