package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSync_DeliversToAllHandlers(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []string
	b.Subscribe(EventGreetingSent, func(e Event) {
		mu.Lock()
		got = append(got, "a:"+e.Detail)
		mu.Unlock()
	})
	b.Subscribe(EventGreetingSent, func(e Event) {
		mu.Lock()
		got = append(got, "b:"+e.Detail)
		mu.Unlock()
	})

	b.PublishSync(Event{Type: EventGreetingSent, Detail: "hello"})

	if len(got) != 2 {
		t.Fatalf("expected 2 deliveries, got %d", len(got))
	}
}

func TestBus_PublishSync_SetsTimestamp(t *testing.T) {
	b := New()

	var ts time.Time
	b.Subscribe(EventFaceLost, func(e Event) { ts = e.Timestamp })
	b.PublishSync(Event{Type: EventFaceLost})

	if ts.IsZero() {
		t.Error("expected timestamp to be filled in")
	}
}

func TestBus_SubscribeMultiple(t *testing.T) {
	b := New()

	var mu sync.Mutex
	count := 0
	b.SubscribeMultiple([]EventType{EventFaceDetected, EventFaceLocked, EventFaceLost}, func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	b.PublishSync(Event{Type: EventFaceDetected})
	b.PublishSync(Event{Type: EventFaceLocked})
	b.PublishSync(Event{Type: EventFaceLost})
	b.PublishSync(Event{Type: EventConversationStart}) // not subscribed

	if count != 3 {
		t.Errorf("expected 3 deliveries, got %d", count)
	}
}

func TestBus_Clear(t *testing.T) {
	b := New()

	called := false
	b.Subscribe(EventAgentReset, func(Event) { called = true })
	b.Clear()
	b.PublishSync(Event{Type: EventAgentReset})

	if called {
		t.Error("expected no delivery after Clear")
	}
}
