package bus

import (
	"errors"
	"testing"
)

func TestPublishDispatchesInSubscriptionOrder(t *testing.T) {
	b := New()
	var got []string

	b.Subscribe("message", func(any) error {
		got = append(got, "first")
		return nil
	})
	b.Subscribe("message", func(any) error {
		got = append(got, "second")
		return nil
	})

	b.Publish("message", "hi")

	if len(got) != 2 || got[0] != "first" || got[1] != "second" {
		t.Fatalf("dispatch order = %v, want [first second]", got)
	}
}

func TestHandlerFailureDoesNotStopDispatch(t *testing.T) {
	b := New()
	var reached bool

	b.Subscribe("message", func(any) error {
		return errors.New("boom")
	})
	b.Subscribe("message", func(any) error {
		panic("worse")
	})
	b.Subscribe("message", func(any) error {
		reached = true
		return nil
	})

	b.Publish("message", nil)

	if !reached {
		t.Fatal("handler after failing handlers was not invoked")
	}
}

func TestPublishWithoutSubscribersIsDropped(t *testing.T) {
	b := New()
	// Must not panic or block.
	b.Publish("status", Status{ID: "x", Status: "delivered"})
}

func TestTopicsAreIsolated(t *testing.T) {
	b := New()
	var messages, statuses int

	b.Subscribe(TopicMessage, func(any) error { messages++; return nil })
	b.Subscribe(TopicStatus, func(any) error { statuses++; return nil })

	b.Publish(TopicMessage, Inbound{MessageID: "1"})
	b.Publish(TopicMessage, Inbound{MessageID: "2"})
	b.Publish(TopicStatus, Status{ID: "1"})

	if messages != 2 || statuses != 1 {
		t.Fatalf("messages=%d statuses=%d, want 2 and 1", messages, statuses)
	}
}
