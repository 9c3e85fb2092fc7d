package memory

import (
	"context"
	"errors"
	"testing"
)

func TestPublisherStoresMessages(t *testing.T) {
	t.Parallel()

	pub := New()
	id1, err := pub.Publish(context.Background(), "topic-a", map[string]int{"count": 3})
	if err != nil || id1 != "memory-1" {
		t.Fatalf("unexpected publish result id=%s err=%v", id1, err)
	}
	id2, err := pub.Publish(context.Background(), "topic-b", "payload")
	if err != nil || id2 != "memory-2" {
		t.Fatalf("unexpected publish result id=%s err=%v", id2, err)
	}

	msgs := pub.Messages()
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Topic != "topic-a" || string(msgs[0].Data) != `{"count":3}` {
		t.Fatalf("first message not recorded correctly: %+v", msgs[0])
	}
	if string(msgs[1].Data) != `"payload"` {
		t.Fatalf("second payload = %s", msgs[1].Data)
	}

	msgs[0].Topic = "modified"
	if pub.Messages()[0].Topic == "modified" {
		t.Fatal("expected Messages() to return a copy")
	}
}

func TestPublisherFailWith(t *testing.T) {
	t.Parallel()

	pub := New()
	boom := errors.New("unavailable")
	pub.FailWith(boom)
	if _, err := pub.Publish(context.Background(), "t", 1); !errors.Is(err, boom) {
		t.Fatalf("expected injected error, got %v", err)
	}
	pub.FailWith(nil)
	if _, err := pub.Publish(context.Background(), "t", 1); err != nil {
		t.Fatalf("expected recovery, got %v", err)
	}
	if len(pub.Messages()) != 1 {
		t.Fatalf("expected only the successful publish to be recorded")
	}
}

func TestPublisherRejectsUnencodablePayload(t *testing.T) {
	t.Parallel()

	if _, err := New().Publish(context.Background(), "t", make(chan int)); err == nil {
		t.Fatal("expected marshal error")
	}
}
