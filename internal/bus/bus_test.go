package bus

import (
	"context"
	"testing"
	"time"
)

func TestPublishConsumeRoundTrip(t *testing.T) {
	b := NewMessageBus()
	b.PublishInbound(&InboundMessage{Channel: "slack", ThreadID: "t-1", Content: "hi"})

	if b.InboundSize() != 1 {
		t.Errorf("size = %d", b.InboundSize())
	}
	msg, err := b.ConsumeInbound(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if msg.Channel != "slack" || msg.Content != "hi" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp.IsZero() {
		t.Error("timestamp not stamped")
	}
}

func TestConsumeRespectsContext(t *testing.T) {
	b := NewMessageBus()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := b.ConsumeInbound(ctx); err == nil {
		t.Fatal("expected context error on empty bus")
	}
}
