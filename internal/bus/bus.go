// Package bus provides the async message bus between channel listeners and
// the daemon's inbound loop.
package bus

import (
	"context"
	"time"
)

// InboundMessage represents a message arriving from a channel.
type InboundMessage struct {
	Channel   string    `json:"channel"`
	SenderID  string    `json:"sender_id"`
	ChatID    string    `json:"chat_id"`
	ThreadID  string    `json:"thread_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageBus decouples channel listeners from the daemon's inbound loop.
type MessageBus struct {
	inbound chan *InboundMessage
}

// NewMessageBus creates a new message bus.
func NewMessageBus() *MessageBus {
	return &MessageBus{
		inbound: make(chan *InboundMessage, 100),
	}
}

// PublishInbound sends a message from a channel toward the inbound loop.
func (b *MessageBus) PublishInbound(msg *InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	b.inbound <- msg
}

// ConsumeInbound blocks until a message is available or context is cancelled.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (*InboundMessage, error) {
	select {
	case msg := <-b.inbound:
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// InboundSize returns the number of pending inbound messages.
func (b *MessageBus) InboundSize() int {
	return len(b.inbound)
}
