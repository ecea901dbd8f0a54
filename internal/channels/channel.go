// Package channels implements the transport adapters notifications are
// delivered through. Each adapter makes exactly one delivery attempt per
// Send call; the scheduler decides what a failure means.
package channels

import (
	"context"
	"strings"
	"time"

	"github.com/stewardbot/steward/internal/bus"
)

// Channel defines the interface for chat transports (Slack, HTTP bridges).
type Channel interface {
	// Name returns the channel name (e.g. "slack").
	Name() string
	// Start starts the channel listener.
	Start(ctx context.Context) error
	// Stop stops the channel listener.
	Stop() error
	// Send delivers content to a channel-native address.
	Send(ctx context.Context, address, content string) error
}

// BaseChannel provides common functionality for channels.
type BaseChannel struct {
	Bus *bus.MessageBus
}

// HandleInbound publishes a received message onto the internal bus so the
// daemon can resolve the sender's identity and route commands.
func (b *BaseChannel) HandleInbound(channel, senderID, chatID, threadID, content string) {
	if b.Bus == nil {
		return
	}
	b.Bus.PublishInbound(&bus.InboundMessage{
		Channel:   channel,
		SenderID:  strings.TrimSpace(senderID),
		ChatID:    strings.TrimSpace(chatID),
		ThreadID:  strings.TrimSpace(threadID),
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}
