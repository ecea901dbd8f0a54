// Package dispatch routes outbound notifications to registered channel
// adapters. It owns channel selection and per-send timeouts only: retry
// policy belongs to the caller, and adapters must not retry internally.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnknownChannel is returned when no adapter is registered for the
// recipient's channel.
var ErrUnknownChannel = fmt.Errorf("dispatch: unknown channel")

// Recipient addresses one delivery target.
type Recipient struct {
	Channel string // adapter name, e.g. "slack"
	Address string // channel-native address (chat id, webhook path)
}

// Sender is the adapter-side contract. A Send call is a single delivery
// attempt; returning an error means the attempt failed and will be recorded,
// not retried.
type Sender interface {
	Name() string
	Send(ctx context.Context, address, content string) error
}

// Dispatcher is a registry of channel adapters keyed by name.
type Dispatcher struct {
	mu       sync.RWMutex
	adapters map[string]Sender
	timeout  time.Duration
	logger   *slog.Logger
}

// New creates a dispatcher. timeout bounds each delivery attempt.
func New(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		adapters: make(map[string]Sender),
		timeout:  timeout,
		logger:   logger,
	}
}

// Register adds an adapter. Later registrations replace earlier ones with
// the same name.
func (d *Dispatcher) Register(s Sender) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.adapters[s.Name()] = s
	d.logger.Info("channel adapter registered", "channel", s.Name())
}

// Channels returns the registered adapter names.
func (d *Dispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.adapters))
	for name := range d.adapters {
		names = append(names, name)
	}
	return names
}

// Send delivers content to the recipient through its channel adapter,
// bounded by the dispatcher timeout. Exactly one attempt is made.
func (d *Dispatcher) Send(ctx context.Context, rcpt Recipient, content string) error {
	d.mu.RLock()
	adapter, ok := d.adapters[rcpt.Channel]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownChannel, rcpt.Channel)
	}

	sendCtx := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	if err := adapter.Send(sendCtx, rcpt.Address, content); err != nil {
		return fmt.Errorf("send via %s: %w", rcpt.Channel, err)
	}
	d.logger.Debug("notification delivered",
		"channel", rcpt.Channel,
		"address", rcpt.Address,
		"elapsed", time.Since(start).Round(time.Millisecond))
	return nil
}
