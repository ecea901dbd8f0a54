// Package events publishes audit events for scheduling and identity
// operations. Publishing is best-effort: a broker outage must never block or
// fail the operation being audited.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/stewardbot/steward/internal/config"
)

// Event types emitted by the daemon.
const (
	TypeItemFired      = "item.fired"
	TypeItemFailed     = "item.failed"
	TypeItemCancelled  = "item.cancelled"
	TypeIdentityMerged = "identity.merged"
)

// Event is one audit record. Fields beyond Type and At are event-specific.
type Event struct {
	Type        string    `json:"type"`
	At          time.Time `json:"at"`
	ItemID      string    `json:"item_id,omitempty"`
	LineageID   string    `json:"lineage_id,omitempty"`
	OwnerThread string    `json:"owner_thread,omitempty"`
	Channel     string    `json:"channel,omitempty"`
	Error       string    `json:"error,omitempty"`
	AbsorbedID  string    `json:"absorbed_id,omitempty"`
	SurvivorID  string    `json:"survivor_id,omitempty"`
}

// Publisher emits audit events.
type Publisher interface {
	Publish(ctx context.Context, ev Event)
	Close() error
}

// Nop discards all events. Used when the events config is disabled.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}
func (Nop) Close() error                   { return nil }

// KafkaPublisher writes events to a Kafka topic.
type KafkaPublisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewKafka builds a publisher against the configured brokers. The writer is
// synchronous with acks from the partition leader; publish failures are
// logged and dropped.
func NewKafka(cfg config.EventsConfig, logger *slog.Logger) *KafkaPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(cfg.Brokers, ",")...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        false,
			BatchTimeout: 50 * time.Millisecond,
		},
		logger: logger,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.logger.Warn("event marshal failed", "type", ev.Type, "error", err)
		return
	}
	key := ev.LineageID
	if key == "" {
		key = ev.ItemID
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	msg := kafka.Message{
		Key:   []byte(key),
		Value: value,
		Time:  ev.At,
	}
	if err := p.writer.WriteMessages(writeCtx, msg); err != nil {
		p.logger.Warn("event publish failed", "type", ev.Type, "error", err)
	}
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
