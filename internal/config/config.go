// Package config provides configuration types and loading for steward.
package config

import (
	"os"
	"path/filepath"
	"time"
)

// Config is the root configuration struct.
type Config struct {
	Paths        PathsConfig        `json:"paths"`
	Scheduler    SchedulerConfig    `json:"scheduler"`
	Channels     ChannelsConfig     `json:"channels"`
	Verification VerificationConfig `json:"verification"`
	Ownership    OwnershipConfig    `json:"ownership"`
	Events       EventsConfig       `json:"events"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	DataDir string `json:"dataDir" envconfig:"DATA_DIR"`
}

// DBPath returns the location of the shared relational store.
func (p PathsConfig) DBPath() string {
	return filepath.Join(p.DataDir, "steward.db")
}

// ---------------------------------------------------------------------------
// Scheduler – durable reminder/flow polling
// ---------------------------------------------------------------------------

// SchedulerConfig holds polling scheduler settings.
type SchedulerConfig struct {
	Enabled         bool          `json:"enabled" envconfig:"SCHEDULER_ENABLED"`
	TickInterval    time.Duration `json:"tickInterval" envconfig:"SCHEDULER_TICK_INTERVAL"`
	DispatchTimeout time.Duration `json:"dispatchTimeout" envconfig:"SCHEDULER_DISPATCH_TIMEOUT"`
	MaxConcurrent   int           `json:"maxConcurrent" envconfig:"SCHEDULER_MAX_CONCURRENT"`
	StaleAfter      time.Duration `json:"staleAfter" envconfig:"SCHEDULER_STALE_AFTER"`
	LockPath        string        `json:"lockPath" envconfig:"SCHEDULER_LOCK_PATH"`
}

// ---------------------------------------------------------------------------
// Channels – delivery adapters
// ---------------------------------------------------------------------------

// ChannelsConfig contains all channel adapter configurations.
type ChannelsConfig struct {
	Slack   SlackConfig    `json:"slack"`
	Bridges []BridgeConfig `json:"bridges"`
}

// SlackConfig configures the Slack delivery adapter.
type SlackConfig struct {
	Enabled  bool   `json:"enabled" envconfig:"SLACK_ENABLED"`
	BotToken string `json:"botToken" envconfig:"SLACK_BOT_TOKEN"`
}

// BridgeConfig configures one generic HTTP outbound bridge adapter.
// The bridge owns all channel-specific formatting; steward only posts
// channel-agnostic JSON to it.
type BridgeConfig struct {
	Name  string `json:"name"`
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
	// ListenAddr, when set, exposes an inbound webhook the connector posts
	// received messages to. The token authenticates both directions.
	ListenAddr string `json:"listenAddr,omitempty"`
}

// ---------------------------------------------------------------------------
// Verification – identity code exchange
// ---------------------------------------------------------------------------

// VerificationConfig holds identity verification settings.
type VerificationConfig struct {
	CodeTTL time.Duration `json:"codeTTL" envconfig:"VERIFICATION_CODE_TTL"`
}

// ---------------------------------------------------------------------------
// Ownership – per-thread resource handles
// ---------------------------------------------------------------------------

// OwnershipConfig holds resource handle settings.
type OwnershipConfig struct {
	// Root is the base directory under which default resource handles
	// (paths) are minted. Each storage engine interprets its own handle.
	Root string `json:"root" envconfig:"OWNERSHIP_ROOT"`
}

// ---------------------------------------------------------------------------
// Events – optional Kafka audit stream
// ---------------------------------------------------------------------------

// EventsConfig configures the optional audit event publisher.
type EventsConfig struct {
	Enabled bool   `json:"enabled" envconfig:"EVENTS_ENABLED"`
	Brokers string `json:"brokers" envconfig:"EVENTS_BROKERS"`
	Topic   string `json:"topic" envconfig:"EVENTS_TOPIC"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".steward")
	return Config{
		Paths: PathsConfig{DataDir: dataDir},
		Scheduler: SchedulerConfig{
			Enabled:         true,
			TickInterval:    30 * time.Second,
			DispatchTimeout: 15 * time.Second,
			MaxConcurrent:   5,
			StaleAfter:      5 * time.Minute,
			LockPath:        filepath.Join(dataDir, "scheduler.lock"),
		},
		Verification: VerificationConfig{CodeTTL: 10 * time.Minute},
		Ownership:    OwnershipConfig{Root: filepath.Join(dataDir, "resources")},
		Events: EventsConfig{
			Enabled: false,
			Brokers: "localhost:9092",
			Topic:   "steward.audit",
		},
	}
}
