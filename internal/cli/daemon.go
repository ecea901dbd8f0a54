package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stewardbot/steward/internal/bus"
	"github.com/stewardbot/steward/internal/channels"
	"github.com/stewardbot/steward/internal/config"
	"github.com/stewardbot/steward/internal/dispatch"
	"github.com/stewardbot/steward/internal/events"
	"github.com/stewardbot/steward/internal/identity"
	"github.com/stewardbot/steward/internal/ownership"
	"github.com/stewardbot/steward/internal/scheduler"
	"github.com/stewardbot/steward/internal/store"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the steward daemon (scheduler, channels, identity)",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	printHeader("steward daemon")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	st, err := store.Open(cfg.Paths.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	// An unreachable store is a refusal to start, not a degraded mode.
	if err := st.Ping(); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	messageBus := bus.NewMessageBus()

	dispatcher := dispatch.New(cfg.Scheduler.DispatchTimeout, logger)
	var chans []channels.Channel
	if cfg.Channels.Slack.Enabled {
		chans = append(chans, channels.NewSlackChannel(cfg.Channels.Slack, messageBus))
	}
	for _, bc := range cfg.Channels.Bridges {
		chans = append(chans, channels.NewBridgeChannel(bc, messageBus))
	}
	for _, ch := range chans {
		if err := ch.Start(ctx); err != nil {
			return fmt.Errorf("start channel %s: %w", ch.Name(), err)
		}
		dispatcher.Register(ch)
	}
	defer func() {
		for _, ch := range chans {
			_ = ch.Stop()
		}
	}()

	publisher, closePublisher := auditPublisher(cfg, logger)
	defer closePublisher()

	registry := identity.NewRegistry(st, dispatchCodeSender{dispatcher}, cfg.Verification.CodeTTL, publisher, logger)
	owners := ownership.New(st, cfg.Ownership.Root, logger)

	// Inbound loop: resolve the sender's identity and make sure the thread
	// has its conversation resources before anything else sees the message.
	go func() {
		for {
			msg, err := messageBus.ConsumeInbound(ctx)
			if err != nil {
				return
			}
			ident, err := registry.Resolve(msg.Channel, msg.ThreadID)
			if err != nil {
				logger.Warn("identity resolve failed", "channel", msg.Channel, "thread", msg.ThreadID, "error", err)
				continue
			}
			if _, err := owners.GetOrCreate(msg.ThreadID, "conversation", msg.Channel); err != nil {
				logger.Warn("ownership ensure failed", "thread", msg.ThreadID, "error", err)
			}
			logger.Debug("inbound message",
				"channel", msg.Channel, "identity", ident.IdentityID, "status", ident.VerificationStatus)
		}
	}()

	if cfg.Scheduler.Enabled {
		poller := scheduler.New(cfg.Scheduler, st, dispatcher, publisher, logger)
		if err := poller.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}

	logger.Info("scheduler disabled; daemon idle")
	<-ctx.Done()
	return nil
}

// auditPublisher returns the configured event publisher and its closer, or a
// Nop pair when the audit stream is disabled.
func auditPublisher(cfg config.Config, logger *slog.Logger) (events.Publisher, func()) {
	if !cfg.Events.Enabled {
		return events.Nop{}, func() {}
	}
	kp := events.NewKafka(cfg.Events, logger)
	return kp, func() { _ = kp.Close() }
}

// dispatchCodeSender delivers verification codes through the same channel
// adapters notifications use.
type dispatchCodeSender struct {
	d *dispatch.Dispatcher
}

func (s dispatchCodeSender) SendCode(ctx context.Context, channel, contact, code string) error {
	content := fmt.Sprintf("Your steward verification code is %s.", code)
	return s.d.Send(ctx, dispatch.Recipient{Channel: channel, Address: contact}, content)
}
