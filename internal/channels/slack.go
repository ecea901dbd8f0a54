package channels

import (
	"context"
	"fmt"
	"strings"

	"github.com/slack-go/slack"

	"github.com/stewardbot/steward/internal/bus"
	"github.com/stewardbot/steward/internal/config"
)

// slackAPI is the slice of the Slack client we use, extracted so tests can
// substitute a fake.
type slackAPI interface {
	PostMessageContext(ctx context.Context, channelID string, options ...slack.MsgOption) (string, string, error)
}

// SlackChannel delivers notifications through the Slack Web API.
type SlackChannel struct {
	BaseChannel
	config config.SlackConfig
	api    slackAPI
}

func NewSlackChannel(cfg config.SlackConfig, messageBus *bus.MessageBus) *SlackChannel {
	c := &SlackChannel{
		BaseChannel: BaseChannel{Bus: messageBus},
		config:      cfg,
	}
	if strings.TrimSpace(cfg.BotToken) != "" {
		c.api = slack.New(cfg.BotToken)
	}
	return c
}

func (c *SlackChannel) Name() string { return "slack" }

func (c *SlackChannel) Start(ctx context.Context) error { return nil }

func (c *SlackChannel) Stop() error { return nil }

// Send posts content to a Slack channel or DM. One attempt, no retry: Slack
// rate-limit or transport errors propagate to the caller, which records the
// failure.
func (c *SlackChannel) Send(ctx context.Context, address, content string) error {
	if c.api == nil {
		return fmt.Errorf("slack: no bot token configured")
	}
	_, _, err := c.api.PostMessageContext(ctx, address,
		slack.MsgOptionText(content, false),
		slack.MsgOptionAsUser(true))
	if err != nil {
		return fmt.Errorf("slack post: %w", err)
	}
	return nil
}
