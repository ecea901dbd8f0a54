package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/slack-go/slack"

	"github.com/stewardbot/steward/internal/config"
)

type fakeSlackAPI struct {
	calls []string
	err   error
}

func (f *fakeSlackAPI) PostMessageContext(_ context.Context, channelID string, _ ...slack.MsgOption) (string, string, error) {
	f.calls = append(f.calls, channelID)
	return channelID, "ts", f.err
}

func TestSlackSendPostsToAddress(t *testing.T) {
	api := &fakeSlackAPI{}
	c := NewSlackChannel(config.SlackConfig{Enabled: true, BotToken: "xoxb-test"}, nil)
	c.api = api

	if err := c.Send(context.Background(), "C123", "hello"); err != nil {
		t.Fatal(err)
	}
	if len(api.calls) != 1 || api.calls[0] != "C123" {
		t.Errorf("calls = %v", api.calls)
	}
}

func TestSlackSendSingleAttempt(t *testing.T) {
	api := &fakeSlackAPI{err: errors.New("rate_limited")}
	c := NewSlackChannel(config.SlackConfig{Enabled: true, BotToken: "xoxb-test"}, nil)
	c.api = api

	if err := c.Send(context.Background(), "C123", "hello"); err == nil {
		t.Fatal("expected error")
	}
	if len(api.calls) != 1 {
		t.Errorf("attempts = %d, want exactly 1", len(api.calls))
	}
}

func TestSlackSendWithoutToken(t *testing.T) {
	c := NewSlackChannel(config.SlackConfig{Enabled: true}, nil)
	if err := c.Send(context.Background(), "C123", "hello"); err == nil {
		t.Fatal("expected configuration error")
	}
}
