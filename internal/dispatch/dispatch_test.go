package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeSender struct {
	name string
	err  error
	got  []string
}

func (f *fakeSender) Name() string { return f.name }
func (f *fakeSender) Send(_ context.Context, address, content string) error {
	f.got = append(f.got, address+"|"+content)
	return f.err
}

func TestSendRoutesByChannel(t *testing.T) {
	d := New(time.Second, nil)
	slack := &fakeSender{name: "slack"}
	tg := &fakeSender{name: "telegram"}
	d.Register(slack)
	d.Register(tg)

	if err := d.Send(context.Background(), Recipient{Channel: "telegram", Address: "42"}, "hi"); err != nil {
		t.Fatal(err)
	}
	if len(slack.got) != 0 || len(tg.got) != 1 || tg.got[0] != "42|hi" {
		t.Errorf("routing wrong: slack=%v telegram=%v", slack.got, tg.got)
	}
}

func TestSendUnknownChannel(t *testing.T) {
	d := New(time.Second, nil)
	err := d.Send(context.Background(), Recipient{Channel: "nope", Address: "x"}, "hi")
	if !errors.Is(err, ErrUnknownChannel) {
		t.Errorf("err = %v, want ErrUnknownChannel", err)
	}
}

func TestSendSingleAttempt(t *testing.T) {
	d := New(time.Second, nil)
	failing := &fakeSender{name: "slack", err: errors.New("boom")}
	d.Register(failing)

	if err := d.Send(context.Background(), Recipient{Channel: "slack", Address: "C1"}, "hi"); err == nil {
		t.Fatal("expected error")
	}
	if len(failing.got) != 1 {
		t.Errorf("attempts = %d, want exactly 1 (no hidden retries)", len(failing.got))
	}
}

type slowSender struct{ name string }

func (s *slowSender) Name() string { return s.name }
func (s *slowSender) Send(ctx context.Context, _, _ string) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(5 * time.Second):
		return nil
	}
}

func TestSendTimeout(t *testing.T) {
	d := New(20*time.Millisecond, nil)
	d.Register(&slowSender{name: "slow"})

	start := time.Now()
	err := d.Send(context.Background(), Recipient{Channel: "slow", Address: "x"}, "hi")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if time.Since(start) > time.Second {
		t.Error("send did not respect the dispatch timeout")
	}
}
