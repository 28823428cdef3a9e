package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/cafeyard/internal/alert"
)

type mockClient struct {
	calls    int
	channels []string
	errs     []error
}

func (m *mockClient) PostMessageContext(_ context.Context, channelID string, _ ...slackapi.MsgOption) (string, string, error) {
	m.calls++
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		if err != nil {
			return "", "", err
		}
	}
	m.channels = append(m.channels, channelID)
	return channelID, "1234.5678", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Opts{BotToken: "xoxb-1"}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestNotify_Posts(t *testing.T) {
	client := &mockClient{}
	n, err := New(Opts{ChannelID: "C1", Client: client})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Notify(context.Background(), alert.Alert{Title: "t", Severity: alert.SeverityWarning}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(client.channels) != 1 || client.channels[0] != "C1" {
		t.Errorf("channels = %v", client.channels)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	client := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, _ := New(Opts{ChannelID: "C1", Client: client})
	if err := n.Notify(context.Background(), alert.Alert{Title: "t"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if client.calls != 2 {
		t.Errorf("calls = %d, want 2", client.calls)
	}
}

func TestNotify_OtherErrorsNotRetried(t *testing.T) {
	client := &mockClient{errs: []error{errors.New("channel_not_found")}}
	n, _ := New(Opts{ChannelID: "C1", Client: client})
	if err := n.Notify(context.Background(), alert.Alert{Title: "t"}); err == nil {
		t.Fatal("expected error")
	}
	if client.calls != 1 {
		t.Errorf("calls = %d, want 1", client.calls)
	}
}

func TestToAttachment(t *testing.T) {
	at := time.Unix(1700000000, 0)
	att := toAttachment(alert.Alert{
		Title:    "Worker wkr-1 stopped responding",
		Body:     "body",
		Severity: alert.SeverityError,
		Fields:   []alert.Field{{Name: "Account", Value: "alpha", Short: true}},
		At:       at,
	})
	if att.Color != alert.ColorError || att.Fallback != att.Title || att.Text != "body" {
		t.Errorf("attachment = %+v", att)
	}
	if string(att.Ts) != "1700000000" {
		t.Errorf("Ts = %q", att.Ts)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Account" || !att.Fields[0].Short {
		t.Errorf("fields = %+v", att.Fields)
	}
}
