package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type recordSender struct {
	name  string
	err   error
	calls []string
}

func (r *recordSender) Send(_ context.Context, title, _ string) error {
	r.calls = append(r.calls, title)
	return r.err
}

func (r *recordSender) Name() string { return r.name }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestNotifierFiltersEvents(t *testing.T) {
	s := &recordSender{name: "rec"}
	n := NewNotifier([]Sender{s}, []string{EventPayoutFailed}, quietLogger())

	require.NoError(t, n.Notify(context.Background(), EventMarketSettled, "settled", ""))
	require.NoError(t, n.Notify(context.Background(), EventPayoutFailed, "failed", ""))
	require.Equal(t, []string{"failed"}, s.calls)
	require.False(t, n.Enabled(EventFlushFailed))
}

func TestNotifierContinuesPastFailingSender(t *testing.T) {
	bad := &recordSender{name: "bad", err: errors.New("boom")}
	good := &recordSender{name: "good"}
	n := NewNotifier([]Sender{bad, good}, nil, quietLogger())

	err := n.Notify(context.Background(), EventFlushFailed, "t", "m")
	require.ErrorContains(t, err, "bad: boom")
	require.Len(t, good.calls, 1)
}

func TestNilNotifierIsDisabled(t *testing.T) {
	var n *Notifier
	require.False(t, n.Enabled(EventPayoutFailed))
	require.NoError(t, n.Notify(context.Background(), EventPayoutFailed, "t", "m"))
}

func TestTelegramSenderPostsMessage(t *testing.T) {
	var (
		path string
		got  map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewTelegramSender("TOKEN", "42")
	s.baseURL = srv.URL
	require.NoError(t, s.Send(context.Background(), "Payout failed", "bet b1"))
	require.Equal(t, "/botTOKEN/sendMessage", path)
	require.Equal(t, "42", got["chat_id"])
	require.Equal(t, "*Payout failed*\nbet b1", got["text"])
}

func TestDiscordSenderReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("bad webhook"))
	}))
	defer srv.Close()

	err := NewDiscordSender(srv.URL).Send(context.Background(), "t", "m")
	require.ErrorContains(t, err, "unexpected status 400: bad webhook")
}
