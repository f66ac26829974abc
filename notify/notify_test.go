package notify_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tollgate/id"
	"github.com/xraph/tollgate/notify"
)

func TestLogNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := notify.LogNotifier{Logger: slog.New(slog.NewTextHandler(&buf, nil))}

	acct := id.NewAccountID()
	err := n.Notify(context.Background(), notify.Message{
		AccountID: acct,
		Template:  "overdue-reminder",
		Channel:   "email",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "template=overdue-reminder")
	assert.Contains(t, buf.String(), acct.String())
}

func TestNotifierFunc(t *testing.T) {
	var got notify.Message
	n := notify.NotifierFunc(func(_ context.Context, msg notify.Message) error {
		got = msg
		return nil
	})
	require.NoError(t, n.Notify(context.Background(), notify.Message{Channel: "sms"}))
	assert.Equal(t, "sms", got.Channel)
}
