// Package notify is the notification capability used by dunning notify
// steps. Delivery is best-effort: callers log failures and move on.
package notify

import (
	"context"
	"log/slog"

	"github.com/xraph/tollgate/id"
)

// Message is one notification request.
type Message struct {
	AccountID id.AccountID
	InvoiceID id.InvoiceID
	Template  string
	Channel   string
}

// Notifier sends notifications to account holders.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, msg Message) error

func (f NotifierFunc) Notify(ctx context.Context, msg Message) error { return f(ctx, msg) }

// LogNotifier writes notifications to a logger. It is the default when no
// delivery channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(_ context.Context, msg Message) error {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"account_id", msg.AccountID.String(),
		"invoice_id", msg.InvoiceID.String(),
		"template", msg.Template,
		"channel", msg.Channel,
	)
	return nil
}
