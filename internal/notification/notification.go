package notification

import (
	"context"
	"log/slog"
)

const (
	// KindTokenPurchased is sent after a purchase commits.
	KindTokenPurchased = "token_purchased"
	// KindTokenRedeemed is sent after a meter redemption commits.
	KindTokenRedeemed = "token_redeemed"
)

// Message describes a notification payload.
type Message struct {
	Kind          string
	Destination   string
	TokenCode     string
	Utility       string
	Units         int64
	TotalAmount   string
	TransactionID string
}

// Notifier delivers notifications to downstream systems.
type Notifier interface {
	Send(ctx context.Context, message Message) error
}

// LoggerNotifier writes notifications to the structured logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the message to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, message Message) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		slog.String("kind", message.Kind),
		slog.String("destination", message.Destination),
		slog.String("token_code", message.TokenCode),
		slog.String("utility", message.Utility),
		slog.Int64("units", message.Units),
		slog.String("total_amount", message.TotalAmount),
		slog.String("transaction_id", message.TransactionID),
	)
	return nil
}

// Multi fans a message out to several notifiers and returns the first error.
type Multi []Notifier

// Send delivers to every notifier even when an earlier one fails.
func (m Multi) Send(ctx context.Context, message Message) error {
	var first error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, message); err != nil && first == nil {
			first = err
		}
	}
	return first
}
