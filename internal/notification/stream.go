package notification

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream notifications are appended to.
const DefaultStream = "meterpay:notifications"

// StreamNotifier publishes notifications to a Redis stream for an external
// dispatcher (e-mail, SMS) to consume.
type StreamNotifier struct {
	client redis.Cmdable
	stream string
	maxLen int64
}

// NewStreamNotifier builds a notifier writing to stream. An empty stream uses DefaultStream.
func NewStreamNotifier(client redis.Cmdable, stream string) *StreamNotifier {
	if stream == "" {
		stream = DefaultStream
	}
	return &StreamNotifier{client: client, stream: stream, maxLen: 100_000}
}

// Send appends the message to the stream.
func (n *StreamNotifier) Send(ctx context.Context, message Message) error {
	err := n.client.XAdd(ctx, &redis.XAddArgs{
		Stream: n.stream,
		MaxLen: n.maxLen,
		Approx: true,
		Values: map[string]any{
			"kind":           message.Kind,
			"destination":    message.Destination,
			"token_code":     message.TokenCode,
			"utility":        message.Utility,
			"units":          strconv.FormatInt(message.Units, 10),
			"total_amount":   message.TotalAmount,
			"transaction_id": message.TransactionID,
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}
