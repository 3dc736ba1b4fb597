package notification

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func sampleMessage() Message {
	return Message{
		Kind:          KindTokenPurchased,
		Destination:   "ana@example.com",
		TokenCode:     "1234-5678-9012-3456",
		Utility:       "water",
		Units:         20,
		TotalAmount:   "30",
		TransactionID: "tx-1",
	}
}

func TestStreamNotifierAppends(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	n := NewStreamNotifier(client, "")
	if err := n.Send(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}

	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(entries))
	}
	v := entries[0].Values
	if v["token_code"] != "1234-5678-9012-3456" || v["units"] != "20" || v["transaction_id"] != "tx-1" {
		t.Fatalf("unexpected entry %+v", v)
	}
}

func TestStreamNotifierReportsFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	mr.Close()

	if err := NewStreamNotifier(client, "s").Send(context.Background(), sampleMessage()); err == nil {
		t.Fatalf("expected error when redis is down")
	}
}

func TestLoggerNotifier(t *testing.T) {
	var buf bytes.Buffer
	n := NewLoggerNotifier(slog.New(slog.NewJSONHandler(&buf, nil)))
	if err := n.Send(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("send: %v", err)
	}
	if !strings.Contains(buf.String(), `"token_code":"1234-5678-9012-3456"`) {
		t.Fatalf("expected token code in log, got %s", buf.String())
	}

	var nilNotifier *LoggerNotifier
	if err := nilNotifier.Send(context.Background(), sampleMessage()); err != nil {
		t.Fatalf("nil notifier must be a no-op: %v", err)
	}
}

type failingNotifier struct{ calls int }

func (f *failingNotifier) Send(context.Context, Message) error {
	f.calls++
	return errors.New("down")
}

func TestMultiDeliversToAll(t *testing.T) {
	first := &failingNotifier{}
	second := &failingNotifier{}
	err := Multi{first, nil, second}.Send(context.Background(), sampleMessage())
	if err == nil {
		t.Fatalf("expected first error")
	}
	if first.calls != 1 || second.calls != 1 {
		t.Fatalf("expected both notifiers called, got %d/%d", first.calls, second.calls)
	}
}
