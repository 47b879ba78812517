package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"paysync/internal/config"
	"paysync/internal/types"
)

// mockSQSSender captures SendMessage calls for test assertions.
type mockSQSSender struct {
	calls []*sqs.SendMessageInput
	// err is returned by SendMessage if non-nil (simulates SQS failures).
	err error
}

func (m *mockSQSSender) SendMessage(_ context.Context, params *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.calls = append(m.calls, params)
	if m.err != nil {
		return nil, m.err
	}
	return &sqs.SendMessageOutput{}, nil
}

const testQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789/payment-notifications"

func newTestNotifier(mock *mockSQSSender) *ConfirmationNotifier {
	awsCfg := config.AWSConfig{NotificationQueue: testQueueURL}
	serverCfg := config.ServerConfig{PublicBaseURL: "https://billing.example.com"}
	return NewConfirmationNotifier(mock, awsCfg, serverCfg, slog.Default())
}

func testOwner() *types.Owner {
	return &types.Owner{ID: "own_1", BillingEmail: "owner@example.com"}
}

func testIntent() types.PaymentIntent {
	return types.PaymentIntent{
		ID:           "pi_123",
		Status:       types.IntentRequiresAction,
		ClientSecret: "pi_123_secret",
		Amount:       1999,
		Currency:     "usd",
	}
}

func TestNotifyActionRequired_SendsToConfiguredQueue(t *testing.T) {
	mock := &mockSQSSender{}
	notifier := newTestNotifier(mock)

	err := notifier.NotifyActionRequired(context.Background(), testOwner(), "pro-plan", testIntent())
	if err != nil {
		t.Fatalf("NotifyActionRequired returned unexpected error: %v", err)
	}

	if len(mock.calls) != 1 {
		t.Fatalf("expected 1 SQS call, got %d", len(mock.calls))
	}

	call := mock.calls[0]
	if *call.QueueUrl != testQueueURL {
		t.Errorf("expected queue URL %q, got %q", testQueueURL, *call.QueueUrl)
	}

	attr, ok := call.MessageAttributes["kind"]
	if !ok || *attr.StringValue != "payment_confirmation" {
		t.Errorf("expected kind attribute payment_confirmation, got %+v", call.MessageAttributes)
	}
}

func TestNotifyActionRequired_MessageCarriesIntentAndOwner(t *testing.T) {
	mock := &mockSQSSender{}
	notifier := newTestNotifier(mock)

	ctx := types.WithRequestID(context.Background(), "req-789")
	err := notifier.NotifyActionRequired(ctx, testOwner(), "pro-plan", testIntent())
	if err != nil {
		t.Fatalf("NotifyActionRequired returned unexpected error: %v", err)
	}

	var msg ConfirmationMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	if msg.MessageID == "" {
		t.Error("expected a generated message ID")
	}
	if msg.TraceID != "req-789" {
		t.Errorf("expected trace ID from context, got %q", msg.TraceID)
	}
	if msg.OwnerID != "own_1" || msg.OwnerEmail != "owner@example.com" {
		t.Errorf("unexpected owner fields: %+v", msg)
	}
	if msg.SubscriptionName != "pro-plan" {
		t.Errorf("expected subscription name pro-plan, got %q", msg.SubscriptionName)
	}
	if msg.PaymentIntentID != "pi_123" || msg.Amount != 1999 || msg.Currency != "usd" {
		t.Errorf("unexpected intent fields: %+v", msg)
	}
	if msg.EnqueuedAt.IsZero() {
		t.Error("expected non-zero enqueue timestamp")
	}
	// The worker must never need the client secret; the message carries
	// only the public confirmation URL.
	if strings.Contains(*mock.calls[0].MessageBody, "pi_123_secret") {
		t.Error("message body must not leak the client secret")
	}
}

func TestNotifyActionRequired_BuildsConfirmationURL(t *testing.T) {
	mock := &mockSQSSender{}
	notifier := newTestNotifier(mock)

	err := notifier.NotifyActionRequired(context.Background(), testOwner(), "pro-plan", testIntent())
	if err != nil {
		t.Fatalf("NotifyActionRequired returned unexpected error: %v", err)
	}

	var msg ConfirmationMessage
	if err := json.Unmarshal([]byte(*mock.calls[0].MessageBody), &msg); err != nil {
		t.Fatalf("failed to unmarshal message body: %v", err)
	}

	want := "https://billing.example.com/payments/pi_123/confirm"
	if msg.ConfirmationURL != want {
		t.Errorf("expected confirmation URL %q, got %q", want, msg.ConfirmationURL)
	}
}

func TestNotifyActionRequired_PropagatesSendFailure(t *testing.T) {
	mock := &mockSQSSender{err: errors.New("sqs unavailable")}
	notifier := newTestNotifier(mock)

	err := notifier.NotifyActionRequired(context.Background(), testOwner(), "pro-plan", testIntent())
	if err == nil {
		t.Fatal("expected error when SQS send fails")
	}
	if !strings.Contains(err.Error(), "sqs unavailable") {
		t.Errorf("expected wrapped SQS error, got: %v", err)
	}
}
