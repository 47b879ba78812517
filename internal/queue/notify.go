// Package queue provides SQS-based message producers for dispatching
// payment-confirmation notification jobs to the downstream email worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"paysync/internal/config"
	"paysync/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ConfirmationMessage is the job consumed by the email worker when a
// subscription attempt is waiting on customer payment action. It carries
// everything the worker needs to compose the mail without further lookups.
type ConfirmationMessage struct {
	MessageID        string    `json:"message_id"`
	TraceID          string    `json:"trace_id"`
	OwnerID          string    `json:"owner_id"`
	OwnerEmail       string    `json:"owner_email"`
	SubscriptionName string    `json:"subscription_name"`
	PaymentIntentID  string    `json:"payment_intent_id"`
	ConfirmationURL  string    `json:"confirmation_url"`
	Amount           int64     `json:"amount"`
	Currency         string    `json:"currency"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
}

// ConfirmationNotifier enqueues confirmation-notification jobs. Publishing is
// best effort from the API's point of view: the subscription is already
// persisted as incomplete, and reconciliation picks it up either way.
type ConfirmationNotifier struct {
	client        SQSSender
	queueURL      string
	publicBaseURL string
	logger        *slog.Logger
}

// NewConfirmationNotifier creates a ConfirmationNotifier from the AWS and
// server configuration.
func NewConfirmationNotifier(client SQSSender, awsCfg config.AWSConfig, serverCfg config.ServerConfig, logger *slog.Logger) *ConfirmationNotifier {
	return &ConfirmationNotifier{
		client:        client,
		queueURL:      awsCfg.NotificationQueue,
		publicBaseURL: serverCfg.PublicBaseURL,
		logger:        logger,
	}
}

// NotifyActionRequired enqueues a confirmation job for a payment intent that
// still needs customer action. The confirmation URL points at the hosted
// confirmation page for the intent.
func (n *ConfirmationNotifier) NotifyActionRequired(ctx context.Context, owner *types.Owner, subscriptionName string, intent types.PaymentIntent) error {
	msg := ConfirmationMessage{
		MessageID:        uuid.New().String(),
		TraceID:          types.GetRequestID(ctx),
		OwnerID:          owner.ID,
		OwnerEmail:       owner.BillingEmail,
		SubscriptionName: subscriptionName,
		PaymentIntentID:  intent.ID,
		ConfirmationURL:  n.ConfirmationURL(intent.ID),
		Amount:           intent.Amount,
		Currency:         intent.Currency,
		EnqueuedAt:       time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ConfirmationMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String("payment_confirmation"),
			},
		},
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send ConfirmationMessage to %s: %w", n.queueURL, err)
	}

	n.logger.InfoContext(ctx, "confirmation notification enqueued",
		"queue_url", n.queueURL,
		"message_id", msg.MessageID,
		"owner_id", msg.OwnerID,
		"subscription_name", msg.SubscriptionName,
		"payment_intent_id", msg.PaymentIntentID,
	)

	return nil
}

// ConfirmationURL builds the hosted confirmation page URL for an intent.
func (n *ConfirmationNotifier) ConfirmationURL(intentID string) string {
	return fmt.Sprintf("%s/payments/%s/confirm", n.publicBaseURL, intentID)
}
