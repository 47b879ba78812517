// Package observability emits operational telemetry to CloudWatch. Metric
// publication is fire and forget: a telemetry failure is logged and never
// surfaces into the request or reconcile path.
package observability

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"paysync/internal/billing"
	"paysync/internal/webhook"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Compile-time assertions against the consumer interfaces.
var (
	_ webhook.Metrics          = (*Collector)(nil)
	_ billing.ReconcileMetrics = (*Collector)(nil)
)

// Collector publishes webhook-dispatch and reconciliation metrics to a single
// CloudWatch namespace.
//
// Metrics emitted:
//   - WebhookEvent: Dims {Kind, Outcome} -- one count per processed event
//   - WebhookLatency: Dims {Kind} -- end-to-end dispatch time
//   - ReconcileChecked / ReconcileRepaired / ReconcileFailed -- per pass
//   - ReconcileDuration -- wall time of one pass
type Collector struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCollector creates a Collector publishing to the given namespace.
func NewCollector(client CloudWatchClient, namespace string, logger *slog.Logger) *Collector {
	return &Collector{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

// RecordWebhookEvent emits one count for the event outcome plus the dispatch
// latency, both keyed by event kind.
func (c *Collector) RecordWebhookEvent(ctx context.Context, kind, outcome string, elapsed time.Duration) {
	kindDim := cwtypes.Dimension{
		Name:  aws.String("Kind"),
		Value: aws.String(kind),
	}

	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("WebhookEvent"),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{
					kindDim,
					{
						Name:  aws.String("Outcome"),
						Value: aws.String(outcome),
					},
				},
			},
			{
				MetricName: aws.String("WebhookLatency"),
				Value:      aws.Float64(float64(elapsed.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
				Dimensions: []cwtypes.Dimension{kindDim},
			},
		},
	}

	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.ErrorContext(ctx, "failed to record webhook metric",
			"error", err.Error(),
			"kind", kind,
			"outcome", outcome,
		)
	}
}

// RecordReconcileRun emits the per-pass counters and duration for one
// reconciliation sweep.
func (c *Collector) RecordReconcileRun(ctx context.Context, checked, repaired, failed int, elapsed time.Duration) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String("ReconcileChecked"),
				Value:      aws.Float64(float64(checked)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("ReconcileRepaired"),
				Value:      aws.Float64(float64(repaired)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("ReconcileFailed"),
				Value:      aws.Float64(float64(failed)),
				Unit:       cwtypes.StandardUnitCount,
			},
			{
				MetricName: aws.String("ReconcileDuration"),
				Value:      aws.Float64(float64(elapsed.Milliseconds())),
				Unit:       cwtypes.StandardUnitMilliseconds,
			},
		},
	}

	if _, err := c.client.PutMetricData(ctx, input); err != nil {
		c.logger.ErrorContext(ctx, "failed to record reconcile metrics",
			"error", err.Error(),
			"checked", checked,
			"repaired", repaired,
			"failed", failed,
		)
	}
}
