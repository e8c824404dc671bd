// Package alert pushes operational signals to CloudWatch. Fee-leg
// failures and suspicious signatures surface here instead of in API
// responses.
package alert

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Alerter is what services use to raise operational signals.
type Alerter interface {
	FeeLegFailed(ctx context.Context, transactionID string, attempts int, lastError string)
	SuspiciousSignature(ctx context.Context, transactionID, userID, detail string)
	NonceDesync(ctx context.Context, address string)
}

// CloudWatchAPI is the metric client surface the emitter needs.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Emitter publishes alert metrics under a single namespace. Emission
// failures are logged and swallowed; alerting must never break the
// payment path.
type Emitter struct {
	client    CloudWatchAPI
	namespace string
	logger    *zap.Logger
}

// NewEmitter creates a CloudWatch-backed alerter.
func NewEmitter(client CloudWatchAPI, namespace string, logger *zap.Logger) *Emitter {
	return &Emitter{client: client, namespace: namespace, logger: logger}
}

func (e *Emitter) FeeLegFailed(ctx context.Context, transactionID string, attempts int, lastError string) {
	e.logger.Error("fee leg exhausted its retry window",
		zap.String("transaction_id", transactionID),
		zap.Int("attempts", attempts),
		zap.String("last_error", lastError))
	e.put(ctx, "FeeLegFailed", transactionID)
}

func (e *Emitter) SuspiciousSignature(ctx context.Context, transactionID, userID, detail string) {
	e.logger.Warn("signed payload rejected",
		zap.String("transaction_id", transactionID),
		zap.String("user_id", userID),
		zap.String("detail", detail))
	e.put(ctx, "SignatureRejected", transactionID)
}

func (e *Emitter) NonceDesync(ctx context.Context, address string) {
	e.logger.Error("nonce desync detected", zap.String("address", address))
	e.put(ctx, "NonceDesync", address)
}

func (e *Emitter) put(ctx context.Context, metricName, dimension string) {
	_, err := e.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(e.namespace),
		MetricData: []cwtypes.MetricDatum{
			{
				MetricName: aws.String(metricName),
				Value:      aws.Float64(1),
				Unit:       cwtypes.StandardUnitCount,
				Timestamp:  aws.Time(time.Now().UTC()),
				Dimensions: []cwtypes.Dimension{
					{Name: aws.String("Subject"), Value: aws.String(dimension)},
				},
			},
		},
	})
	if err != nil {
		e.logger.Error("failed to emit alert metric",
			zap.String("metric", metricName),
			zap.Error(errors.Wrap(err, "cloudwatch put")))
	}
}

// NopAlerter discards all alerts. Used in tests and local runs.
type NopAlerter struct{}

func (NopAlerter) FeeLegFailed(context.Context, string, int, string)      {}
func (NopAlerter) SuspiciousSignature(context.Context, string, string, string) {}
func (NopAlerter) NonceDesync(context.Context, string)                    {}
