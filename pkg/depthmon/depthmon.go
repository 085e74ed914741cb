// Package depthmon publishes the mandate queue depth to CloudWatch on a
// fixed period. The autoscaler reads the metric back; keeping the publisher
// separate from the workers means the depth signal survives scale-to-zero.
package depthmon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

// DepthSource reads the current ready-message count of a queue. Satisfied by
// *broker.Client.
type DepthSource interface {
	QueueDepth(queue string) (int, error)
}

// MetricsAPI is the slice of CloudWatch the publisher writes.
type MetricsAPI interface {
	PutMetricData(ctx context.Context, in *cloudwatch.PutMetricDataInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Publisher samples one queue and pushes the depth metric.
type Publisher struct {
	cfg     *config.DepthMonConfig
	queue   string
	source  DepthSource
	metrics MetricsAPI
	log     *slog.Logger
}

// New wires a depth publisher for the named queue.
func New(cfg *config.DepthMonConfig, queue string, source DepthSource, metrics MetricsAPI) *Publisher {
	return &Publisher{
		cfg:     cfg,
		queue:   queue,
		source:  source,
		metrics: metrics,
		log:     slog.With("component", "depthmon", "queue", queue),
	}
}

// Run samples on the configured period until the context is cancelled. An
// immediate first sample avoids a blind window after startup.
func (p *Publisher) Run(ctx context.Context) error {
	if err := p.Publish(ctx); err != nil {
		p.log.Warn("Depth publish failed", "error", err)
	}
	ticker := time.NewTicker(p.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.Publish(ctx); err != nil {
				p.log.Warn("Depth publish failed", "error", err)
			}
		}
	}
}

// Publish performs one sample-and-push cycle.
func (p *Publisher) Publish(ctx context.Context) error {
	depth, err := p.source.QueueDepth(p.queue)
	if err != nil {
		return fmt.Errorf("reading queue depth: %w", err)
	}
	telemetry.QueueDepth.WithLabelValues(p.queue).Set(float64(depth))

	_, err = p.metrics.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(p.cfg.MetricNamespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(p.cfg.MetricName),
			Timestamp:  aws.Time(time.Now().UTC()),
			Value:      aws.Float64(float64(depth)),
			Unit:       cwtypes.StandardUnitCount,
			Dimensions: []cwtypes.Dimension{{
				Name:  aws.String("QueueName"),
				Value: aws.String(p.queue),
			}},
		}},
	})
	if err != nil {
		return fmt.Errorf("publishing depth metric: %w", err)
	}
	p.log.Debug("Published queue depth", "depth", depth)
	return nil
}
