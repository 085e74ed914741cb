// Package autoscaler sizes the worker service from the mandate queue depth.
// It runs as a small periodic job (a Lambda in the reference deployment):
// read the published depth metric, compute the desired replica count, and
// reconcile the ECS service when the count differs.
package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/euglena-ai/euglena/pkg/config"
)

// ErrServiceNotFound indicates the configured ECS service does not exist.
var ErrServiceNotFound = errors.New("autoscaler: ECS service not found")

// MetricsAPI is the slice of CloudWatch the autoscaler reads.
type MetricsAPI interface {
	GetMetricStatistics(ctx context.Context, in *cloudwatch.GetMetricStatisticsInput, opts ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error)
}

// ServiceAPI is the slice of ECS the autoscaler reconciles against.
type ServiceAPI interface {
	DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, opts ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
	UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, opts ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
}

// Autoscaler is one reconciliation unit; Reconcile is safe to call from a
// scheduler at any cadence.
type Autoscaler struct {
	cfg     *config.AutoscalerConfig
	queue   string
	metrics MetricsAPI
	svc     ServiceAPI
	now     func() time.Time
	log     *slog.Logger
}

// New wires the autoscaler over the AWS clients. queue selects the depth
// metric's Queue dimension and must match the depth publisher's.
func New(cfg *config.AutoscalerConfig, queue string, metrics MetricsAPI, svc ServiceAPI) *Autoscaler {
	return &Autoscaler{
		cfg:     cfg,
		queue:   queue,
		metrics: metrics,
		svc:     svc,
		now:     time.Now,
		log:     slog.With("component", "autoscaler"),
	}
}

// WithClock substitutes the time source.
func (a *Autoscaler) WithClock(now func() time.Time) *Autoscaler {
	a.now = now
	return a
}

// Desired maps a queue depth to a replica count. One worker always stays up
// even at MIN_WORKERS=0 so a cold queue does not strand the first mandate
// for a full scale-up cycle.
func (a *Autoscaler) Desired(depth int) int {
	target := a.cfg.TargetMessagesPerWorker
	if target < 1 {
		target = 1
	}
	desired := int(math.Ceil(float64(depth) / float64(target)))

	floor := a.cfg.MinWorkers
	if floor < 1 {
		floor = 1
	}
	if desired < floor {
		desired = floor
	}
	if desired > a.cfg.MaxWorkers {
		desired = a.cfg.MaxWorkers
	}
	return desired
}

// QueueDepth reads the most recent depth datapoint inside the metric window.
// No datapoints means the publisher is quiet, which is treated as an empty
// queue rather than an error.
func (a *Autoscaler) QueueDepth(ctx context.Context) (int, error) {
	end := a.now().UTC()
	out, err := a.metrics.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(a.cfg.MetricNamespace),
		MetricName: aws.String(a.cfg.MetricName),
		Dimensions: []cwtypes.Dimension{{
			Name:  aws.String("QueueName"),
			Value: aws.String(a.queue),
		}},
		StartTime:  aws.Time(end.Add(-a.cfg.MetricWindow)),
		EndTime:    aws.Time(end),
		Period:     aws.Int32(60),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	})
	if err != nil {
		return 0, fmt.Errorf("reading %s/%s: %w", a.cfg.MetricNamespace, a.cfg.MetricName, err)
	}

	var latest *cwtypes.Datapoint
	for i := range out.Datapoints {
		dp := &out.Datapoints[i]
		if latest == nil || dp.Timestamp.After(*latest.Timestamp) {
			latest = dp
		}
	}
	if latest == nil || latest.Average == nil {
		a.log.Info("No depth datapoints in window, assuming empty queue")
		return 0, nil
	}
	return int(math.Round(*latest.Average)), nil
}

// Reconcile performs one scaling pass and returns the depth it saw and the
// count it settled on.
func (a *Autoscaler) Reconcile(ctx context.Context) (depth, desired int, err error) {
	depth, err = a.QueueDepth(ctx)
	if err != nil {
		return 0, 0, err
	}
	desired = a.Desired(depth)

	current, err := a.currentCount(ctx)
	if err != nil {
		return depth, desired, err
	}
	if current == desired {
		a.log.Info("Service already at desired count", "depth", depth, "desired", desired)
		return depth, desired, nil
	}

	_, err = a.svc.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(a.cfg.ECSCluster),
		Service:      aws.String(a.cfg.ECSService),
		DesiredCount: aws.Int32(int32(desired)),
	})
	if err != nil {
		return depth, desired, fmt.Errorf("updating service %s: %w", a.cfg.ECSService, err)
	}
	a.log.Info("Scaled worker service",
		"depth", depth, "current", current, "desired", desired)
	return depth, desired, nil
}

func (a *Autoscaler) currentCount(ctx context.Context) (int, error) {
	out, err := a.svc.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(a.cfg.ECSCluster),
		Services: []string{a.cfg.ECSService},
	})
	if err != nil {
		return 0, fmt.Errorf("describing service %s: %w", a.cfg.ECSService, err)
	}
	if len(out.Services) == 0 {
		return 0, fmt.Errorf("%w: %s/%s", ErrServiceNotFound, a.cfg.ECSCluster, a.cfg.ECSService)
	}
	return int(out.Services[0].DesiredCount), nil
}
