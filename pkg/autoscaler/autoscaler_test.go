package autoscaler

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/config"
)

type fakeMetrics struct {
	datapoints []cwtypes.Datapoint
	lastInput  *cloudwatch.GetMetricStatisticsInput
}

func (f *fakeMetrics) GetMetricStatistics(_ context.Context, in *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	f.lastInput = in
	return &cloudwatch.GetMetricStatisticsOutput{Datapoints: f.datapoints}, nil
}

type fakeECS struct {
	desired int32
	updates []int32
}

func (f *fakeECS) DescribeServices(context.Context, *ecs.DescribeServicesInput, ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	return &ecs.DescribeServicesOutput{
		Services: []ecstypes.Service{{DesiredCount: f.desired}},
	}, nil
}

func (f *fakeECS) UpdateService(_ context.Context, in *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	f.updates = append(f.updates, *in.DesiredCount)
	f.desired = *in.DesiredCount
	return &ecs.UpdateServiceOutput{}, nil
}

func testAutoscalerConfig() *config.AutoscalerConfig {
	cfg := config.DefaultAutoscalerConfig()
	cfg.ECSCluster = "research"
	cfg.ECSService = "worker"
	return cfg
}

func TestDesiredClampsToBounds(t *testing.T) {
	// MIN_WORKERS=0, MAX_WORKERS=5, TARGET=2.
	a := New(testAutoscalerConfig(), "agent.mandates", nil, nil)

	tests := []struct {
		depth, want int
	}{
		{0, 1},  // floor stays at one replica even with MIN_WORKERS=0
		{1, 1},  // ceil(1/2) = 1
		{3, 2},  // ceil(3/2) = 2
		{4, 2},  // exact multiple
		{9, 5},  // ceil(9/2) = 5
		{20, 5}, // clamped to MAX_WORKERS
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, a.Desired(tc.depth), "depth %d", tc.depth)
	}
}

func TestDesiredRespectsRaisedMinimum(t *testing.T) {
	cfg := testAutoscalerConfig()
	cfg.MinWorkers = 3
	a := New(cfg, "agent.mandates", nil, nil)

	assert.Equal(t, 3, a.Desired(0))
	assert.Equal(t, 5, a.Desired(100))
}

func TestQueueDepthPicksLatestDatapoint(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	metrics := &fakeMetrics{datapoints: []cwtypes.Datapoint{
		{Timestamp: aws.Time(now.Add(-2 * time.Minute)), Average: aws.Float64(9)},
		{Timestamp: aws.Time(now.Add(-30 * time.Second)), Average: aws.Float64(3.2)},
		{Timestamp: aws.Time(now.Add(-90 * time.Second)), Average: aws.Float64(7)},
	}}
	a := New(testAutoscalerConfig(), "agent.mandates", metrics, nil).WithClock(func() time.Time { return now })

	depth, err := a.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, depth)

	require.NotNil(t, metrics.lastInput)
	assert.Equal(t, "Euglena/RabbitMQ", *metrics.lastInput.Namespace)
	assert.Equal(t, "QueueDepth", *metrics.lastInput.MetricName)
	assert.Equal(t, now.Add(-2*time.Minute), *metrics.lastInput.StartTime)
	require.Len(t, metrics.lastInput.Dimensions, 1)
	assert.Equal(t, "QueueName", *metrics.lastInput.Dimensions[0].Name)
	assert.Equal(t, "agent.mandates", *metrics.lastInput.Dimensions[0].Value)
}

func TestQueueDepthMissingDataMeansEmpty(t *testing.T) {
	a := New(testAutoscalerConfig(), "agent.mandates", &fakeMetrics{}, nil)

	depth, err := a.QueueDepth(context.Background())
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestReconcileScalesService(t *testing.T) {
	now := time.Now().UTC()
	metrics := &fakeMetrics{datapoints: []cwtypes.Datapoint{
		{Timestamp: aws.Time(now), Average: aws.Float64(9)},
	}}
	svc := &fakeECS{desired: 1}
	a := New(testAutoscalerConfig(), "agent.mandates", metrics, svc)

	depth, desired, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9, depth)
	assert.Equal(t, 5, desired)
	require.Len(t, svc.updates, 1)
	assert.Equal(t, int32(5), svc.updates[0])
}

func TestReconcileSkipsNoopUpdate(t *testing.T) {
	metrics := &fakeMetrics{} // no datapoints -> depth 0 -> desired 1
	svc := &fakeECS{desired: 1}
	a := New(testAutoscalerConfig(), "agent.mandates", metrics, svc)

	_, desired, err := a.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, desired)
	assert.Empty(t, svc.updates, "matching counts must not call UpdateService")
}
