package depthmon

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/config"
)

type fakeSource struct {
	depth int
	err   error
}

func (f *fakeSource) QueueDepth(string) (int, error) { return f.depth, f.err }

type fakeMetrics struct {
	inputs []*cloudwatch.PutMetricDataInput
	err    error
}

func (f *fakeMetrics) PutMetricData(_ context.Context, in *cloudwatch.PutMetricDataInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.inputs = append(f.inputs, in)
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func TestPublishPushesDepthDatum(t *testing.T) {
	metrics := &fakeMetrics{}
	p := New(config.DefaultDepthMonConfig(), "agent.mandates", &fakeSource{depth: 7}, metrics)

	require.NoError(t, p.Publish(context.Background()))

	require.Len(t, metrics.inputs, 1)
	in := metrics.inputs[0]
	assert.Equal(t, "Euglena/RabbitMQ", *in.Namespace)
	require.Len(t, in.MetricData, 1)
	datum := in.MetricData[0]
	assert.Equal(t, "QueueDepth", *datum.MetricName)
	assert.Equal(t, float64(7), *datum.Value)
	require.Len(t, datum.Dimensions, 1)
	assert.Equal(t, "QueueName", *datum.Dimensions[0].Name)
	assert.Equal(t, "agent.mandates", *datum.Dimensions[0].Value)
}

func TestPublishSurfacesSourceFailure(t *testing.T) {
	metrics := &fakeMetrics{}
	p := New(config.DefaultDepthMonConfig(), "agent.mandates", &fakeSource{err: errors.New("broker down")}, metrics)

	err := p.Publish(context.Background())
	require.Error(t, err)
	assert.Empty(t, metrics.inputs, "no datum goes out when the depth read fails")
}
