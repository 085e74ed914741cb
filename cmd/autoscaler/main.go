// Euglena autoscaler — a scheduled job that sizes the ECS worker service
// from the published mandate queue depth. Deployed as a Lambda on a rate
// schedule; runs a single reconciliation pass when invoked directly.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ecs"

	"github.com/euglena-ai/euglena/pkg/autoscaler"
	"github.com/euglena-ai/euglena/pkg/config"
)

func buildAutoscaler(ctx context.Context) (*autoscaler.Autoscaler, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, err
	}
	return autoscaler.New(
		cfg.Autoscaler,
		cfg.Broker.MandateQueue,
		cloudwatch.NewFromConfig(awsCfg),
		ecs.NewFromConfig(awsCfg),
	), nil
}

func handler(ctx context.Context) error {
	a, err := buildAutoscaler(ctx)
	if err != nil {
		return err
	}
	depth, desired, err := a.Reconcile(ctx)
	if err != nil {
		return err
	}
	slog.Info("Reconciliation pass complete", "depth", depth, "desired", desired)
	return nil
}

func main() {
	if os.Getenv("AWS_LAMBDA_FUNCTION_NAME") != "" {
		lambda.Start(handler)
		return
	}
	// Direct invocation for local runs and cron-style deployments.
	if err := handler(context.Background()); err != nil {
		slog.Error("Reconciliation failed", "error", err)
		os.Exit(1)
	}
}
