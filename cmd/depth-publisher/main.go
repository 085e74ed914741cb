// Euglena depth publisher — samples the mandate queue depth and pushes it to
// CloudWatch so the autoscaler can see demand even when zero workers run.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/joho/godotenv"

	"github.com/euglena-ai/euglena/pkg/broker"
	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/depthmon"
	"github.com/euglena-ai/euglena/pkg/version"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("Could not load .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.Info("Starting depth publisher", "version", version.Full(),
		"queue", cfg.Broker.MandateQueue, "period", cfg.DepthMon.Period)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	client, err := broker.Dial(ctx, cfg.Broker)
	if err != nil {
		slog.Error("Failed to connect to broker", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			slog.Error("Error closing broker connection", "error", cerr)
		}
	}()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("Failed to load AWS configuration", "error", err)
		os.Exit(1)
	}

	pub := depthmon.New(cfg.DepthMon, cfg.Broker.MandateQueue, client, cloudwatch.NewFromConfig(awsCfg))
	if err := pub.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Depth publisher stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("Shutdown complete")
}
