package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
)

// ErrNoTaskMetadata indicates the process is not running inside an ECS task.
var ErrNoTaskMetadata = errors.New("worker: ECS task metadata endpoint not available")

// Protector guards a replica against scale-in while a task is in flight.
type Protector interface {
	Protect(ctx context.Context) error
	Unprotect(ctx context.Context) error
}

// NoopProtector is used outside ECS (local runs, tests).
type NoopProtector struct{}

// Protect implements Protector.
func (NoopProtector) Protect(context.Context) error { return nil }

// Unprotect implements Protector.
func (NoopProtector) Unprotect(context.Context) error { return nil }

// ECSProtector toggles ECS task protection for this replica's task. With
// protection enabled, the ECS scheduler will not pick this task when the
// autoscaler shrinks the service.
type ECSProtector struct {
	client  *ecs.Client
	cluster string
	taskARN string
	expiry  int32
}

type taskMetadata struct {
	Cluster string `json:"Cluster"`
	TaskARN string `json:"TaskARN"`
}

// NewECSProtector resolves the running task's identity from the ECS
// container metadata endpoint and builds a protector over the ECS API.
func NewECSProtector(ctx context.Context, expiry time.Duration) (*ECSProtector, error) {
	meta, err := fetchTaskMetadata(ctx)
	if err != nil {
		return nil, err
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	minutes := int32(expiry.Minutes())
	if minutes < 1 {
		minutes = 1
	}
	return &ECSProtector{
		client:  ecs.NewFromConfig(awsCfg),
		cluster: meta.Cluster,
		taskARN: meta.TaskARN,
		expiry:  minutes,
	}, nil
}

func fetchTaskMetadata(ctx context.Context) (*taskMetadata, error) {
	base := os.Getenv("ECS_CONTAINER_METADATA_URI_V4")
	if base == "" {
		return nil, ErrNoTaskMetadata
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/task", nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying task metadata: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task metadata returned HTTP %d", resp.StatusCode)
	}
	var meta taskMetadata
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding task metadata: %w", err)
	}
	if meta.Cluster == "" || meta.TaskARN == "" {
		return nil, fmt.Errorf("task metadata missing cluster or task ARN")
	}
	return &meta, nil
}

// Protect implements Protector.
func (p *ECSProtector) Protect(ctx context.Context) error {
	_, err := p.client.UpdateTaskProtection(ctx, &ecs.UpdateTaskProtectionInput{
		Cluster:           aws.String(p.cluster),
		Tasks:             []string{p.taskARN},
		ProtectionEnabled: true,
		ExpiresInMinutes:  aws.Int32(p.expiry),
	})
	if err != nil {
		return fmt.Errorf("enabling task protection: %w", err)
	}
	return nil
}

// Unprotect implements Protector.
func (p *ECSProtector) Unprotect(ctx context.Context) error {
	_, err := p.client.UpdateTaskProtection(ctx, &ecs.UpdateTaskProtectionInput{
		Cluster:           aws.String(p.cluster),
		Tasks:             []string{p.taskARN},
		ProtectionEnabled: false,
	})
	if err != nil {
		return fmt.Errorf("disabling task protection: %w", err)
	}
	return nil
}
