// Package config loads the process configuration from the environment.
// Every component gets a typed sub-config with built-in defaults; Load
// overlays the environment on top and validates the result.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Sentinel errors for configuration validation.
var (
	// ErrMissingBrokerURL indicates BROKER_URL was not set.
	ErrMissingBrokerURL = errors.New("config: BROKER_URL is required")

	// ErrInvalidWorkerBounds indicates MIN_WORKERS exceeds MAX_WORKERS.
	ErrInvalidWorkerBounds = errors.New("config: MIN_WORKERS must not exceed MAX_WORKERS")
)

// Config is the umbrella configuration object returned by Load and handed
// to the process entrypoints.
type Config struct {
	Broker     *BrokerConfig
	Database   *DatabaseConfig
	Engine     *EngineConfig
	Worker     *WorkerConfig
	Server     *ServerConfig
	LLM        *LLMConfig
	Search     *SearchConfig
	Fetch      *FetchConfig
	Vector     *VectorConfig
	Autoscaler *AutoscalerConfig
	DepthMon   *DepthMonConfig
	Telemetry  *TelemetryConfig
	Notify     *NotifyConfig
}

// BrokerConfig covers the message broker connection and queue topology.
type BrokerConfig struct {
	// URL is the AMQP connection string. Required.
	URL string

	// MandateQueue carries task envelopes from the gateway to the workers.
	MandateQueue string

	// StatusQueue carries status envelopes from the workers back.
	StatusQueue string

	// Prefetch is the per-consumer unacked message window. Workers keep it
	// at 1 so queue depth reflects real backlog.
	Prefetch int

	// ReconnectMaxElapsed bounds the reconnect backoff before giving up.
	ReconnectMaxElapsed time.Duration
}

// DefaultBrokerConfig returns the built-in broker defaults.
func DefaultBrokerConfig() *BrokerConfig {
	return &BrokerConfig{
		MandateQueue:        "agent.mandates",
		StatusQueue:         "agent.status",
		Prefetch:            1,
		ReconnectMaxElapsed: 5 * time.Minute,
	}
}

// DatabaseConfig covers the task store connection.
type DatabaseConfig struct {
	Host         string
	Port         int
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	MaxIdleConns int
}

// DefaultDatabaseConfig returns the built-in database defaults.
func DefaultDatabaseConfig() *DatabaseConfig {
	return &DatabaseConfig{
		Host:         "localhost",
		Port:         5432,
		User:         "euglena",
		Password:     "euglena",
		Database:     "euglena",
		SSLMode:      "disable",
		MaxOpenConns: 10,
		MaxIdleConns: 5,
	}
}

// DSN renders the connection string for database/sql with the pgx driver.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// EngineConfig covers the reasoning strategy knobs.
type EngineConfig struct {
	MaxDepth               int
	MaxChildren            int
	DecompositionThreshold float64
	AllowUnscoredSelection bool
	MinScoreThreshold      float64
	EnableRecursiveMerge   bool
	ActionMaxRetries       int
	DefaultMaxTicks        int

	// ActionRetryBackoffSteps overrides the built-in cooldown ladder when
	// non-empty.
	ActionRetryBackoffSteps []time.Duration
}

// DefaultEngineConfig returns the built-in engine defaults.
func DefaultEngineConfig() *EngineConfig {
	return &EngineConfig{
		MaxDepth:               3,
		MaxChildren:            4,
		DecompositionThreshold: 0.8,
		AllowUnscoredSelection: false,
		MinScoreThreshold:      0.0,
		EnableRecursiveMerge:   true,
		ActionMaxRetries:       3,
		DefaultMaxTicks:        20,
	}
}

// WorkerConfig covers the task worker loop.
type WorkerConfig struct {
	// HeartbeatInterval paces in_progress status envelopes.
	HeartbeatInterval time.Duration

	// GracefulShutdownTimeout bounds the drain of the in-flight task.
	GracefulShutdownTimeout time.Duration

	// OrphanThreshold is how long a claimed task may go without a status
	// update before recovery re-queues it.
	OrphanThreshold time.Duration

	// OrphanScanInterval is how often the orphan scan runs.
	OrphanScanInterval time.Duration

	// ScaleInProtection toggles ECS task protection around task execution.
	ScaleInProtection bool

	// ProtectionExpiry is the ECS protection TTL requested per task.
	ProtectionExpiry time.Duration

	// MetricsAddr serves the worker's /metrics endpoint; empty disables it.
	MetricsAddr string
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		HeartbeatInterval:       5 * time.Second,
		GracefulShutdownTimeout: 15 * time.Minute,
		OrphanThreshold:         5 * time.Minute,
		OrphanScanInterval:      5 * time.Minute,
		ScaleInProtection:       false,
		ProtectionExpiry:        30 * time.Minute,
		MetricsAddr:             ":9091",
	}
}

// ServerConfig covers the HTTP gateway.
type ServerConfig struct {
	Addr string

	// JWTSecret verifies bearer tokens; empty disables JWT auth.
	JWTSecret string

	// APIKeyFile is a newline-separated allow-list of API keys used as the
	// fallback when no bearer token is presented. Empty disables key auth.
	APIKeyFile string

	// SSEKeepAlive paces comment frames on idle status streams.
	SSEKeepAlive time.Duration
}

// DefaultServerConfig returns the built-in gateway defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Addr:         ":8080",
		SSEKeepAlive: 15 * time.Second,
	}
}

// LLMConfig covers the chat model collaborator.
type LLMConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	Temperature float32

	// RequestsPerSecond caps the model call rate; zero disables the gate.
	RequestsPerSecond float64
	Burst             int
}

// DefaultLLMConfig returns the built-in model defaults.
func DefaultLLMConfig() *LLMConfig {
	return &LLMConfig{
		Model:             "gpt-4o-mini",
		Temperature:       0.2,
		RequestsPerSecond: 2,
		Burst:             4,
	}
}

// SearchConfig covers the web search collaborator.
type SearchConfig struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond caps outbound search calls; zero disables the gate.
	RequestsPerSecond float64
	Burst             int
}

// DefaultSearchConfig returns the built-in search defaults.
func DefaultSearchConfig() *SearchConfig {
	return &SearchConfig{
		BaseURL:           "http://localhost:8081",
		Timeout:           20 * time.Second,
		RequestsPerSecond: 4,
		Burst:             4,
	}
}

// FetchConfig covers the page extraction collaborator.
type FetchConfig struct {
	BaseURL string
	Timeout time.Duration

	// RequestsPerSecond caps outbound extraction calls; zero disables the gate.
	RequestsPerSecond float64
	Burst             int
}

// DefaultFetchConfig returns the built-in fetch defaults.
func DefaultFetchConfig() *FetchConfig {
	return &FetchConfig{
		BaseURL:           "http://localhost:8082",
		Timeout:           30 * time.Second,
		RequestsPerSecond: 2,
		Burst:             2,
	}
}

// VectorConfig covers the vector store collaborator.
type VectorConfig struct {
	URL        string
	Collection string
}

// DefaultVectorConfig returns the built-in vector store defaults.
func DefaultVectorConfig() *VectorConfig {
	return &VectorConfig{
		URL:        "http://localhost:8000",
		Collection: "euglena-memory",
	}
}

// AutoscalerConfig covers the queue-depth driven worker autoscaler.
type AutoscalerConfig struct {
	MinWorkers              int
	MaxWorkers              int
	TargetMessagesPerWorker int

	// ECSCluster and ECSService identify the worker service to scale.
	ECSCluster string
	ECSService string

	// MetricNamespace and MetricName locate the published queue depth.
	MetricNamespace string
	MetricName      string

	// MetricWindow is how far back the depth lookup reaches.
	MetricWindow time.Duration
}

// DefaultAutoscalerConfig returns the built-in autoscaler defaults.
func DefaultAutoscalerConfig() *AutoscalerConfig {
	return &AutoscalerConfig{
		MinWorkers:              0,
		MaxWorkers:              5,
		TargetMessagesPerWorker: 2,
		MetricNamespace:         "Euglena/RabbitMQ",
		MetricName:              "QueueDepth",
		MetricWindow:            2 * time.Minute,
	}
}

// DepthMonConfig covers the queue depth publisher.
type DepthMonConfig struct {
	Period          time.Duration
	MetricNamespace string
	MetricName      string
}

// DefaultDepthMonConfig returns the built-in depth publisher defaults.
func DefaultDepthMonConfig() *DepthMonConfig {
	return &DepthMonConfig{
		Period:          5 * time.Second,
		MetricNamespace: "Euglena/RabbitMQ",
		MetricName:      "QueueDepth",
	}
}

// TelemetryConfig covers the trace sink.
type TelemetryConfig struct {
	// TraceDir receives per-task NDJSON traces; empty disables file traces.
	TraceDir string
}

// DefaultTelemetryConfig returns the built-in telemetry defaults.
func DefaultTelemetryConfig() *TelemetryConfig {
	return &TelemetryConfig{}
}

// NotifyConfig covers optional Slack notifications for terminal tasks.
// Empty token or channel disables them.
type NotifyConfig struct {
	SlackToken   string
	SlackChannel string

	// DashboardURL is linked from notifications when set.
	DashboardURL string
}

// DefaultNotifyConfig returns the built-in notification defaults.
func DefaultNotifyConfig() *NotifyConfig {
	return &NotifyConfig{}
}

// Load builds the configuration from the environment over the defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Broker:     DefaultBrokerConfig(),
		Database:   DefaultDatabaseConfig(),
		Engine:     DefaultEngineConfig(),
		Worker:     DefaultWorkerConfig(),
		Server:     DefaultServerConfig(),
		LLM:        DefaultLLMConfig(),
		Search:     DefaultSearchConfig(),
		Fetch:      DefaultFetchConfig(),
		Vector:     DefaultVectorConfig(),
		Autoscaler: DefaultAutoscalerConfig(),
		DepthMon:   DefaultDepthMonConfig(),
		Telemetry:  DefaultTelemetryConfig(),
		Notify:     DefaultNotifyConfig(),
	}

	cfg.Broker.URL = os.Getenv("BROKER_URL")
	cfg.Broker.MandateQueue = getEnvOrDefault("MANDATE_QUEUE", cfg.Broker.MandateQueue)
	cfg.Broker.StatusQueue = getEnvOrDefault("STATUS_QUEUE", cfg.Broker.StatusQueue)
	cfg.Broker.Prefetch = getEnvInt("BROKER_PREFETCH", cfg.Broker.Prefetch)

	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	cfg.Database.Port = getEnvInt("DB_PORT", cfg.Database.Port)
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = getEnvOrDefault("DB_PASSWORD", cfg.Database.Password)
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)
	cfg.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)

	cfg.Engine.MaxDepth = getEnvInt("ENGINE_MAX_DEPTH", cfg.Engine.MaxDepth)
	cfg.Engine.MaxChildren = getEnvInt("ENGINE_MAX_CHILDREN", cfg.Engine.MaxChildren)
	cfg.Engine.DecompositionThreshold = getEnvFloat("ENGINE_DECOMPOSITION_THRESHOLD", cfg.Engine.DecompositionThreshold)
	cfg.Engine.AllowUnscoredSelection = getEnvBool("ENGINE_ALLOW_UNSCORED_SELECTION", cfg.Engine.AllowUnscoredSelection)
	cfg.Engine.MinScoreThreshold = getEnvFloat("ENGINE_MIN_SCORE_THRESHOLD", cfg.Engine.MinScoreThreshold)
	cfg.Engine.EnableRecursiveMerge = getEnvBool("ENGINE_ENABLE_RECURSIVE_MERGE", cfg.Engine.EnableRecursiveMerge)
	cfg.Engine.ActionMaxRetries = getEnvInt("ENGINE_ACTION_MAX_RETRIES", cfg.Engine.ActionMaxRetries)
	cfg.Engine.DefaultMaxTicks = getEnvInt("ENGINE_DEFAULT_MAX_TICKS", cfg.Engine.DefaultMaxTicks)
	cfg.Engine.ActionRetryBackoffSteps = getEnvDurationList("ENGINE_ACTION_RETRY_BACKOFF_STEPS", cfg.Engine.ActionRetryBackoffSteps)

	cfg.Worker.HeartbeatInterval = getEnvDuration("WORKER_HEARTBEAT_INTERVAL", cfg.Worker.HeartbeatInterval)
	cfg.Worker.GracefulShutdownTimeout = getEnvDuration("WORKER_GRACEFUL_SHUTDOWN_TIMEOUT", cfg.Worker.GracefulShutdownTimeout)
	cfg.Worker.OrphanThreshold = getEnvDuration("WORKER_ORPHAN_THRESHOLD", cfg.Worker.OrphanThreshold)
	cfg.Worker.OrphanScanInterval = getEnvDuration("WORKER_ORPHAN_SCAN_INTERVAL", cfg.Worker.OrphanScanInterval)
	cfg.Worker.ScaleInProtection = getEnvBool("WORKER_SCALE_IN_PROTECTION", cfg.Worker.ScaleInProtection)
	cfg.Worker.MetricsAddr = getEnvOrDefault("WORKER_METRICS_ADDR", cfg.Worker.MetricsAddr)

	cfg.Server.Addr = getEnvOrDefault("SERVER_ADDR", cfg.Server.Addr)
	cfg.Server.JWTSecret = os.Getenv("JWT_SECRET")
	cfg.Server.APIKeyFile = os.Getenv("API_KEY_FILE")

	cfg.LLM.BaseURL = os.Getenv("LLM_BASE_URL")
	cfg.LLM.APIKey = os.Getenv("LLM_API_KEY")
	cfg.LLM.Model = getEnvOrDefault("LLM_MODEL", cfg.LLM.Model)
	cfg.LLM.RequestsPerSecond = getEnvFloat("LLM_REQUESTS_PER_SECOND", cfg.LLM.RequestsPerSecond)

	cfg.Search.BaseURL = getEnvOrDefault("SEARCH_BASE_URL", cfg.Search.BaseURL)
	cfg.Search.RequestsPerSecond = getEnvFloat("SEARCH_REQUESTS_PER_SECOND", cfg.Search.RequestsPerSecond)
	cfg.Fetch.BaseURL = getEnvOrDefault("FETCH_BASE_URL", cfg.Fetch.BaseURL)
	cfg.Fetch.RequestsPerSecond = getEnvFloat("FETCH_REQUESTS_PER_SECOND", cfg.Fetch.RequestsPerSecond)
	cfg.Vector.URL = getEnvOrDefault("CHROMA_URL", cfg.Vector.URL)
	cfg.Vector.Collection = getEnvOrDefault("CHROMA_COLLECTION", cfg.Vector.Collection)

	cfg.Autoscaler.MinWorkers = getEnvInt("MIN_WORKERS", cfg.Autoscaler.MinWorkers)
	cfg.Autoscaler.MaxWorkers = getEnvInt("MAX_WORKERS", cfg.Autoscaler.MaxWorkers)
	cfg.Autoscaler.TargetMessagesPerWorker = getEnvInt("TARGET_MESSAGES_PER_WORKER", cfg.Autoscaler.TargetMessagesPerWorker)
	cfg.Autoscaler.ECSCluster = os.Getenv("ECS_CLUSTER")
	cfg.Autoscaler.ECSService = os.Getenv("ECS_SERVICE")

	cfg.DepthMon.Period = getEnvDuration("DEPTH_PUBLISH_PERIOD", cfg.DepthMon.Period)

	cfg.Telemetry.TraceDir = os.Getenv("TRACE_DIR")

	cfg.Notify.SlackToken = os.Getenv("SLACK_TOKEN")
	cfg.Notify.SlackChannel = os.Getenv("SLACK_CHANNEL")
	cfg.Notify.DashboardURL = os.Getenv("DASHBOARD_URL")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Broker.URL) == "" {
		return ErrMissingBrokerURL
	}
	if c.Autoscaler.MinWorkers > c.Autoscaler.MaxWorkers {
		return fmt.Errorf("%w: min=%d max=%d",
			ErrInvalidWorkerBounds, c.Autoscaler.MinWorkers, c.Autoscaler.MaxWorkers)
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvDurationList parses a comma-separated duration list. A malformed
// entry discards the whole value in favor of the default.
func getEnvDurationList(key string, defaultVal []time.Duration) []time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	parts := strings.Split(val, ",")
	out := make([]time.Duration, 0, len(parts))
	for _, p := range parts {
		d, err := time.ParseDuration(strings.TrimSpace(p))
		if err != nil {
			return defaultVal
		}
		out = append(out, d)
	}
	return out
}
