package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
)

var (
	// Discord allows one identify per max_concurrency bucket every 5
	// seconds. The padding absorbs clock skew between us and the gateway.
	DefaultIdentifyInterval = 5*time.Second + 500*time.Millisecond

	DefaultBackoffBase    = time.Second
	DefaultBackoffCeiling = time.Minute

	DefaultResumeAttemptLimit    = int32(5)
	DefaultHeartbeatFailureLimit = int32(5)

	DefaultShutdownGracePeriod = 30 * time.Second
)

type Configuration struct {
	Proxy   *ProxyConfiguration   `json:"proxy"`
	Gateway *GatewayConfiguration `json:"gateway"`
}

type ProxyConfiguration struct {
	// This is used to segment automatically sharded deployments.
	NodeCount int32 `json:"node_count"`
	NodeID    int32 `json:"node_id"`
}

type GatewayConfiguration struct {
	// ApplicationIdentifier is used in internal APIs and metrics to
	// identify this connection pool.
	ApplicationIdentifier string `json:"application_identifier"`

	// ProducerIdentifier is a reusable identifier consumers can use for
	// routing, independent of the application identifier.
	ProducerIdentifier string `json:"producer_identifier"`

	// ClientName is passed to producers.
	ClientName          string `json:"client_name"`
	IncludeRandomSuffix bool   `json:"client_name_uses_random_suffix"`

	BotToken string `json:"bot_token"`
	Intents  int32  `json:"intents"`

	DefaultPresence discord.UpdateStatus `json:"default_presence"`

	AutoSharded bool   `json:"auto_sharded"`
	ShardCount  int32  `json:"shard_count"`
	ShardIDs    string `json:"shard_ids"`

	// MaxIdentifyConcurrency bounds outstanding identify handshakes.
	// Zero uses the max_concurrency advertised by the gateway.
	MaxIdentifyConcurrency int32 `json:"max_identify_concurrency"`

	// MinIdentifyIntervalMs is the minimum spacing between identify
	// grants. Zero uses DefaultIdentifyInterval.
	MinIdentifyIntervalMs int32 `json:"min_identify_interval_ms"`

	// HeartbeatFailureLimit is how many heartbeat intervals may pass
	// without an acknowledgement before the link is considered dead.
	HeartbeatFailureLimit int32 `json:"heartbeat_failure_limit"`

	BackoffCeilingMs int32 `json:"backoff_ceiling_ms"`

	// ResumeAttemptLimit caps consecutive resume attempts before the
	// session is invalidated and a fresh identify is performed.
	ResumeAttemptLimit int32 `json:"resume_attempt_limit"`

	ShutdownGracePeriodMs int32 `json:"shutdown_grace_period_ms"`

	// Events that should not be handled at all.
	EventBlacklist []string `json:"event_blacklist"`
	// Events that are handled but not produced.
	ProduceBlacklist []string `json:"produce_blacklist"`
}

func (configuration *GatewayConfiguration) minIdentifyInterval() time.Duration {
	if configuration.MinIdentifyIntervalMs <= 0 {
		return DefaultIdentifyInterval
	}

	return time.Duration(configuration.MinIdentifyIntervalMs) * time.Millisecond
}

func (configuration *GatewayConfiguration) backoffCeiling() time.Duration {
	if configuration.BackoffCeilingMs <= 0 {
		return DefaultBackoffCeiling
	}

	return time.Duration(configuration.BackoffCeilingMs) * time.Millisecond
}

func (configuration *GatewayConfiguration) resumeAttemptLimit() int32 {
	if configuration.ResumeAttemptLimit <= 0 {
		return DefaultResumeAttemptLimit
	}

	return configuration.ResumeAttemptLimit
}

func (configuration *GatewayConfiguration) heartbeatFailureLimit() int32 {
	if configuration.HeartbeatFailureLimit <= 0 {
		return DefaultHeartbeatFailureLimit
	}

	return configuration.HeartbeatFailureLimit
}

func (configuration *GatewayConfiguration) shutdownGracePeriod() time.Duration {
	if configuration.ShutdownGracePeriodMs <= 0 {
		return DefaultShutdownGracePeriod
	}

	return time.Duration(configuration.ShutdownGracePeriodMs) * time.Millisecond
}

type ConfigProvider interface {
	GetConfig(ctx context.Context) (*Configuration, error)
	SaveConfig(ctx context.Context, config *Configuration) error
}

// ConfigProviderFromPath is a basic config provider that reads and writes to a file.

type ConfigProviderFromPath struct {
	path string
}

func NewConfigProviderFromPath(path string) ConfigProviderFromPath {
	return ConfigProviderFromPath{path}
}

func (c ConfigProviderFromPath) GetConfig(_ context.Context) (*Configuration, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Configuration
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config file: %w", err)
	}

	if config.Proxy == nil {
		config.Proxy = &ProxyConfiguration{}
	}

	// The bot token may live in the environment instead of on disk.
	if config.Gateway != nil && config.Gateway.BotToken == "" {
		config.Gateway.BotToken = os.Getenv("TOKEN")
	}

	slog.Info("Loaded config", "path", c.path)

	return &config, nil
}

func (c ConfigProviderFromPath) SaveConfig(_ context.Context, config *Configuration) error {
	data, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(c.path, data, 0o600)
}
