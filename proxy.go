package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/poketwo/gateway-proxy/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var Version = "1.0.0"

const lifecycleBacklog = 256

// Proxy is the top-level service: it loads configuration, owns the shard
// manager and the identify queue, and exposes the lifecycle stream.
type Proxy struct {
	Logger *slog.Logger

	configProvider ConfigProvider
	Config         *atomic.Pointer[Configuration]

	eventProvider    EventProvider
	producerProvider ProducerProvider
	dedupeProvider   DedupeProvider

	Client *http.Client

	gatewayLimiter *limiter.DurationLimiter

	identifyQueue *atomic.Pointer[IdentifyQueue]

	manager *atomic.Pointer[Manager]

	lifecycle chan LifecycleEvent

	panicHandler PanicHandler
}

type PanicHandler func(proxy *Proxy, r any)

func NewProxy(logger *slog.Logger, configProvider ConfigProvider, client *http.Client, eventProvider EventProvider, producerProvider ProducerProvider) *Proxy {
	return &Proxy{
		Logger: logger,

		configProvider: configProvider,
		Config:         &atomic.Pointer[Configuration]{},

		eventProvider:    eventProvider,
		producerProvider: producerProvider,
		dedupeProvider:   NewNoopDedupeProvider(),

		Client: client,

		gatewayLimiter: limiter.NewDurationLimiter(1, time.Second),

		identifyQueue: &atomic.Pointer[IdentifyQueue]{},

		manager: &atomic.Pointer[Manager]{},

		lifecycle: make(chan LifecycleEvent, lifecycleBacklog),

		panicHandler: nil,
	}
}

func (proxy *Proxy) WithPanicHandler(panicHandler PanicHandler) *Proxy {
	proxy.panicHandler = panicHandler

	return proxy
}

func (proxy *Proxy) WithDedupeProvider(dedupeProvider DedupeProvider) *Proxy {
	proxy.dedupeProvider = dedupeProvider

	return proxy
}

func (proxy *Proxy) WithPrometheusAnalytics(
	server *http.Server,
	registry *prometheus.Registry,
	opts promhttp.HandlerOpts,
) *Proxy {
	if registry == nil {
		registry = prometheus.NewPedanticRegistry()
	}

	registry.MustRegister(
		EventMetrics.EventsTotal,
		EventMetrics.GatewayLatency,

		ShardMetrics.ManagerStatus,
		ShardMetrics.ShardStatus,

		IdentifyMetrics.Waiting,
		IdentifyMetrics.GrantsTotal,
		IdentifyMetrics.WaitDuration,

		ProxyMetrics.LifecycleDropped,
	)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, opts))

	server.Handler = mux

	go func() {
		slog.Info("Starting Prometheus HTTP server", "host", server.Addr)

		var err error

		if server.TLSConfig != nil {
			err = server.ListenAndServeTLS("", "")
		} else {
			err = server.ListenAndServe()
		}

		if err != nil {
			panic(fmt.Errorf("failed to start Prometheus HTTP server: %w", err))
		}
	}()

	return proxy
}

// Manager returns the running shard manager, or nil before Start.
func (proxy *Proxy) Manager() *Manager {
	return proxy.manager.Load()
}

// IdentifyQueue returns the identify queue, or nil before Start.
func (proxy *Proxy) IdentifyQueue() *IdentifyQueue {
	return proxy.identifyQueue.Load()
}

// Lifecycle returns the stream of shard and manager status transitions.
// Slow consumers do not block shards; overflowed events are dropped and
// counted.
func (proxy *Proxy) Lifecycle() <-chan LifecycleEvent {
	return proxy.lifecycle
}

func (proxy *Proxy) notifyLifecycle(event LifecycleEvent) {
	select {
	case proxy.lifecycle <- event:
	default:
		RecordLifecycleDrop()
	}
}

func (proxy *Proxy) Start(ctx context.Context) error {
	proxy.Logger.Info("Starting gateway proxy")

	if err := proxy.getConfig(ctx); err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	if proxy.Client == nil {
		proxy.Client = http.DefaultClient
	}

	config := proxy.Config.Load()

	if err := proxy.validateGatewayConfig(config.Gateway); err != nil {
		return fmt.Errorf("failed to validate config: %w", err)
	}

	manager := NewManager(proxy, config.Gateway)
	proxy.manager.Store(manager)

	if err := manager.Initialize(ctx); err != nil {
		manager.SetStatus(ManagerStatusFailed)

		return fmt.Errorf("failed to initialize manager: %w", err)
	}

	proxy.identifyQueue.Store(NewIdentifyQueue(
		proxy.Logger,
		proxy.resolveIdentifyConcurrency(manager),
		config.Gateway.minIdentifyInterval(),
	))

	go func() {
		if err := manager.Start(ctx); err != nil {
			manager.SetStatus(ManagerStatusFailed)
		}
	}()

	return nil
}

func (proxy *Proxy) Stop(ctx context.Context) {
	proxy.Logger.Info("Stopping gateway proxy")

	// Shut the queue down first so no shard can begin a fresh handshake
	// while the fleet drains.
	if queue := proxy.identifyQueue.Load(); queue != nil {
		queue.Shutdown()
	}

	if manager := proxy.manager.Load(); manager != nil {
		manager.Stop(ctx)
	}
}

func (proxy *Proxy) Reshard(ctx context.Context, shardCount int32) error {
	manager := proxy.manager.Load()
	if manager == nil {
		return ErrManagerNotStarted
	}

	return manager.Reshard(ctx, shardCount)
}

// resolveIdentifyConcurrency prefers the configured bound and otherwise
// uses the max_concurrency the gateway advertised.
func (proxy *Proxy) resolveIdentifyConcurrency(manager *Manager) int32 {
	configuration := manager.Configuration.Load()
	if configuration.MaxIdentifyConcurrency > 0 {
		return configuration.MaxIdentifyConcurrency
	}

	if gateway := manager.Gateway.Load(); gateway != nil && gateway.SessionStartLimit.MaxConcurrency > 0 {
		return gateway.SessionStartLimit.MaxConcurrency
	}

	return 1
}

func (proxy *Proxy) getConfig(ctx context.Context) error {
	proxy.Logger.Debug("Getting config")

	config, err := proxy.configProvider.GetConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to get config: %w", err)
	}

	proxy.Config.Store(config)

	// Update the running manager configuration
	if manager := proxy.manager.Load(); manager != nil && config.Gateway != nil {
		manager.Configuration.Store(config.Gateway)
		slog.Info("Updated manager configuration", "application_identifier", config.Gateway.ApplicationIdentifier)

		if err := manager.broadcast(GatewayEventConfigUpdate, nil); err != nil {
			proxy.Logger.Error("Failed to broadcast configuration update", "error", err)
		}
	}

	return nil
}

// validateGatewayConfig validates a gateway configuration.
func (proxy *Proxy) validateGatewayConfig(gatewayConfig *GatewayConfiguration) error {
	if gatewayConfig == nil || gatewayConfig.ApplicationIdentifier == "" {
		return ErrGatewayMissingIdentifier
	}

	if gatewayConfig.BotToken == "" {
		return ErrGatewayMissingBotToken
	}

	return nil
}
