package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/coder/websocket"
	csmap "github.com/mhmtszr/concurrent-swiss-map"
	"github.com/poketwo/gateway-proxy/pkg/syncmap"
)

// Manager owns the full shard set for one bot application: it resolves
// the recommended shard count, creates the shard tasks, supervises their
// lifecycle and fans their status transitions onto the proxy's lifecycle
// stream.
type Manager struct {
	Logger *slog.Logger

	Identifier string

	Proxy         *Proxy
	Configuration *atomic.Pointer[GatewayConfiguration]

	Gateway                    *atomic.Pointer[discord.GatewayBotResponse]
	sessionStartLimitRemaining *atomic.Int32

	User *atomic.Pointer[discord.User]

	producer Producer

	ShardCount *atomic.Int32

	ready chan struct{}

	Shards *syncmap.Map[int32, *Shard]
	guilds *csmap.CsMap[discord.Snowflake, bool]

	startedAt *atomic.Pointer[time.Time]

	Status *atomic.Int32
}

func NewManager(proxy *Proxy, config *GatewayConfiguration) *Manager {
	manager := &Manager{
		Logger: proxy.Logger.With("application_identifier", config.ApplicationIdentifier),

		Identifier: config.ApplicationIdentifier,

		Proxy:         proxy,
		Configuration: &atomic.Pointer[GatewayConfiguration]{},

		Gateway:                    &atomic.Pointer[discord.GatewayBotResponse]{},
		sessionStartLimitRemaining: &atomic.Int32{},

		User: &atomic.Pointer[discord.User]{},

		producer: nil,

		ShardCount: &atomic.Int32{},

		ready: make(chan struct{}),

		Shards: &syncmap.Map[int32, *Shard]{},
		guilds: csmap.Create[discord.Snowflake, bool](),

		startedAt: &atomic.Pointer[time.Time]{},

		Status: &atomic.Int32{},
	}

	manager.Configuration.Store(config)

	manager.SetStatus(ManagerStatusIdle)

	return manager
}

func (manager *Manager) SetStatus(status ManagerStatus) {
	UpdateManagerStatus(manager.Identifier, status)
	manager.Status.Store(int32(status))
	manager.Logger.Info("Manager status updated", "status", status.String())

	if manager.Proxy != nil {
		manager.Proxy.notifyLifecycle(LifecycleEvent{
			At:            time.Now(),
			ShardID:       -1,
			ManagerStatus: &status,
		})
	}

	err := manager.broadcast(GatewayEventManagerStatusUpdate, ManagerStatusUpdateEvent{
		Identifier: manager.Identifier,
		Status:     status,
	})
	if err != nil {
		manager.Logger.Error("Failed to broadcast manager status update", "error", err)
	}
}

// broadcast publishes an out-of-band event through the producer so
// downstream consumers observe status transitions alongside dispatches.
// A no-op before the producer is set up.
func (manager *Manager) broadcast(eventType string, data any) error {
	if manager.producer == nil {
		return nil
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	configuration := manager.Configuration.Load()

	packet := &ProducedPayload{
		GatewayPayload: discord.GatewayPayload{
			Op:   discord.GatewayOpDispatch,
			Type: eventType,
			Data: raw,
		},
		Metadata: ProducedMetadata{
			Identifier:    configuration.ProducerIdentifier,
			Application:   configuration.ApplicationIdentifier,
			ApplicationID: manager.userID(),
			Shard: [3]int32{
				0,
				0,
				manager.ShardCount.Load(),
			},
		},
		Trace: Trace{},
	}

	packet.Trace.Set("publish", time.Now().UnixNano())

	return manager.producer.Publish(context.Background(), nil, packet)
}

func (manager *Manager) GetStatus() ManagerStatus {
	return ManagerStatus(manager.Status.Load())
}

// notifyLifecycle tags a shard status transition with its shard ID and
// merges it onto the proxy's lifecycle stream.
func (manager *Manager) notifyLifecycle(shardID int32, status ShardStatus, statusErr error) {
	event := LifecycleEvent{
		At:          time.Now(),
		ShardID:     shardID,
		ShardStatus: &status,
	}

	if statusErr != nil {
		event.Error = statusErr.Error()
	}

	manager.Proxy.notifyLifecycle(event)
}

func (manager *Manager) SetUser(user *discord.User) {
	existingUser := manager.User.Load()
	manager.User.Store(user)

	if existingUser != nil && existingUser.ID == user.ID {
		return
	}

	manager.Logger.Debug("Manager user updated", "user", user.Username)

	configuration := manager.Configuration.Load()

	manager.Shards.Range(func(_ int32, shard *Shard) bool {
		shard.SetMetadata(configuration)

		return true
	})
}

func (manager *Manager) userID() discord.Snowflake {
	if user := manager.User.Load(); user != nil {
		return user.ID
	}

	return 0
}

// Initialize fetches the gateway bot endpoint and sets up the producer.
func (manager *Manager) Initialize(ctx context.Context) error {
	manager.Logger.Debug("Initializing manager")

	manager.Proxy.gatewayLimiter.Lock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, discord.EndpointGatewayBot, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", "Bot "+manager.Configuration.Load().BotToken)

	resp, err := manager.Proxy.Client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to do request: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway bot request returned %d: %w", resp.StatusCode, ErrGatewayMissingBotToken)
	}

	var gatewayBotResponse discord.GatewayBotResponse
	if err := json.NewDecoder(resp.Body).Decode(&gatewayBotResponse); err != nil {
		return fmt.Errorf("failed to decode gateway bot response: %w", err)
	}

	manager.Gateway.Store(&gatewayBotResponse)
	manager.sessionStartLimitRemaining.Store(gatewayBotResponse.SessionStartLimit.Remaining)

	manager.Logger.Info("Fetched gateway information",
		"shards", gatewayBotResponse.Shards,
		"max_concurrency", gatewayBotResponse.SessionStartLimit.MaxConcurrency,
		"remaining", gatewayBotResponse.SessionStartLimit.Remaining)

	configuration := manager.Configuration.Load()

	clientName := configuration.ClientName

	// If the client name includes a random suffix, we need to add a random suffix to the client name.
	if configuration.IncludeRandomSuffix {
		clientName = fmt.Sprintf("%s-%s", clientName, randomHex(8))
	}

	producer, err := manager.Proxy.producerProvider.GetProducer(ctx, configuration.ApplicationIdentifier, clientName)
	if err != nil {
		return fmt.Errorf("failed to get producer: %w", err)
	}

	manager.producer = producer

	manager.Logger.Debug("Manager initialized")

	return nil
}

func (manager *Manager) Start(ctx context.Context) error {
	manager.Logger.Info("Starting manager")

	manager.SetStatus(ManagerStatusStarting)

	configuration := manager.Configuration.Load()

	shardIDs, shardCount := manager.getInitialShardCount(
		configuration.ShardCount,
		configuration.ShardIDs,
		configuration.AutoSharded,
	)

	manager.Logger.Debug("Initializing shards", "shard_count", shardCount, "shard_ids", shardIDs)

	manager.ShardCount.Store(shardCount)

	ready, err := manager.startShards(ctx, shardIDs, shardCount)
	if err != nil {
		manager.Logger.Error("Failed to start shards", "error", err)

		manager.SetStatus(ManagerStatusFailed)

		return fmt.Errorf("failed to start: %w", err)
	}

	<-ready

	manager.SetStatus(ManagerStatusReady)

	return nil
}

// Stop signals every shard to close and waits up to the configured grace
// period. Shards still open when the grace period elapses are aborted.
func (manager *Manager) Stop(ctx context.Context) error {
	manager.SetStatus(ManagerStatusStopping)

	gracePeriod := manager.Configuration.Load().shutdownGracePeriod()

	done := make(chan struct{})

	go func() {
		manager.Shards.Range(func(_ int32, shard *Shard) bool {
			shard.Stop(ctx, websocket.StatusNormalClosure)

			return true
		})

		close(done)
	}()

	select {
	case <-done:
	case <-time.After(gracePeriod):
		manager.Logger.Warn("Shutdown grace period elapsed, aborting remaining shards", "grace_period", gracePeriod)

		manager.Shards.Range(func(_ int32, shard *Shard) bool {
			if shard.GetStatus() != ShardStatusStopped {
				shard.setStatusWithError(ShardStatusAborted, ErrShardStopping)
				shard.closeWS(ctx, websocket.StatusGoingAway)
			}

			return true
		})
	}

	if manager.producer != nil {
		manager.producer.Close()
	}

	manager.SetStatus(ManagerStatusStopped)

	return nil
}

// stopShards stops every registered shard and removes it from the shard
// map. Resharding to a smaller count must not leave stale entries that
// would be reported alongside the new shard set.
func (manager *Manager) stopShards(ctx context.Context, code websocket.StatusCode) {
	manager.Shards.Range(func(shardID int32, shard *Shard) bool {
		shard.Stop(ctx, code)
		manager.Shards.Delete(shardID)

		return true
	})
}

// Reshard restarts the shard set against a new shard count. A count of
// zero or less re-fetches the recommended count from the gateway.
func (manager *Manager) Reshard(ctx context.Context, shardCount int32) error {
	manager.Logger.Info("Resharding", "shard_count", shardCount)

	configuration := *manager.Configuration.Load()

	if shardCount > 0 {
		configuration.AutoSharded = false
		configuration.ShardCount = shardCount
	} else {
		configuration.AutoSharded = true
	}

	manager.Configuration.Store(&configuration)

	// Refresh the session start limit before reconnecting everything.
	if err := manager.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}

	return manager.Start(ctx)
}

func (manager *Manager) reportShardFailure(shard *Shard, err error) {
	manager.Logger.Error("Shard failed", "shard_id", shard.ShardID, "error", err)

	if shard.GetStatus() == ShardStatusFailed {
		manager.SetStatus(ManagerStatusFailed)
	}
}

// getInitialShardCount returns the shard IDs and shard count for the manager.
func (manager *Manager) getInitialShardCount(customShardCount int32, customShardIDs string, autoSharded bool) ([]int32, int32) {
	config := manager.Proxy.Config.Load()

	var shardCount int32

	var shardIDs []int32

	if autoSharded {
		shardCount = manager.Gateway.Load().Shards
	} else {
		shardCount = customShardCount
	}

	if customShardIDs == "" {
		for i := range shardCount {
			shardIDs = append(shardIDs, i)
		}
	} else {
		shardIDs = returnRangeInt32(config.Proxy.NodeCount, config.Proxy.NodeID, customShardIDs, shardCount)
	}

	// If we have a node count, split the shards evenly across nodes
	if config.Proxy.NodeCount > 1 {
		filteredShardIDs := make([]int32, 0, len(shardIDs))

		// Only keep shards that belong to this node based on modulo
		for _, id := range shardIDs {
			if id%config.Proxy.NodeCount == config.Proxy.NodeID {
				filteredShardIDs = append(filteredShardIDs, id)
			}
		}

		shardIDs = filteredShardIDs
	}

	return shardIDs, shardCount
}

func (manager *Manager) startShards(ctx context.Context, shardIDs []int32, shardCount int32) (ready chan struct{}, err error) {
	manager.Logger.Info("Starting shards", "shard_count", shardCount, "shard_ids", shardIDs)

	ready = make(chan struct{})

	now := time.Now()
	manager.startedAt.Store(&now)

	manager.ShardCount.Store(shardCount)

	// If we have no shards, we can't start the manager
	if len(shardIDs) == 0 {
		manager.Logger.Error("No shards to start")

		return ready, ErrManagerMissingShards
	}

	// Kill any shards that are already running
	manager.stopShards(ctx, websocket.StatusNormalClosure)

	// Create new shards
	for _, shardID := range shardIDs {
		shard := NewShard(manager.Proxy, manager, shardID)
		shard.SetMetadata(manager.Configuration.Load())

		manager.Shards.Store(shardID, shard)
	}

	manager.SetStatus(ManagerStatusConnecting)

	// The initial shard connects alone so the first identify validates the
	// token and intents before the rest of the fleet queues up.
	initialShard, ok := manager.Shards.Load(shardIDs[0])
	if !ok {
		panic("failed to load initial shard")
	}

	if err := initialShard.ConnectWithRetry(ctx); err != nil {
		manager.Logger.Error("Failed to connect to initial shard", "error", err)

		return ready, fmt.Errorf("failed to connect to initial shard: %w", err)
	}

	go initialShard.Start(ctx)

	if err := initialShard.waitForReady(); err != nil {
		manager.Logger.Error("Failed to wait for initial shard", "error", err)

		return ready, fmt.Errorf("failed to wait for initial shard: %w", err)
	}

	manager.Logger.Debug("Initial shard connected", "shard_id", shardIDs[0])

	manager.SetStatus(ManagerStatusConnected)

	openWg := sync.WaitGroup{}

	for _, shardID := range shardIDs[1:] {
		shard, ok := manager.Shards.Load(shardID)
		if !ok {
			panic("failed to load shard")
		}

		openWg.Add(1)

		go func(shard *Shard) {
			defer openWg.Done()

			if err := shard.ConnectWithRetry(ctx); err != nil {
				return
			}

			go shard.Start(ctx)
		}(shard)
	}

	openWg.Wait()

	manager.Logger.Debug("All shards connected")

	// All shards have now connected, but are not ready yet.

	go func() {
		manager.Shards.Range(func(index int32, shard *Shard) bool {
			// Skip the initial shard
			if index == shardIDs[0] {
				return true
			}

			shard.waitForReady()

			return true
		})

		close(ready)
	}()

	return ready, nil
}
