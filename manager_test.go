package gateway

import (
	"context"
	"reflect"
	"testing"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/coder/websocket"
)

func newTestManager(t *testing.T, gatewayConfig *GatewayConfiguration, proxyConfig *ProxyConfiguration) *Manager {
	t.Helper()

	proxy := NewProxy(testLogger(), NewConfigProviderFromPath("testdata/config.json"), nil, nil, nil)
	proxy.Config.Store(&Configuration{
		Proxy:   proxyConfig,
		Gateway: gatewayConfig,
	})

	return NewManager(proxy, gatewayConfig)
}

func TestManagerGetInitialShardCount(t *testing.T) {
	gatewayConfig := &GatewayConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              "token",
	}

	manager := newTestManager(t, gatewayConfig, &ProxyConfiguration{})

	shardIDs, shardCount := manager.getInitialShardCount(4, "", false)
	if shardCount != 4 {
		t.Errorf("Expected shard count 4, got %d", shardCount)
	}

	if !reflect.DeepEqual(shardIDs, []int32{0, 1, 2, 3}) {
		t.Errorf("Unexpected shard IDs: %v", shardIDs)
	}

	shardIDs, _ = manager.getInitialShardCount(8, "0-3", false)
	if !reflect.DeepEqual(shardIDs, []int32{0, 1, 2, 3}) {
		t.Errorf("Unexpected shard IDs for custom range: %v", shardIDs)
	}
}

func TestManagerGetInitialShardCountAutoSharded(t *testing.T) {
	gatewayConfig := &GatewayConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              "token",
	}

	manager := newTestManager(t, gatewayConfig, &ProxyConfiguration{})
	manager.Gateway.Store(&discord.GatewayBotResponse{Shards: 3})

	shardIDs, shardCount := manager.getInitialShardCount(0, "", true)
	if shardCount != 3 {
		t.Errorf("Expected recommended shard count 3, got %d", shardCount)
	}

	if !reflect.DeepEqual(shardIDs, []int32{0, 1, 2}) {
		t.Errorf("Unexpected shard IDs: %v", shardIDs)
	}
}

func TestManagerGetInitialShardCountNodeSplit(t *testing.T) {
	gatewayConfig := &GatewayConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              "token",
	}

	manager := newTestManager(t, gatewayConfig, &ProxyConfiguration{NodeCount: 2, NodeID: 1})

	shardIDs, _ := manager.getInitialShardCount(6, "", false)
	if !reflect.DeepEqual(shardIDs, []int32{1, 3, 5}) {
		t.Errorf("Expected shards for node 1 only, got %v", shardIDs)
	}
}

func TestManagerStopShardsClearsRegistry(t *testing.T) {
	gatewayConfig := &GatewayConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              "token",
	}

	manager := newTestManager(t, gatewayConfig, &ProxyConfiguration{})

	shard := NewShard(manager.Proxy, manager, 7)
	manager.Shards.Store(7, shard)

	manager.stopShards(context.Background(), websocket.StatusNormalClosure)

	// A reshard must not report shards that no longer exist.
	if manager.Shards.Count() != 0 {
		t.Errorf("Expected no registered shards after stop, got %d", manager.Shards.Count())
	}

	if shard.GetStatus() != ShardStatusStopped {
		t.Errorf("Expected shard to be stopped, got %s", shard.GetStatus().String())
	}
}

func TestProxyResolveIdentifyConcurrency(t *testing.T) {
	gatewayConfig := &GatewayConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              "token",
	}

	manager := newTestManager(t, gatewayConfig, &ProxyConfiguration{})
	proxy := manager.Proxy

	if got := proxy.resolveIdentifyConcurrency(manager); got != 1 {
		t.Errorf("Expected fallback concurrency 1, got %d", got)
	}

	gatewayBot := &discord.GatewayBotResponse{}
	gatewayBot.SessionStartLimit.MaxConcurrency = 16
	manager.Gateway.Store(gatewayBot)

	if got := proxy.resolveIdentifyConcurrency(manager); got != 16 {
		t.Errorf("Expected advertised concurrency 16, got %d", got)
	}

	configuration := *manager.Configuration.Load()
	configuration.MaxIdentifyConcurrency = 2
	manager.Configuration.Store(&configuration)

	if got := proxy.resolveIdentifyConcurrency(manager); got != 2 {
		t.Errorf("Expected configured concurrency 2, got %d", got)
	}
}

func TestProxyValidateGatewayConfig(t *testing.T) {
	proxy := NewProxy(testLogger(), NewConfigProviderFromPath("testdata/config.json"), nil, nil, nil)

	if err := proxy.validateGatewayConfig(nil); err == nil {
		t.Error("Expected error for nil config")
	}

	if err := proxy.validateGatewayConfig(&GatewayConfiguration{BotToken: "token"}); err == nil {
		t.Error("Expected error for missing identifier")
	}

	if err := proxy.validateGatewayConfig(&GatewayConfiguration{ApplicationIdentifier: "test"}); err == nil {
		t.Error("Expected error for missing bot token")
	}

	if err := proxy.validateGatewayConfig(&GatewayConfiguration{ApplicationIdentifier: "test", BotToken: "token"}); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
}
