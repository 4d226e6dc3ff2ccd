package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/coder/websocket"
)

type captureEventProvider struct {
	delivered      []int32
	sequenceAtSink []int32
	err            error
}

func (p *captureEventProvider) Dispatch(_ context.Context, shard *Shard, event *discord.GatewayPayload, _ *Trace) error {
	if p.err != nil {
		return p.err
	}

	p.delivered = append(p.delivered, event.Sequence)
	p.sequenceAtSink = append(p.sequenceAtSink, shard.Session.Sequence())

	return nil
}

func newTestShard(t *testing.T, eventProvider EventProvider) *Shard {
	t.Helper()

	gatewayConfig := &GatewayConfiguration{
		ApplicationIdentifier: "test",
		BotToken:              "token",
	}

	proxy := NewProxy(testLogger(), NewConfigProviderFromPath("testdata/config.json"), nil, eventProvider, nil)
	proxy.Config.Store(&Configuration{
		Proxy:   &ProxyConfiguration{},
		Gateway: gatewayConfig,
	})

	manager := NewManager(proxy, gatewayConfig)
	manager.ShardCount.Store(2)

	shard := NewShard(proxy, manager, 0)
	shard.SetMetadata(gatewayConfig)

	return shard
}

func TestShardDispatchRecordsSequenceAfterDelivery(t *testing.T) {
	provider := &captureEventProvider{}
	shard := newTestShard(t, provider)

	msg := &discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     "MESSAGE_CREATE",
		Sequence: 5,
	}

	if err := shard.OnEvent(context.Background(), msg, NewTrace()); err != nil {
		t.Fatalf("OnEvent returned error: %v", err)
	}

	if len(provider.delivered) != 1 || provider.delivered[0] != 5 {
		t.Fatalf("Expected event 5 to be delivered, got %v", provider.delivered)
	}

	// The sink must see the event before its sequence is recorded.
	if provider.sequenceAtSink[0] != 0 {
		t.Errorf("Expected sequence 0 at delivery time, got %d", provider.sequenceAtSink[0])
	}

	if shard.Session.Sequence() != 5 {
		t.Errorf("Expected sequence 5 after delivery, got %d", shard.Session.Sequence())
	}
}

func TestShardDispatchFailureLeavesSequence(t *testing.T) {
	provider := &captureEventProvider{err: errors.New("sink unavailable")}
	shard := newTestShard(t, provider)

	msg := &discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     "MESSAGE_CREATE",
		Sequence: 7,
	}

	err := shard.OnEvent(context.Background(), msg, NewTrace())
	if err == nil {
		t.Fatal("Expected error from failed dispatch, got nil")
	}

	// An undelivered event must stay replayable on resume.
	if shard.Session.Sequence() != 0 {
		t.Errorf("Expected sequence 0 after failed delivery, got %d", shard.Session.Sequence())
	}
}

func TestShardHeartbeatAckUpdatesLatency(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	sentAt := time.Now().Add(-50 * time.Millisecond)
	shard.LastHeartbeatSent.Store(&sentAt)

	msg := &discord.GatewayPayload{Op: discord.GatewayOpHeartbeatACK}

	if err := shard.OnEvent(context.Background(), msg, NewTrace()); err != nil {
		t.Fatalf("OnEvent returned error: %v", err)
	}

	if shard.LastHeartbeatAck.Load().Before(sentAt) {
		t.Error("Expected acknowledgement timestamp to advance")
	}

	if shard.GatewayLatency.Load() < 50 {
		t.Errorf("Expected latency of at least 50ms, got %d", shard.GatewayLatency.Load())
	}
}

func TestShardUnknownOpIgnored(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	msg := &discord.GatewayPayload{Op: discord.GatewayOp(42)}

	if err := shard.OnEvent(context.Background(), msg, NewTrace()); err != nil {
		t.Fatalf("Expected unknown op to be ignored, got %v", err)
	}
}

func TestShardCompleteIdentifyPermitIdempotent(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	queue := NewIdentifyQueue(testLogger(), 1, 0)
	defer queue.Shutdown()

	permit, err := queue.Acquire(context.Background(), shard.ShardID)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}

	shard.identifyPermit.Store(permit)

	shard.completeIdentifyPermit()
	shard.completeIdentifyPermit()

	if queue.Outstanding() != 0 {
		t.Errorf("Expected 0 outstanding permits, got %d", queue.Outstanding())
	}

	if shard.identifyPermit.Load() != nil {
		t.Error("Expected permit reference to be cleared")
	}
}

func TestShardSetMetadata(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	metadata := shard.Metadata.Load()
	if metadata == nil {
		t.Fatal("Expected metadata to be set")
	}

	if metadata.Application != "test" {
		t.Errorf("Expected application %q, got %q", "test", metadata.Application)
	}

	if metadata.Shard != [3]int32{0, 0, 2} {
		t.Errorf("Unexpected shard triple: %v", metadata.Shard)
	}
}

func TestShardStatusNotifiesLifecycle(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	// Drain transitions emitted during construction.
consumer:
	for {
		select {
		case <-shard.Proxy.Lifecycle():
		default:
			break consumer
		}
	}

	shard.SetStatus(ShardStatusConnecting)

	select {
	case event := <-shard.Proxy.Lifecycle():
		if event.ShardID != shard.ShardID {
			t.Errorf("Expected shard ID %d, got %d", shard.ShardID, event.ShardID)
		}

		if event.ShardStatus == nil || *event.ShardStatus != ShardStatusConnecting {
			t.Errorf("Expected connecting status, got %v", event.ShardStatus)
		}
	default:
		t.Fatal("Expected a lifecycle event")
	}
}

type flakyProducer struct {
	failuresLeft int
	sequences    []int32
}

func (p *flakyProducer) Publish(_ context.Context, _ *Shard, payload *ProducedPayload) error {
	if p.failuresLeft > 0 {
		p.failuresLeft--

		return errors.New("sink unavailable")
	}

	p.sequences = append(p.sequences, payload.Sequence)

	return nil
}

func (p *flakyProducer) Close() error { return nil }

func TestShardReconnectReleasesIdentifyPermit(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	queue := NewIdentifyQueue(testLogger(), 1, 0)
	defer queue.Shutdown()

	permit, err := queue.Acquire(context.Background(), shard.ShardID)
	if err != nil {
		t.Fatalf("Acquire returned error: %v", err)
	}

	shard.identifyPermit.Store(permit)

	// Abort the reconnect before it dials out.
	shard.stop <- struct{}{}

	err = shard.reconnect(context.Background(), websocket.StatusNormalClosure, CloseResumable)
	if !errors.Is(err, ErrShardStopping) {
		t.Fatalf("Expected ErrShardStopping, got %v", err)
	}

	if queue.Outstanding() != 0 {
		t.Errorf("Expected 0 outstanding permits after reconnect, got %d", queue.Outstanding())
	}

	// With a concurrency of one, a stranded permit would block this
	// acquire and starve every other shard of admission.
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	next, err := queue.Acquire(ctx, shard.ShardID)
	if err != nil {
		t.Fatalf("Expected a permit once the previous attempt resolved, got %v", err)
	}

	next.Complete()
}

func TestShardPublishFailureReleasesDedupeKey(t *testing.T) {
	shard := newTestShard(t, NewEventProviderWithBlacklist(NewBuiltinDispatchProvider(true)))
	shard.Proxy.WithDedupeProvider(NewInMemoryDedupeProvider())

	producer := &flakyProducer{failuresLeft: 1}
	shard.Manager.producer = producer

	msg := &discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     "MESSAGE_CREATE",
		Sequence: 9,
	}

	if err := shard.OnEvent(context.Background(), msg, NewTrace()); err == nil {
		t.Fatal("Expected error from failed publish, got nil")
	}

	if shard.Session.Sequence() != 0 {
		t.Errorf("Expected sequence 0 after failed publish, got %d", shard.Session.Sequence())
	}

	// The resume replay of an unpublished event must not be dropped as a
	// duplicate.
	if err := shard.OnEvent(context.Background(), msg, NewTrace()); err != nil {
		t.Fatalf("OnEvent returned error on replay: %v", err)
	}

	if len(producer.sequences) != 1 || producer.sequences[0] != 9 {
		t.Fatalf("Expected replayed event 9 to be published, got %v", producer.sequences)
	}

	if shard.Session.Sequence() != 9 {
		t.Errorf("Expected sequence 9 after replay, got %d", shard.Session.Sequence())
	}
}

func TestShardHeartbeatStopsWhenSuperseded(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	interval := 5 * time.Millisecond
	shard.heartbeatInterval.Store(&interval)

	failureInterval := time.Minute
	shard.heartbeatFailureInterval.Store(&failureInterval)

	now := time.Now()
	shard.LastHeartbeatAck.Store(&now)
	shard.LastHeartbeatSent.Store(&now)

	done := make(chan struct{})

	// The connection this heartbeater was started for has been replaced.
	go func() {
		shard.heartbeat(context.Background(), &websocket.Conn{})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected heartbeat to stop for a superseded connection")
	}

	if shard.HeartbeatActive.Load() {
		t.Error("Expected heartbeat to be marked inactive")
	}
}

func TestShardStopDuringBackoffSkipsDelay(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	// Raise the pending delay so a completed wait would be observable.
	shard.backoff.Next()
	shard.backoff.Next()

	shard.stop <- struct{}{}

	started := time.Now()

	err := shard.waitForBackoff(context.Background())
	if !errors.Is(err, ErrShardStopping) {
		t.Fatalf("Expected ErrShardStopping, got %v", err)
	}

	if elapsed := time.Since(started); elapsed > time.Second {
		t.Errorf("Expected stop to abort the wait immediately, took %s", elapsed)
	}
}

func TestShardHeartbeatMissedAckKeepsSessionResumable(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	interval := 5 * time.Millisecond
	shard.heartbeatInterval.Store(&interval)

	failureInterval := time.Millisecond
	shard.heartbeatFailureInterval.Store(&failureInterval)

	stale := time.Now().Add(-time.Minute)
	shard.LastHeartbeatAck.Store(&stale)
	shard.LastHeartbeatSent.Store(&stale)

	shard.Session.Begin("session-id", "wss://resume.gateway")

	if err := shard.Session.RecordEvent(5); err != nil {
		t.Fatalf("RecordEvent returned error: %v", err)
	}

	done := make(chan struct{})

	go func() {
		shard.heartbeat(context.Background(), nil)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Expected heartbeat to give up after a missed acknowledgement")
	}

	// The close is local, so the stored session stays resumable and the
	// next connect replays from the recorded sequence.
	if !shard.Session.CanResume() {
		t.Error("Expected session to remain resumable")
	}

	if shard.Session.Sequence() != 5 {
		t.Errorf("Expected sequence 5 to be retained, got %d", shard.Session.Sequence())
	}
}

func TestShardIdentifyHaltsWhenSessionStartLimitExhausted(t *testing.T) {
	shard := newTestShard(t, &captureEventProvider{})

	shard.Manager.sessionStartLimitRemaining.Store(0)

	err := shard.identify(context.Background())
	if !errors.Is(err, ErrSessionStartLimitReached) {
		t.Fatalf("Expected ErrSessionStartLimitReached, got %v", err)
	}
}

func TestShardEventBlacklistSkipsDelivery(t *testing.T) {
	provider := &captureEventProvider{}
	shard := newTestShard(t, provider)

	configuration := *shard.Manager.Configuration.Load()
	configuration.EventBlacklist = []string{"TYPING_START"}
	shard.Manager.Configuration.Store(&configuration)

	blacklistProvider := NewEventProviderWithBlacklist(NewBuiltinDispatchProvider(true))

	msg := &discord.GatewayPayload{
		Op:       discord.GatewayOpDispatch,
		Type:     "TYPING_START",
		Sequence: 3,
	}

	if err := blacklistProvider.Dispatch(context.Background(), shard, msg, NewTrace()); err != nil {
		t.Fatalf("Dispatch returned error: %v", err)
	}

	if len(provider.delivered) != 0 {
		t.Errorf("Expected no delivery for blacklisted event, got %v", provider.delivered)
	}
}
