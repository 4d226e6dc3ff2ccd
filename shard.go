package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/url"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/WelcomerTeam/czlib"
	"github.com/coder/websocket"
	"github.com/poketwo/gateway-proxy/pkg/limiter"
	"github.com/poketwo/gateway-proxy/pkg/syncmap"
)

var (
	// Number of retries to attempt before giving up on a shard
	ShardConnectRetries = int32(3)

	GatewayLargeThreshold = int32(100)
)

var gatewayURL = url.URL{
	Scheme: "wss",
	Host:   "gateway.discord.gg",
}

// Shard owns one gateway socket and runs its protocol state machine:
// connect, identify or resume, steady-state delivery, reconnect. It is
// the only writer to its Session.
type Shard struct {
	Logger *slog.Logger

	Proxy   *Proxy
	Manager *Manager

	ShardID int32

	Session *Session

	retriesRemaining *atomic.Int32
	resumeAttempts   *atomic.Int32

	StartedAt     *atomic.Pointer[time.Time]
	InitializedAt *atomic.Pointer[time.Time]

	HeartbeatActive   *atomic.Bool
	LastHeartbeatAck  *atomic.Pointer[time.Time]
	LastHeartbeatSent *atomic.Pointer[time.Time]
	GatewayLatency    *atomic.Int64

	heartbeater              *time.Ticker
	heartbeatInterval        *atomic.Pointer[time.Duration]
	heartbeatFailureInterval *atomic.Pointer[time.Duration]

	UnavailableGuilds *syncmap.Map[discord.Snowflake, bool]
	Guilds            *syncmap.Map[discord.Snowflake, bool]

	websocketConn *websocket.Conn

	websocketRatelimit *limiter.DurationLimiter

	backoff *Backoff

	identifyPermit *atomic.Pointer[IdentifyPermit]

	ready chan struct{}
	stop  chan struct{}
	error chan error

	Status *atomic.Int32

	gatewayPayloadPool *sync.Pool

	Metadata *atomic.Pointer[ProducedMetadata]
}

func NewShard(proxy *Proxy, manager *Manager, shardID int32) *Shard {
	configuration := manager.Configuration.Load()

	shard := &Shard{
		Logger: manager.Logger.With("shard_id", shardID),

		Proxy:   proxy,
		Manager: manager,

		ShardID: shardID,

		Session: NewSession(),

		retriesRemaining: &atomic.Int32{},
		resumeAttempts:   &atomic.Int32{},

		StartedAt:     &atomic.Pointer[time.Time]{},
		InitializedAt: &atomic.Pointer[time.Time]{},

		HeartbeatActive:   &atomic.Bool{},
		LastHeartbeatAck:  &atomic.Pointer[time.Time]{},
		LastHeartbeatSent: &atomic.Pointer[time.Time]{},
		GatewayLatency:    &atomic.Int64{},

		heartbeater:              nil,
		heartbeatInterval:        &atomic.Pointer[time.Duration]{},
		heartbeatFailureInterval: &atomic.Pointer[time.Duration]{},

		UnavailableGuilds: &syncmap.Map[discord.Snowflake, bool]{},
		Guilds:            &syncmap.Map[discord.Snowflake, bool]{},

		websocketConn: nil,

		// We have a ratelimit of 120 messages per minute we can send to the
		// gateway. We use less than 120/minute to account for heartbeating.
		websocketRatelimit: limiter.NewDurationLimiter(110, time.Minute),

		backoff: NewBackoff(DefaultBackoffBase, configuration.backoffCeiling()),

		identifyPermit: &atomic.Pointer[IdentifyPermit]{},

		ready: make(chan struct{}, 1),
		stop:  make(chan struct{}, 1),
		error: make(chan error, 1),

		Status: &atomic.Int32{},

		gatewayPayloadPool: &sync.Pool{
			New: func() any {
				return &discord.GatewayPayload{}
			},
		},

		Metadata: &atomic.Pointer[ProducedMetadata]{},
	}

	shard.retriesRemaining.Store(ShardConnectRetries)

	now := time.Now()
	shard.InitializedAt.Store(&now)

	return shard
}

func (shard *Shard) SetMetadata(configuration *GatewayConfiguration) {
	shard.Metadata.Store(&ProducedMetadata{
		Identifier:    configuration.ProducerIdentifier,
		Application:   configuration.ApplicationIdentifier,
		ApplicationID: shard.Manager.userID(),
		Shard: [3]int32{
			0,
			shard.ShardID,
			shard.Manager.ShardCount.Load(),
		},
	})
}

func (shard *Shard) SetStatus(status ShardStatus) {
	shard.setStatusWithError(status, nil)
}

func (shard *Shard) setStatusWithError(status ShardStatus, statusErr error) {
	UpdateShardStatus(shard.Manager.Identifier, shard.ShardID, status)
	shard.Status.Store(int32(status))
	shard.Logger.Info("Shard status updated", "status", status.String())

	shard.Manager.notifyLifecycle(shard.ShardID, status, statusErr)

	err := shard.Manager.broadcast(GatewayEventShardStatusUpdate, ShardStatusUpdateEvent{
		Identifier: shard.Manager.Identifier,
		ShardID:    shard.ShardID,
		Status:     status,
	})
	if err != nil {
		shard.Logger.Error("Failed to broadcast shard status update", "error", err)
	}
}

func (shard *Shard) GetStatus() ShardStatus {
	return ShardStatus(shard.Status.Load())
}

// ConnectWithRetry attempts to connect until the retry budget runs out,
// backing off between attempts. An admission failure (identify queue shut
// down) aborts immediately.
func (shard *Shard) ConnectWithRetry(ctx context.Context) error {
	for {
		err := shard.Connect(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, ErrShardStopping) {
			return err
		}

		if errors.Is(err, ErrIdentifyQueueClosed) {
			shard.setStatusWithError(ShardStatusAborted, err)

			return err
		}

		newValue := shard.retriesRemaining.Add(-1)
		if newValue <= 0 {
			shard.setStatusWithError(ShardStatusFailed, err)

			return fmt.Errorf("%w: %w", ErrShardConnectFailed, err)
		}

		shard.Logger.Error("Failed to connect to shard", "error", err, "retries_remaining", newValue)

		if err := shard.waitForBackoff(ctx); err != nil {
			return err
		}
	}
}

func (shard *Shard) Connect(ctx context.Context) error {
	shard.Logger.Debug("Shard is connecting")

	shard.SetStatus(ShardStatusConnecting)

	// Empties the ready channel.
readyConsumer:
	for {
		select {
		case <-shard.ready:
		default:
			break readyConsumer
		}
	}

	var err error

	defer func() {
		if err != nil {
			shard.completeIdentifyPermit()

			if shard.websocketConn != nil {
				shard.closeWS(ctx, websocket.StatusNormalClosure)
			}
		}
	}()

	// Resume attempts are capped; beyond the cap the session is dropped
	// and the shard re-enters the identify queue.
	canResume := shard.Session.CanResume()
	if canResume && shard.resumeAttempts.Add(1) > shard.Manager.Configuration.Load().resumeAttemptLimit() {
		shard.Logger.Warn("Resume attempts exhausted, re-identifying", "attempts", shard.resumeAttempts.Load())

		shard.Session.Invalidate()
		shard.resumeAttempts.Store(0)

		canResume = false
	}

	var websocketURL string

	resumeGatewayURL := shard.Session.ResumeGatewayURL()
	if !canResume || resumeGatewayURL == "" {
		websocketURL = gatewayURL.String()
	} else {
		websocketURL = resumeGatewayURL
	}

	if shard.websocketConn != nil {
		err = shard.closeWS(ctx, websocket.StatusNormalClosure)
		if err != nil {
			shard.Logger.Error("Failed to close websocket", "error", err)

			return fmt.Errorf("failed to close websocket: %w", err)
		}
	}

	websocketURL += "?v=10&encoding=json"

	shard.Logger.Debug("Dialing websocket", "url", websocketURL)

	conn, _, err := websocket.Dial(ctx, websocketURL, nil)
	if err != nil {
		shard.Logger.Error("Failed to dial websocket", "error", err)

		return fmt.Errorf("failed to dial websocket: %w", err)
	}

	conn.SetReadLimit(-1)

	shard.websocketConn = conn

	// Read the initial HELLO payload.
	payload, err := shard.read(ctx, conn)
	if err != nil {
		shard.Logger.Error("Failed to read initial payload", "error", err)

		return fmt.Errorf("failed to read initial payload: %w", err)
	}

	var hello discord.Hello

	err = unmarshalPayload(payload, &hello)
	if err != nil {
		shard.Logger.Error("Failed to unmarshal hello", "error", err)

		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	shard.gatewayPayloadPool.Put(payload)

	if hello.HeartbeatInterval <= 0 {
		err = ErrShardInvalidHeartbeatInterval

		return err
	}

	now := time.Now()
	shard.StartedAt.Store(&now)
	shard.LastHeartbeatAck.Store(&now)
	shard.LastHeartbeatSent.Store(&now)

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(&heartbeatInterval)

	heartbeatFailureInterval := heartbeatInterval * time.Duration(shard.Manager.Configuration.Load().heartbeatFailureLimit())
	shard.heartbeatFailureInterval.Store(&heartbeatFailureInterval)

	shard.Logger.Debug("Received hello", "heartbeat_interval", heartbeatInterval.Milliseconds())

	go shard.heartbeat(ctx, conn)

	if canResume {
		err = shard.resume(ctx)
		if err != nil {
			return fmt.Errorf("failed to resume: %w", err)
		}
	} else {
		err = shard.identify(ctx)
		if err != nil {
			return fmt.Errorf("failed to identify: %w", err)
		}
	}

	shard.SetStatus(ShardStatusConnected)

	return nil
}

func (shard *Shard) Start(ctx context.Context) error {
	shard.Logger.Debug("Shard is starting")

	for {
		err := shard.Listen(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, ErrShardStopping) {
				return nil
			}

			if errors.Is(err, ErrIdentifyQueueClosed) {
				shard.setStatusWithError(ShardStatusAborted, err)
			} else {
				shard.setStatusWithError(ShardStatusFailed, err)
			}

			select {
			case shard.error <- err:
			default:
			}

			shard.Manager.reportShardFailure(shard, err)

			return err
		}

		select {
		case <-ctx.Done():
			return nil
		default:
		}
	}
}

func (shard *Shard) Stop(ctx context.Context, code websocket.StatusCode) {
	shard.Logger.Debug("Shard is stopping")

	shard.SetStatus(ShardStatusStopping)

	select {
	case shard.stop <- struct{}{}:
	default:
	}

	shard.completeIdentifyPermit()
	shard.closeWS(ctx, code)

	shard.SetStatus(ShardStatusStopped)
}

func (shard *Shard) Listen(ctx context.Context) error {
	shard.Logger.Debug("Shard is listening")

	websocketConn := shard.websocketConn

	for {
		msg, err := shard.read(ctx, websocketConn)

		select {
		case <-shard.stop:
			return ErrShardStopping
		case <-ctx.Done():
			return nil
		default:
		}

		if err == nil {
			trace := NewTrace()
			trace.Set("receive", time.Now().UnixNano())

			err = shard.OnEvent(ctx, msg, trace)
			if err != nil {
				shard.Logger.Error("Failed to handle event", "error", err)
			}

			shard.gatewayPayloadPool.Put(msg)

			continue
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil
		}

		// A read failure on a superseded connection belongs to an attempt
		// that already resolved. It holds no permit and triggers no
		// reconnect.
		if websocketConn != shard.websocketConn {
			return nil
		}

		// A failed handshake attempt frees its identify permit.
		shard.completeIdentifyPermit()

		classification := ClassifyError(err)

		if classification == CloseFatal {
			shard.Logger.Error("Shard received fatal close event", "error", err)

			return fmt.Errorf("shard %d %w: %w", shard.ShardID, ErrShardFatalClose, err)
		}

		shard.Logger.Error("Shard received error", "error", err, "classification", classification.String())

		err = shard.reconnect(ctx, websocket.StatusNormalClosure, classification)
		if err != nil {
			shard.Logger.Error("Failed to reconnect", "error", err)

			return err
		}

		return nil
	}
}

// reconnect tears down the socket and re-enters the connect sequence with
// backoff. A NotResumable classification invalidates the session first so
// the next attempt performs a fresh identify.
func (shard *Shard) reconnect(ctx context.Context, code websocket.StatusCode, classification CloseClassification) error {
	shard.Logger.Debug("Shard is reconnecting", "classification", classification.String())

	// The attempt that owned the connection has resolved. Its permit must
	// return to the queue before a new attempt can acquire one, or an
	// invalid session would strand an admission slot forever.
	shard.completeIdentifyPermit()

	err := shard.closeWS(ctx, code)
	if err != nil {
		return fmt.Errorf("failed to close websocket: %w", err)
	}

	if classification == CloseNotResumable {
		shard.Session.Invalidate()
		shard.resumeAttempts.Store(0)
	}

	for {
		if err := shard.waitForBackoff(ctx); err != nil {
			return err
		}

		err := shard.Connect(ctx)
		if err == nil {
			shard.retriesRemaining.Store(ShardConnectRetries)

			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, ErrShardStopping) {
			return err
		}

		if errors.Is(err, ErrIdentifyQueueClosed) {
			return err
		}

		retries := shard.retriesRemaining.Add(-1)
		if retries <= 0 {
			return fmt.Errorf("failed to reconnect: %w", err)
		}

		shard.Logger.Error("Failed to reconnect", "error", err, "retries_remaining", retries)
	}
}

// waitForBackoff sleeps for the next backoff delay. A stop request or
// cancellation aborts the wait immediately.
func (shard *Shard) waitForBackoff(ctx context.Context) error {
	delay := shard.backoff.Next()
	if delay <= 0 {
		return nil
	}

	shard.Logger.Debug("Shard is backing off", "delay", delay, "attempts", shard.backoff.Attempts())

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-shard.stop:
		return ErrShardStopping
	case <-ctx.Done():
		return context.Canceled
	}
}

func (shard *Shard) closeWS(_ context.Context, code websocket.StatusCode) error {
	if shard.websocketConn == nil {
		return nil
	}

	shard.Logger.Debug("Shard is closing websocket", "code", int(code))

	err := shard.websocketConn.Close(code, "")
	if err != nil && !errors.Is(err, net.ErrClosed) {
		shard.Logger.Error("Failed to close websocket", "error", err)
	}

	return nil
}

func (shard *Shard) waitForReady() error {
	shard.Logger.Debug("Shard is waiting for ready")

	since := time.Now()
	ticker := time.NewTicker(time.Second * 15)

	defer ticker.Stop()

	for {
		select {
		case <-shard.ready:
			return nil
		case err := <-shard.error:
			return err
		case <-ticker.C:
			shard.Logger.Error("Shard not ready", "duration", time.Since(since))
		}
	}
}

func (shard *Shard) heartbeat(ctx context.Context, conn *websocket.Conn) {
	shard.Logger.Debug("Shard is heartbeating")

	shard.HeartbeatActive.Store(true)
	defer shard.HeartbeatActive.Store(false)

	// Jitter the first heartbeat so shards do not beat in lockstep.
	hasJitter := true
	heartbeatJitter := time.Millisecond * time.Duration(1+rand.Int64N(shard.heartbeatInterval.Load().Milliseconds()))

	if shard.heartbeater == nil {
		shard.heartbeater = time.NewTicker(heartbeatJitter)
	} else {
		shard.heartbeater.Reset(heartbeatJitter)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-shard.heartbeater.C:
			// A reconnect swapped the connection; the replacement attempt
			// runs its own heartbeater.
			if shard.websocketConn != conn {
				return
			}

			if hasJitter {
				hasJitter = false

				shard.heartbeater.Reset(*shard.heartbeatInterval.Load())
			}

			shard.Logger.Debug("Sending heartbeat", "sequence", shard.Session.Sequence())

			err := shard.SendEvent(ctx, discord.GatewayOpHeartbeat, shard.Session.Sequence())

			now := time.Now()
			shard.LastHeartbeatSent.Store(&now)

			if err != nil || now.Sub(*shard.LastHeartbeatAck.Load()) > *shard.heartbeatFailureInterval.Load() {
				if err != nil {
					shard.Logger.Error("Heartbeat failed", "error", err)
				} else {
					shard.Logger.Error("Heartbeat failed", "error", "no acknowledgement within grace period")
				}

				// Force the read loop off the dead socket. The local close
				// classifies as resumable, so the shard resumes with its
				// stored session and sequence.
				shard.closeWS(ctx, WebsocketReconnectCloseCode)

				return
			}
		}
	}
}

// identify performs the fresh-session handshake. Every fresh handshake
// must hold an identify permit; the permit stays outstanding until the
// attempt resolves.
func (shard *Shard) identify(ctx context.Context) error {
	configuration := shard.Manager.Configuration.Load()
	shardCount := shard.Manager.ShardCount.Load()

	shard.SetStatus(ShardStatusIdentifying)

	shard.Logger.Debug("Shard is identifying", "shard_count", shardCount)

	// Exhausting the daily session start limit invalidates the bot token.
	// Refuse to identify until Initialize refreshes the allowance.
	if remaining := shard.Manager.sessionStartLimitRemaining.Add(-1); remaining < 0 {
		return fmt.Errorf("shard %d: %w", shard.ShardID, ErrSessionStartLimitReached)
	}

	permit, err := shard.Proxy.IdentifyQueue().Acquire(ctx, shard.ShardID)
	if err != nil {
		return fmt.Errorf("failed to acquire identify permit: %w", err)
	}

	shard.identifyPermit.Store(permit)

	return shard.SendEvent(ctx, discord.GatewayOpIdentify, discord.Identify{
		Properties: &discord.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: "gateway-proxy " + Version,
			Device:  "gateway-proxy " + Version,
		},
		Presence:       &configuration.DefaultPresence,
		Token:          configuration.BotToken,
		Shard:          [2]int32{shard.ShardID, shardCount},
		LargeThreshold: GatewayLargeThreshold,
		Intents:        configuration.Intents,
		Compress:       true,
	})
}

// resume reattaches to the prior session. Resumes do not count against
// identify admission limits and bypass the queue.
func (shard *Shard) resume(ctx context.Context) error {
	shard.SetStatus(ShardStatusResuming)

	shard.Logger.Debug("Shard is resuming", "session_id", shard.Session.SessionID(), "sequence", shard.Session.Sequence())

	configuration := shard.Manager.Configuration.Load()

	return shard.SendEvent(ctx, discord.GatewayOpResume, discord.Resume{
		Token:     configuration.BotToken,
		SessionID: shard.Session.SessionID(),
		Sequence:  shard.Session.Sequence(),
	})
}

// onHandshakeSuccess marks the handshake resolved: the identify permit is
// released, the backoff resets to baseline and waiters are signalled.
func (shard *Shard) onHandshakeSuccess() {
	shard.completeIdentifyPermit()

	shard.backoff.Reset()
	shard.resumeAttempts.Store(0)

	shard.SetStatus(ShardStatusReady)

	select {
	case shard.ready <- struct{}{}:
	default:
	}
}

func (shard *Shard) completeIdentifyPermit() {
	if permit := shard.identifyPermit.Swap(nil); permit != nil {
		permit.Complete()
	}
}

func (shard *Shard) SendEvent(ctx context.Context, gatewayOp discord.GatewayOp, data any) error {
	packet := discord.SentPayload{
		Op:   gatewayOp,
		Data: data,
	}

	return shard.send(ctx, gatewayOp, packet)
}

func (shard *Shard) send(ctx context.Context, gatewayOp discord.GatewayOp, data any) error {
	defer func() {
		if r := recover(); r != nil {
			if shard.Proxy.panicHandler != nil {
				shard.Proxy.panicHandler(shard.Proxy, r)
			}
		}
	}()

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	// We don't need to ratelimit heartbeats.
	if gatewayOp != discord.GatewayOpHeartbeat {
		shard.websocketRatelimit.Lock()
	}

	err = shard.websocketConn.Write(ctx, websocket.MessageText, payload)
	if err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}

	return nil
}

func (shard *Shard) read(ctx context.Context, websocketConn *websocket.Conn) (*discord.GatewayPayload, error) {
	messageType, data, err := websocketConn.Read(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}

		return nil, fmt.Errorf("failed to read message: %w", err)
	}

	if messageType == websocket.MessageBinary {
		data, err = czlib.Decompress(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress payload: %w", err)
		}
	}

	gatewayPayload := shard.gatewayPayloadPool.Get().(*discord.GatewayPayload)

	err = json.Unmarshal(data, &gatewayPayload)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	return gatewayPayload, nil
}

func (shard *Shard) OnEvent(ctx context.Context, msg *discord.GatewayPayload, trace *Trace) error {
	if f, ok := gatewayEvents[msg.Op]; ok {
		return f(ctx, shard, msg, trace)
	}

	// Unexpected opcodes are logged, not treated as a link failure.
	shard.Logger.Debug("Received unknown gateway op", "op", int(msg.Op))

	return nil
}

func (shard *Shard) OnDispatch(ctx context.Context, msg *discord.GatewayPayload, trace *Trace) error {
	defer func() {
		if r := recover(); r != nil {
			if shard.Proxy.panicHandler != nil {
				shard.Proxy.panicHandler(shard.Proxy, r)
			}
		}
	}()

	err := shard.Proxy.eventProvider.Dispatch(ctx, shard, msg, trace)
	if err != nil {
		shard.Logger.Error("Failed to dispatch event", "error", err)

		return err
	}

	return nil
}
