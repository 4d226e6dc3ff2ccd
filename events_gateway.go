package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/coder/websocket"
)

const (
	WebsocketReconnectCloseCode websocket.StatusCode = 4000
)

type GatewayHandler func(ctx context.Context, shard *Shard, msg *discord.GatewayPayload, trace *Trace) error

var gatewayEvents = make(map[discord.GatewayOp]GatewayHandler)

func RegisterGatewayEvent(eventType discord.GatewayOp, handler GatewayHandler) {
	gatewayEvents[eventType] = handler
}

func gatewayOpDispatch(ctx context.Context, shard *Shard, msg *discord.GatewayPayload, trace *Trace) error {
	trace.Set("dispatch", time.Now().UnixNano())

	err := shard.OnDispatch(ctx, msg, trace)
	if err != nil {
		return err
	}

	// Only record the sequence once the event has actually been handed to
	// the sink, so a resume after a failed publish replays it.
	if err := shard.Session.RecordEvent(msg.Sequence); err != nil {
		shard.Logger.Error("Failed to record event sequence", "error", err, "sequence", msg.Sequence)
	}

	return nil
}

func gatewayOpHeartbeat(ctx context.Context, shard *Shard, _ *discord.GatewayPayload, _ *Trace) error {
	err := shard.SendEvent(ctx, discord.GatewayOpHeartbeat, shard.Session.Sequence())
	if err != nil {
		err = shard.reconnect(ctx, WebsocketReconnectCloseCode, CloseResumable)
		if err != nil {
			return fmt.Errorf("failed to reconnect due to heartbeat failure: %w", err)
		}
	}

	return nil
}

func gatewayOpReconnect(ctx context.Context, shard *Shard, _ *discord.GatewayPayload, _ *Trace) error {
	shard.Logger.Debug("Shard has been requested to reconnect")

	err := shard.reconnect(ctx, WebsocketReconnectCloseCode, CloseResumable)
	if err != nil {
		return fmt.Errorf("failed to reconnect due to reconnect event: %w", err)
	}

	return nil
}

func gatewayOpInvalidSession(ctx context.Context, shard *Shard, msg *discord.GatewayPayload, _ *Trace) error {
	var resumable bool

	err := json.Unmarshal(msg.Data, &resumable)
	if err != nil {
		return fmt.Errorf("failed to unmarshal invalid session: %w", err)
	}

	shard.Logger.Warn("Shard has received an invalid session", "resumable", resumable)

	classification := CloseResumable
	if !resumable {
		classification = CloseNotResumable
	}

	err = shard.reconnect(ctx, WebsocketReconnectCloseCode, classification)
	if err != nil {
		return fmt.Errorf("failed to reconnect due to invalid session: %w", err)
	}

	return nil
}

func gatewayOpHello(_ context.Context, shard *Shard, msg *discord.GatewayPayload, _ *Trace) error {
	var hello discord.Hello

	err := json.Unmarshal(msg.Data, &hello)
	if err != nil {
		return fmt.Errorf("failed to unmarshal hello: %w", err)
	}

	if hello.HeartbeatInterval <= 0 {
		return ErrShardInvalidHeartbeatInterval
	}

	now := time.Now()
	shard.LastHeartbeatSent.Store(&now)
	shard.LastHeartbeatAck.Store(&now)

	heartbeatInterval := time.Duration(hello.HeartbeatInterval) * time.Millisecond
	shard.heartbeatInterval.Store(&heartbeatInterval)

	heartbeatFailureInterval := heartbeatInterval * time.Duration(shard.Manager.Configuration.Load().heartbeatFailureLimit())
	shard.heartbeatFailureInterval.Store(&heartbeatFailureInterval)

	if shard.heartbeater != nil {
		shard.heartbeater.Reset(heartbeatInterval)
	}

	return nil
}

func gatewayOpHeartbeatAck(_ context.Context, shard *Shard, _ *discord.GatewayPayload, _ *Trace) error {
	now := time.Now()
	shard.LastHeartbeatAck.Store(&now)

	if lastHeartbeatSent := shard.LastHeartbeatSent.Load(); lastHeartbeatSent != nil {
		latency := now.Sub(*lastHeartbeatSent)

		shard.GatewayLatency.Store(latency.Milliseconds())

		UpdateGatewayLatency(
			shard.Manager.Identifier,
			float64(latency.Milliseconds()),
		)
	}

	return nil
}

func init() {
	RegisterGatewayEvent(discord.GatewayOpDispatch, gatewayOpDispatch)
	RegisterGatewayEvent(discord.GatewayOpHeartbeat, gatewayOpHeartbeat)
	RegisterGatewayEvent(discord.GatewayOpReconnect, gatewayOpReconnect)
	RegisterGatewayEvent(discord.GatewayOpInvalidSession, gatewayOpInvalidSession)
	RegisterGatewayEvent(discord.GatewayOpHello, gatewayOpHello)
	RegisterGatewayEvent(discord.GatewayOpHeartbeatACK, gatewayOpHeartbeatAck)
}
