package gateway

import (
	"context"

	"github.com/WelcomerTeam/Discord/discord"
)

var dispatchHandlers = make(map[string]DispatchHandler)

func registerDispatchHandler(eventType string, handler DispatchHandler) {
	dispatchHandlers[eventType] = handler
}

// BuiltinDispatchProvider decodes the handful of dispatch events the proxy
// itself reacts to. Everything else passes through untouched when
// allowEventPassthrough is set.
type BuiltinDispatchProvider struct {
	allowEventPassthrough bool
	dispatchHandlers      map[string]DispatchHandler
}

func NewBuiltinDispatchProvider(allowEventPassthrough bool) *BuiltinDispatchProvider {
	return &BuiltinDispatchProvider{
		allowEventPassthrough: allowEventPassthrough,
		dispatchHandlers:      dispatchHandlers,
	}
}

func (p *BuiltinDispatchProvider) Dispatch(ctx context.Context, shard *Shard, msg *discord.GatewayPayload, trace *Trace) (DispatchResult, bool, error) {
	if handler, ok := p.dispatchHandlers[msg.Type]; ok {
		return handler(ctx, shard, msg, trace)
	}

	if p.allowEventPassthrough {
		return DispatchResult{
			Data:  msg.Data,
			Extra: nil,
		}, true, nil
	}

	return DispatchResult{nil, nil}, false, ErrNoDispatchHandler
}

func onDispatchEvent(shard *Shard, eventType string) {
	RecordEvent(shard.Manager.Identifier, eventType)
}

// OnReady handles the READY event: it establishes the session, records
// the resume gateway URL and releases the identify permit.
func OnReady(_ context.Context, shard *Shard, msg *discord.GatewayPayload, _ *Trace) (DispatchResult, bool, error) {
	onDispatchEvent(shard, msg.Type)

	var readyPayload discord.Ready

	// Older payload versions nest the resume URL differently, read it
	// separately so a missing field degrades to the default gateway URL.
	var readyGatewayURL struct {
		ResumeGatewayURL string `json:"resume_gateway_url"`
	}

	err := unmarshalPayload(msg, &readyPayload)
	if err != nil {
		shard.Logger.Error("Failed to unmarshal ready payload", "error", err)

		return DispatchResult{nil, nil}, false, err
	}

	if err = unmarshalPayload(msg, &readyGatewayURL); err != nil {
		shard.Logger.Error("Failed to unmarshal ready gateway url", "error", err)
	}

	shard.Logger.Debug("Received READY payload", "session_id", readyPayload.SessionID)

	shard.Session.Begin(readyPayload.SessionID, readyGatewayURL.ResumeGatewayURL)

	shard.Manager.SetUser(&readyPayload.User)

	for _, guild := range readyPayload.Guilds {
		shard.UnavailableGuilds.Store(guild.ID, true)
		shard.Guilds.Store(guild.ID, true)
		shard.Manager.guilds.Store(guild.ID, true)
	}

	shard.onHandshakeSuccess()

	return DispatchResult{msg.Data, nil}, true, nil
}

// OnResumed handles the RESUMED event. The prior session and sequence are
// retained; replayed dispatches have already flowed through normally.
func OnResumed(_ context.Context, shard *Shard, msg *discord.GatewayPayload, _ *Trace) (DispatchResult, bool, error) {
	onDispatchEvent(shard, msg.Type)

	shard.Logger.Debug("Shard has resumed", "sequence", shard.Session.Sequence())

	shard.onHandshakeSuccess()

	return DispatchResult{msg.Data, nil}, true, nil
}

// OnGuildCreate tracks guild availability for diagnostics; the payload
// always passes through to the producer.
func OnGuildCreate(_ context.Context, shard *Shard, msg *discord.GatewayPayload, _ *Trace) (DispatchResult, bool, error) {
	onDispatchEvent(shard, msg.Type)

	var guildCreate struct {
		ID discord.Snowflake `json:"id"`
	}

	if err := unmarshalPayload(msg, &guildCreate); err != nil {
		shard.Logger.Error("Failed to unmarshal guild create payload", "error", err)

		return DispatchResult{msg.Data, nil}, true, nil
	}

	shard.UnavailableGuilds.Delete(guildCreate.ID)
	shard.Guilds.Store(guildCreate.ID, true)
	shard.Manager.guilds.Store(guildCreate.ID, true)

	return DispatchResult{msg.Data, nil}, true, nil
}

// OnGuildDelete distinguishes an outage (unavailable) from a removal.
func OnGuildDelete(_ context.Context, shard *Shard, msg *discord.GatewayPayload, _ *Trace) (DispatchResult, bool, error) {
	onDispatchEvent(shard, msg.Type)

	var guildDelete struct {
		ID          discord.Snowflake `json:"id"`
		Unavailable bool              `json:"unavailable"`
	}

	if err := unmarshalPayload(msg, &guildDelete); err != nil {
		shard.Logger.Error("Failed to unmarshal guild delete payload", "error", err)

		return DispatchResult{msg.Data, nil}, true, nil
	}

	if guildDelete.Unavailable {
		shard.UnavailableGuilds.Store(guildDelete.ID, true)
	} else {
		shard.Guilds.Delete(guildDelete.ID)
		shard.Manager.guilds.Delete(guildDelete.ID)
	}

	return DispatchResult{msg.Data, nil}, true, nil
}

func init() {
	registerDispatchHandler("READY", OnReady)
	registerDispatchHandler("RESUMED", OnResumed)
	registerDispatchHandler("GUILD_CREATE", OnGuildCreate)
	registerDispatchHandler("GUILD_DELETE", OnGuildDelete)
}
