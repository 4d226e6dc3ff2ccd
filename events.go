package gateway

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/WelcomerTeam/Discord/discord"
)

// DedupeTTL is how long a delivered event key is remembered. Resume
// replays arrive within seconds of the reconnect.
var DedupeTTL = time.Minute

type EventProvider interface {
	Dispatch(ctx context.Context, shard *Shard, event *discord.GatewayPayload, trace *Trace) error
}

// EventProviderWithBlacklist is an event provider that will not handle events that are in the blacklist
// and not publish events that are in the produce blacklist.

type EventProviderWithBlacklist struct {
	dispatchProvider EventDispatchProvider

	producedPayloadPool *sync.Pool
}

func NewEventProviderWithBlacklist(dispatchProvider EventDispatchProvider) *EventProviderWithBlacklist {
	return &EventProviderWithBlacklist{
		dispatchProvider: dispatchProvider,

		producedPayloadPool: &sync.Pool{
			New: func() any {
				return &ProducedPayload{}
			},
		},
	}
}

func (p *EventProviderWithBlacklist) Dispatch(ctx context.Context, shard *Shard, event *discord.GatewayPayload, trace *Trace) error {
	configuration := shard.Manager.Configuration.Load()

	for _, blacklistedEvent := range configuration.EventBlacklist {
		if blacklistedEvent == event.Type {
			return nil
		}
	}

	result, continuable, err := p.dispatchProvider.Dispatch(ctx, shard, event, trace)
	if err != nil {
		if !errors.Is(err, ErrNoDispatchHandler) {
			return fmt.Errorf("failed to dispatch event: %w", err)
		}
	}

	if !continuable {
		return nil
	}

	for _, blacklistedEvent := range configuration.ProduceBlacklist {
		if blacklistedEvent == event.Type {
			return nil
		}
	}

	// A resume can replay events the sink already saw.
	var dedupeKey string

	if event.Sequence > 0 {
		dedupeKey = configuration.ApplicationIdentifier + ":" + strconv.Itoa(int(shard.ShardID)) + ":" + event.Type + ":" + strconv.Itoa(int(event.Sequence))

		if !shard.Proxy.dedupeProvider.Deduplicate(ctx, dedupeKey, DedupeTTL) {
			shard.Logger.Debug("Dropped duplicate event", "type", event.Type, "sequence", event.Sequence)

			return nil
		}
	}

	packet := p.producedPayloadPool.Get().(*ProducedPayload)

	packet.GatewayPayload = *event
	packet.Extra = result.Extra
	packet.Metadata = *shard.Metadata.Load()
	packet.Trace = *trace

	packet.Trace.Set("publish", time.Now().UnixNano())

	err = shard.Manager.producer.Publish(ctx, shard, packet)

	p.producedPayloadPool.Put(packet)

	if err != nil {
		// The sink never saw this event. Forget its dedupe key so the
		// resume replay is delivered rather than dropped.
		if dedupeKey != "" {
			shard.Proxy.dedupeProvider.Release(ctx, dedupeKey)
		}

		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}
