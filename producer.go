package gateway

import (
	"context"

	"github.com/WelcomerTeam/Discord/discord"
)

type ProducedPayload struct {
	discord.GatewayPayload

	Extra    *Extra           `json:"__extra,omitempty"`
	Metadata ProducedMetadata `json:"__metadata"`
	Trace    Trace            `json:"__trace"`
}

type ProducedMetadata struct {
	Identifier    string            `json:"i"`
	Application   string            `json:"a"`
	ApplicationID discord.Snowflake `json:"id"`
	Shard         [3]int32          `json:"s"`
}

type ProducerProvider interface {
	GetProducer(ctx context.Context, applicationIdentifier, clientName string) (Producer, error)
}

// Producer is the event sink collaborator. Publish must block when the
// sink cannot keep up: the shard suspends reading rather than dropping
// events, so backpressure reaches the gateway socket. Out-of-band
// broadcasts pass a nil shard.
type Producer interface {
	Publish(ctx context.Context, shard *Shard, payload *ProducedPayload) error
	Close() error
}
