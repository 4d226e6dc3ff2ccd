package mqclients

import (
	"context"
	"errors"
	"strconv"
	"strings"
)

// MQClients lists all current mqclients we have available.
var MQClients = []string{}

// MQClient is a producer transport. Implementations register themselves
// in MQClients and are selected by name through NewMQClient.
type MQClient interface {
	String() string
	Channel() string

	Connect(ctx context.Context, clientName string, args map[string]any) error
	Publish(ctx context.Context, channelName string, data []byte) error
	Close()
}

func NewMQClient(mqType string) (MQClient, error) {
	switch mqType {
	case "jetstream":
		return &JetStreamMQClient{}, nil
	case "kafka":
		return &KafkaMQClient{}, nil
	case "redis":
		return &RedisMQClient{}, nil
	case "websocket":
		return &WebsocketMQClient{}, nil
	default:
		return nil, errors.New("no MQ client named " + mqType)
	}
}

// GetEntry returns the first match from a map, treating keys as non case sensitive.
func GetEntry(m map[string]any, key string) any {
	key = strings.ToLower(key)
	for i, k := range m {
		if strings.ToLower(i) == key {
			return k
		}
	}

	return nil
}

func mustParseBool(str string) bool {
	boolean, _ := strconv.ParseBool(str)

	return boolean
}
