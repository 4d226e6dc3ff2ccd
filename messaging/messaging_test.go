package mqclients

import (
	"testing"
)

func TestGetEntry(t *testing.T) {
	args := map[string]any{
		"Address": "localhost:4222",
		"channel": "gateway",
	}

	if got := GetEntry(args, "address"); got != "localhost:4222" {
		t.Errorf("Expected case insensitive lookup, got %v", got)
	}

	if got := GetEntry(args, "Channel"); got != "gateway" {
		t.Errorf("Expected case insensitive lookup, got %v", got)
	}

	if got := GetEntry(args, "missing"); got != nil {
		t.Errorf("Expected nil for missing key, got %v", got)
	}
}

func TestNewMQClient(t *testing.T) {
	for _, name := range MQClients {
		client, err := NewMQClient(name)
		if err != nil {
			t.Errorf("Expected client for %q, got error %v", name, err)
		}

		if client.String() != name {
			t.Errorf("Expected client name %q, got %q", name, client.String())
		}
	}

	if _, err := NewMQClient("carrier-pigeon"); err == nil {
		t.Error("Expected error for unknown client type")
	}
}

func TestParseKafkaBalancer(t *testing.T) {
	for _, name := range []string{"crc32", "hash", "murmur2", "roundrobin", "leastbytes"} {
		if parseKafkaBalancer(name) == nil {
			t.Errorf("Expected balancer for %q", name)
		}
	}

	if parseKafkaBalancer("unknown") != nil {
		t.Error("Expected nil balancer for unknown name")
	}
}
