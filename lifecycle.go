package gateway

import "time"

const (
	GatewayEventConfigUpdate        = "GW_CONFIGURATION_RELOAD"
	GatewayEventShardStatusUpdate   = "GW_SHARD_STATUS_UPDATE"
	GatewayEventManagerStatusUpdate = "GW_MANAGER_STATUS_UPDATE"
)

// LifecycleEvent is an out-of-band status notification, distinct from
// dispatched payload events. Every shard status transition is tagged with
// its shard ID and merged onto a single stream by the manager. Manager
// level transitions use a shard ID of -1.
type LifecycleEvent struct {
	At            time.Time      `json:"at"`
	ShardID       int32          `json:"shard_id"`
	ShardStatus   *ShardStatus   `json:"shard_status,omitempty"`
	ManagerStatus *ManagerStatus `json:"manager_status,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type ShardStatusUpdateEvent struct {
	Identifier string      `json:"identifier"`
	ShardID    int32       `json:"shard_id"`
	Status     ShardStatus `json:"status"`
}

type ManagerStatusUpdateEvent struct {
	Identifier string        `json:"identifier"`
	Status     ManagerStatus `json:"status"`
}
