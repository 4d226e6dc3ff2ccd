package gateway

type ManagerStatus int

const (
	ManagerStatusIdle ManagerStatus = iota
	ManagerStatusFailed
	ManagerStatusStarting
	ManagerStatusConnecting
	ManagerStatusConnected
	ManagerStatusReady
	ManagerStatusStopping
	ManagerStatusStopped
)

func (status ManagerStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Starting",
		"Connecting",
		"Connected",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}

type ShardStatus int

const (
	ShardStatusIdle ShardStatus = iota
	ShardStatusFailed
	ShardStatusAborted
	ShardStatusConnecting
	ShardStatusIdentifying
	ShardStatusResuming
	ShardStatusConnected
	ShardStatusReady
	ShardStatusStopping
	ShardStatusStopped
)

func (status ShardStatus) String() string {
	return []string{
		"Idle",
		"Failed",
		"Aborted",
		"Connecting",
		"Identifying",
		"Resuming",
		"Connected",
		"Ready",
		"Stopping",
		"Stopped",
	}[status]
}
