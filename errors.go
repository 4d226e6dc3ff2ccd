package gateway

import "errors"

var (
	ErrGatewayMissingIdentifier = errors.New("gateway missing application identifier")
	ErrGatewayMissingBotToken   = errors.New("gateway missing bot token")

	ErrManagerNotStarted    = errors.New("manager has not been started")
	ErrManagerMissingShards = errors.New("manager missing shards")

	ErrShardConnectFailed            = errors.New("shard connect failed")
	ErrShardInvalidHeartbeatInterval = errors.New("shard invalid heartbeat interval")
	ErrShardStopping                 = errors.New("shard is stopping")
	ErrShardFatalClose               = errors.New("shard received fatal close code")

	ErrSequenceRegression = errors.New("sequence lower than last delivered event")

	ErrIdentifyQueueClosed      = errors.New("identify queue closed")
	ErrSessionStartLimitReached = errors.New("session start limit reached")

	ErrNoGatewayHandler  = errors.New("no gateway handler found")
	ErrNoDispatchHandler = errors.New("no dispatch handler found")
)
