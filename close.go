package gateway

import (
	"context"
	"errors"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/coder/websocket"
)

// CloseClassification determines the recovery strategy after a lost
// connection. It is derived from protocol-level close codes, never from
// error strings, so retry policy stays deterministic and testable.
type CloseClassification int

const (
	// CloseResumable covers network blips, heartbeat timeouts and any
	// close code the gateway documents as safe to resume from.
	CloseResumable CloseClassification = iota

	// CloseNotResumable invalidates the session; the shard must acquire an
	// identify permit and start fresh.
	CloseNotResumable

	// CloseFatal halts the shard entirely: bad credentials, disallowed
	// intents or an impossible shard topology. Retrying would loop.
	CloseFatal
)

func (classification CloseClassification) String() string {
	return []string{
		"Resumable",
		"NotResumable",
		"Fatal",
	}[classification]
}

// ClassifyCloseCode maps a gateway close code to a recovery strategy.
func ClassifyCloseCode(code websocket.StatusCode) CloseClassification {
	switch int(code) {
	case discord.CloseAuthenticationFailed,
		discord.CloseInvalidShard,
		discord.CloseShardingRequired,
		discord.CloseInvalidAPIVersion,
		discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents:
		return CloseFatal
	case discord.CloseNotAuthenticated,
		discord.CloseAlreadyAuthenticated,
		discord.CloseInvalidSeq,
		discord.CloseRateLimited,
		discord.CloseSessionTimeout:
		return CloseNotResumable
	default:
		return CloseResumable
	}
}

// ClassifyError classifies a read or write failure. Errors that do not
// carry a close frame (connection reset, local close, timeouts) are
// resumable.
func ClassifyError(err error) CloseClassification {
	var closeError websocket.CloseError

	if errors.As(err, &closeError) {
		return ClassifyCloseCode(closeError.Code)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CloseResumable
	}

	return CloseResumable
}
