package gateway

import (
	"errors"
	"fmt"
	"testing"

	"github.com/WelcomerTeam/Discord/discord"
	"github.com/coder/websocket"
)

func TestClassifyCloseCodeFatal(t *testing.T) {
	fatal := []int{
		discord.CloseAuthenticationFailed,
		discord.CloseInvalidShard,
		discord.CloseShardingRequired,
		discord.CloseInvalidAPIVersion,
		discord.CloseInvalidIntents,
		discord.CloseDisallowedIntents,
	}

	for _, code := range fatal {
		if classification := ClassifyCloseCode(websocket.StatusCode(code)); classification != CloseFatal {
			t.Errorf("Expected close code %d to be Fatal, but got %s", code, classification)
		}
	}
}

func TestClassifyCloseCodeNotResumable(t *testing.T) {
	notResumable := []int{
		discord.CloseNotAuthenticated,
		discord.CloseAlreadyAuthenticated,
		discord.CloseInvalidSeq,
		discord.CloseRateLimited,
		discord.CloseSessionTimeout,
	}

	for _, code := range notResumable {
		if classification := ClassifyCloseCode(websocket.StatusCode(code)); classification != CloseNotResumable {
			t.Errorf("Expected close code %d to be NotResumable, but got %s", code, classification)
		}
	}
}

func TestClassifyCloseCodeResumable(t *testing.T) {
	resumable := []websocket.StatusCode{
		websocket.StatusCode(discord.CloseUnknownError),
		websocket.StatusCode(discord.CloseUnknownOpCode),
		websocket.StatusCode(discord.CloseDecodeError),
		websocket.StatusNormalClosure,
		websocket.StatusGoingAway,
		WebsocketReconnectCloseCode,
	}

	for _, code := range resumable {
		if classification := ClassifyCloseCode(code); classification != CloseResumable {
			t.Errorf("Expected close code %d to be Resumable, but got %s", code, classification)
		}
	}
}

func TestClassifyError(t *testing.T) {
	err := fmt.Errorf("failed to read message: %w", websocket.CloseError{
		Code: websocket.StatusCode(discord.CloseAuthenticationFailed),
	})

	if classification := ClassifyError(err); classification != CloseFatal {
		t.Errorf("Expected wrapped close error to be Fatal, but got %s", classification)
	}

	if classification := ClassifyError(errors.New("connection reset by peer")); classification != CloseResumable {
		t.Errorf("Expected plain error to be Resumable, but got %s", classification)
	}
}
