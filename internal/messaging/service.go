// Package messaging receives buyer messages from the Avito webhook and
// dispatches assistant replies back to the chat.
package messaging

import (
	"context"
	"errors"

	"github.com/BTreeMap/AvitoAssistant/internal/models"
)

// ErrServiceStopped is returned when work is submitted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Sender delivers a text message into an external chat.
type Sender interface {
	SendText(ctx context.Context, accountID, chatID, text string) error
}

// Replier produces the reply for a buyer message.
type Replier interface {
	Reply(ctx context.Context, chatID, buyerText string, listing *models.ListingContext) (string, error)
}

// BotSwitch reports whether automatic replies are enabled.
type BotSwitch interface {
	BotEnabled(ctx context.Context) (bool, error)
}
