package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
)

// ErrConversationNotFound is returned when no record exists for an id.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationRepository persists one record per client connection.
type ConversationRepository interface {
	Create(ctx context.Context, conversation *entities.Conversation) error
	GetByID(ctx context.Context, id string) (*entities.Conversation, error)
	AddMessage(ctx context.Context, id string, message entities.ConversationMessage) error
	End(ctx context.Context, id string) error
	// ExpireIdle marks active conversations whose expiry is before now as
	// expired and returns how many were changed.
	ExpireIdle(ctx context.Context, now time.Time) (int64, error)
}
