package adapters

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

// MemoryConversationRepository keeps conversations in process memory.
// It is the default store when no MongoDB URI is configured.
type MemoryConversationRepository struct {
	mu            sync.RWMutex
	conversations map[string]*entities.Conversation
	ttl           time.Duration
}

var _ repositories.ConversationRepository = (*MemoryConversationRepository)(nil)

// NewMemoryConversationRepository creates an empty repository
func NewMemoryConversationRepository(ttl time.Duration) *MemoryConversationRepository {
	if ttl <= 0 {
		ttl = entities.DefaultConversationTTL
	}
	return &MemoryConversationRepository{
		conversations: make(map[string]*entities.Conversation),
		ttl:           ttl,
	}
}

// Create implements repositories.ConversationRepository
func (m *MemoryConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.conversations[conversation.ID]; exists {
		return errors.New("conversation already exists")
	}

	stored := *conversation
	stored.Messages = append([]entities.ConversationMessage(nil), conversation.Messages...)
	stored.TTL = m.ttl
	m.conversations[conversation.ID] = &stored
	return nil
}

// GetByID returns a copy of the stored conversation
func (m *MemoryConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return nil, repositories.ErrConversationNotFound
	}

	copied := *conversation
	copied.Messages = append([]entities.ConversationMessage(nil), conversation.Messages...)
	return &copied, nil
}

// AddMessage implements repositories.ConversationRepository
func (m *MemoryConversationRepository) AddMessage(ctx context.Context, id string, message entities.ConversationMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return repositories.ErrConversationNotFound
	}
	conversation.AddMessage(message)
	return nil
}

// End implements repositories.ConversationRepository
func (m *MemoryConversationRepository) End(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conversation, exists := m.conversations[id]
	if !exists {
		return repositories.ErrConversationNotFound
	}
	conversation.End()
	return nil
}

// ExpireIdle marks overdue active conversations as expired and drops records
// that have been inactive for longer than the ttl, keeping memory bounded.
func (m *MemoryConversationRepository) ExpireIdle(ctx context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired int64
	for id, conversation := range m.conversations {
		if conversation.Status == entities.ConversationStatusActive && now.After(conversation.ExpiresAt) {
			conversation.Expire()
			expired++
			continue
		}
		if conversation.Status != entities.ConversationStatusActive && now.Sub(conversation.LastActiveAt) > m.ttl {
			delete(m.conversations, id)
		}
	}
	return expired, nil
}

// Len returns the number of stored conversations
func (m *MemoryConversationRepository) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conversations)
}
