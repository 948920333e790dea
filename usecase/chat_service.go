package usecase

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const storeTimeout = 5 * time.Second

// ChatService sends committed user input to the text-generation gateway and
// records both sides of the exchange.
type ChatService struct {
	generator     repositories.TextGenerator
	conversations repositories.ConversationRepository
	logger        *zap.Logger
}

// NewChatService creates a new chat service. conversations may be nil.
func NewChatService(generator repositories.TextGenerator, conversations repositories.ConversationRepository, logger *zap.Logger) *ChatService {
	return &ChatService{
		generator:     generator,
		conversations: conversations,
		logger:        logger,
	}
}

// Reply records the user's text, calls the gateway and records its answer.
// Storage failures are logged and never fail the reply.
func (s *ChatService) Reply(ctx context.Context, conversationID, sessionID, text string, source entities.MessageSource) (*repositories.Reply, error) {
	s.record(conversationID, entities.NewMessage(entities.MessageRoleUser, source, text, 0))

	start := time.Now()
	reply, err := s.generator.SendTranscript(ctx, text, sessionID)
	if err != nil {
		return nil, err
	}

	s.record(conversationID, entities.NewMessage(entities.MessageRoleAssistant, entities.MessageSourceGateway, reply.Message, time.Since(start)))
	return reply, nil
}

func (s *ChatService) record(conversationID string, message entities.ConversationMessage) {
	if s.conversations == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	if err := s.conversations.AddMessage(ctx, conversationID, message); err != nil {
		s.logger.Warn("Failed to record conversation message",
			zap.String("conversationID", conversationID),
			zap.String("role", string(message.Role)),
			zap.Error(err))
	}
}
