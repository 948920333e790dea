package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const conversationsCollection = "conversations"

// DefaultRetention is how long a conversation document survives after its
// last activity before the TTL index removes it.
const DefaultRetention = 30 * 24 * time.Hour

// ConversationRepository implements repositories.ConversationRepository on MongoDB
type ConversationRepository struct {
	collection *mongo.Collection
	ttl        time.Duration
	logger     *zap.Logger
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)

// NewConversationRepository creates the repository and builds its indexes in the background.
// ttl is the idle window applied when a message extends a conversation.
func NewConversationRepository(db *mongo.Database, ttl time.Duration, logger *zap.Logger) *ConversationRepository {
	if ttl <= 0 {
		ttl = entities.DefaultConversationTTL
	}
	collection := db.Collection(conversationsCollection)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		_, err := collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
			{Keys: bson.D{{Key: "session_id", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "expires_at", Value: 1}}},
			{
				Keys:    bson.D{{Key: "last_active_at", Value: 1}},
				Options: options.Index().SetExpireAfterSeconds(int32(DefaultRetention.Seconds())),
			},
		})
		if err != nil {
			logger.Error("Failed to create conversation indexes", zap.Error(err))
			return
		}
		logger.Debug("Conversation indexes created")
	}()

	return &ConversationRepository{
		collection: collection,
		ttl:        ttl,
		logger:     logger,
	}
}

// Create inserts a new conversation
func (r *ConversationRepository) Create(ctx context.Context, conversation *entities.Conversation) error {
	if conversation == nil {
		return errors.New("conversation cannot be nil")
	}
	if err := conversation.Validate(); err != nil {
		return err
	}

	if _, err := r.collection.InsertOne(ctx, conversation); err != nil {
		return fmt.Errorf("failed to create conversation: %w", err)
	}
	return nil
}

// GetByID loads a conversation by id
func (r *ConversationRepository) GetByID(ctx context.Context, id string) (*entities.Conversation, error) {
	var conversation entities.Conversation
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&conversation)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, repositories.ErrConversationNotFound
		}
		return nil, fmt.Errorf("failed to get conversation %s: %w", id, err)
	}
	conversation.TTL = r.ttl
	return &conversation, nil
}

// AddMessage pushes a message and extends the conversation's expiry
func (r *ConversationRepository) AddMessage(ctx context.Context, id string, message entities.ConversationMessage) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	update := bson.M{
		"$push": bson.M{"messages": message},
		"$set": bson.M{
			"last_message_at": message.Timestamp,
			"last_active_at":  message.Timestamp,
			"expires_at":      message.Timestamp.Add(r.ttl),
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to add message: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

// End marks a conversation as ended
func (r *ConversationRepository) End(ctx context.Context, id string) error {
	now := time.Now()
	update := bson.M{
		"$set": bson.M{
			"status":         entities.ConversationStatusEnded,
			"ended_at":       now,
			"last_active_at": now,
		},
	}

	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to end conversation: %w", err)
	}
	if result.MatchedCount == 0 {
		return repositories.ErrConversationNotFound
	}
	return nil
}

// ExpireIdle marks active conversations past their expiry as expired
func (r *ConversationRepository) ExpireIdle(ctx context.Context, now time.Time) (int64, error) {
	filter := bson.M{
		"status":     entities.ConversationStatusActive,
		"expires_at": bson.M{"$lt": now},
	}
	update := bson.M{"$set": bson.M{"status": entities.ConversationStatusExpired}}

	result, err := r.collection.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, fmt.Errorf("failed to expire conversations: %w", err)
	}
	if result.ModifiedCount > 0 {
		r.logger.Info("Expired idle conversations", zap.Int64("count", result.ModifiedCount))
	}
	return result.ModifiedCount, nil
}
