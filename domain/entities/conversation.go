package entities

import (
	"errors"
	"time"
)

// ConversationStatus represents the lifecycle of a stored conversation
type ConversationStatus string

const (
	ConversationStatusActive  ConversationStatus = "active"
	ConversationStatusEnded   ConversationStatus = "ended"
	ConversationStatusExpired ConversationStatus = "expired"
)

// DefaultConversationTTL is how long an idle conversation stays active
const DefaultConversationTTL = time.Hour

// MessageRole represents the role of a message sender
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageSource tells how a user message entered the conversation
type MessageSource string

const (
	MessageSourceVoice   MessageSource = "voice"
	MessageSourceText    MessageSource = "text"
	MessageSourceGateway MessageSource = "gateway"
)

// ConversationMessage is one committed utterance or reply
type ConversationMessage struct {
	Timestamp  time.Time     `json:"timestamp" bson:"timestamp"`
	Role       MessageRole   `json:"role" bson:"role"`
	Content    string        `json:"content" bson:"content"`
	Source     MessageSource `json:"source" bson:"source"`
	DurationMs int64         `json:"durationMs,omitempty" bson:"duration_ms,omitempty"`
}

// Conversation is the persisted record of one client connection
type Conversation struct {
	ID            string                `json:"id" bson:"_id"`
	SessionID     string                `json:"sessionId,omitempty" bson:"session_id,omitempty"`
	CreatedAt     time.Time             `json:"createdAt" bson:"created_at"`
	LastActiveAt  time.Time             `json:"lastActiveAt" bson:"last_active_at"`
	LastMessageAt *time.Time            `json:"lastMessageAt,omitempty" bson:"last_message_at,omitempty"`
	ExpiresAt     time.Time             `json:"expiresAt" bson:"expires_at"`
	EndedAt       *time.Time            `json:"endedAt,omitempty" bson:"ended_at,omitempty"`
	Status        ConversationStatus    `json:"status" bson:"status"`
	Messages      []ConversationMessage `json:"messages" bson:"messages"`
	TTL           time.Duration         `json:"-" bson:"-"`
}

// NewConversation creates an active conversation record
func NewConversation(id, sessionID string, ttl time.Duration) *Conversation {
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	now := time.Now()
	return &Conversation{
		ID:           id,
		SessionID:    sessionID,
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(ttl),
		Status:       ConversationStatusActive,
		Messages:     make([]ConversationMessage, 0),
		TTL:          ttl,
	}
}

// NewMessage builds a message stamped with the current time
func NewMessage(role MessageRole, source MessageSource, content string, duration time.Duration) ConversationMessage {
	return ConversationMessage{
		Timestamp:  time.Now(),
		Role:       role,
		Content:    content,
		Source:     source,
		DurationMs: duration.Milliseconds(),
	}
}

// AddMessage appends a message and refreshes activity
func (c *Conversation) AddMessage(message ConversationMessage) {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	c.Messages = append(c.Messages, message)
	at := message.Timestamp
	c.LastMessageAt = &at
	c.Touch()
}

// Touch updates the last active timestamp and extends expiration
func (c *Conversation) Touch() {
	ttl := c.TTL
	if ttl <= 0 {
		ttl = DefaultConversationTTL
	}
	c.LastActiveAt = time.Now()
	c.ExpiresAt = c.LastActiveAt.Add(ttl)
}

// IsExpired reports whether the conversation can no longer accept messages
func (c *Conversation) IsExpired() bool {
	return time.Now().After(c.ExpiresAt) || c.Status != ConversationStatusActive
}

// End marks the conversation as ended by a client disconnect
func (c *Conversation) End() {
	now := time.Now()
	c.Status = ConversationStatusEnded
	c.EndedAt = &now
	c.LastActiveAt = now
}

// Expire marks the conversation as expired
func (c *Conversation) Expire() {
	c.Status = ConversationStatusExpired
}

// Validate validates the conversation data
func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("id is required")
	}

	switch c.Status {
	case ConversationStatusActive, ConversationStatusEnded, ConversationStatusExpired:
	default:
		return errors.New("invalid conversation status")
	}

	return nil
}
