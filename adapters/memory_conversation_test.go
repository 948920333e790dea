package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tilo305/JARVIS-TEST-N8N/domain/entities"
	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

func TestMemoryConversationRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository(time.Hour)

	conv := entities.NewConversation("conv-1", "session-1", time.Hour)
	if err := repo.Create(ctx, conv); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, conv); err == nil {
		t.Error("Expected duplicate create to fail")
	}

	msg := entities.NewMessage(entities.MessageRoleUser, entities.MessageSourceVoice, "Hello", 0)
	if err := repo.AddMessage(ctx, "conv-1", msg); err != nil {
		t.Fatalf("AddMessage failed: %v", err)
	}

	got, err := repo.GetByID(ctx, "conv-1")
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if len(got.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(got.Messages))
	}

	// The returned value is a copy.
	got.Messages[0].Content = "changed"
	again, _ := repo.GetByID(ctx, "conv-1")
	if again.Messages[0].Content != "Hello" {
		t.Error("Expected stored conversation to be isolated from callers")
	}

	if err := repo.End(ctx, "conv-1"); err != nil {
		t.Fatalf("End failed: %v", err)
	}
	ended, _ := repo.GetByID(ctx, "conv-1")
	if ended.Status != entities.ConversationStatusEnded {
		t.Errorf("Expected ended status, got %s", ended.Status)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
	if err := repo.AddMessage(ctx, "missing", msg); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ErrConversationNotFound, got %v", err)
	}
}

func TestMemoryConversationRepository_ExpireIdle(t *testing.T) {
	ctx := context.Background()
	repo := NewMemoryConversationRepository(time.Minute)

	active := entities.NewConversation("active", "", time.Minute)
	stale := entities.NewConversation("stale", "", time.Minute)
	ended := entities.NewConversation("ended", "", time.Minute)
	for _, c := range []*entities.Conversation{active, stale, ended} {
		if err := repo.Create(ctx, c); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if err := repo.End(ctx, "ended"); err != nil {
		t.Fatalf("End failed: %v", err)
	}

	later := time.Now().Add(2 * time.Minute)
	n, err := repo.ExpireIdle(ctx, later)
	if err != nil {
		t.Fatalf("ExpireIdle failed: %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 expired conversations, got %d", n)
	}

	got, _ := repo.GetByID(ctx, "stale")
	if got.Status != entities.ConversationStatusExpired {
		t.Errorf("Expected expired status, got %s", got.Status)
	}
	if _, err := repo.GetByID(ctx, "ended"); !errors.Is(err, repositories.ErrConversationNotFound) {
		t.Errorf("Expected ended conversation to be pruned, got %v", err)
	}
	if repo.Len() != 2 {
		t.Errorf("Expected 2 stored conversations, got %d", repo.Len())
	}
}
