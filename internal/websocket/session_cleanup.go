package websocket

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tilo305/JARVIS-TEST-N8N/domain/repositories"
)

const (
	defaultCleanupInterval = 30 * time.Minute
	initialCleanupDelay    = time.Minute
	cleanupTimeout         = 5 * time.Minute
)

// SessionCleanupService periodically expires idle conversation records
type SessionCleanupService struct {
	conversations repositories.ConversationRepository
	interval      time.Duration
	logger        *zap.Logger
	stopChan      chan struct{}
	stopOnce      sync.Once
	now           func() time.Time
}

// NewSessionCleanupService creates a new cleanup service. A zero interval
// runs every 30 minutes.
func NewSessionCleanupService(conversations repositories.ConversationRepository, interval time.Duration, logger *zap.Logger) *SessionCleanupService {
	if interval <= 0 {
		interval = defaultCleanupInterval
	}
	return &SessionCleanupService{
		conversations: conversations,
		interval:      interval,
		logger:        logger,
		stopChan:      make(chan struct{}),
		now:           time.Now,
	}
}

// Start begins the background cleanup process
func (s *SessionCleanupService) Start() {
	go s.cleanupLoop()
	s.logger.Info("Session cleanup service started", zap.Duration("interval", s.interval))
}

// Stop gracefully stops the cleanup service
func (s *SessionCleanupService) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopChan)
		s.logger.Info("Session cleanup service stopped")
	})
}

// cleanupLoop runs the cleanup process periodically
func (s *SessionCleanupService) cleanupLoop() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	delay := initialCleanupDelay
	if s.interval < delay {
		delay = s.interval
	}
	initialTimer := time.NewTimer(delay)
	defer initialTimer.Stop()

	for {
		select {
		case <-s.stopChan:
			return
		case <-initialTimer.C:
			s.runCleanup()
		case <-ticker.C:
			s.runCleanup()
		}
	}
}

// runCleanup expires conversations that have been idle past their TTL
func (s *SessionCleanupService) runCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	expired, err := s.conversations.ExpireIdle(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to expire conversations", zap.Error(err))
		return
	}

	s.logger.Info("Conversation cleanup completed", zap.Int64("expired", expired))
}
