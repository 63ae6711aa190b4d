package memory

import (
	"context"
	"sync"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// SystemMessage is one recorded call-outcome entry.
type SystemMessage struct {
	Category  domain.MessageCategory
	UserID    domain.UserID
	CreatedAt time.Time
}

// MemoryMessageStore keeps call-outcome messages in process. Used when no
// messaging backend is configured.
type MemoryMessageStore struct {
	messages map[domain.ConversationID][]SystemMessage
	mu       sync.RWMutex
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{
		messages: make(map[domain.ConversationID][]SystemMessage),
	}
}

var _ ports.MessageStore = (*MemoryMessageStore)(nil)

func (s *MemoryMessageStore) InsertSystemMessage(ctx context.Context, conversationID domain.ConversationID, category domain.MessageCategory, userID domain.UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages[conversationID] = append(s.messages[conversationID], SystemMessage{
		Category:  category,
		UserID:    userID,
		CreatedAt: time.Now(),
	})
	return nil
}

// Messages returns the recorded entries for a conversation, oldest first.
func (s *MemoryMessageStore) Messages(conversationID domain.ConversationID) []SystemMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SystemMessage, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out
}
