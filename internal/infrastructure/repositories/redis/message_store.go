package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

const (
	// messageRetention matches the call-history retention window.
	messageRetention = 30 * 24 * time.Hour
	// maxTimelineLength caps the per-conversation system-message timeline.
	maxTimelineLength = 500
)

// systemMessage is the stored form of one call-outcome timeline entry.
type systemMessage struct {
	Category  string    `json:"category"`
	UserID    string    `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
}

// RedisMessageStore appends call outcomes to a per-conversation timeline
// list, newest first. The messaging backend reads the same list when it
// renders conversation history.
type RedisMessageStore struct {
	client *redis.Client
}

func NewRedisMessageStore(client *redis.Client) ports.MessageStore {
	return &RedisMessageStore{client: client}
}

func (s *RedisMessageStore) timelineKey(conversationID domain.ConversationID) string {
	return fmt.Sprintf("callnet:conversation:%s:messages", conversationID)
}

func (s *RedisMessageStore) InsertSystemMessage(ctx context.Context, conversationID domain.ConversationID, category domain.MessageCategory, userID domain.UserID) error {
	data, err := json.Marshal(systemMessage{
		Category:  string(category),
		UserID:    string(userID),
		CreatedAt: time.Now(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal system message: %w", err)
	}

	key := s.timelineKey(conversationID)
	pipe := s.client.Pipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, maxTimelineLength-1)
	pipe.Expire(ctx, key, messageRetention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to store system message: %w", err)
	}
	return nil
}
