package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// RedisSenderKeyStore reads group-encryption key material written by the
// messaging layer. Keys are stored as raw bytes; this store never creates
// or rotates them.
type RedisSenderKeyStore struct {
	client *redis.Client
}

func NewRedisSenderKeyStore(client *redis.Client) ports.SenderKeyStore {
	return &RedisSenderKeyStore{client: client}
}

func senderKeyKey(conversationID domain.ConversationID, userID domain.UserID) string {
	return fmt.Sprintf("callnet:conversation:%s:sender_key:%s", conversationID, userID)
}

func decryptionKeyKey(conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) string {
	return fmt.Sprintf("callnet:conversation:%s:decryption_key:%s:%s", conversationID, userID, session)
}

func (s *RedisSenderKeyStore) SenderKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) ([]byte, error) {
	data, err := s.client.Get(ctx, senderKeyKey(conversationID, userID)).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("no sender key for conversation %s", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read sender key: %w", err)
	}
	return data, nil
}

// DecryptionKey returns nil without error when the peer's key has not been
// distributed yet; the caller installs it later on key-change notification.
func (s *RedisSenderKeyStore) DecryptionKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) ([]byte, error) {
	data, err := s.client.Get(ctx, decryptionKeyKey(conversationID, userID, session)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read decryption key: %w", err)
	}
	return data, nil
}
