package memory

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// senderKeyLength is one format-marker byte plus the 32-byte frame key.
const senderKeyLength = 33

// MemorySenderKeyStore generates and holds key material in process, for
// deployments without an external key-distribution service. Local sender
// keys are minted on first use; peer decryption keys must be installed
// explicitly.
type MemorySenderKeyStore struct {
	senderKeys     map[string][]byte
	decryptionKeys map[string][]byte
	mu             sync.Mutex
}

func NewMemorySenderKeyStore() *MemorySenderKeyStore {
	return &MemorySenderKeyStore{
		senderKeys:     make(map[string][]byte),
		decryptionKeys: make(map[string][]byte),
	}
}

var _ ports.SenderKeyStore = (*MemorySenderKeyStore)(nil)

func (s *MemorySenderKeyStore) SenderKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := fmt.Sprintf("%s:%s", conversationID, userID)
	if existing, ok := s.senderKeys[key]; ok {
		return existing, nil
	}

	fresh := make([]byte, senderKeyLength)
	if _, err := rand.Read(fresh); err != nil {
		return nil, fmt.Errorf("failed to generate sender key: %w", err)
	}
	s.senderKeys[key] = fresh
	return fresh, nil
}

func (s *MemorySenderKeyStore) DecryptionKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decryptionKeys[decryptionRef(conversationID, userID, session)], nil
}

// InstallDecryptionKey stores a peer's key, typically on a key-distribution
// message from the messaging layer.
func (s *MemorySenderKeyStore) InstallDecryptionKey(conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decryptionKeys[decryptionRef(conversationID, userID, session)] = key
}

func decryptionRef(conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) string {
	return fmt.Sprintf("%s:%s:%s", conversationID, userID, session)
}
