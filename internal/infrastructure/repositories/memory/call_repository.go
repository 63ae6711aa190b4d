package memory

import (
	"context"
	"fmt"
	"sync"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

type MemoryCallRepository struct {
	calls          map[domain.CallID]ports.CallSession
	byConversation map[domain.ConversationID]domain.CallID
	mu             sync.RWMutex
}

func NewMemoryCallRepository() ports.CallRepository {
	return &MemoryCallRepository{
		calls:          make(map[domain.CallID]ports.CallSession),
		byConversation: make(map[domain.ConversationID]domain.CallID),
	}
}

func (r *MemoryCallRepository) Add(ctx context.Context, call ports.CallSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.calls[call.ID()]; exists {
		return fmt.Errorf("call already registered: %s", call.ID())
	}
	if _, exists := r.byConversation[call.ConversationID()]; exists {
		return fmt.Errorf("conversation already has a call: %s", call.ConversationID())
	}

	r.calls[call.ID()] = call
	r.byConversation[call.ConversationID()] = call.ID()
	return nil
}

func (r *MemoryCallRepository) Remove(ctx context.Context, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	call, exists := r.calls[id]
	if !exists {
		return domain.ErrCallNotFound
	}

	delete(r.calls, id)
	delete(r.byConversation, call.ConversationID())
	return nil
}

func (r *MemoryCallRepository) GetByID(ctx context.Context, id domain.CallID) (ports.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	call, exists := r.calls[id]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	return call, nil
}

func (r *MemoryCallRepository) GetByConversation(ctx context.Context, conversationID domain.ConversationID) (ports.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byConversation[conversationID]
	if !exists {
		return nil, domain.ErrCallNotFound
	}

	return r.calls[id], nil
}

func (r *MemoryCallRepository) ListActive(ctx context.Context) ([]ports.CallSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var active []ports.CallSession
	for _, call := range r.calls {
		active = append(active, call)
	}

	return active, nil
}
