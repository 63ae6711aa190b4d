package distributed

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// LocalPresence is the single-instance membership oracle used when redis is
// disabled. Rooms live in process and vanish with it.
type LocalPresence struct {
	rooms map[domain.ConversationID]map[domain.UserID]struct{}
	mu    sync.RWMutex
}

func NewLocalPresence() *LocalPresence {
	return &LocalPresence{
		rooms: make(map[domain.ConversationID]map[domain.UserID]struct{}),
	}
}

var _ ports.MembershipOracle = (*LocalPresence)(nil)

func (p *LocalPresence) Join(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.rooms[conversationID]
	if !ok {
		room = make(map[domain.UserID]struct{})
		p.rooms[conversationID] = room
	}
	room[userID] = struct{}{}
	return nil
}

func (p *LocalPresence) Leave(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	room, ok := p.rooms[conversationID]
	if !ok {
		return nil
	}
	delete(room, userID)
	if len(room) == 0 {
		delete(p.rooms, conversationID)
	}
	return nil
}

// Refresh is a no-op; in-process entries do not expire.
func (p *LocalPresence) Refresh(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	return nil
}

func (p *LocalPresence) MemberIDs(conversationID domain.ConversationID) []domain.UserID {
	p.mu.RLock()
	defer p.mu.RUnlock()
	room := p.rooms[conversationID]
	members := make([]domain.UserID, 0, len(room))
	for id := range room {
		members = append(members, id)
	}
	return members
}

// LocalMembershipBus dispatches membership events to in-process subscribers.
// Stands in for the redis bus on single-instance deployments.
type LocalMembershipBus struct {
	handlers []func(*domain.MembershipEvent) error
	logger   *zap.SugaredLogger
	mu       sync.RWMutex
}

func NewLocalMembershipBus(logger *zap.SugaredLogger) *LocalMembershipBus {
	return &LocalMembershipBus{logger: logger}
}

var _ ports.MembershipBus = (*LocalMembershipBus)(nil)

func (b *LocalMembershipBus) Publish(ctx context.Context, event *domain.MembershipEvent) error {
	b.mu.RLock()
	handlers := make([]func(*domain.MembershipEvent) error, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.RUnlock()

	for _, handler := range handlers {
		if err := handler(event); err != nil {
			b.logger.Warnw("error handling membership event",
				"type", string(event.Type),
				"error", err,
			)
		}
	}
	return nil
}

// Subscribe registers a handler and blocks until the context ends, matching
// the redis bus contract.
func (b *LocalMembershipBus) Subscribe(ctx context.Context, handler func(*domain.MembershipEvent) error) error {
	b.mu.Lock()
	b.handlers = append(b.handlers, handler)
	b.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}
