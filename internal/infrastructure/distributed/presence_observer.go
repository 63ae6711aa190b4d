package distributed

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// Presence is the membership write surface shared by the redis registry and
// the local fallback.
type Presence interface {
	Join(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error
	Leave(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error
	Refresh(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error
}

const (
	presenceOpTimeout = 3 * time.Second
	// refreshInterval keeps the member TTL alive through long calls.
	refreshInterval = 2 * time.Minute
)

// PresenceObserver mirrors the local account's group-call membership into
// the presence registry and announces it on the membership bus. Other
// instances reconcile their rosters from these events.
type PresenceObserver struct {
	presence Presence
	bus      ports.MembershipBus
	self     domain.UserID
	next     ports.CallObserver
	logger   *zap.SugaredLogger

	mu         sync.Mutex
	refreshers map[domain.ConversationID]context.CancelFunc
}

func NewPresenceObserver(presence Presence, bus ports.MembershipBus, self domain.UserID, next ports.CallObserver, logger *zap.SugaredLogger) *PresenceObserver {
	return &PresenceObserver{
		presence:   presence,
		bus:        bus,
		self:       self,
		next:       next,
		logger:     logger,
		refreshers: make(map[domain.ConversationID]context.CancelFunc),
	}
}

var _ ports.CallObserver = (*PresenceObserver)(nil)

func (o *PresenceObserver) CallStateChanged(call domain.CallInfo, previous, current domain.CallState) {
	if call.IsGroup && current == domain.CallStateConnected && previous != domain.CallStateRestarting {
		o.announce(call.ConversationID, domain.MemberJoined)
		o.startRefresher(call.ConversationID)
	}
	if o.next != nil {
		o.next.CallStateChanged(call, previous, current)
	}
}

func (o *PresenceObserver) CallEnded(call domain.CallInfo, reason domain.EndReason, side domain.EndSide) {
	if call.IsGroup {
		o.stopRefresher(call.ConversationID)
		o.announce(call.ConversationID, domain.MemberLeft)
	}
	if o.next != nil {
		o.next.CallEnded(call, reason, side)
	}
}

func (o *PresenceObserver) CallMutenessChanged(call domain.CallInfo, muted bool) {
	if o.next != nil {
		o.next.CallMutenessChanged(call, muted)
	}
}

func (o *PresenceObserver) CallNameChanged(call domain.CallInfo, name string) {
	if o.next != nil {
		o.next.CallNameChanged(call, name)
	}
}

func (o *PresenceObserver) CallMembersCountChanged(call domain.CallInfo, count int) {
	if o.next != nil {
		o.next.CallMembersCountChanged(call, count)
	}
}

func (o *PresenceObserver) startRefresher(conversationID domain.ConversationID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, running := o.refreshers[conversationID]; running {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.refreshers[conversationID] = cancel

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				opCtx, opCancel := context.WithTimeout(ctx, presenceOpTimeout)
				if err := o.presence.Refresh(opCtx, conversationID, o.self); err != nil {
					o.logger.Warnw("presence refresh failed",
						"conversation_id", string(conversationID),
						"error", err,
					)
				}
				opCancel()
			}
		}
	}()
}

func (o *PresenceObserver) stopRefresher(conversationID domain.ConversationID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cancel, running := o.refreshers[conversationID]; running {
		cancel()
		delete(o.refreshers, conversationID)
	}
}

func (o *PresenceObserver) announce(conversationID domain.ConversationID, eventType domain.MembershipEventType) {
	ctx, cancel := context.WithTimeout(context.Background(), presenceOpTimeout)
	defer cancel()

	var err error
	if eventType == domain.MemberJoined {
		err = o.presence.Join(ctx, conversationID, o.self)
	} else {
		err = o.presence.Leave(ctx, conversationID, o.self)
	}
	if err != nil {
		o.logger.Warnw("presence update failed",
			"conversation_id", string(conversationID),
			"type", string(eventType),
			"error", err,
		)
	}

	if err := o.bus.Publish(ctx, &domain.MembershipEvent{
		Type:           eventType,
		ConversationID: conversationID,
		UserID:         o.self,
	}); err != nil {
		o.logger.Warnw("membership publish failed",
			"conversation_id", string(conversationID),
			"type", string(eventType),
			"error", err,
		)
	}
}
