package distributed

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/pkg/distributed"
)

const (
	memberTTL   = 5 * time.Minute
	roomTTL     = 10 * time.Minute
	lookupLimit = 3 * time.Second
)

// PresenceRegistry tracks which users are in which group-call room, shared
// across signaling instances through redis. Entries expire unless refreshed,
// so a crashed instance's members age out on their own.
type PresenceRegistry struct {
	client      *redis.Client
	lockManager *distributed.LockManager
	instanceID  string
	logger      *zap.SugaredLogger
}

func NewPresenceRegistry(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *PresenceRegistry {
	return &PresenceRegistry{
		client:      client,
		lockManager: distributed.NewLockManager(client, "callnet:lock:"),
		instanceID:  instanceID,
		logger:      logger,
	}
}

// Join records a user as present in the conversation's room.
func (r *PresenceRegistry) Join(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	roomKey := r.roomKey(conversationID)
	if err := r.client.SAdd(ctx, roomKey, string(userID)).Err(); err != nil {
		return fmt.Errorf("failed to add member to room: %w", err)
	}
	r.client.Expire(ctx, roomKey, roomTTL)

	memberKey := r.memberKey(conversationID, userID)
	if err := r.client.Set(ctx, memberKey, r.instanceID, memberTTL).Err(); err != nil {
		return fmt.Errorf("failed to record member presence: %w", err)
	}

	instanceKey := r.instanceKey()
	if err := r.client.SAdd(ctx, instanceKey, presenceRef(conversationID, userID)).Err(); err != nil {
		return fmt.Errorf("failed to track member on instance: %w", err)
	}
	r.client.Expire(ctx, instanceKey, roomTTL)
	return nil
}

// Leave removes a user from the conversation's room.
func (r *PresenceRegistry) Leave(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	r.client.SRem(ctx, r.roomKey(conversationID), string(userID))
	r.client.SRem(ctx, r.instanceKey(), presenceRef(conversationID, userID))
	return r.client.Del(ctx, r.memberKey(conversationID, userID)).Err()
}

// Refresh extends a member's presence TTL. Called on each roster heartbeat.
func (r *PresenceRegistry) Refresh(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) error {
	return r.client.Expire(ctx, r.memberKey(conversationID, userID), memberTTL).Err()
}

// MemberIDs lists users currently present in the room. Members whose
// presence key expired are dropped from the set lazily here.
func (r *PresenceRegistry) MemberIDs(conversationID domain.ConversationID) []domain.UserID {
	ctx, cancel := context.WithTimeout(context.Background(), lookupLimit)
	defer cancel()

	roomKey := r.roomKey(conversationID)
	ids, err := r.client.SMembers(ctx, roomKey).Result()
	if err != nil {
		r.logger.Warnw("failed to read room members",
			"conversation_id", string(conversationID),
			"error", err,
		)
		return nil
	}

	members := make([]domain.UserID, 0, len(ids))
	for _, id := range ids {
		userID := domain.UserID(id)
		exists, err := r.client.Exists(ctx, r.memberKey(conversationID, userID)).Result()
		if err != nil {
			continue
		}
		if exists == 0 {
			r.client.SRem(ctx, roomKey, id)
			continue
		}
		members = append(members, userID)
	}
	return members
}

// Snapshot reads the room under the room lock and returns the authoritative
// roster, for building member.snapshot events.
func (r *PresenceRegistry) Snapshot(ctx context.Context, conversationID domain.ConversationID) (*domain.MembershipEvent, error) {
	lock := r.lockManager.AcquireLock("room:"+string(conversationID), 10*time.Second)
	if err := lock.Lock(ctx); err != nil {
		return nil, fmt.Errorf("failed to lock room: %w", err)
	}
	defer lock.Unlock(ctx)

	return &domain.MembershipEvent{
		Type:           domain.MemberSnapshot,
		ConversationID: conversationID,
		MemberIDs:      r.MemberIDs(conversationID),
	}, nil
}

// CleanupInstance removes every presence entry this instance wrote, used on
// graceful shutdown so rooms do not wait out the TTL.
func (r *PresenceRegistry) CleanupInstance(ctx context.Context) error {
	instanceKey := r.instanceKey()
	refs, err := r.client.SMembers(ctx, instanceKey).Result()
	if err != nil {
		return fmt.Errorf("failed to list instance presence: %w", err)
	}

	for _, ref := range refs {
		conversationID, userID, ok := parsePresenceRef(ref)
		if !ok {
			continue
		}
		if err := r.Leave(ctx, conversationID, userID); err != nil {
			r.logger.Warnw("failed to remove presence during cleanup",
				"ref", ref,
				"error", err,
			)
		}
	}
	return r.client.Del(ctx, instanceKey).Err()
}

func (r *PresenceRegistry) roomKey(conversationID domain.ConversationID) string {
	return fmt.Sprintf("callnet:room:%s:members", conversationID)
}

func (r *PresenceRegistry) memberKey(conversationID domain.ConversationID, userID domain.UserID) string {
	return fmt.Sprintf("callnet:room:%s:member:%s", conversationID, userID)
}

func (r *PresenceRegistry) instanceKey() string {
	return fmt.Sprintf("callnet:instance:%s:presence", r.instanceID)
}

func presenceRef(conversationID domain.ConversationID, userID domain.UserID) string {
	return string(conversationID) + "|" + string(userID)
}

func parsePresenceRef(ref string) (domain.ConversationID, domain.UserID, bool) {
	for i := 0; i < len(ref); i++ {
		if ref[i] == '|' {
			return domain.ConversationID(ref[:i]), domain.UserID(ref[i+1:]), true
		}
	}
	return "", "", false
}
