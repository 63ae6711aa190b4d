package distributed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

const membershipChannel = "callnet:membership"

// busEnvelope wraps a membership event with the publishing instance so a
// node can skip its own fanout.
type busEnvelope struct {
	InstanceID string                  `json:"instance_id"`
	Event      *domain.MembershipEvent `json:"event"`
}

// MembershipBus fans group-call membership events out across signaling
// instances over redis pub/sub.
type MembershipBus struct {
	client     *redis.Client
	instanceID string
	logger     *zap.SugaredLogger
	pubsub     *redis.PubSub
}

func NewMembershipBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *MembershipBus {
	return &MembershipBus{
		client:     client,
		instanceID: instanceID,
		logger:     logger,
	}
}

// Publish pushes one membership event to every subscribed instance.
func (b *MembershipBus) Publish(ctx context.Context, event *domain.MembershipEvent) error {
	data, err := json.Marshal(busEnvelope{InstanceID: b.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal membership event: %w", err)
	}

	if err := b.client.Publish(ctx, membershipChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish membership event: %w", err)
	}

	b.logger.Debugw("published membership event",
		"type", string(event.Type),
		"conversation_id", string(event.ConversationID),
		"user_id", string(event.UserID),
	)
	return nil
}

// Subscribe consumes membership events until the context ends. Events from
// this instance are skipped; handler errors are logged, not fatal.
func (b *MembershipBus) Subscribe(ctx context.Context, handler func(*domain.MembershipEvent) error) error {
	if b.pubsub != nil {
		return fmt.Errorf("already subscribed")
	}

	b.pubsub = b.client.Subscribe(ctx, membershipChannel)
	defer b.pubsub.Close()

	ch := b.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-ch:
			var envelope busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warnw("failed to unmarshal membership event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}
			if envelope.InstanceID == b.instanceID || envelope.Event == nil {
				continue
			}
			if err := handler(envelope.Event); err != nil {
				b.logger.Warnw("error handling membership event",
					"type", string(envelope.Event.Type),
					"error", err,
				)
			}
		}
	}
}

// Close tears the subscription down.
func (b *MembershipBus) Close() error {
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
