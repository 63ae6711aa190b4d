package ports

import (
	"context"

	"callnet/internal/core/domain"
)

// MessageSender transmits a 1:1 call signaling message. Delivery and
// retransmission are the messaging layer's concern; sends are
// fire-and-forget from the call core's point of view.
type MessageSender interface {
	SendMessage(ctx context.Context, recipient domain.UserID, msg domain.CallMessage) error
}

// KrakenClient performs one synchronous request against the group-call
// signaling service. Errors are drawn from the domain error set.
type KrakenClient interface {
	Request(ctx context.Context, req *domain.KrakenRequest) (*domain.KrakenResponse, error)
}

// UserDirectory resolves users by id, from cache or a remote lookup.
type UserDirectory interface {
	User(ctx context.Context, id domain.UserID) (*domain.User, error)
}

// MessageStore records call outcomes as system messages. Treated as an
// already-correct side-effect dependency.
type MessageStore interface {
	InsertSystemMessage(ctx context.Context, conversationID domain.ConversationID, category domain.MessageCategory, userID domain.UserID) error
}

// SenderKeyStore provides group-encryption key material. Key mechanics are
// out of scope; the core only fetches and installs keys.
type SenderKeyStore interface {
	// SenderKey returns the local sender key for the conversation. The
	// first byte is a format marker and is dropped before use as a frame key.
	SenderKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) ([]byte, error)
	// DecryptionKey returns the key for one peer session within the
	// conversation, or nil when none is available yet.
	DecryptionKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) ([]byte, error)
}

// MembershipOracle reports who is currently in a group call's room.
type MembershipOracle interface {
	MemberIDs(conversationID domain.ConversationID) []domain.UserID
}

// MembershipBus publishes and consumes membership events across instances.
type MembershipBus interface {
	Publish(ctx context.Context, event *domain.MembershipEvent) error
	Subscribe(ctx context.Context, handler func(*domain.MembershipEvent) error) error
}
