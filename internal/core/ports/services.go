package ports

import (
	"context"

	"callnet/internal/core/domain"
)

// CallSession is the behavior shared by peer and group calls. End is the
// universal cancellation path: idempotent, re-entrant safe, and every
// completion passed to it is invoked exactly once.
type CallSession interface {
	ID() domain.CallID
	ConversationID() domain.ConversationID
	State() domain.CallState
	Info() domain.CallInfo
	End(reason domain.EndReason, side domain.EndSide, completion func(error))
}

// CallObserver receives call lifecycle broadcasts. All callbacks run on the
// shared observer loop, after the corresponding published field changed, so
// an observer never sees a stale state once signaled.
type CallObserver interface {
	CallStateChanged(call domain.CallInfo, previous, current domain.CallState)
	CallEnded(call domain.CallInfo, reason domain.EndReason, side domain.EndSide)
	CallMutenessChanged(call domain.CallInfo, muted bool)
	CallNameChanged(call domain.CallInfo, name string)
	CallMembersCountChanged(call domain.CallInfo, count int)
}

// CallRepository tracks active calls for lookup by id or conversation.
type CallRepository interface {
	Add(ctx context.Context, call CallSession) error
	Remove(ctx context.Context, id domain.CallID) error
	GetByID(ctx context.Context, id domain.CallID) (CallSession, error)
	GetByConversation(ctx context.Context, conversationID domain.ConversationID) (CallSession, error)
	ListActive(ctx context.Context) ([]CallSession, error)
}

// CallRecordStore persists finished calls for history lookups.
type CallRecordStore interface {
	Insert(ctx context.Context, record *domain.CallRecord) error
	GetByID(ctx context.Context, id domain.CallID) (*domain.CallRecord, error)
	Recent(ctx context.Context, conversationID domain.ConversationID, limit int) ([]*domain.CallRecord, error)
}

// AuthService validates API tokens for the HTTP/WebSocket surface.
type AuthService interface {
	ValidateToken(token string) (*TokenClaims, error)
	IssueToken(userID domain.UserID, username string) (string, error)
}

// TokenClaims is the validated identity carried by an API token.
type TokenClaims struct {
	UserID   domain.UserID
	Username string
}
