package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type ConversationID string

type CallID = uuid.UUID

// CallState is the lifecycle state of a call. Transitions are restricted
// to the graph encoded in CanTransition; Disconnecting is terminal.
type CallState int

const (
	CallStateIncoming CallState = iota
	CallStateOutgoing
	CallStateConnecting
	CallStateConnected
	CallStateRestarting
	CallStateDisconnecting
)

func (s CallState) String() string {
	switch s {
	case CallStateIncoming:
		return "incoming"
	case CallStateOutgoing:
		return "outgoing"
	case CallStateConnecting:
		return "connecting"
	case CallStateConnected:
		return "connected"
	case CallStateRestarting:
		return "restarting"
	case CallStateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// IsTerminal reports whether no further transition can leave this state.
func (s CallState) IsTerminal() bool {
	return s == CallStateDisconnecting
}

// CanTransition reports whether moving from s to next is legal.
func (s CallState) CanTransition(next CallState) bool {
	if next == CallStateDisconnecting {
		return s != CallStateDisconnecting
	}
	switch s {
	case CallStateIncoming, CallStateOutgoing:
		return next == CallStateConnecting
	case CallStateConnecting:
		return next == CallStateConnected
	case CallStateConnected:
		return next == CallStateRestarting
	case CallStateRestarting:
		return next == CallStateConnected || next == CallStateConnecting
	default:
		return false
	}
}

// EndReason records why a call terminated.
type EndReason string

const (
	EndReasonEnded     EndReason = "ended"
	EndReasonFailed    EndReason = "failed"
	EndReasonBusy      EndReason = "busy"
	EndReasonDeclined  EndReason = "declined"
	EndReasonCancelled EndReason = "cancelled"
)

// EndSide records which party initiated the termination.
type EndSide string

const (
	EndSideLocal  EndSide = "local"
	EndSideRemote EndSide = "remote"
)

// SDPType distinguishes offers from answers.
type SDPType string

const (
	SDPTypeOffer  SDPType = "offer"
	SDPTypeAnswer SDPType = "answer"
)

// SDP is an opaque session description produced or consumed by the media
// engine. The wire encoding is not this package's concern.
type SDP struct {
	Type SDPType
	SDP  string
}

func (s SDP) IsOffer() bool { return s.Type == SDPTypeOffer }

// CallInfo is the observer-facing snapshot of a call's identity.
type CallInfo struct {
	ID             CallID
	ConversationID ConversationID
	IsOutgoing     bool
	IsGroup        bool
	LocalizedName  string
	ConnectedAt    time.Time
}

// CallRecord is the durable trace of a finished call. ConnectedAt stays zero
// for calls that never connected.
type CallRecord struct {
	ID             CallID         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	IsOutgoing     bool           `json:"is_outgoing"`
	IsGroup        bool           `json:"is_group"`
	Reason         EndReason      `json:"reason"`
	Side           EndSide        `json:"side"`
	ConnectedAt    time.Time      `json:"connected_at,omitempty"`
	EndedAt        time.Time      `json:"ended_at"`
}

// Duration reports how long the call was connected, zero if it never was.
func (r *CallRecord) Duration() time.Duration {
	if r.ConnectedAt.IsZero() {
		return 0
	}
	return r.EndedAt.Sub(r.ConnectedAt)
}
