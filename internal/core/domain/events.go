package domain

// MessageCategory names a 1:1 call signaling message carried over the
// messaging channel.
type MessageCategory string

const (
	MessageOffer     MessageCategory = "WEBRTC_AUDIO_OFFER"
	MessageAnswer    MessageCategory = "WEBRTC_AUDIO_ANSWER"
	MessageCandidate MessageCategory = "WEBRTC_ICE_CANDIDATE"
	MessageEnd       MessageCategory = "WEBRTC_AUDIO_END"
	MessageBusy      MessageCategory = "WEBRTC_AUDIO_BUSY"
	MessageDecline   MessageCategory = "WEBRTC_AUDIO_DECLINE"
	MessageCancel    MessageCategory = "WEBRTC_AUDIO_CANCEL"
	MessageFailed    MessageCategory = "WEBRTC_AUDIO_FAILED"

	// SystemKrakenCancel is the system message inserted locally when the
	// caller cancels a group call before anyone joined.
	SystemKrakenCancel MessageCategory = "KRAKEN_CANCEL"
)

// CallMessage is the content of one 1:1 signaling message.
type CallMessage struct {
	Category       MessageCategory
	CallID         CallID
	ConversationID ConversationID
	SDP            *SDP
	Candidate      string
}

// MembershipEventType distinguishes point events from authoritative
// snapshots on the membership channel.
type MembershipEventType string

const (
	MemberJoined   MembershipEventType = "member.joined"
	MemberLeft     MembershipEventType = "member.left"
	MemberSnapshot MembershipEventType = "member.snapshot"
)

// MembershipEvent is one event on the group-call membership channel.
// Snapshot events carry the full authoritative roster and drive
// reconciliation; joined/left are best-effort point events.
type MembershipEvent struct {
	Type           MembershipEventType `json:"type"`
	ConversationID ConversationID      `json:"conversation_id"`
	UserID         UserID              `json:"user_id,omitempty"`
	MemberIDs      []UserID            `json:"member_ids,omitempty"`
}
