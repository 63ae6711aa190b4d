package domain

// KrakenAction names one operation of the group-call RPC protocol.
type KrakenAction string

const (
	KrakenPublish   KrakenAction = "publish"
	KrakenRestart   KrakenAction = "restart"
	KrakenSubscribe KrakenAction = "subscribe"
	KrakenAnswer    KrakenAction = "answer"
	KrakenInvite    KrakenAction = "invite"
	KrakenDecline   KrakenAction = "decline"
	KrakenCancel    KrakenAction = "cancel"
	KrakenEnd       KrakenAction = "end"
	KrakenTrickle   KrakenAction = "trickle"
)

// KrakenRequest is one request against the group-call service. The payload
// fields are action specific; unused fields stay zero.
type KrakenRequest struct {
	Action         KrakenAction
	CallID         CallID
	ConversationID ConversationID
	TrackID        string
	JSEP           *SDP
	Candidate      string
	Recipients     []UserID
}

// KrakenResponse carries the action-specific reply.
type KrakenResponse struct {
	TrackID string
	JSEP    *SDP
}
