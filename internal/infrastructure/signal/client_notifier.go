package signal

import (
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// callEventPayload is the JSON shape of one call lifecycle push.
type callEventPayload struct {
	Type           string `json:"type"`
	CallID         string `json:"call_id"`
	ConversationID string `json:"conversation_id"`
	State          string `json:"state,omitempty"`
	Previous       string `json:"previous,omitempty"`
	Reason         string `json:"reason,omitempty"`
	Side           string `json:"side,omitempty"`
	Name           string `json:"name,omitempty"`
	Muted          bool   `json:"muted,omitempty"`
	MemberCount    int    `json:"member_count,omitempty"`
}

// ClientNotifier pushes call lifecycle events to the account's signaling
// connection. A disconnected client just misses the push; it resyncs from
// the active-call endpoint on reconnect.
type ClientNotifier struct {
	server *WebSocketServer
	self   domain.UserID
	logger *zap.SugaredLogger
}

func NewClientNotifier(server *WebSocketServer, self domain.UserID, logger *zap.SugaredLogger) *ClientNotifier {
	return &ClientNotifier{server: server, self: self, logger: logger}
}

var _ ports.CallObserver = (*ClientNotifier)(nil)

func (n *ClientNotifier) CallStateChanged(call domain.CallInfo, previous, current domain.CallState) {
	n.push(callEventPayload{
		Type:           "call.state",
		CallID:         call.ID.String(),
		ConversationID: string(call.ConversationID),
		State:          current.String(),
		Previous:       previous.String(),
	})
}

func (n *ClientNotifier) CallEnded(call domain.CallInfo, reason domain.EndReason, side domain.EndSide) {
	n.push(callEventPayload{
		Type:           "call.ended",
		CallID:         call.ID.String(),
		ConversationID: string(call.ConversationID),
		Reason:         string(reason),
		Side:           string(side),
	})
}

func (n *ClientNotifier) CallMutenessChanged(call domain.CallInfo, muted bool) {
	n.push(callEventPayload{
		Type:           "call.muteness",
		CallID:         call.ID.String(),
		ConversationID: string(call.ConversationID),
		Muted:          muted,
	})
}

func (n *ClientNotifier) CallNameChanged(call domain.CallInfo, name string) {
	n.push(callEventPayload{
		Type:           "call.name",
		CallID:         call.ID.String(),
		ConversationID: string(call.ConversationID),
		Name:           name,
	})
}

func (n *ClientNotifier) CallMembersCountChanged(call domain.CallInfo, count int) {
	n.push(callEventPayload{
		Type:           "call.members",
		CallID:         call.ID.String(),
		ConversationID: string(call.ConversationID),
		MemberCount:    count,
	})
}

func (n *ClientNotifier) push(payload callEventPayload) {
	if err := n.server.NotifyUser(n.self, payload); err != nil {
		n.logger.Debugw("call event push skipped", "type", payload.Type, "error", err)
	}
}
