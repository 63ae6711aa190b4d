package services

import (
	"context"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"

	"github.com/google/uuid"
)

// PeerCallDeps are the collaborators a 1:1 call needs.
type PeerCallDeps struct {
	UI        *Loop
	Engine    ports.MediaEngine
	Sender    ports.MessageSender
	Directory ports.UserDirectory
	Store     ports.MessageStore
	Observer  ports.CallObserver
	Logger    *zap.SugaredLogger
	Timing    CallTiming
}

// PeerCall is a 1:1 call. Signaling goes over the messaging channel as
// fire-and-forget call messages; there is no room/track concept, so local
// candidates are forwarded immediately without buffering.
type PeerCall struct {
	call

	sender    ports.MessageSender
	directory ports.UserDirectory
	store     ports.MessageStore

	remoteUserID   domain.UserID
	remoteUsername string

	// Queue-confined.
	remoteUser *domain.User
	// Incoming only: whichever of user-accept and remote offer lands first
	// is recorded; connection proceeds once both are present.
	userAccepted bool
	pendingOffer *domain.SDP
}

// NewOutgoingPeerCall creates a call in state outgoing. Nothing is sent
// until SendOffer.
func NewOutgoingPeerCall(deps PeerCallDeps, conversationID domain.ConversationID, remoteUserID domain.UserID, remoteUsername string) *PeerCall {
	return newPeerCall(deps, uuid.New(), conversationID, remoteUserID, remoteUsername, domain.CallStateOutgoing)
}

// NewIncomingPeerCall creates a call in state incoming for an offer that was
// pushed to us; the call id is the remote caller's.
func NewIncomingPeerCall(deps PeerCallDeps, id domain.CallID, conversationID domain.ConversationID, remoteUserID domain.UserID, remoteUsername string) *PeerCall {
	return newPeerCall(deps, id, conversationID, remoteUserID, remoteUsername, domain.CallStateIncoming)
}

func newPeerCall(deps PeerCallDeps, id domain.CallID, conversationID domain.ConversationID, remoteUserID domain.UserID, remoteUsername string, initial domain.CallState) *PeerCall {
	c := &PeerCall{
		sender:         deps.Sender,
		directory:      deps.Directory,
		store:          deps.Store,
		remoteUserID:   remoteUserID,
		remoteUsername: remoteUsername,
	}
	c.initCall(id, conversationID, initial, deps.UI, deps.Engine, deps.Observer, deps.Logger, deps.Timing)
	c.pub.localizedName = remoteUsername
	c.engine.SetDelegate(&peerCallDelegate{c})
	return c
}

func (c *PeerCall) RemoteUserID() domain.UserID { return c.remoteUserID }

// SendOffer starts an outgoing call: resolves the remote user, arms the
// unanswered timer, asks the engine for an offer and transmits it.
func (c *PeerCall) SendOffer(completion func(error)) {
	c.queue.Async(func() {
		if err := c.requireStateOnQueue("sendOffer", domain.CallStateOutgoing); err != nil {
			c.complete(completion, err)
			return
		}

		c.resolveRemoteUserOnQueue()
		c.scheduleUnansweredTimerOnQueue(func() {
			c.endOnQueue(domain.EndReasonCancelled, domain.EndSideLocal, nil, c.teardown(domain.EndReasonCancelled, domain.EndSideLocal))
		})

		offer, err := c.engine.MakeOffer(nil, false)
		if err != nil {
			c.log.Errorw("failed to make offer", "error", err)
			c.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, c.teardown(domain.EndReasonFailed, domain.EndSideLocal))
			c.complete(completion, err)
			return
		}

		c.send(domain.MessageOffer, &offer, "")
		c.complete(completion, nil)
	})
}

// TakeRemoteAnswer applies the callee's answer. Requires state outgoing,
// or restarting for the answer to a locally regenerated restart offer.
func (c *PeerCall) TakeRemoteAnswer(sdp domain.SDP, completion func(error)) {
	c.queue.Async(func() {
		if err := c.requireStateOnQueue("takeRemoteAnswer", domain.CallStateOutgoing, domain.CallStateRestarting); err != nil {
			c.complete(completion, err)
			return
		}

		restarting := c.internalState == domain.CallStateRestarting
		c.invalidateUnansweredTimer()
		if err := c.engine.SetRemoteSDP(sdp); err != nil {
			c.log.Errorw("failed to apply remote answer", "error", err)
			c.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, c.teardown(domain.EndReasonFailed, domain.EndSideLocal))
			c.complete(completion, err)
			return
		}
		if !restarting {
			c.setStateOnQueue(domain.CallStateConnecting)
		}
		c.complete(completion, nil)
	})
}

// TakeRemoteSDP handles an offer from the peer. For an incoming call the
// offer may land before or after the user accepts; both orderings converge:
// the offer is buffered and consumed exactly once. While connected or
// restarting, an arriving offer is an ICE-restart renegotiation and is
// answered immediately.
func (c *PeerCall) TakeRemoteSDP(sdp domain.SDP) {
	c.queue.Async(func() {
		switch c.internalState {
		case domain.CallStateIncoming:
			c.pendingOffer = &sdp
			c.scheduleUnansweredTimerOnQueue(func() {
				c.endOnQueue(domain.EndReasonCancelled, domain.EndSideLocal, nil, c.teardown(domain.EndReasonCancelled, domain.EndSideLocal))
			})
			if c.userAccepted {
				c.proceedIncomingOnQueue()
			}
		case domain.CallStateConnected, domain.CallStateRestarting, domain.CallStateConnecting:
			c.answerRenegotiationOnQueue(sdp)
		default:
			c.log.Debugw("dropping remote sdp", "state", c.internalState.String())
		}
	})
}

// RequestAnswer records user acceptance of an incoming call. Fails with an
// invalid-state error from any state but incoming, without mutating.
func (c *PeerCall) RequestAnswer(completion func(error)) {
	c.queue.Async(func() {
		if err := c.requireStateOnQueue("requestAnswer", domain.CallStateIncoming); err != nil {
			c.complete(completion, err)
			return
		}
		c.userAccepted = true
		if c.pendingOffer != nil {
			c.proceedIncomingOnQueue()
		}
		c.complete(completion, nil)
	})
}

// proceedIncomingOnQueue runs once acceptance and the buffered offer are
// both present. The buffered offer is consumed here, exactly once.
func (c *PeerCall) proceedIncomingOnQueue() {
	offer := c.pendingOffer
	c.pendingOffer = nil
	if offer == nil {
		return
	}

	c.invalidateUnansweredTimer()
	c.resolveRemoteUserOnQueue()

	if err := c.engine.SetRemoteSDP(*offer); err != nil {
		c.log.Errorw("failed to apply remote offer", "error", err)
		c.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, c.teardown(domain.EndReasonFailed, domain.EndSideLocal))
		return
	}
	c.answerOnQueue(1)
}

// answerOnQueue builds and sends the answer. Answer construction failures
// during setup are retried on the fixed backoff interval for as long as the
// call is not disconnecting.
func (c *PeerCall) answerOnQueue(attempt int) {
	if c.internalState.IsTerminal() {
		return
	}

	answer, err := c.engine.MakeAnswer()
	if err != nil {
		c.log.Warnw("failed to make answer, will retry", "attempt", attempt, "error", err)
		time.AfterFunc(c.timing.Signaling.Interval, func() {
			c.queue.Async(func() { c.answerOnQueue(attempt + 1) })
		})
		return
	}

	c.send(domain.MessageAnswer, &answer, "")
	c.setStateOnQueue(domain.CallStateConnecting)
}

// answerRenegotiationOnQueue applies a restart offer and answers in place;
// no state change is involved.
func (c *PeerCall) answerRenegotiationOnQueue(offer domain.SDP) {
	if err := c.engine.SetRemoteSDP(offer); err != nil {
		c.log.Errorw("failed to apply renegotiation offer", "error", err)
		return
	}
	answer, err := c.engine.MakeAnswer()
	if err != nil {
		c.log.Errorw("failed to answer renegotiation", "error", err)
		return
	}
	c.send(domain.MessageAnswer, &answer, "")
}

// AddRemoteCandidate feeds a trickled candidate from the peer to the engine.
func (c *PeerCall) AddRemoteCandidate(candidate string) {
	c.queue.Async(func() {
		if c.internalState.IsTerminal() {
			return
		}
		if err := c.engine.AddRemoteCandidate(candidate); err != nil {
			c.log.Warnw("failed to add remote candidate", "error", err)
		}
	})
}

// End tears the call down. Idempotent and re-entrant; every completion is
// invoked exactly once.
func (c *PeerCall) End(reason domain.EndReason, side domain.EndSide, completion func(error)) {
	c.requestEnd(reason, side, completion, c.teardown(reason, side))
}

// teardown closes the engine permanently and emits the signaling message
// and system message appropriate to (reason, side).
func (c *PeerCall) teardown(reason domain.EndReason, side domain.EndSide) func() {
	return func() {
		c.engine.Close(true)

		if side == domain.EndSideLocal {
			if category, ok := peerEndCategory(reason); ok {
				c.send(category, nil, "")
			}
		}
		if c.store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if category, ok := peerEndCategory(reason); ok {
				if err := c.store.InsertSystemMessage(ctx, c.conversationID, category, c.remoteUserID); err != nil {
					c.log.Warnw("failed to record call outcome", "error", err)
				}
			}
		}
	}
}

func peerEndCategory(reason domain.EndReason) (domain.MessageCategory, bool) {
	switch reason {
	case domain.EndReasonEnded:
		return domain.MessageEnd, true
	case domain.EndReasonBusy:
		return domain.MessageBusy, true
	case domain.EndReasonDeclined:
		return domain.MessageDecline, true
	case domain.EndReasonCancelled:
		return domain.MessageCancel, true
	case domain.EndReasonFailed:
		return domain.MessageFailed, true
	default:
		return "", false
	}
}

// resolveRemoteUserOnQueue fills remoteUser from the directory once,
// falling back to the username we already carry.
func (c *PeerCall) resolveRemoteUserOnQueue() {
	if c.remoteUser != nil {
		return
	}
	user, err := c.directory.User(c.ctx, c.remoteUserID)
	if err != nil {
		c.log.Warnw("failed to resolve remote user", "user_id", string(c.remoteUserID), "error", err)
		return
	}
	c.remoteUser = user
	name := user.FullName
	if name == "" {
		name = user.Username
	}
	if name != "" {
		c.SetLocalizedName(name)
	}
}

func (c *PeerCall) send(category domain.MessageCategory, sdp *domain.SDP, candidate string) {
	msg := domain.CallMessage{
		Category:       category,
		CallID:         c.id,
		ConversationID: c.conversationID,
		SDP:            sdp,
		Candidate:      candidate,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.sender.SendMessage(ctx, c.remoteUserID, msg); err != nil {
		c.log.Warnw("failed to send call message", "category", string(category), "error", err)
	}
}

func (c *PeerCall) complete(completion func(error), err error) {
	if completion != nil {
		completion(err)
	}
}

// peerCallDelegate hops engine callbacks onto the call's queue.
type peerCallDelegate struct {
	c *PeerCall
}

func (d *peerCallDelegate) OnLocalCandidate(candidate string) {
	c := d.c
	c.queue.Async(func() {
		if c.internalState.IsTerminal() {
			return
		}
		// 1:1 candidates are never buffered: the session already exists.
		c.send(domain.MessageCandidate, nil, candidate)
	})
}

func (d *peerCallDelegate) OnConnected() {
	c := d.c
	c.queue.Async(func() {
		switch c.internalState {
		case domain.CallStateConnecting, domain.CallStateRestarting:
			c.setStateOnQueue(domain.CallStateConnected)
		}
	})
}

func (d *peerCallDelegate) OnDisconnected() {
	d.c.log.Infow("media transport disconnected")
}

// OnICEFailed restarts the session: regenerate an offer locally and resend
// it through the normal message channel. Failing to even build the restart
// offer ends the call.
func (d *peerCallDelegate) OnICEFailed() {
	c := d.c
	c.queue.Async(func() {
		if c.internalState != domain.CallStateConnected {
			return
		}
		c.setStateOnQueue(domain.CallStateRestarting)

		offer, err := c.engine.MakeOffer(nil, true)
		if err != nil {
			c.log.Errorw("failed to make restart offer", "error", err)
			c.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, c.teardown(domain.EndReasonFailed, domain.EndSideLocal))
			return
		}
		c.send(domain.MessageOffer, &offer, "")
	})
}

func (d *peerCallDelegate) OnSenderKeyNeeded(domain.UserID, domain.SessionID) {}

func (d *peerCallDelegate) OnReceiverAdded(domain.UserID, domain.SessionID, bool) {}
