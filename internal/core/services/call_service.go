package services

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// EngineFactory builds a fresh media engine for one call.
type EngineFactory func() (ports.MediaEngine, error)

// CallServiceDeps wires the collaborators shared by all calls.
type CallServiceDeps struct {
	Self      domain.User
	Engines   EngineFactory
	Sender    ports.MessageSender
	Kraken    ports.KrakenClient
	Directory ports.UserDirectory
	Store     ports.MessageStore
	Keys      ports.SenderKeyStore
	Oracle    ports.MembershipOracle
	Calls     ports.CallRepository
	Records   ports.CallRecordStore // optional; nil disables history
	Observer  ports.CallObserver
	Logger    *zap.SugaredLogger
	Timing    CallTiming
}

// CallService owns the active-call registry and is the single entry point
// for UI actions and inbound signaling. At most one call is active per
// account; starting a second surfaces as busy.
type CallService struct {
	deps CallServiceDeps
	ui   *Loop
	log  *zap.SugaredLogger

	loggedOut atomic.Bool
}

func NewCallService(deps CallServiceDeps) *CallService {
	s := &CallService{
		deps: deps,
		ui:   NewLoop("observer", deps.Logger),
		log:  deps.Logger,
	}
	return s
}

// SetLoggedOut marks the account signed out; in-flight signaling retries
// abandon unconditionally once set.
func (s *CallService) SetLoggedOut(out bool) {
	s.loggedOut.Store(out)
}

// ActiveCall returns the current call, if any.
func (s *CallService) ActiveCall(ctx context.Context) (ports.CallSession, error) {
	calls, err := s.deps.Calls.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if len(calls) == 0 {
		return nil, domain.ErrCallNotFound
	}
	return calls[0], nil
}

// Call looks up an active call by id.
func (s *CallService) Call(ctx context.Context, id domain.CallID) (ports.CallSession, error) {
	return s.deps.Calls.GetByID(ctx, id)
}

// MakePeerCall starts an outgoing 1:1 call and sends the offer.
func (s *CallService) MakePeerCall(ctx context.Context, conversationID domain.ConversationID, remote domain.UserID, remoteUsername string) (*PeerCall, error) {
	if err := s.ensureIdle(ctx); err != nil {
		return nil, err
	}

	engine, err := s.deps.Engines()
	if err != nil {
		return nil, err
	}
	call := NewOutgoingPeerCall(s.peerDeps(engine), conversationID, remote, remoteUsername)
	if err := s.register(ctx, call); err != nil {
		engine.Close(true)
		return nil, err
	}

	call.SendOffer(nil)
	return call, nil
}

// HandleOffer processes an inbound 1:1 offer message. If another call is
// already active the offer is answered with busy and no call is created.
func (s *CallService) HandleOffer(ctx context.Context, from domain.UserID, fromUsername string, msg domain.CallMessage) (*PeerCall, error) {
	if msg.SDP == nil {
		return nil, domain.ErrInvalidKrakenResponse
	}
	if err := s.ensureIdle(ctx); err != nil {
		s.sendBusy(ctx, from, msg)
		return nil, err
	}

	engine, err := s.deps.Engines()
	if err != nil {
		return nil, err
	}
	call := NewIncomingPeerCall(s.peerDeps(engine), msg.CallID, msg.ConversationID, from, fromUsername)
	if err := s.register(ctx, call); err != nil {
		engine.Close(true)
		return nil, err
	}

	call.TakeRemoteSDP(*msg.SDP)
	return call, nil
}

// HandleMessage routes a non-offer 1:1 signaling message to its call.
// Unknown calls are logged and dropped: the message raced call teardown.
func (s *CallService) HandleMessage(ctx context.Context, from domain.UserID, msg domain.CallMessage) {
	session, err := s.deps.Calls.GetByID(ctx, msg.CallID)
	if err != nil {
		s.log.Debugw("message for unknown call dropped", "call_id", msg.CallID.String(), "category", string(msg.Category))
		return
	}
	call, ok := session.(*PeerCall)
	if !ok {
		s.log.Warnw("peer message for group call dropped", "call_id", msg.CallID.String())
		return
	}

	switch msg.Category {
	case domain.MessageAnswer:
		if msg.SDP != nil {
			call.TakeRemoteAnswer(*msg.SDP, nil)
		}
	case domain.MessageCandidate:
		call.AddRemoteCandidate(msg.Candidate)
	case domain.MessageEnd:
		call.End(domain.EndReasonEnded, domain.EndSideRemote, nil)
	case domain.MessageBusy:
		call.End(domain.EndReasonBusy, domain.EndSideRemote, nil)
	case domain.MessageDecline:
		call.End(domain.EndReasonDeclined, domain.EndSideRemote, nil)
	case domain.MessageCancel:
		call.End(domain.EndReasonCancelled, domain.EndSideRemote, nil)
	case domain.MessageFailed:
		call.End(domain.EndReasonFailed, domain.EndSideRemote, nil)
	default:
		s.log.Warnw("unhandled call message", "category", string(msg.Category))
	}
}

// MakeGroupCall starts (or joins) the group call of a conversation and
// invites the listed users once publishing succeeds.
func (s *CallService) MakeGroupCall(ctx context.Context, conversationID domain.ConversationID, invitees []domain.UserID) (*GroupCall, error) {
	if existing, err := s.deps.Calls.GetByConversation(ctx, conversationID); err == nil {
		if group, ok := existing.(*GroupCall); ok {
			group.Invite(invitees, nil)
			return group, nil
		}
		return nil, domain.ErrBusy
	}
	if err := s.ensureIdle(ctx); err != nil {
		return nil, err
	}

	engine, err := s.deps.Engines()
	if err != nil {
		return nil, err
	}
	call := NewGroupCall(s.groupDeps(engine), conversationID, s.deps.Self, domain.CallStateOutgoing)
	if err := s.register(ctx, call); err != nil {
		engine.Close(true)
		return nil, err
	}

	call.Invite(invitees, nil)
	call.Connect(false, nil)
	return call, nil
}

// HandleGroupInvite registers an incoming group call (or adds an inviter to
// the already-ringing one).
func (s *CallService) HandleGroupInvite(ctx context.Context, conversationID domain.ConversationID, inviter domain.User) (*GroupCall, error) {
	if existing, err := s.deps.Calls.GetByConversation(ctx, conversationID); err == nil {
		if group, ok := existing.(*GroupCall); ok {
			group.AddInviter(inviter)
			return group, nil
		}
	}
	if err := s.ensureIdle(ctx); err != nil {
		return nil, err
	}

	engine, err := s.deps.Engines()
	if err != nil {
		return nil, err
	}
	call := NewGroupCall(s.groupDeps(engine), conversationID, s.deps.Self, domain.CallStateIncoming)
	if err := s.register(ctx, call); err != nil {
		engine.Close(true)
		return nil, err
	}

	call.AddInviter(inviter)
	return call, nil
}

// RequestAnswer accepts the incoming call with the given id.
func (s *CallService) RequestAnswer(ctx context.Context, id domain.CallID, completion func(error)) error {
	session, err := s.deps.Calls.GetByID(ctx, id)
	if err != nil {
		return err
	}
	switch call := session.(type) {
	case *PeerCall:
		call.RequestAnswer(completion)
	case *GroupCall:
		call.RequestAnswer(completion)
	}
	return nil
}

// EndCall terminates the call with the given id.
func (s *CallService) EndCall(ctx context.Context, id domain.CallID, reason domain.EndReason, completion func(error)) error {
	session, err := s.deps.Calls.GetByID(ctx, id)
	if err != nil {
		return err
	}
	session.End(reason, domain.EndSideLocal, completion)
	return nil
}

// HandleMembershipEvent forwards a membership event to the conversation's
// group call, if one is active.
func (s *CallService) HandleMembershipEvent(ctx context.Context, ev *domain.MembershipEvent) {
	session, err := s.deps.Calls.GetByConversation(ctx, ev.ConversationID)
	if err != nil {
		return
	}
	if group, ok := session.(*GroupCall); ok {
		group.HandleMembershipEvent(ev)
	}
}

// HandleSenderKeyChange forwards a sender-key rotation to the affected
// group call.
func (s *CallService) HandleSenderKeyChange(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) {
	active, err := s.deps.Calls.GetByConversation(ctx, conversationID)
	if err != nil {
		return
	}
	if group, ok := active.(*GroupCall); ok {
		group.HandleSenderKeyChange(conversationID, userID, session)
	}
}

// Close drains the observer loop. Active calls should be ended first.
func (s *CallService) Close() {
	s.ui.Close()
	s.ui.Wait()
}

func (s *CallService) ensureIdle(ctx context.Context) error {
	calls, err := s.deps.Calls.ListActive(ctx)
	if err != nil {
		return err
	}
	if len(calls) > 0 {
		return domain.ErrBusy
	}
	return nil
}

func (s *CallService) register(ctx context.Context, call ports.CallSession) error {
	return s.deps.Calls.Add(ctx, call)
}

func (s *CallService) sendBusy(ctx context.Context, to domain.UserID, offer domain.CallMessage) {
	err := s.deps.Sender.SendMessage(ctx, to, domain.CallMessage{
		Category:       domain.MessageBusy,
		CallID:         offer.CallID,
		ConversationID: offer.ConversationID,
	})
	if err != nil {
		s.log.Warnw("failed to send busy", "error", err)
	}
}

func (s *CallService) peerDeps(engine ports.MediaEngine) PeerCallDeps {
	return PeerCallDeps{
		UI:        s.ui,
		Engine:    engine,
		Sender:    s.deps.Sender,
		Directory: s.deps.Directory,
		Store:     s.deps.Store,
		Observer:  &cleanupObserver{inner: s.deps.Observer, svc: s},
		Logger:    s.log,
		Timing:    s.deps.Timing,
	}
}

func (s *CallService) groupDeps(engine ports.MediaEngine) GroupCallDeps {
	return GroupCallDeps{
		UI:        s.ui,
		Engine:    engine,
		Kraken:    s.deps.Kraken,
		Keys:      s.deps.Keys,
		Store:     s.deps.Store,
		Directory: s.deps.Directory,
		Oracle:    s.deps.Oracle,
		Observer:  &cleanupObserver{inner: s.deps.Observer, svc: s},
		Logger:    s.log,
		Timing:    s.deps.Timing,
		LoggedOut: s.loggedOut.Load,
	}
}

// cleanupObserver forwards broadcasts and drops the call from the registry
// once it has ended.
type cleanupObserver struct {
	inner ports.CallObserver
	svc   *CallService
}

func (o *cleanupObserver) CallStateChanged(call domain.CallInfo, previous, current domain.CallState) {
	o.inner.CallStateChanged(call, previous, current)
}

func (o *cleanupObserver) CallEnded(call domain.CallInfo, reason domain.EndReason, side domain.EndSide) {
	o.inner.CallEnded(call, reason, side)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.svc.deps.Calls.Remove(ctx, call.ID); err != nil {
		o.svc.log.Warnw("failed to deregister ended call", "call_id", call.ID.String(), "error", err)
	}
	if o.svc.deps.Records != nil {
		record := &domain.CallRecord{
			ID:             call.ID,
			ConversationID: call.ConversationID,
			IsOutgoing:     call.IsOutgoing,
			IsGroup:        call.IsGroup,
			Reason:         reason,
			Side:           side,
			ConnectedAt:    call.ConnectedAt,
			EndedAt:        time.Now(),
		}
		if err := o.svc.deps.Records.Insert(ctx, record); err != nil {
			o.svc.log.Warnw("failed to record ended call", "call_id", call.ID.String(), "error", err)
		}
	}
}

func (o *cleanupObserver) CallMutenessChanged(call domain.CallInfo, muted bool) {
	o.inner.CallMutenessChanged(call, muted)
}

func (o *cleanupObserver) CallNameChanged(call domain.CallInfo, name string) {
	o.inner.CallNameChanged(call, name)
}

func (o *cleanupObserver) CallMembersCountChanged(call domain.CallInfo, count int) {
	o.inner.CallMembersCountChanged(call, count)
}
