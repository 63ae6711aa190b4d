package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/retry"

	"github.com/google/uuid"
)

// GroupCallDeps are the collaborators a group call needs.
type GroupCallDeps struct {
	UI        *Loop
	Engine    ports.MediaEngine
	Kraken    ports.KrakenClient
	Keys      ports.SenderKeyStore
	Store     ports.MessageStore
	Directory ports.UserDirectory
	Oracle    ports.MembershipOracle
	Observer  ports.CallObserver
	Logger    *zap.SugaredLogger
	Timing    CallTiming
	// LoggedOut reports whether the local account has signed out; a
	// pending signaling retry abandons unconditionally once it does.
	LoggedOut func() bool
}

// GroupCall is a multi-party call speaking the Kraken publish/subscribe
// protocol. The track id is this participant's identity in the room; until
// a publish succeeds there is no track and local candidates are buffered.
type GroupCall struct {
	call

	kraken    ports.KrakenClient
	keys      ports.SenderKeyStore
	store     ports.MessageStore
	directory ports.UserDirectory
	oracle    ports.MembershipOracle
	loggedOut func() bool

	self   domain.User
	roster *Roster

	// Queue-confined.
	trackID           string
	frameKey          []byte
	pendingCandidates []string
	pendingInvitees   []domain.UserID
	pendingInviteeSet map[domain.UserID]bool
	inviters          []domain.User
	inviteTimers      []*singleShotTimer
}

// NewGroupCall creates a group call. initial is incoming when we were
// invited, outgoing when we start or join on our own.
func NewGroupCall(deps GroupCallDeps, conversationID domain.ConversationID, self domain.User, initial domain.CallState) *GroupCall {
	g := &GroupCall{
		kraken:            deps.Kraken,
		keys:              deps.Keys,
		store:             deps.Store,
		directory:         deps.Directory,
		oracle:            deps.Oracle,
		loggedOut:         deps.LoggedOut,
		self:              self,
		pendingInviteeSet: make(map[domain.UserID]bool),
	}
	g.initCall(uuid.New(), conversationID, initial, deps.UI, deps.Engine, deps.Observer, deps.Logger, deps.Timing)
	g.isGroup = true
	g.roster = NewRoster(g.log,
		func(count int) {
			g.ui.Async(func() { g.observer.CallMembersCountChanged(g.Info(), count) })
		},
		nil,
	)
	g.engine.SetDelegate(&groupCallDelegate{g})
	g.queue.Async(g.deriveFrameKeyOnQueue)
	go g.pollAudioLevels()
	return g
}

// pollAudioLevels feeds the engine's per-member audio levels into the roster
// while the call is connected. Stops when the call ends.
func (g *GroupCall) pollAudioLevels() {
	if g.timing.AudioLevelInterval <= 0 {
		return
	}
	ticker := time.NewTicker(g.timing.AudioLevelInterval)
	defer ticker.Stop()
	for {
		select {
		case <-g.ctx.Done():
			return
		case <-ticker.C:
			if g.State() != domain.CallStateConnected {
				continue
			}
			levels := g.engine.AudioLevels()
			g.ui.Async(func() { g.roster.UpdateAudioLevels(levels) })
		}
	}
}

// Roster exposes the call's member data source.
func (g *GroupCall) Roster() *Roster { return g.roster }

// AddInviter records who invited us; while the call is still incoming the
// display name is recomputed from the inviter list.
func (g *GroupCall) AddInviter(user domain.User) {
	g.queue.Async(func() {
		for _, u := range g.inviters {
			if u.ID == user.ID {
				return
			}
		}
		g.inviters = append(g.inviters, user)
		if g.internalState == domain.CallStateIncoming {
			names := make([]string, 0, len(g.inviters))
			for _, u := range g.inviters {
				if u.FullName != "" {
					names = append(names, u.FullName)
				} else {
					names = append(names, u.Username)
				}
			}
			g.SetLocalizedName(strings.Join(names, ", "))
		}
	})
}

// RequestAnswer accepts an incoming group call and joins the room. Fails
// with an invalid-state error from any state but incoming, without
// mutating.
func (g *GroupCall) RequestAnswer(completion func(error)) {
	g.queue.Async(func() {
		if err := g.requireStateOnQueue("requestAnswer", domain.CallStateIncoming); err != nil {
			if completion != nil {
				completion(err)
			}
			return
		}
		err := g.connectOnQueue(false)
		if completion != nil {
			completion(err)
		}
	})
}

// Connect publishes this participant into the room. With isRestarting the
// offer carries an ICE restart and the signaling action is restart instead
// of publish.
func (g *GroupCall) Connect(isRestarting bool, completion func(error)) {
	g.queue.Async(func() {
		err := g.connectOnQueue(isRestarting)
		if completion != nil {
			completion(err)
		}
	})
}

func (g *GroupCall) connectOnQueue(isRestarting bool) error {
	if g.internalState.IsTerminal() {
		return domain.ErrCallEnded
	}

	switch g.internalState {
	case domain.CallStateIncoming, domain.CallStateOutgoing:
		g.setStateOnQueue(domain.CallStateConnecting)
	case domain.CallStateConnected:
		if isRestarting {
			g.setStateOnQueue(domain.CallStateRestarting)
		}
	}

	offer, err := g.engine.MakeOffer(g.frameKey, isRestarting)
	if err != nil {
		g.log.Errorw("failed to make offer", "error", err)
		g.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, g.teardown(domain.EndReasonFailed, domain.EndSideLocal))
		return err
	}

	action := domain.KrakenPublish
	if isRestarting {
		action = domain.KrakenRestart
	}
	resp, err := g.requestOnQueue(&domain.KrakenRequest{
		Action:         action,
		CallID:         g.id,
		ConversationID: g.conversationID,
		TrackID:        g.trackID,
		JSEP:           &offer,
	})
	if err != nil {
		if domain.IsSessionGone(err) {
			// The server-side session object is gone; this is not a
			// failure of the request but of the session. Rebuild.
			g.rebuildOnQueue()
			return nil
		}
		return g.failOnQueue("publish", err)
	}

	return g.handlePublishResponseOnQueue(resp)
}

func (g *GroupCall) handlePublishResponseOnQueue(resp *domain.KrakenResponse) error {
	if resp == nil || resp.TrackID == "" || resp.JSEP == nil {
		return g.failOnQueue("publish", domain.ErrInvalidKrakenResponse)
	}

	g.trackID = resp.TrackID
	if err := g.engine.SetRemoteSDP(*resp.JSEP); err != nil {
		g.log.Errorw("failed to apply publish answer", "error", err)
		return g.failOnQueue("publish", err)
	}

	g.roster.MarkConnected(g.self)
	g.flushCandidatesOnQueue()
	g.flushInviteesOnQueue()
	g.subscribeOnQueue(g.self.ID)
	return nil
}

// rebuildOnQueue re-establishes the whole local session after the server
// reported its side gone: non-permanent engine close, drop the track id and
// anything buffered for it, then connect from scratch. No local attempt
// cap; termination is bounded by the transport retrier and the call ending.
func (g *GroupCall) rebuildOnQueue() {
	if g.internalState.IsTerminal() {
		return
	}
	g.log.Infow("rebuilding group session")
	g.engine.Close(false)
	g.trackID = ""
	g.pendingCandidates = nil
	_ = g.connectOnQueue(false)
}

// subscribeOnQueue asks the room for the given member's media.
func (g *GroupCall) subscribeOnQueue(userID domain.UserID) {
	if g.internalState.IsTerminal() {
		return
	}

	resp, err := g.requestOnQueue(&domain.KrakenRequest{
		Action:         domain.KrakenSubscribe,
		CallID:         g.id,
		ConversationID: g.conversationID,
		TrackID:        g.trackID,
		Recipients:     []domain.UserID{userID},
	})
	switch {
	case err == nil:
		g.handleSubscribeResponseOnQueue(userID, resp)
	case errors.Is(err, domain.ErrInvalidJSEP):
		// Nothing left to negotiate for this member.
		g.markMemberConnectedOnQueue(userID)
	case errors.Is(err, domain.ErrPeerClosed), errors.Is(err, domain.ErrInvalidTransition):
		g.rebuildOnQueue()
	case errors.Is(err, domain.ErrPeerNotFound), errors.Is(err, domain.ErrTrackNotFound):
		// The member will disappear through the membership channel.
		g.log.Infow("subscribe target gone", "user_id", string(userID), "error", err)
	case errors.Is(err, domain.ErrCallEnded), errors.Is(err, domain.ErrLoggedOut):
	default:
		_ = g.failOnQueue("subscribe", err)
	}
}

func (g *GroupCall) handleSubscribeResponseOnQueue(userID domain.UserID, resp *domain.KrakenResponse) {
	if resp == nil || resp.JSEP == nil || !resp.JSEP.IsOffer() {
		// Already satisfied.
		g.markMemberConnectedOnQueue(userID)
		return
	}

	if err := g.engine.SetRemoteSDP(*resp.JSEP); err != nil {
		g.log.Warnw("failed to apply subscribe offer, will retry", "user_id", string(userID), "error", err)
		time.AfterFunc(g.timing.SubscribeRetryInterval, func() {
			g.queue.Async(func() { g.subscribeOnQueue(userID) })
		})
		return
	}

	g.markMemberConnectedOnQueue(userID)

	answer, err := g.engine.MakeAnswer()
	if err != nil {
		g.log.Errorw("failed to make subscribe answer", "error", err)
		_ = g.failOnQueue("answer", err)
		return
	}
	if _, err := g.requestOnQueue(&domain.KrakenRequest{
		Action:         domain.KrakenAnswer,
		CallID:         g.id,
		ConversationID: g.conversationID,
		TrackID:        g.trackID,
		JSEP:           &answer,
	}); err != nil && !errors.Is(err, domain.ErrCallEnded) {
		g.log.Warnw("failed to deliver answer", "error", err)
	}
}

func (g *GroupCall) markMemberConnectedOnQueue(userID domain.UserID) {
	user := domain.User{ID: userID}
	if u, err := g.directory.User(g.ctx, userID); err == nil {
		user = *u
	}
	delete(g.pendingInviteeSet, userID)
	g.ui.Async(func() { g.roster.MarkConnected(user) })
}

// Invite asks the listed users to join. Users already in the room are
// filtered out; without a track yet the batch is parked until the next
// successful publish. Each sent batch arms its own timeout after which
// invitees that never connected are dropped from the roster.
func (g *GroupCall) Invite(users []domain.UserID, completion func(error)) {
	g.queue.Async(func() {
		if g.internalState.IsTerminal() {
			if completion != nil {
				completion(domain.ErrCallEnded)
			}
			return
		}

		inRoom := make(map[domain.UserID]bool)
		for _, id := range g.oracle.MemberIDs(g.conversationID) {
			inRoom[id] = true
		}

		var batch []domain.UserID
		for _, id := range users {
			if id == g.self.ID || inRoom[id] || g.roster.IsConnected(id) || g.pendingInviteeSet[id] {
				continue
			}
			batch = append(batch, id)
		}
		if len(batch) == 0 {
			if completion != nil {
				completion(nil)
			}
			return
		}

		for _, id := range batch {
			g.pendingInviteeSet[id] = true
			member := domain.Member{User: domain.User{ID: id}}
			g.ui.Async(func() { g.roster.AddMember(member, ConflictDiscard) })
		}

		if g.trackID == "" {
			g.pendingInvitees = append(g.pendingInvitees, batch...)
			if completion != nil {
				completion(nil)
			}
			return
		}

		err := g.sendInviteBatchOnQueue(batch)
		if completion != nil {
			completion(err)
		}
	})
}

func (g *GroupCall) sendInviteBatchOnQueue(batch []domain.UserID) error {
	if _, err := g.requestOnQueue(&domain.KrakenRequest{
		Action:         domain.KrakenInvite,
		CallID:         g.id,
		ConversationID: g.conversationID,
		TrackID:        g.trackID,
		Recipients:     batch,
	}); err != nil {
		g.log.Warnw("invite request failed", "count", len(batch), "error", err)
		return err
	}

	timer := newSingleShotTimer("invite", g.log)
	g.inviteTimers = append(g.inviteTimers, timer)
	timer.Schedule(g.timing.InviteTimeout, func() {
		g.queue.Async(func() {
			g.releaseInviteTimerOnQueue(timer)
			g.expireInvitesOnQueue(batch)
		})
	})
	return nil
}

// releaseInviteTimerOnQueue drops a fired batch timer; only timers still
// armed need invalidating at teardown.
func (g *GroupCall) releaseInviteTimerOnQueue(fired *singleShotTimer) {
	for i, t := range g.inviteTimers {
		if t == fired {
			g.inviteTimers = append(g.inviteTimers[:i], g.inviteTimers[i+1:]...)
			return
		}
	}
}

// expireInvitesOnQueue reports every invitee of a timed-out batch as no
// longer being invited, unless they connected in the meantime.
func (g *GroupCall) expireInvitesOnQueue(batch []domain.UserID) {
	if g.internalState.IsTerminal() {
		return
	}
	for _, id := range batch {
		if g.roster.IsConnected(id) {
			continue
		}
		delete(g.pendingInviteeSet, id)
		g.log.Infow("stopped inviting", "user_id", string(id))
		g.ui.Async(func() { g.roster.RemoveMember(id, true) })
	}
}

func (g *GroupCall) flushCandidatesOnQueue() {
	candidates := g.pendingCandidates
	g.pendingCandidates = nil
	for _, candidate := range candidates {
		g.trickleOnQueue(candidate)
	}
}

func (g *GroupCall) flushInviteesOnQueue() {
	invitees := g.pendingInvitees
	g.pendingInvitees = nil
	if len(invitees) > 0 {
		_ = g.sendInviteBatchOnQueue(invitees)
	}
}

func (g *GroupCall) trickleOnQueue(candidate string) {
	if _, err := g.requestOnQueue(&domain.KrakenRequest{
		Action:         domain.KrakenTrickle,
		CallID:         g.id,
		ConversationID: g.conversationID,
		TrackID:        g.trackID,
		Candidate:      candidate,
	}); err != nil && !errors.Is(err, domain.ErrCallEnded) {
		g.log.Warnw("trickle failed", "error", err)
	}
}

// HandleMembershipEvent applies one event from the membership channel.
// Point events adjust the roster incrementally; snapshot events reconcile
// it against the authoritative room contents.
func (g *GroupCall) HandleMembershipEvent(ev *domain.MembershipEvent) {
	if ev.ConversationID != g.conversationID {
		return
	}
	g.queue.Async(func() {
		if g.internalState.IsTerminal() {
			return
		}
		switch ev.Type {
		case domain.MemberJoined:
			g.markMemberConnectedOnQueue(ev.UserID)
		case domain.MemberLeft:
			id := ev.UserID
			delete(g.pendingInviteeSet, id)
			g.ui.Async(func() { g.roster.RemoveMember(id, false) })
		case domain.MemberSnapshot:
			pending := make(map[domain.UserID]bool, len(g.pendingInviteeSet))
			for id := range g.pendingInviteeSet {
				pending[id] = true
			}
			ids := ev.MemberIDs
			g.ui.Async(func() { g.roster.Reconcile(ids, pending, g.self.ID) })
		}
	})
}

// HandleSenderKeyChange reacts to key rotation. A conversation-wide change
// re-derives our frame key; a per-user/session change installs the
// decryption key for that peer session.
func (g *GroupCall) HandleSenderKeyChange(conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) {
	if conversationID != g.conversationID {
		return
	}
	g.queue.Async(func() {
		if g.internalState.IsTerminal() {
			return
		}
		if userID == "" {
			g.deriveFrameKeyOnQueue()
			return
		}
		g.installDecryptionKeyOnQueue(userID, session)
	})
}

// deriveFrameKeyOnQueue fetches the local sender key and strips the leading
// format marker byte to get the frame encryption key.
func (g *GroupCall) deriveFrameKeyOnQueue() {
	key, err := g.keys.SenderKey(g.ctx, g.conversationID, g.self.ID)
	if err != nil {
		g.log.Warnw("failed to fetch sender key", "error", err)
		return
	}
	if len(key) < 2 {
		g.log.Warnw("sender key too short", "len", len(key))
		return
	}
	g.frameKey = key[1:]
}

func (g *GroupCall) installDecryptionKeyOnQueue(userID domain.UserID, session domain.SessionID) {
	key, err := g.keys.DecryptionKey(g.ctx, g.conversationID, userID, session)
	if err != nil || len(key) == 0 {
		// No key yet: the member's media stays undecryptable, surface that.
		g.ui.Async(func() { g.roster.SetTrackDisabled(userID, true) })
		return
	}
	if err := g.engine.SetFrameDecryptionKey(userID, session, key); err != nil {
		g.log.Warnw("failed to install decryption key", "user_id", string(userID), "error", err)
		return
	}
	g.ui.Async(func() { g.roster.SetTrackDisabled(userID, false) })
}

// End tears the call down, emitting the protocol-appropriate terminal
// signaling for (reason, side).
func (g *GroupCall) End(reason domain.EndReason, side domain.EndSide, completion func(error)) {
	g.requestEnd(reason, side, completion, g.teardown(reason, side))
}

func (g *GroupCall) teardown(reason domain.EndReason, side domain.EndSide) func() {
	return func() {
		for _, t := range g.inviteTimers {
			t.Invalidate()
		}
		g.inviteTimers = nil
		g.engine.Close(true)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		switch {
		case side == domain.EndSideLocal && reason == domain.EndReasonDeclined:
			for _, inviter := range g.inviters {
				if _, err := g.kraken.Request(ctx, &domain.KrakenRequest{
					Action:         domain.KrakenDecline,
					CallID:         g.id,
					ConversationID: g.conversationID,
					Recipients:     []domain.UserID{inviter.ID},
				}); err != nil {
					g.log.Warnw("decline request failed", "inviter", string(inviter.ID), "error", err)
				}
			}
		case side == domain.EndSideLocal && reason == domain.EndReasonCancelled:
			if g.store != nil {
				if err := g.store.InsertSystemMessage(ctx, g.conversationID, domain.SystemKrakenCancel, g.self.ID); err != nil {
					g.log.Warnw("failed to record cancel message", "error", err)
				}
			}
			if _, err := g.kraken.Request(ctx, &domain.KrakenRequest{
				Action:         domain.KrakenCancel,
				CallID:         g.id,
				ConversationID: g.conversationID,
				TrackID:        g.trackID,
			}); err != nil {
				g.log.Warnw("cancel request failed", "error", err)
			}
		default:
			if _, err := g.kraken.Request(ctx, &domain.KrakenRequest{
				Action:         domain.KrakenEnd,
				CallID:         g.id,
				ConversationID: g.conversationID,
				TrackID:        g.trackID,
			}); err != nil {
				g.log.Warnw("end request failed", "error", err)
			}
		}
	}
}

// failOnQueue ends the call with reason failed and returns err.
func (g *GroupCall) failOnQueue(op string, err error) error {
	if errors.Is(err, domain.ErrCallEnded) || errors.Is(err, domain.ErrLoggedOut) {
		return err
	}
	g.log.Errorw("signaling failed", "op", op, "error", err)
	g.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, g.teardown(domain.EndReasonFailed, domain.EndSideLocal))
	return err
}

// requestOnQueue runs one logical Kraken request through the bounded
// fixed-backoff retrier, blocking this call's queue. Attempts stop
// unconditionally once the call is ending or the account logged out, and
// immediately for terminal protocol errors. An auth failure forces the call
// into failed locally.
func (g *GroupCall) requestOnQueue(req *domain.KrakenRequest) (*domain.KrakenResponse, error) {
	resp, err := retry.DoWithResult(g.ctx, g.timing.Signaling, func() (*domain.KrakenResponse, error) {
		if g.loggedOut != nil && g.loggedOut() {
			return nil, domain.ErrLoggedOut
		}
		return g.kraken.Request(g.ctx, req)
	}, func(err error, attempt int) bool {
		if errors.Is(err, domain.ErrLoggedOut) {
			return false
		}
		if domain.IsTerminalSignalingError(err) {
			return false
		}
		return true
	})

	if err != nil {
		if g.ctx.Err() != nil {
			return nil, domain.ErrCallEnded
		}
		if errors.Is(err, domain.ErrUnauthorized) {
			g.endOnQueue(domain.EndReasonFailed, domain.EndSideLocal, nil, g.teardown(domain.EndReasonFailed, domain.EndSideLocal))
			return nil, err
		}
	}
	return resp, err
}

// groupCallDelegate hops engine callbacks onto the call's queue.
type groupCallDelegate struct {
	g *GroupCall
}

// OnLocalCandidate forwards or buffers a local candidate. Without a track
// id, or mid-restart, there is nothing to trickle against yet; buffered
// candidates are flushed in generation order on the next successful
// publish.
func (d *groupCallDelegate) OnLocalCandidate(candidate string) {
	g := d.g
	g.queue.Async(func() {
		if g.internalState.IsTerminal() {
			return
		}
		if g.trackID == "" || g.internalState == domain.CallStateRestarting {
			g.pendingCandidates = append(g.pendingCandidates, candidate)
			return
		}
		g.trickleOnQueue(candidate)
	})
}

func (d *groupCallDelegate) OnConnected() {
	g := d.g
	g.queue.Async(func() {
		switch g.internalState {
		case domain.CallStateConnecting, domain.CallStateRestarting:
			g.setStateOnQueue(domain.CallStateConnected)
		}
	})
}

func (d *groupCallDelegate) OnDisconnected() {
	d.g.log.Infow("media transport disconnected")
}

func (d *groupCallDelegate) OnICEFailed() {
	g := d.g
	g.queue.Async(func() {
		if g.internalState != domain.CallStateConnected {
			return
		}
		_ = g.connectOnQueue(true)
	})
}

func (d *groupCallDelegate) OnSenderKeyNeeded(userID domain.UserID, session domain.SessionID) {
	g := d.g
	g.queue.Async(func() {
		if g.internalState.IsTerminal() {
			return
		}
		g.installDecryptionKeyOnQueue(userID, session)
	})
}

func (d *groupCallDelegate) OnReceiverAdded(userID domain.UserID, session domain.SessionID, trackDisabled bool) {
	g := d.g
	g.queue.Async(func() {
		if g.internalState.IsTerminal() {
			return
		}
		g.markMemberConnectedOnQueue(userID)
		if trackDisabled {
			g.ui.Async(func() { g.roster.SetTrackDisabled(userID, true) })
			g.installDecryptionKeyOnQueue(userID, session)
		}
	})
}
