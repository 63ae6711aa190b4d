package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"callnet/internal/core/domain"
)

type groupFixture struct {
	deps      GroupCallDeps
	engine    *fakeEngine
	kraken    *MockKrakenClient
	keys      *MockSenderKeyStore
	store     *MockMessageStore
	directory *MockUserDirectory
	oracle    *MockMembershipOracle
	observer  *recordingObserver
	loggedOut bool
}

var groupSelf = domain.User{ID: "self", Username: "me"}

func newGroupFixture(t *testing.T) *groupFixture {
	t.Helper()
	f := &groupFixture{
		engine:    newFakeEngine(),
		kraken:    &MockKrakenClient{},
		keys:      &MockSenderKeyStore{},
		store:     &MockMessageStore{},
		directory: &MockUserDirectory{},
		oracle:    &MockMembershipOracle{},
		observer:  &recordingObserver{},
	}
	f.keys.On("SenderKey", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte{0x01, 'f', 'r', 'a', 'm', 'e'}, nil).Maybe()
	f.keys.On("DecryptionKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return([]byte("peer-key"), nil).Maybe()
	f.directory.On("User", mock.Anything, groupSelf.ID).
		Return(&groupSelf, nil).Maybe()
	f.directory.On("User", mock.Anything, mock.Anything).
		Return(&domain.User{ID: "alice", Username: "alice"}, nil).Maybe()
	f.store.On("InsertSystemMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	f.oracle.On("MemberIDs", mock.Anything).Return(nil).Maybe()
	f.deps = GroupCallDeps{
		UI:        testUILoop(t),
		Engine:    f.engine,
		Kraken:    f.kraken,
		Keys:      f.keys,
		Store:     f.store,
		Directory: f.directory,
		Oracle:    f.oracle,
		Observer:  f.observer,
		Logger:    zaptest.NewLogger(t).Sugar(),
		Timing:    testTiming(),
		LoggedOut: func() bool { return f.loggedOut },
	}
	return f
}

func (f *groupFixture) onAction(action domain.KrakenAction) *mock.Call {
	return f.kraken.On("Request", mock.Anything, mock.MatchedBy(func(req *domain.KrakenRequest) bool {
		return req.Action == action
	}))
}

// allowTeardown permits the terminal end/cancel/decline requests without
// asserting on them.
func (f *groupFixture) allowTeardown() {
	f.onAction(domain.KrakenEnd).Return(&domain.KrakenResponse{}, nil).Maybe()
	f.onAction(domain.KrakenCancel).Return(&domain.KrakenResponse{}, nil).Maybe()
	f.onAction(domain.KrakenDecline).Return(&domain.KrakenResponse{}, nil).Maybe()
}

func publishResponse(trackID string) *domain.KrakenResponse {
	return &domain.KrakenResponse{
		TrackID: trackID,
		JSEP:    &domain.SDP{Type: domain.SDPTypeAnswer, SDP: "publish-answer"},
	}
}

func subscribeAnswerResponse() *domain.KrakenResponse {
	return &domain.KrakenResponse{JSEP: &domain.SDP{Type: domain.SDPTypeAnswer, SDP: "sub-answer"}}
}

func subscribeOfferResponse() *domain.KrakenResponse {
	return &domain.KrakenResponse{JSEP: &domain.SDP{Type: domain.SDPTypeOffer, SDP: "sub-offer"}}
}

func (f *groupFixture) outgoing() *GroupCall {
	return NewGroupCall(f.deps, "conv", groupSelf, domain.CallStateOutgoing)
}

func (f *groupFixture) incoming() *GroupCall {
	return NewGroupCall(f.deps, "conv", groupSelf, domain.CallStateIncoming)
}

func TestGroupCall_PublishHappyPath(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.Connect(false, func(err error) { done <- err })
	assert.NoError(t, waitErr(t, done))
	settle(&g.call)

	assert.Equal(t, domain.CallStateConnecting, g.State())
	assert.Equal(t, []domain.SDP{{Type: domain.SDPTypeAnswer, SDP: "publish-answer"}}, f.engine.appliedSDPs())
	assert.True(t, g.Roster().IsConnected(groupSelf.ID))

	// The publish offer carried the frame key with its marker byte stripped.
	assert.Equal(t, []byte("frame"), f.engine.frameKeys[0])

	f.engine.Delegate().OnConnected()
	assert.Eventually(t, func() bool {
		return g.State() == domain.CallStateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGroupCall_SubscribeOfferIsAnswered(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeOfferResponse(), nil).Once()
	f.onAction(domain.KrakenAnswer).Return(&domain.KrakenResponse{}, nil).Once()
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	answers := f.kraken.Requests(domain.KrakenAnswer)
	assert.Len(t, answers, 1)
	assert.Equal(t, "track-1", answers[0].TrackID)
	assert.NotNil(t, answers[0].JSEP)
}

func TestGroupCall_CandidatesBufferedUntilPublishThenFIFO(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.onAction(domain.KrakenTrickle).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.outgoing()
	g.queue.Sync(func() {})

	// No track yet: all three are buffered.
	f.engine.Delegate().OnLocalCandidate("c1")
	f.engine.Delegate().OnLocalCandidate("c2")
	f.engine.Delegate().OnLocalCandidate("c3")
	settle(&g.call)
	assert.Empty(t, f.kraken.Requests(domain.KrakenTrickle))

	g.Connect(false, nil)
	settle(&g.call)

	trickles := f.kraken.Requests(domain.KrakenTrickle)
	candidates := make([]string, 0, len(trickles))
	for _, req := range trickles {
		candidates = append(candidates, req.Candidate)
	}
	assert.Equal(t, []string{"c1", "c2", "c3"}, candidates)

	// With the track established, candidates flow straight through.
	f.engine.Delegate().OnLocalCandidate("c4")
	settle(&g.call)
	trickles = f.kraken.Requests(domain.KrakenTrickle)
	assert.Equal(t, "c4", trickles[len(trickles)-1].Candidate)
}

func TestGroupCall_RebuildOnSessionGone(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(nil, domain.ErrPeerNotFound).Once()
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-2"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.Connect(false, func(err error) { done <- err })
	assert.NoError(t, waitErr(t, done))
	settle(&g.call)

	// The engine was recycled, not closed for good, and the second publish
	// succeeded.
	_, _, closes, perm := f.engine.stats()
	assert.Equal(t, 1, closes)
	assert.False(t, perm)
	assert.Len(t, f.kraken.Requests(domain.KrakenPublish), 2)
	assert.True(t, g.Roster().IsConnected(groupSelf.ID))

	count, _, _ := f.observer.ended()
	assert.Equal(t, 0, count)
}

func TestGroupCall_SubscribeInvalidJSEPMeansSatisfied(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(nil, domain.ErrInvalidJSEP).Once()
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	assert.True(t, g.Roster().IsConnected(groupSelf.ID))
	count, _, _ := f.observer.ended()
	assert.Equal(t, 0, count)
}

func TestGroupCall_RetryExhaustionFailsCall(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(nil, domain.ErrNetworkFailure)
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.Connect(false, func(err error) { done <- err })
	err := waitErr(t, done)
	assert.ErrorIs(t, err, domain.ErrNetworkFailure)

	// Exactly the configured number of attempts went out.
	assert.Len(t, f.kraken.Requests(domain.KrakenPublish), f.deps.Timing.Signaling.MaxAttempts)

	settle(&g.call)
	count, reason, side := f.observer.ended()
	assert.Equal(t, 1, count)
	assert.Equal(t, domain.EndReasonFailed, reason)
	assert.Equal(t, domain.EndSideLocal, side)
}

func TestGroupCall_LoggedOutAbandonsWithoutFailing(t *testing.T) {
	f := newGroupFixture(t)
	f.loggedOut = true
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.Connect(false, func(err error) { done <- err })
	err := waitErr(t, done)
	assert.ErrorIs(t, err, domain.ErrLoggedOut)

	assert.Empty(t, f.kraken.Requests(domain.KrakenPublish))
	count, _, _ := f.observer.ended()
	assert.Equal(t, 0, count, "logged-out abandon must not end the call")
}

func TestGroupCall_InviteParkedUntilPublish(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.onAction(domain.KrakenInvite).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.Invite([]domain.UserID{"alice", "self"}, func(err error) { done <- err })
	assert.NoError(t, waitErr(t, done))
	settle(&g.call)
	assert.Empty(t, f.kraken.Requests(domain.KrakenInvite))

	g.Connect(false, nil)
	settle(&g.call)

	invites := f.kraken.Requests(domain.KrakenInvite)
	assert.Len(t, invites, 1)
	// Self was filtered out of the batch.
	assert.Equal(t, []domain.UserID{"alice"}, invites[0].Recipients)
}

func TestGroupCall_InviteExpiryDropsUnconnectedInvitee(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.onAction(domain.KrakenInvite).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	g.Invite([]domain.UserID{"alice"}, nil)
	settle(&g.call)
	assert.True(t, g.Roster().Contains("alice"))

	// The invite times out, alice never connected, she leaves the roster.
	assert.Eventually(t, func() bool {
		return !g.Roster().Contains("alice")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGroupCall_FiredInviteTimerIsReleased(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.onAction(domain.KrakenInvite).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	pendingTimers := func() int {
		var n int
		g.queue.Sync(func() { n = len(g.inviteTimers) })
		return n
	}

	g.Invite([]domain.UserID{"alice"}, nil)
	settle(&g.call)
	assert.Equal(t, 1, pendingTimers())

	// Once the batch timer fires it is dropped, so a long call sending many
	// batches does not accumulate dead timers.
	assert.Eventually(t, func() bool {
		return pendingTimers() == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGroupCall_InviteDeduplicatesPendingAndConnected(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.onAction(domain.KrakenInvite).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	g.Invite([]domain.UserID{"alice"}, nil)
	g.Invite([]domain.UserID{"alice"}, nil)
	settle(&g.call)

	assert.Len(t, f.kraken.Requests(domain.KrakenInvite), 1)
}

func TestGroupCall_MembershipEvents(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	g.HandleMembershipEvent(&domain.MembershipEvent{
		Type: domain.MemberJoined, ConversationID: "conv", UserID: "alice",
	})
	settle(&g.call)
	assert.True(t, g.Roster().IsConnected("alice"))

	g.HandleMembershipEvent(&domain.MembershipEvent{
		Type: domain.MemberLeft, ConversationID: "conv", UserID: "alice",
	})
	settle(&g.call)
	assert.False(t, g.Roster().Contains("alice"))

	// Events for other conversations are ignored.
	g.HandleMembershipEvent(&domain.MembershipEvent{
		Type: domain.MemberJoined, ConversationID: "other", UserID: "eve",
	})
	settle(&g.call)
	assert.False(t, g.Roster().Contains("eve"))
}

func TestGroupCall_SnapshotReconciliation(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.onAction(domain.KrakenInvite).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	// bob is a pending invitee; carol joined at some point but the server no
	// longer lists her.
	g.Invite([]domain.UserID{"bob"}, nil)
	g.HandleMembershipEvent(&domain.MembershipEvent{
		Type: domain.MemberJoined, ConversationID: "conv", UserID: "carol",
	})
	settle(&g.call)

	g.HandleMembershipEvent(&domain.MembershipEvent{
		Type: domain.MemberSnapshot, ConversationID: "conv", MemberIDs: []domain.UserID{},
	})
	settle(&g.call)

	assert.True(t, g.Roster().Contains("self"), "self survives reconciliation")
	assert.True(t, g.Roster().Contains("bob"), "pending invitee survives reconciliation")
	assert.False(t, g.Roster().Contains("carol"), "stale member removed")
}

func TestGroupCall_DeclineNotifiesInviters(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenDecline).Return(&domain.KrakenResponse{}, nil)
	f.allowTeardown()

	g := f.incoming()
	g.AddInviter(domain.User{ID: "alice", Username: "alice"})
	g.AddInviter(domain.User{ID: "bob", Username: "bob"})
	settle(&g.call)

	done := make(chan error, 1)
	g.End(domain.EndReasonDeclined, domain.EndSideLocal, func(err error) { done <- err })
	assert.NoError(t, waitErr(t, done))

	declines := f.kraken.Requests(domain.KrakenDecline)
	assert.Len(t, declines, 2)
	assert.Equal(t, []domain.UserID{"alice"}, declines[0].Recipients)
	assert.Equal(t, []domain.UserID{"bob"}, declines[1].Recipients)
}

func TestGroupCall_CancelRecordsSystemMessage(t *testing.T) {
	f := newGroupFixture(t)
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.End(domain.EndReasonCancelled, domain.EndSideLocal, func(err error) { done <- err })
	assert.NoError(t, waitErr(t, done))

	assert.Len(t, f.kraken.Requests(domain.KrakenCancel), 1)
	f.store.AssertCalled(t, "InsertSystemMessage", mock.Anything, domain.ConversationID("conv"), domain.SystemKrakenCancel, groupSelf.ID)
}

func TestGroupCall_InvitersDriveIncomingName(t *testing.T) {
	f := newGroupFixture(t)
	f.allowTeardown()

	g := f.incoming()
	g.AddInviter(domain.User{ID: "alice", FullName: "Alice"})
	g.AddInviter(domain.User{ID: "bob", Username: "bob"})
	g.AddInviter(domain.User{ID: "alice", FullName: "Alice"}) // duplicate
	settle(&g.call)

	assert.Equal(t, "Alice, bob", g.LocalizedName())
}

func TestGroupCall_RequestAnswerOutsideIncomingFails(t *testing.T) {
	f := newGroupFixture(t)
	f.allowTeardown()

	g := f.outgoing()
	done := make(chan error, 1)
	g.RequestAnswer(func(err error) { done <- err })
	err := waitErr(t, done)
	assert.True(t, domain.IsInvalidState(err))
	assert.Equal(t, domain.CallStateOutgoing, g.State())
	assert.Empty(t, f.kraken.Requests(domain.KrakenPublish))
}

func TestGroupCall_RequestAnswerJoinsRoom(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil).Once()
	f.allowTeardown()

	g := f.incoming()
	done := make(chan error, 1)
	g.RequestAnswer(func(err error) { done <- err })
	assert.NoError(t, waitErr(t, done))
	settle(&g.call)

	assert.Equal(t, domain.CallStateConnecting, g.State())
	assert.Len(t, f.kraken.Requests(domain.KrakenPublish), 1)
}

func TestGroupCall_ICEFailureTriggersRestart(t *testing.T) {
	f := newGroupFixture(t)
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil)
	f.onAction(domain.KrakenRestart).Return(publishResponse("track-1"), nil).Once()
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)
	f.engine.Delegate().OnConnected()
	assert.Eventually(t, func() bool {
		return g.State() == domain.CallStateConnected
	}, 2*time.Second, 5*time.Millisecond)

	f.engine.Delegate().OnICEFailed()
	settle(&g.call)

	assert.Len(t, f.kraken.Requests(domain.KrakenRestart), 1)
	assert.True(t, f.engine.restarts[len(f.engine.restarts)-1])

	f.engine.Delegate().OnConnected()
	assert.Eventually(t, func() bool {
		return g.State() == domain.CallStateConnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGroupCall_MissingDecryptionKeyDisablesTrack(t *testing.T) {
	f := newGroupFixture(t)
	f.keys.ExpectedCalls = nil
	f.keys.On("SenderKey", mock.Anything, mock.Anything, mock.Anything).
		Return([]byte{0x01, 'f', 'r', 'a', 'm', 'e'}, nil).Maybe()
	f.keys.On("DecryptionKey", mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, errors.New("no key")).Maybe()
	f.onAction(domain.KrakenPublish).Return(publishResponse("track-1"), nil).Once()
	f.onAction(domain.KrakenSubscribe).Return(subscribeAnswerResponse(), nil)
	f.allowTeardown()

	g := f.outgoing()
	g.Connect(false, nil)
	settle(&g.call)

	f.engine.Delegate().OnReceiverAdded("alice", "session-1", true)
	settle(&g.call)

	members := g.Roster().Members()
	for _, m := range members {
		if m.User.ID == "alice" {
			assert.Equal(t, domain.StatusTrackDisabled, m.Status)
			return
		}
	}
	t.Fatal("alice not in roster")
}

func TestGroupCall_EndAbortsInFlightRetry(t *testing.T) {
	f := newGroupFixture(t)
	// Every publish attempt fails; the retrier would normally burn through
	// all attempts with waits in between.
	f.deps.Timing.Signaling.MaxAttempts = 1000
	f.deps.Timing.Signaling.Interval = 20 * time.Millisecond
	f.onAction(domain.KrakenPublish).Return(nil, domain.ErrNetworkFailure)
	f.allowTeardown()

	g := f.outgoing()
	connectDone := make(chan error, 1)
	g.Connect(false, func(err error) { connectDone <- err })

	endDone := make(chan error, 1)
	g.End(domain.EndReasonEnded, domain.EndSideLocal, func(err error) { endDone <- err })

	assert.NoError(t, waitErr(t, endDone))
	assert.ErrorIs(t, waitErr(t, connectDone), domain.ErrCallEnded)
}
