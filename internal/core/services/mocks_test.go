package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"go.uber.org/zap/zaptest"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/retry"
)

type MockKrakenClient struct {
	mock.Mock

	mu       sync.Mutex
	requests []*domain.KrakenRequest
}

func (m *MockKrakenClient) Request(ctx context.Context, req *domain.KrakenRequest) (*domain.KrakenResponse, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.KrakenResponse), args.Error(1)
}

func (m *MockKrakenClient) Requests(action domain.KrakenAction) []*domain.KrakenRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KrakenRequest
	for _, req := range m.requests {
		if req.Action == action {
			out = append(out, req)
		}
	}
	return out
}

type MockMessageSender struct {
	mock.Mock

	mu   sync.Mutex
	sent []domain.CallMessage
}

func (m *MockMessageSender) SendMessage(ctx context.Context, recipient domain.UserID, msg domain.CallMessage) error {
	m.mu.Lock()
	m.sent = append(m.sent, msg)
	m.mu.Unlock()
	args := m.Called(ctx, recipient, msg)
	return args.Error(0)
}

func (m *MockMessageSender) Sent() []domain.CallMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CallMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *MockMessageSender) SentCategories() []domain.MessageCategory {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MessageCategory, 0, len(m.sent))
	for _, msg := range m.sent {
		out = append(out, msg.Category)
	}
	return out
}

type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) User(ctx context.Context, id domain.UserID) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

type MockMessageStore struct {
	mock.Mock
}

func (m *MockMessageStore) InsertSystemMessage(ctx context.Context, conversationID domain.ConversationID, category domain.MessageCategory, userID domain.UserID) error {
	args := m.Called(ctx, conversationID, category, userID)
	return args.Error(0)
}

type MockSenderKeyStore struct {
	mock.Mock
}

func (m *MockSenderKeyStore) SenderKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID) ([]byte, error) {
	args := m.Called(ctx, conversationID, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockSenderKeyStore) DecryptionKey(ctx context.Context, conversationID domain.ConversationID, userID domain.UserID, session domain.SessionID) ([]byte, error) {
	args := m.Called(ctx, conversationID, userID, session)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

type MockMembershipOracle struct {
	mock.Mock
}

func (m *MockMembershipOracle) MemberIDs(conversationID domain.ConversationID) []domain.UserID {
	args := m.Called(conversationID)
	if args.Get(0) == nil {
		return nil
	}
	return args.Get(0).([]domain.UserID)
}

// fakeEngine is a controllable media engine. Error injection fields apply to
// the next matching operation; counters and recorded inputs are read back
// under the lock.
type fakeEngine struct {
	mu       sync.Mutex
	delegate ports.MediaEngineDelegate

	offerErr  error
	answerErr error
	remoteErr error

	offerCalls  int
	answerCalls int
	remoteSDPs  []domain.SDP
	candidates  []string
	closeCalls  int
	closedPerm  bool
	frameKeys   [][]byte
	restarts    []bool
	decryptKeys map[domain.UserID][]byte

	levels map[domain.UserID]float64
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{decryptKeys: make(map[domain.UserID][]byte)}
}

func (e *fakeEngine) MakeOffer(frameKey []byte, restartICE bool) (domain.SDP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerCalls++
	e.frameKeys = append(e.frameKeys, frameKey)
	e.restarts = append(e.restarts, restartICE)
	if e.offerErr != nil {
		return domain.SDP{}, e.offerErr
	}
	return domain.SDP{Type: domain.SDPTypeOffer, SDP: "offer"}, nil
}

func (e *fakeEngine) MakeAnswer() (domain.SDP, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answerCalls++
	if e.answerErr != nil {
		return domain.SDP{}, e.answerErr
	}
	return domain.SDP{Type: domain.SDPTypeAnswer, SDP: "answer"}, nil
}

func (e *fakeEngine) SetRemoteSDP(sdp domain.SDP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remoteErr != nil {
		return e.remoteErr
	}
	e.remoteSDPs = append(e.remoteSDPs, sdp)
	return nil
}

func (e *fakeEngine) AddRemoteCandidate(candidate string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.candidates = append(e.candidates, candidate)
	return nil
}

func (e *fakeEngine) Close(permanently bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closeCalls++
	if permanently {
		e.closedPerm = true
	}
}

func (e *fakeEngine) AudioLevels() map[domain.UserID]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.levels
}

func (e *fakeEngine) SetFrameDecryptionKey(user domain.UserID, session domain.SessionID, key []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.decryptKeys[user] = key
	return nil
}

func (e *fakeEngine) SetDelegate(delegate ports.MediaEngineDelegate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.delegate = delegate
}

func (e *fakeEngine) Delegate() ports.MediaEngineDelegate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delegate
}

func (e *fakeEngine) setOfferErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerErr = err
}

func (e *fakeEngine) setAnswerErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.answerErr = err
}

func (e *fakeEngine) setRemoteErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remoteErr = err
}

func (e *fakeEngine) stats() (offers, answers, closes int, perm bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offerCalls, e.answerCalls, e.closeCalls, e.closedPerm
}

func (e *fakeEngine) appliedSDPs() []domain.SDP {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.SDP, len(e.remoteSDPs))
	copy(out, e.remoteSDPs)
	return out
}

// recordingObserver captures every broadcast for later assertions.
type recordingObserver struct {
	mu          sync.Mutex
	transitions [][2]domain.CallState
	endedCount  int
	endReason   domain.EndReason
	endSide     domain.EndSide
	names       []string
	counts      []int
	muted       []bool
}

func (o *recordingObserver) CallStateChanged(call domain.CallInfo, previous, current domain.CallState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions = append(o.transitions, [2]domain.CallState{previous, current})
}

func (o *recordingObserver) CallEnded(call domain.CallInfo, reason domain.EndReason, side domain.EndSide) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.endedCount++
	o.endReason = reason
	o.endSide = side
}

func (o *recordingObserver) CallMutenessChanged(call domain.CallInfo, muted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.muted = append(o.muted, muted)
}

func (o *recordingObserver) CallNameChanged(call domain.CallInfo, name string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.names = append(o.names, name)
}

func (o *recordingObserver) CallMembersCountChanged(call domain.CallInfo, count int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.counts = append(o.counts, count)
}

func (o *recordingObserver) ended() (int, domain.EndReason, domain.EndSide) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.endedCount, o.endReason, o.endSide
}

func (o *recordingObserver) states() [][2]domain.CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][2]domain.CallState, len(o.transitions))
	copy(out, o.transitions)
	return out
}

// testTiming keeps deadlines short enough for tests that let them expire.
func testTiming() CallTiming {
	return CallTiming{
		UnansweredTimeout:      200 * time.Millisecond,
		InviteTimeout:          200 * time.Millisecond,
		SubscribeRetryInterval: 10 * time.Millisecond,
		Signaling:              retry.Config{MaxAttempts: 3, Interval: 5 * time.Millisecond},
	}
}

func testUILoop(t *testing.T) *Loop {
	t.Helper()
	loop := NewLoop("observer", zaptest.NewLogger(t).Sugar())
	t.Cleanup(func() {
		loop.Close()
		loop.Wait()
	})
	return loop
}

// settle waits for already-queued work on the call queue and the observer
// loop, running the hop twice since each side enqueues onto the other.
func settle(c *call) {
	for i := 0; i < 3; i++ {
		c.queue.Sync(func() {})
		c.ui.Sync(func() {})
	}
}
