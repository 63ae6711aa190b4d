package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/retry"
)

// CallTiming groups the deadlines and retry policy shared by all call kinds.
type CallTiming struct {
	UnansweredTimeout      time.Duration
	InviteTimeout          time.Duration
	SubscribeRetryInterval time.Duration
	AudioLevelInterval     time.Duration
	Signaling              retry.Config
}

// DefaultCallTiming returns production timings.
func DefaultCallTiming() CallTiming {
	return CallTiming{
		UnansweredTimeout:      60 * time.Second,
		InviteTimeout:          60 * time.Second,
		SubscribeRetryInterval: 3 * time.Second,
		AudioLevelInterval:     500 * time.Millisecond,
		Signaling:              retry.DefaultSignalingConfig(),
	}
}

// published holds the observer-facing mirror of the call's state. It is
// written only from the observer loop and read under its own lock, so an
// observer never sees a state older than the one it was just signaled with.
type published struct {
	mu            sync.RWMutex
	state         domain.CallState
	isMuted       bool
	localizedName string
	connectedAt   time.Time
}

// call is the state-machine base shared by PeerCall and GroupCall.
// internalState is authoritative and confined to the call's private queue;
// the published mirror is updated by a synchronous hop onto the observer
// loop from within the transition, before the queue operation returns.
type call struct {
	id             domain.CallID
	conversationID domain.ConversationID
	isOutgoing     bool
	isGroup        bool

	queue *Loop // private serial work queue
	ui    *Loop // shared observer loop

	engine   ports.MediaEngine
	observer ports.CallObserver
	log      *zap.SugaredLogger
	timing   CallTiming

	// ctx is cancelled the moment End is requested, so a blocked signaling
	// retry abandons before the teardown task reaches the queue.
	ctx    context.Context
	cancel context.CancelFunc

	// Queue-confined.
	internalState  domain.CallState
	connectedAt    time.Time
	ended          bool
	endCompletions []func(error)

	pub        published
	unanswered *singleShotTimer
}

func (c *call) initCall(id domain.CallID, conversationID domain.ConversationID, initial domain.CallState, ui *Loop, engine ports.MediaEngine, observer ports.CallObserver, log *zap.SugaredLogger, timing CallTiming) {
	ctx, cancel := context.WithCancel(context.Background())
	c.id = id
	c.conversationID = conversationID
	c.isOutgoing = initial == domain.CallStateOutgoing
	c.queue = NewLoop("call-"+id.String(), log)
	c.ui = ui
	c.engine = engine
	c.observer = observer
	c.log = log.With("call_id", id.String(), "conversation_id", string(conversationID))
	c.timing = timing
	c.ctx = ctx
	c.cancel = cancel
	c.internalState = initial
	c.pub.state = initial
	c.unanswered = newSingleShotTimer("unanswered", c.log)
}

func (c *call) ID() domain.CallID                     { return c.id }
func (c *call) ConversationID() domain.ConversationID { return c.conversationID }

// State returns the observer-facing state mirror.
func (c *call) State() domain.CallState {
	c.pub.mu.RLock()
	defer c.pub.mu.RUnlock()
	return c.pub.state
}

func (c *call) IsMuted() bool {
	c.pub.mu.RLock()
	defer c.pub.mu.RUnlock()
	return c.pub.isMuted
}

func (c *call) LocalizedName() string {
	c.pub.mu.RLock()
	defer c.pub.mu.RUnlock()
	return c.pub.localizedName
}

func (c *call) Info() domain.CallInfo {
	c.pub.mu.RLock()
	defer c.pub.mu.RUnlock()
	return domain.CallInfo{
		ID:             c.id,
		ConversationID: c.conversationID,
		IsOutgoing:     c.isOutgoing,
		IsGroup:        c.isGroup,
		LocalizedName:  c.pub.localizedName,
		ConnectedAt:    c.pub.connectedAt,
	}
}

// SetMuted flips the mute flag and broadcasts the change.
func (c *call) SetMuted(muted bool) {
	c.ui.Async(func() {
		c.pub.mu.Lock()
		if c.pub.isMuted == muted {
			c.pub.mu.Unlock()
			return
		}
		c.pub.isMuted = muted
		c.pub.mu.Unlock()
		c.observer.CallMutenessChanged(c.Info(), muted)
	})
}

// SetLocalizedName updates the display name and re-broadcasts it.
func (c *call) SetLocalizedName(name string) {
	c.ui.Async(func() {
		c.pub.mu.Lock()
		if c.pub.localizedName == name {
			c.pub.mu.Unlock()
			return
		}
		c.pub.localizedName = name
		c.pub.mu.Unlock()
		c.observer.CallNameChanged(c.Info(), name)
	})
}

// setStateOnQueue transitions internalState and publishes the change with a
// blocking hop: when it returns, every observer has already been signaled
// and State() reflects the new value.
func (c *call) setStateOnQueue(next domain.CallState) {
	old := c.internalState
	if old == next {
		return
	}
	if !old.CanTransition(next) {
		c.log.Warnw("illegal state transition ignored", "from", old.String(), "to", next.String())
		return
	}
	c.internalState = next
	if next == domain.CallStateConnected && c.connectedAt.IsZero() {
		c.connectedAt = time.Now()
	}
	connectedAt := c.connectedAt
	c.log.Infow("call state changed", "from", old.String(), "to", next.String())

	c.ui.Sync(func() {
		c.pub.mu.Lock()
		prev := c.pub.state
		c.pub.state = next
		if c.pub.connectedAt.IsZero() {
			c.pub.connectedAt = connectedAt
		}
		c.pub.mu.Unlock()
		c.observer.CallStateChanged(c.Info(), prev, next)
	})
}

// requireStateOnQueue returns an invalid-state error unless internalState is
// one of the wanted states. Never mutates anything.
func (c *call) requireStateOnQueue(op string, wanted ...domain.CallState) error {
	for _, s := range wanted {
		if c.internalState == s {
			return nil
		}
	}
	return domain.NewInvalidStateError(op, c.internalState)
}

// scheduleUnansweredTimerOnQueue arms the 60s unanswered deadline. A second
// schedule while armed is a warning no-op inside singleShotTimer.
func (c *call) scheduleUnansweredTimerOnQueue(end func()) {
	c.unanswered.Schedule(c.timing.UnansweredTimeout, func() {
		c.queue.Async(func() {
			if c.internalState.IsTerminal() {
				return
			}
			end()
		})
	})
}

func (c *call) invalidateUnansweredTimer() {
	c.unanswered.Invalidate()
}

// endOnQueue is the single teardown path. Re-entrant safe: if teardown is
// already running or done, the completion is queued or invoked immediately
// instead of re-running teardown. Completions fire exactly once, FIFO.
func (c *call) endOnQueue(reason domain.EndReason, side domain.EndSide, completion func(error), teardown func()) {
	if c.internalState == domain.CallStateDisconnecting {
		if completion == nil {
			return
		}
		if c.ended {
			completion(nil)
			return
		}
		c.endCompletions = append(c.endCompletions, completion)
		return
	}

	if completion != nil {
		c.endCompletions = append(c.endCompletions, completion)
	}

	c.log.Infow("ending call", "reason", string(reason), "side", string(side))
	c.setStateOnQueue(domain.CallStateDisconnecting)
	c.unanswered.Invalidate()
	if teardown != nil {
		teardown()
	}

	c.ui.Sync(func() {
		c.observer.CallEnded(c.Info(), reason, side)
	})

	c.ended = true
	completions := c.endCompletions
	c.endCompletions = nil
	for _, fn := range completions {
		fn(nil)
	}

	// The queue drains whatever is already behind this task, then stops.
	c.queue.Close()
}

// requestEnd schedules the teardown. The call context is cancelled first so
// any in-flight signaling retry abandons immediately instead of blocking
// the queue for further attempts.
func (c *call) requestEnd(reason domain.EndReason, side domain.EndSide, completion func(error), teardown func()) {
	c.cancel()
	if !c.queue.Async(func() {
		c.endOnQueue(reason, side, completion, teardown)
	}) {
		// Queue already drained after a completed teardown.
		if completion != nil {
			completion(nil)
		}
	}
}
