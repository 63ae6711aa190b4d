package monitoring

import (
	"sync"
	"time"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
)

// MetricsObserver translates call lifecycle broadcasts into prometheus
// series and forwards them to the next observer in the chain.
type MetricsObserver struct {
	collector *PrometheusCollector
	next      ports.CallObserver

	startedAt map[domain.CallID]time.Time
	mu        sync.Mutex
}

func NewMetricsObserver(collector *PrometheusCollector, next ports.CallObserver) *MetricsObserver {
	return &MetricsObserver{
		collector: collector,
		next:      next,
		startedAt: make(map[domain.CallID]time.Time),
	}
}

var _ ports.CallObserver = (*MetricsObserver)(nil)

func (o *MetricsObserver) CallStateChanged(call domain.CallInfo, previous, current domain.CallState) {
	o.mu.Lock()
	started, known := o.startedAt[call.ID]
	if !known {
		started = time.Now()
		o.startedAt[call.ID] = started
		o.collector.RecordCallStarted(call.IsGroup, call.IsOutgoing)
	}
	o.mu.Unlock()

	if current == domain.CallStateConnected && previous != domain.CallStateRestarting {
		o.collector.RecordCallConnected(time.Since(started))
	}
	if o.next != nil {
		o.next.CallStateChanged(call, previous, current)
	}
}

func (o *MetricsObserver) CallEnded(call domain.CallInfo, reason domain.EndReason, side domain.EndSide) {
	o.mu.Lock()
	// A call that ends before any state broadcast still counts as started.
	if _, known := o.startedAt[call.ID]; !known {
		o.collector.RecordCallStarted(call.IsGroup, call.IsOutgoing)
	}
	delete(o.startedAt, call.ID)
	o.mu.Unlock()

	o.collector.RecordCallEnded(&domain.CallRecord{
		ID:             call.ID,
		ConversationID: call.ConversationID,
		IsOutgoing:     call.IsOutgoing,
		IsGroup:        call.IsGroup,
		Reason:         reason,
		Side:           side,
		ConnectedAt:    call.ConnectedAt,
		EndedAt:        time.Now(),
	})
	if o.next != nil {
		o.next.CallEnded(call, reason, side)
	}
}

func (o *MetricsObserver) CallMutenessChanged(call domain.CallInfo, muted bool) {
	if o.next != nil {
		o.next.CallMutenessChanged(call, muted)
	}
}

func (o *MetricsObserver) CallNameChanged(call domain.CallInfo, name string) {
	if o.next != nil {
		o.next.CallNameChanged(call, name)
	}
}

func (o *MetricsObserver) CallMembersCountChanged(call domain.CallInfo, count int) {
	if call.IsGroup {
		o.collector.SetRoomMemberCount(call.ConversationID, count)
	}
	if o.next != nil {
		o.next.CallMembersCountChanged(call, count)
	}
}
