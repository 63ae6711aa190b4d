package services

import (
	"sync"

	"go.uber.org/zap"

	"callnet/internal/core/domain"
)

// ConflictPolicy controls what AddMember does when the user id is already
// present.
type ConflictPolicy int

const (
	// ConflictOverwrite replaces the existing entry in place, preserving
	// its position.
	ConflictOverwrite ConflictPolicy = iota
	// ConflictDiscard keeps the existing entry untouched.
	ConflictDiscard
)

// Roster is the authoritative ordered member list of a group call. It keeps
// an index map consistent with the backing slice on every mutation: each id
// appears at most once and every index points at the entry holding that id.
type Roster struct {
	mu      sync.Mutex
	members []domain.Member
	index   map[domain.UserID]int

	log *zap.SugaredLogger

	// onCountChanged fires on the observer loop after any mutation that
	// changed the member count.
	onCountChanged func(count int)
	// onStatusChanged fires for members whose status actually changed.
	onStatusChanged func(id domain.UserID, status domain.MemberStatus)
}

// NewRoster builds an empty roster. Both callbacks may be nil.
func NewRoster(log *zap.SugaredLogger, onCountChanged func(int), onStatusChanged func(domain.UserID, domain.MemberStatus)) *Roster {
	return &Roster{
		index:           make(map[domain.UserID]int),
		log:             log,
		onCountChanged:  onCountChanged,
		onStatusChanged: onStatusChanged,
	}
}

// AddMember inserts or resolves a conflict for the member, returning whether
// a mutation occurred. Callers use the return value to decide whether the id
// also becomes a pending invitee.
func (r *Roster) AddMember(m domain.Member, policy ConflictPolicy) bool {
	r.mu.Lock()
	if i, exists := r.index[m.User.ID]; exists {
		if policy == ConflictDiscard {
			r.mu.Unlock()
			return false
		}
		r.members[i] = m
		r.mu.Unlock()
		return true
	}
	r.members = append(r.members, m)
	r.index[m.User.ID] = len(r.members) - 1
	count := len(r.members)
	r.checkIntegrityLocked()
	r.mu.Unlock()

	r.notifyCount(count)
	return true
}

// RemoveMember removes the id if present, shifting every index above the
// removal point down by one. With onlyIfNotConnected, connected members are
// preserved.
func (r *Roster) RemoveMember(id domain.UserID, onlyIfNotConnected bool) bool {
	r.mu.Lock()
	i, exists := r.index[id]
	if !exists {
		r.mu.Unlock()
		return false
	}
	if onlyIfNotConnected && r.members[i].IsConnected {
		r.mu.Unlock()
		return false
	}
	r.removeAtLocked(i, id)
	count := len(r.members)
	r.checkIntegrityLocked()
	r.mu.Unlock()

	r.notifyCount(count)
	return true
}

func (r *Roster) removeAtLocked(i int, id domain.UserID) {
	r.members = append(r.members[:i], r.members[i+1:]...)
	delete(r.index, id)
	for j := i; j < len(r.members); j++ {
		r.index[r.members[j].User.ID] = j
	}
}

// MarkConnected flips the connected flag for the id, adding the member if
// unknown.
func (r *Roster) MarkConnected(user domain.User) {
	r.mu.Lock()
	i, exists := r.index[user.ID]
	if !exists {
		r.members = append(r.members, domain.Member{User: user, IsConnected: true})
		r.index[user.ID] = len(r.members) - 1
		count := len(r.members)
		r.mu.Unlock()
		r.notifyCount(count)
		return
	}
	r.members[i].IsConnected = true
	r.mu.Unlock()
}

// IsConnected reports whether the id is present and connected.
func (r *Roster) IsConnected(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	i, exists := r.index[id]
	return exists && r.members[i].IsConnected
}

// Contains reports roster membership.
func (r *Roster) Contains(id domain.UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, exists := r.index[id]
	return exists
}

// SetTrackDisabled sets or clears the sticky track-disabled status. While
// set it overrides any speaking computation.
func (r *Roster) SetTrackDisabled(id domain.UserID, disabled bool) {
	r.mu.Lock()
	i, exists := r.index[id]
	if !exists {
		r.mu.Unlock()
		return
	}
	var next domain.MemberStatus
	if disabled {
		next = domain.StatusTrackDisabled
	} else if r.members[i].Status == domain.StatusTrackDisabled {
		next = domain.StatusNone
	} else {
		r.mu.Unlock()
		return
	}
	if r.members[i].Status == next {
		r.mu.Unlock()
		return
	}
	r.members[i].Status = next
	r.mu.Unlock()

	r.notifyStatus(id, next)
}

// UpdateAudioLevels recomputes speaking status from the level map and
// reports only members whose status actually changed. Track-disabled
// members are left alone until the flag is cleared.
func (r *Roster) UpdateAudioLevels(levels map[domain.UserID]float64) []domain.UserID {
	r.mu.Lock()
	var changed []domain.UserID
	for i := range r.members {
		m := &r.members[i]
		if m.Status == domain.StatusTrackDisabled {
			continue
		}
		next := domain.StatusNone
		if levels[m.User.ID] > domain.SpeakingThreshold {
			next = domain.StatusSpeaking
		}
		if m.Status != next {
			m.Status = next
			changed = append(changed, m.User.ID)
		}
	}
	statuses := make(map[domain.UserID]domain.MemberStatus, len(changed))
	for _, id := range changed {
		statuses[id] = r.members[r.index[id]].Status
	}
	r.mu.Unlock()

	for _, id := range changed {
		r.notifyStatus(id, statuses[id])
	}
	return changed
}

// Reconcile repairs the roster against an authoritative server snapshot:
// every locally present id missing from serverIDs that is neither a pending
// invitee nor self is stale and removed. Returns the removed ids.
func (r *Roster) Reconcile(serverIDs []domain.UserID, pending map[domain.UserID]bool, self domain.UserID) []domain.UserID {
	keep := make(map[domain.UserID]bool, len(serverIDs)+len(pending)+1)
	for _, id := range serverIDs {
		keep[id] = true
	}
	for id := range pending {
		keep[id] = true
	}
	keep[self] = true

	r.mu.Lock()
	var stale []domain.UserID
	for _, m := range r.members {
		if !keep[m.User.ID] {
			stale = append(stale, m.User.ID)
		}
	}
	for _, id := range stale {
		if i, exists := r.index[id]; exists {
			r.removeAtLocked(i, id)
		}
	}
	count := len(r.members)
	r.checkIntegrityLocked()
	r.mu.Unlock()

	if len(stale) > 0 {
		r.log.Infow("roster reconciled", "removed", len(stale))
		r.notifyCount(count)
	}
	return stale
}

// Members returns a snapshot copy in roster order.
func (r *Roster) Members() []domain.Member {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Member, len(r.members))
	copy(out, r.members)
	return out
}

// Count returns the roster size.
func (r *Roster) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// checkIntegrityLocked verifies the index map against the backing list. A
// violation is a bug; it is logged and repaired rather than crashing.
func (r *Roster) checkIntegrityLocked() {
	ok := len(r.index) == len(r.members)
	if ok {
		for id, i := range r.index {
			if i < 0 || i >= len(r.members) || r.members[i].User.ID != id {
				ok = false
				break
			}
		}
	}
	if ok {
		return
	}
	r.log.Errorw("roster index corrupted, rebuilding", "members", len(r.members), "index", len(r.index))
	r.index = make(map[domain.UserID]int, len(r.members))
	for i, m := range r.members {
		r.index[m.User.ID] = i
	}
}

func (r *Roster) notifyCount(count int) {
	if r.onCountChanged != nil {
		r.onCountChanged(count)
	}
}

func (r *Roster) notifyStatus(id domain.UserID, status domain.MemberStatus) {
	if r.onStatusChanged != nil {
		r.onStatusChanged(id, status)
	}
}
