package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"

	"callnet/internal/core/domain"
)

func member(id string) domain.Member {
	return domain.Member{User: domain.User{ID: domain.UserID(id)}}
}

func rosterIDs(r *Roster) []domain.UserID {
	members := r.Members()
	ids := make([]domain.UserID, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.User.ID)
	}
	return ids
}

func TestRoster_AddRemoveKeepsOrderAndUniqueness(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)

	assert.True(t, r.AddMember(member("a"), ConflictDiscard))
	assert.True(t, r.AddMember(member("b"), ConflictDiscard))
	assert.True(t, r.AddMember(member("c"), ConflictDiscard))
	assert.False(t, r.AddMember(member("b"), ConflictDiscard))

	assert.Equal(t, []domain.UserID{"a", "b", "c"}, rosterIDs(r))

	assert.True(t, r.RemoveMember("b", false))
	assert.Equal(t, []domain.UserID{"a", "c"}, rosterIDs(r))

	// Index map stays exact after the shift: re-adding lands at the end and
	// lookups on the shifted entry still work.
	assert.True(t, r.AddMember(member("b"), ConflictDiscard))
	assert.True(t, r.Contains("c"))
	assert.True(t, r.RemoveMember("c", false))
	assert.Equal(t, []domain.UserID{"a", "b"}, rosterIDs(r))
}

func TestRoster_ConflictOverwriteReplacesInPlace(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)
	r.AddMember(member("a"), ConflictDiscard)
	r.AddMember(member("b"), ConflictDiscard)

	updated := domain.Member{User: domain.User{ID: "a", Username: "alice"}}
	assert.True(t, r.AddMember(updated, ConflictOverwrite))

	members := r.Members()
	assert.Equal(t, 2, len(members))
	assert.Equal(t, "alice", members[0].User.Username)
	assert.Equal(t, []domain.UserID{"a", "b"}, rosterIDs(r))
}

func TestRoster_RemoveOnlyIfNotConnected(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)
	r.AddMember(member("a"), ConflictDiscard)
	r.MarkConnected(domain.User{ID: "a"})

	assert.False(t, r.RemoveMember("a", true))
	assert.True(t, r.Contains("a"))
	assert.True(t, r.RemoveMember("a", false))
}

func TestRoster_MarkConnectedAddsUnknownMember(t *testing.T) {
	counts := []int{}
	r := NewRoster(zaptest.NewLogger(t).Sugar(), func(c int) { counts = append(counts, c) }, nil)

	r.MarkConnected(domain.User{ID: "a"})
	assert.True(t, r.IsConnected("a"))
	assert.Equal(t, []int{1}, counts)

	// Marking again neither duplicates nor re-notifies.
	r.MarkConnected(domain.User{ID: "a"})
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []int{1}, counts)
}

func TestRoster_Reconcile(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)
	r.AddMember(member("self"), ConflictDiscard)
	r.AddMember(member("a"), ConflictDiscard)
	r.AddMember(member("b"), ConflictDiscard)
	r.AddMember(member("c"), ConflictDiscard)

	// Server knows a; b is still being invited; c is stale.
	removed := r.Reconcile([]domain.UserID{"a"}, map[domain.UserID]bool{"b": true}, "self")

	assert.Equal(t, []domain.UserID{"c"}, removed)
	assert.Equal(t, []domain.UserID{"self", "a", "b"}, rosterIDs(r))
}

func TestRoster_ReconcileNoChanges(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)
	r.AddMember(member("a"), ConflictDiscard)

	removed := r.Reconcile([]domain.UserID{"a"}, nil, "self")
	assert.Empty(t, removed)
	assert.Equal(t, 1, r.Count())
}

func TestRoster_AudioLevelsThreshold(t *testing.T) {
	var statusChanges []domain.UserID
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, func(id domain.UserID, _ domain.MemberStatus) {
		statusChanges = append(statusChanges, id)
	})
	r.AddMember(member("a"), ConflictDiscard)
	r.AddMember(member("b"), ConflictDiscard)

	// Exactly at the threshold is not speaking; above it is.
	changed := r.UpdateAudioLevels(map[domain.UserID]float64{
		"a": domain.SpeakingThreshold,
		"b": domain.SpeakingThreshold + 0.001,
	})
	assert.Equal(t, []domain.UserID{"b"}, changed)
	assert.Equal(t, []domain.UserID{"b"}, statusChanges)

	// Same levels again: no change reported.
	changed = r.UpdateAudioLevels(map[domain.UserID]float64{
		"a": domain.SpeakingThreshold,
		"b": domain.SpeakingThreshold + 0.001,
	})
	assert.Empty(t, changed)

	// Silence clears speaking.
	changed = r.UpdateAudioLevels(map[domain.UserID]float64{})
	assert.Equal(t, []domain.UserID{"b"}, changed)
}

func TestRoster_TrackDisabledIsSticky(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)
	r.AddMember(member("a"), ConflictDiscard)

	r.SetTrackDisabled("a", true)

	// Audio levels never override the disabled flag.
	changed := r.UpdateAudioLevels(map[domain.UserID]float64{"a": 0.9})
	assert.Empty(t, changed)
	assert.Equal(t, domain.StatusTrackDisabled, r.Members()[0].Status)

	// Clearing resets to none, after which levels apply again.
	r.SetTrackDisabled("a", false)
	assert.Equal(t, domain.StatusNone, r.Members()[0].Status)

	changed = r.UpdateAudioLevels(map[domain.UserID]float64{"a": 0.9})
	assert.Equal(t, []domain.UserID{"a"}, changed)
	assert.Equal(t, domain.StatusSpeaking, r.Members()[0].Status)
}

func TestRoster_SetTrackDisabledClearDoesNotTouchSpeaking(t *testing.T) {
	r := NewRoster(zaptest.NewLogger(t).Sugar(), nil, nil)
	r.AddMember(member("a"), ConflictDiscard)
	r.UpdateAudioLevels(map[domain.UserID]float64{"a": 0.9})

	// Clearing a flag that was never set leaves the speaking status alone.
	r.SetTrackDisabled("a", false)
	assert.Equal(t, domain.StatusSpeaking, r.Members()[0].Status)
}

func TestRoster_CountCallbackFiresOnMutations(t *testing.T) {
	var counts []int
	r := NewRoster(zaptest.NewLogger(t).Sugar(), func(c int) { counts = append(counts, c) }, nil)

	r.AddMember(member("a"), ConflictDiscard)
	r.AddMember(member("b"), ConflictDiscard)
	r.AddMember(member("a"), ConflictDiscard) // no-op
	r.RemoveMember("a", false)
	r.RemoveMember("missing", false) // no-op

	assert.Equal(t, []int{1, 2, 1}, counts)
}
