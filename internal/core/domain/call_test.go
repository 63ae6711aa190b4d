package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSDP_IsOffer(t *testing.T) {
	offer := SDP{Type: SDPTypeOffer, SDP: "v=0"}
	answer := SDP{Type: SDPTypeAnswer, SDP: "v=0"}

	assert.True(t, offer.IsOffer())
	assert.False(t, answer.IsOffer())
	assert.Equal(t, SDPType("offer"), SDPTypeOffer)
	assert.Equal(t, SDPType("answer"), SDPTypeAnswer)
}

func TestCallState_CanTransition(t *testing.T) {
	cases := []struct {
		from, to CallState
		ok       bool
	}{
		{CallStateIncoming, CallStateConnecting, true},
		{CallStateOutgoing, CallStateConnecting, true},
		{CallStateConnecting, CallStateConnected, true},
		{CallStateConnected, CallStateRestarting, true},
		{CallStateRestarting, CallStateConnected, true},
		{CallStateRestarting, CallStateConnecting, true},
		{CallStateIncoming, CallStateConnected, false},
		{CallStateConnected, CallStateConnecting, false},
		{CallStateDisconnecting, CallStateConnecting, false},
		{CallStateDisconnecting, CallStateDisconnecting, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}

	// Any non-terminal state may disconnect.
	for _, s := range []CallState{CallStateIncoming, CallStateOutgoing, CallStateConnecting, CallStateConnected, CallStateRestarting} {
		assert.True(t, s.CanTransition(CallStateDisconnecting), "%s -> disconnecting", s)
	}
}
