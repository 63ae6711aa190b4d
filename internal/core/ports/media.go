package ports

import (
	"callnet/internal/core/domain"
)

// MediaEngine is the opaque media component behind a call. It produces and
// consumes session descriptions and candidates and reports connectivity
// through its delegate. Negotiation internals are not this core's concern.
type MediaEngine interface {
	// MakeOffer creates a local offer. frameKey may be nil for 1:1 calls;
	// restartICE requests an ICE restart offer.
	MakeOffer(frameKey []byte, restartICE bool) (domain.SDP, error)
	MakeAnswer() (domain.SDP, error)
	SetRemoteSDP(sdp domain.SDP) error
	AddRemoteCandidate(candidate string) error

	// Close releases the engine. A non-permanent close keeps the engine
	// reusable for a session rebuild; a permanent close is final.
	Close(permanently bool)

	// AudioLevels reports the current audio level per remote user.
	AudioLevels() map[domain.UserID]float64

	// SetFrameDecryptionKey installs the frame decryption key for one peer
	// session's media.
	SetFrameDecryptionKey(user domain.UserID, session domain.SessionID, key []byte) error

	SetDelegate(delegate MediaEngineDelegate)
}

// MediaEngineDelegate receives engine callbacks. Implementations must not
// block; call sessions hop these onto their own work queue.
type MediaEngineDelegate interface {
	OnLocalCandidate(candidate string)
	OnConnected()
	OnDisconnected()
	OnICEFailed()
	// OnSenderKeyNeeded fires when media from a peer session cannot be
	// decrypted because no frame key is installed yet.
	OnSenderKeyNeeded(user domain.UserID, session domain.SessionID)
	// OnReceiverAdded fires when a remote media leg appears. trackDisabled
	// reports that no decryption key was available at attach time.
	OnReceiverAdded(user domain.UserID, session domain.SessionID, trackDisabled bool)
}
