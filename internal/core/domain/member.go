package domain

// SpeakingThreshold is the audio level above which a member counts as speaking.
const SpeakingThreshold = 0.01

// MemberStatus describes the presentation state of a group-call member.
// StatusTrackDisabled is sticky: once set it overrides any speaking
// computation until cleared explicitly.
type MemberStatus int

const (
	StatusNone MemberStatus = iota
	StatusSpeaking
	StatusTrackDisabled
)

func (s MemberStatus) String() string {
	switch s {
	case StatusNone:
		return "none"
	case StatusSpeaking:
		return "speaking"
	case StatusTrackDisabled:
		return "track_disabled"
	default:
		return "unknown"
	}
}

// Member is one entry of a group-call roster.
type Member struct {
	User        User
	Status      MemberStatus
	IsConnected bool
}
