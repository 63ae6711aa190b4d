package media

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"callnet/internal/core/domain"
	"callnet/internal/core/ports"
	"callnet/pkg/optimize"
)

const audioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// rtpBuffers is shared across engines; tracks churn on every rebuild.
var rtpBuffers = optimize.NewBytePool(1500)

// Config holds the transport parameters for one engine.
type Config struct {
	ICEServers []webrtc.ICEServer
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// Engine is the pion-backed media engine for one call. Remote tracks carry
// the peer's user id as their stream id and the peer's session id as the
// track id; audio levels are read from the ssrc-audio-level RTP header
// extension.
type Engine struct {
	config Config
	logger *zap.SugaredLogger

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	delegate ports.MediaEngineDelegate
	closed   bool

	audioTrack *webrtc.TrackLocalStaticRTP

	levels      map[domain.UserID]float64
	decryptKeys map[string][]byte
}

func NewEngine(config Config, logger *zap.SugaredLogger) *Engine {
	return &Engine{
		config:      config,
		logger:      logger,
		levels:      make(map[domain.UserID]float64),
		decryptKeys: make(map[string][]byte),
	}
}

func (e *Engine) SetDelegate(delegate ports.MediaEngineDelegate) {
	e.mu.Lock()
	e.delegate = delegate
	e.mu.Unlock()
}

// MakeOffer creates a local offer, building the peer connection on first use
// or after a non-permanent close.
func (e *Engine) MakeOffer(frameKey []byte, restartICE bool) (domain.SDP, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return domain.SDP{}, fmt.Errorf("engine closed")
	}
	if e.pc == nil {
		if err := e.buildPeerConnectionLocked(); err != nil {
			e.mu.Unlock()
			return domain.SDP{}, err
		}
	}
	pc := e.pc
	e.mu.Unlock()

	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: restartICE})
	if err != nil {
		return domain.SDP{}, fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return domain.SDP{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SDP{Type: domain.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (e *Engine) MakeAnswer() (domain.SDP, error) {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return domain.SDP{}, fmt.Errorf("no peer connection")
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return domain.SDP{}, fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return domain.SDP{}, fmt.Errorf("failed to set local description: %w", err)
	}
	return domain.SDP{Type: domain.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (e *Engine) SetRemoteSDP(sdp domain.SDP) error {
	e.mu.Lock()
	if e.pc == nil {
		if err := e.buildPeerConnectionLocked(); err != nil {
			e.mu.Unlock()
			return err
		}
	}
	pc := e.pc
	e.mu.Unlock()

	sdpType := webrtc.SDPTypeAnswer
	if sdp.IsOffer() {
		sdpType = webrtc.SDPTypeOffer
	}
	return pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: sdp.SDP})
}

func (e *Engine) AddRemoteCandidate(candidate string) error {
	e.mu.Lock()
	pc := e.pc
	e.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("no peer connection")
	}
	return pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate})
}

// Close releases the transport. A non-permanent close keeps the engine
// usable for a session rebuild.
func (e *Engine) Close(permanently bool) {
	e.mu.Lock()
	pc := e.pc
	e.pc = nil
	e.audioTrack = nil
	e.levels = make(map[domain.UserID]float64)
	if permanently {
		e.closed = true
	}
	e.mu.Unlock()

	if pc != nil {
		if err := pc.Close(); err != nil {
			e.logger.Warnw("failed to close peer connection", "error", err)
		}
	}
}

func (e *Engine) AudioLevels() map[domain.UserID]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[domain.UserID]float64, len(e.levels))
	for id, level := range e.levels {
		out[id] = level
	}
	return out
}

func (e *Engine) SetFrameDecryptionKey(user domain.UserID, session domain.SessionID, key []byte) error {
	e.mu.Lock()
	e.decryptKeys[keyID(user, session)] = key
	e.mu.Unlock()
	return nil
}

func keyID(user domain.UserID, session domain.SessionID) string {
	return string(user) + "/" + string(session)
}

func (e *Engine) buildPeerConnectionLocked() error {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return fmt.Errorf("failed to register codecs: %w", err)
	}
	if err := mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: audioLevelURI},
		webrtc.RTPCodecTypeAudio,
	); err != nil {
		return fmt.Errorf("failed to register audio level extension: %w", err)
	}

	settingEngine := webrtc.SettingEngine{}
	if e.config.PortRange.Min > 0 && e.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.config.PortRange.Min, e.config.PortRange.Max); err != nil {
			return fmt.Errorf("failed to set port range: %w", err)
		}
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithSettingEngine(settingEngine),
	)
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:   e.config.ICEServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlanWithFallback,
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio",
		"callnet-audio",
	)
	if err != nil {
		pc.Close()
		return fmt.Errorf("failed to create audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return fmt.Errorf("failed to add audio track: %w", err)
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		if d := e.currentDelegate(); d != nil {
			d.OnLocalCandidate(candidate.ToJSON().Candidate)
		}
	})
	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		e.logger.Debugw("ice connection state changed", "state", state.String())
		d := e.currentDelegate()
		if d == nil {
			return
		}
		switch state {
		case webrtc.ICEConnectionStateConnected:
			d.OnConnected()
		case webrtc.ICEConnectionStateDisconnected:
			d.OnDisconnected()
		case webrtc.ICEConnectionStateFailed:
			d.OnICEFailed()
		}
	})
	pc.OnTrack(e.handleRemoteTrack)

	e.pc = pc
	e.audioTrack = audioTrack
	return nil
}

func (e *Engine) currentDelegate() ports.MediaEngineDelegate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.delegate
}

// handleRemoteTrack attaches a reader to a new remote media leg. The track's
// stream id names the sending user, the track id their session.
func (e *Engine) handleRemoteTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	user := domain.UserID(track.StreamID())
	session := domain.SessionID(track.ID())

	e.logger.Infow("remote track added",
		"user_id", string(user),
		"session_id", string(session),
		"codec", track.Codec().MimeType,
	)

	e.mu.Lock()
	_, hasKey := e.decryptKeys[keyID(user, session)]
	e.mu.Unlock()

	if d := e.currentDelegate(); d != nil {
		d.OnReceiverAdded(user, session, !hasKey)
		if !hasKey {
			d.OnSenderKeyNeeded(user, session)
		}
	}

	levelExtID := audioLevelExtensionID(receiver)
	go e.readTrack(track, user, session, levelExtID)
	go e.drainRTCP(receiver, user)
}

func audioLevelExtensionID(receiver *webrtc.RTPReceiver) int {
	for _, ext := range receiver.GetParameters().HeaderExtensions {
		if strings.EqualFold(ext.URI, audioLevelURI) {
			return ext.ID
		}
	}
	return 0
}

// readTrack consumes RTP from one remote track and keeps the sender's audio
// level current.
func (e *Engine) readTrack(track *webrtc.TrackRemote, user domain.UserID, session domain.SessionID, levelExtID int) {
	buf := rtpBuffers.Get()
	defer rtpBuffers.Put(buf)
	packet := &rtp.Packet{}

	for {
		n, _, err := track.Read(buf)
		if err != nil {
			e.logger.Debugw("remote track closed",
				"user_id", string(user),
				"session_id", string(session),
				"error", err,
			)
			e.mu.Lock()
			delete(e.levels, user)
			e.mu.Unlock()
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			e.logger.Warnw("failed to parse rtp packet", "user_id", string(user), "error", err)
			continue
		}
		if levelExtID == 0 {
			continue
		}
		payload := packet.GetExtension(uint8(levelExtID))
		if payload == nil {
			continue
		}
		ext := &rtp.AudioLevelExtension{}
		if err := ext.Unmarshal(payload); err != nil {
			continue
		}

		// The extension carries -dBov in 0..127; convert to a linear 0..1
		// scale so 0.01 is a usable speaking threshold.
		level := math.Pow(10, -float64(ext.Level)/20)
		e.mu.Lock()
		e.levels[user] = level
		e.mu.Unlock()
	}
}

// drainRTCP keeps the receiver's RTCP loop running so the interceptor chain
// stays fed. Reports are inspected for logging only.
func (e *Engine) drainRTCP(receiver *webrtc.RTPReceiver, user domain.UserID) {
	for {
		packets, _, err := receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			e.logRTCP(user, packet)
		}
	}
}
