// Package rtc owns the peer connection for one call session and applies
// the SDP/ICE exchange despite out-of-order delivery.
package rtc

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/media"
	"github.com/curaline/telecall/internal/signal"
)

// Sender delivers messages to the signaling relay. Satisfied by
// *signaling.Channel.
type Sender interface {
	Send(signal.Message)
}

// RemoteSink receives the remote participant's media. AddTrack announces a
// new remote track; WriteRTP feeds its packets. The enabled setters encode
// "camera off" as a cleared picture rather than a frozen frame, and remote
// mute symmetrically.
type RemoteSink interface {
	AddTrack(track *webrtc.TrackRemote)
	WriteRTP(track *webrtc.TrackRemote, pkt *rtp.Packet)
	SetVideoEnabled(enabled bool)
	SetAudioEnabled(enabled bool)
	Clear()
}

// peerConnection is the slice of *webrtc.PeerConnection the queuing
// discipline needs, so ordering rules stay testable.
type peerConnection interface {
	SignalingState() webrtc.SignalingState
	SetRemoteDescription(desc webrtc.SessionDescription) error
	SetLocalDescription(desc webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	RemoteDescription() *webrtc.SessionDescription
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	Close() error
}

// Config carries everything the orchestrator needs besides media.
type Config struct {
	RoomID      string
	SessionUUID string
	ICEServers  []string
	Sender      Sender
	Sink        RemoteSink
	Logger      *zap.Logger
}

type queuedSDP struct {
	kind signal.Type
	sdp  string
	uuid string
}

// Orchestrator maintains exactly one peer connection per session. Remote
// SDP that arrives while the connection is not stable, and ICE candidates
// that arrive before a remote description, are queued and drained in
// arrival order.
type Orchestrator struct {
	logger      *zap.Logger
	pc          peerConnection
	realPC      *webrtc.PeerConnection
	sender      Sender
	sink        RemoteSink
	roomID      string
	sessionUUID string

	mu         sync.Mutex
	pendingSDP []queuedSDP
	pendingICE []webrtc.ICECandidateInit
	remoteSet  bool
	offerSent  bool
	closed     bool

	videoSender *webrtc.RTPSender
	audioSender *webrtc.RTPSender
	localVideo  webrtc.TrackLocal
	localAudio  webrtc.TrackLocal
}

// New creates the peer connection, registers its callbacks, and attaches
// the local tracks before any negotiation starts. With no local tracks
// (degraded join) it still sets up receive-only transceivers.
func New(cfg Config, mgr *media.Manager) (*Orchestrator, error) {
	mediaEngine := webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register default codecs: %w", err)
	}
	if mgr != nil {
		mgr.CodecSelector().Populate(&mediaEngine)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(&mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: cfg.ICEServers}},
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	o := newWithPeer(pc, cfg)
	o.realPC = pc

	if err := o.addLocalTracks(mgr); err != nil {
		pc.Close()
		return nil, err
	}
	o.setupCallbacks()

	return o, nil
}

func newWithPeer(pc peerConnection, cfg Config) *Orchestrator {
	return &Orchestrator{
		logger:      cfg.Logger.Named("rtc"),
		pc:          pc,
		sender:      cfg.Sender,
		sink:        cfg.Sink,
		roomID:      cfg.RoomID,
		sessionUUID: cfg.SessionUUID,
	}
}

func (o *Orchestrator) addLocalTracks(mgr *media.Manager) error {
	var haveVideo, haveAudio bool
	if mgr != nil {
		for _, track := range mgr.Tracks() {
			transceiver, err := o.realPC.AddTransceiverFromTrack(track, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			})
			if err != nil {
				return fmt.Errorf("add %s track: %w", track.Kind(), err)
			}
			switch track.Kind() {
			case webrtc.RTPCodecTypeVideo:
				haveVideo = true
				o.videoSender = transceiver.Sender()
				o.localVideo = track
			case webrtc.RTPCodecTypeAudio:
				haveAudio = true
				o.audioSender = transceiver.Sender()
				o.localAudio = track
			}
		}
	}
	if !haveVideo {
		if _, err := o.realPC.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly video transceiver: %w", err)
		}
	}
	if !haveAudio {
		if _, err := o.realPC.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly audio transceiver: %w", err)
		}
	}
	return nil
}

// setupCallbacks registers every peer connection callback in one place.
func (o *Orchestrator) setupCallbacks() {
	o.realPC.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			return
		}
		// The channel drops this with a warning if the session already
		// left the room; late candidates are not meaningful.
		o.sender.Send(signal.ICECandidate{
			ICE:    candidate.ToJSON(),
			UUID:   o.sessionUUID,
			RoomID: o.roomID,
		})
	})

	o.realPC.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		o.logger.Info("remote track started",
			zap.String("kind", track.Kind().String()),
			zap.String("id", track.ID()))
		if o.sink != nil {
			o.sink.AddTrack(track)
		}
		go o.readRemote(track)
	})

	o.realPC.OnSignalingStateChange(func(state webrtc.SignalingState) {
		o.logger.Debug("signaling state changed", zap.String("state", state.String()))
		if state == webrtc.SignalingStateStable {
			// async: pion may invoke this callback while a description is
			// being applied under our lock
			go o.DrainPendingSDP()
		}
	})

	o.realPC.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		o.logger.Info("peer connection state changed", zap.String("state", state.String()))
	})
}

func (o *Orchestrator) readRemote(track *webrtc.TrackRemote) {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				o.logger.Debug("remote track read ended", zap.Error(err))
			}
			return
		}
		if o.sink != nil {
			o.sink.WriteRTP(track, pkt)
		}
	}
}

// StartOffer creates and sends the caller's offer, exactly once.
func (o *Orchestrator) StartOffer() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.offerSent || o.closed {
		return nil
	}

	offer, err := o.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := o.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	o.offerSent = true

	sdp := offer.SDP
	if local := o.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	o.sender.Send(signal.SDPOffer{SDP: sdp, UUID: o.sessionUUID, RoomID: o.roomID})
	return nil
}

// HandleRemoteSDP applies or queues a remote description.
//
// Offers apply immediately while the connection is stable. An offer that
// collides with our own pending offer is resolved deterministically: the
// session with the lexicographically smaller UUID wins, the loser rolls
// back its local offer and answers. Offers in any other non-stable state
// queue up and drain when the connection returns to stable.
//
// Answers only have meaning while we hold a local offer; a stray answer is
// dropped with a log line.
func (o *Orchestrator) HandleRemoteSDP(kind signal.Type, sdp, remoteUUID string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}

	switch kind {
	case signal.TypeSDPOffer:
		switch state := o.pc.SignalingState(); state {
		case webrtc.SignalingStateStable:
			o.applyRemoteLocked(queuedSDP{kind: kind, sdp: sdp, uuid: remoteUUID})
		case webrtc.SignalingStateHaveLocalOffer:
			o.resolveGlareLocked(sdp, remoteUUID)
		default:
			o.logger.Info("queueing remote offer",
				zap.String("state", state.String()))
			o.pendingSDP = append(o.pendingSDP, queuedSDP{kind: kind, sdp: sdp, uuid: remoteUUID})
		}
	case signal.TypeSDPAnswer:
		if o.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
			o.logger.Warn("dropping answer without a pending local offer",
				zap.String("state", o.pc.SignalingState().String()))
			return
		}
		o.applyRemoteLocked(queuedSDP{kind: kind, sdp: sdp, uuid: remoteUUID})
	default:
		o.logger.Warn("not an SDP message", zap.String("type", string(kind)))
	}
}

// resolveGlareLocked handles both sides offering at once. Smaller session
// UUID wins; the loser rolls back and answers the winner's offer.
func (o *Orchestrator) resolveGlareLocked(sdp, remoteUUID string) {
	if remoteUUID >= o.sessionUUID {
		o.logger.Info("offer collision, local offer wins",
			zap.String("remote_uuid", remoteUUID))
		return
	}
	o.logger.Info("offer collision, rolling back local offer",
		zap.String("remote_uuid", remoteUUID))
	if err := o.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
		o.logger.Error("rollback failed", zap.Error(err))
		return
	}
	o.offerSent = false
	o.applyRemoteLocked(queuedSDP{kind: signal.TypeSDPOffer, sdp: sdp, uuid: remoteUUID})
}

// HandleRemoteCandidate applies a candidate if a remote description is
// set, otherwise queues it.
func (o *Orchestrator) HandleRemoteCandidate(candidate webrtc.ICECandidateInit) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return
	}
	if !o.remoteSet {
		o.pendingICE = append(o.pendingICE, candidate)
		return
	}
	if err := o.pc.AddICECandidate(candidate); err != nil {
		o.logger.Warn("add ICE candidate", zap.Error(err))
	}
}

// DrainPendingSDP applies queued descriptions in arrival order for as long
// as the connection's current state remains stable.
func (o *Orchestrator) DrainPendingSDP() {
	o.mu.Lock()
	defer o.mu.Unlock()

	for len(o.pendingSDP) > 0 && !o.closed {
		// re-read state on every step; applying a queued offer moves
		// the connection away from stable until its answer settles
		if o.pc.SignalingState() != webrtc.SignalingStateStable {
			return
		}
		next := o.pendingSDP[0]
		o.pendingSDP = o.pendingSDP[1:]
		o.applyRemoteLocked(next)
	}
}

// applyRemoteLocked sets the remote description, drains queued ICE
// candidates, and answers if the description was an offer. Failures are
// logged, not fatal: a degraded call beats a dropped one.
func (o *Orchestrator) applyRemoteLocked(q queuedSDP) {
	sdpType := webrtc.SDPTypeOffer
	if q.kind == signal.TypeSDPAnswer {
		sdpType = webrtc.SDPTypeAnswer
	}

	if err := o.pc.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: q.sdp}); err != nil {
		o.logger.Error("set remote description", zap.String("type", sdpType.String()), zap.Error(err))
		return
	}
	o.remoteSet = true
	o.drainICELocked()

	if sdpType != webrtc.SDPTypeOffer {
		return
	}
	answer, err := o.pc.CreateAnswer(nil)
	if err != nil {
		o.logger.Error("create answer", zap.Error(err))
		return
	}
	if err := o.pc.SetLocalDescription(answer); err != nil {
		o.logger.Error("set local description", zap.Error(err))
		return
	}
	sdp := answer.SDP
	if local := o.pc.LocalDescription(); local != nil {
		sdp = local.SDP
	}
	o.sender.Send(signal.SDPAnswer{SDP: sdp, UUID: o.sessionUUID, RoomID: o.roomID})
}

// drainICELocked applies every queued candidate exactly once, in arrival
// order.
func (o *Orchestrator) drainICELocked() {
	pending := o.pendingICE
	o.pendingICE = nil
	for _, candidate := range pending {
		if err := o.pc.AddICECandidate(candidate); err != nil {
			o.logger.Warn("add queued ICE candidate", zap.Error(err))
		}
	}
}

// SetLocalVideo pauses or resumes the outgoing video track. The peer
// connection stays up either way.
func (o *Orchestrator) SetLocalVideo(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replaceLocked(o.videoSender, o.localVideo, enabled, "video")
}

// SetLocalAudio pauses or resumes the outgoing audio track.
func (o *Orchestrator) SetLocalAudio(enabled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.replaceLocked(o.audioSender, o.localAudio, enabled, "audio")
}

func (o *Orchestrator) replaceLocked(sender *webrtc.RTPSender, track webrtc.TrackLocal, enabled bool, kind string) {
	if sender == nil || track == nil {
		o.logger.Debug("no local track to toggle", zap.String("kind", kind))
		return
	}
	var next webrtc.TrackLocal
	if enabled {
		next = track
	}
	if err := sender.ReplaceTrack(next); err != nil {
		o.logger.Warn("toggle local track", zap.String("kind", kind), zap.Error(err))
	}
}

// ApplyRemoteMicStatus mutes or unmutes the remote audio in the sink.
func (o *Orchestrator) ApplyRemoteMicStatus(enabled bool) {
	if o.sink != nil {
		o.sink.SetAudioEnabled(enabled)
	}
}

// ApplyRemoteCameraStatus shows or clears the remote video in the sink.
func (o *Orchestrator) ApplyRemoteCameraStatus(enabled bool) {
	if o.sink != nil {
		o.sink.SetVideoEnabled(enabled)
	}
}

// Close shuts the peer connection down and clears the remote sink. Safe to
// call more than once.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	o.mu.Unlock()

	if err := o.pc.Close(); err != nil {
		o.logger.Warn("close peer connection", zap.Error(err))
	}
	if o.sink != nil {
		o.sink.Clear()
	}
}
