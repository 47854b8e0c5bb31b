// Package session drives one call session through its lifecycle: device
// confirmation, joining the room, the active call, and teardown.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/media"
	"github.com/curaline/telecall/internal/rtc"
	"github.com/curaline/telecall/internal/signal"
)

// State is the session lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateConfirmingDevices
	StateJoining
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfirmingDevices:
		return "confirming-devices"
	case StateJoining:
		return "joining"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CloseReason records why a session ended.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	ReasonLocalLeave
	ReasonPeerLeft
	ReasonRoomFull
	ReasonForeignSession
	ReasonSignalLost
	ReasonStopped
)

func (r CloseReason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case ReasonLocalLeave:
		return "local-leave"
	case ReasonPeerLeft:
		return "peer-left"
	case ReasonRoomFull:
		return "room-full"
	case ReasonForeignSession:
		return "foreign-session"
	case ReasonSignalLost:
		return "signal-lost"
	case ReasonStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// SignalChannel is the session's connection to the relay. Satisfied by
// *signaling.Channel.
type SignalChannel interface {
	Incoming() <-chan signal.Message
	Send(signal.Message)
	Close()
}

// Notifier receives session events for the UI. Implementations must not
// block; they are called from the session's event loop.
type Notifier interface {
	StateChanged(state State, reason CloseReason)
	ChatReceived(sender, text string)
}

// Recorder persists call lifecycle events. A nil Recorder disables
// history without any other behavior change.
type Recorder interface {
	RecordEvent(ctx context.Context, sessionUUID, roomID, event string) error
}

// negotiator is the slice of *rtc.Orchestrator the controller drives.
type negotiator interface {
	StartOffer() error
	HandleRemoteSDP(kind signal.Type, sdp, remoteUUID string)
	HandleRemoteCandidate(candidate webrtc.ICECandidateInit)
	SetLocalVideo(enabled bool)
	SetLocalAudio(enabled bool)
	ApplyRemoteMicStatus(enabled bool)
	ApplyRemoteCameraStatus(enabled bool)
	Close()
}

type mediaSource interface {
	Acquire(sel media.Selection)
	Release()
}

// Config wires a controller to its collaborators. Channel and Logger are
// required; everything else degrades gracefully when absent.
type Config struct {
	RoomID       string
	DisplayName  string
	ExpectedUser string // if set, a peer joining under another name ends the session
	SessionUUID  string // defaults to a fresh UUID
	ICEServers   []string

	Channel  SignalChannel
	Media    *media.Manager
	Sink     rtc.RemoteSink
	Notifier Notifier
	History  Recorder
	Logger   *zap.Logger
}

// Controller owns one call session. All state transitions happen on a
// single event-loop goroutine; the exported methods post work to it and
// never touch session state directly.
type Controller struct {
	logger      *zap.Logger
	cfg         Config
	sessionUUID string

	channel SignalChannel
	media   mediaSource
	sink    rtc.RemoteSink
	history Recorder

	// test seam; defaults to building an rtc.Orchestrator
	buildNegotiator func() (negotiator, error)

	actions chan func()
	done    chan struct{}

	// loop-owned
	neg      negotiator
	joinSent bool
	isCaller bool

	mu     sync.Mutex
	state  State
	reason CloseReason
}

// New builds a controller in the idle state. Call Start to run it.
func New(cfg Config) *Controller {
	sessionUUID := cfg.SessionUUID
	if sessionUUID == "" {
		sessionUUID = uuid.NewString()
	}

	c := &Controller{
		logger:      cfg.Logger.Named("session").With(zap.String("room", cfg.RoomID)),
		cfg:         cfg,
		sessionUUID: sessionUUID,
		channel:     cfg.Channel,
		sink:        cfg.Sink,
		history:     cfg.History,
		actions:     make(chan func(), 16),
		done:        make(chan struct{}),
		state:       StateIdle,
	}
	if cfg.Media != nil {
		c.media = cfg.Media
	}
	c.buildNegotiator = func() (negotiator, error) {
		return rtc.New(rtc.Config{
			RoomID:      cfg.RoomID,
			SessionUUID: sessionUUID,
			ICEServers:  cfg.ICEServers,
			Sender:      cfg.Channel,
			Sink:        cfg.Sink,
			Logger:      cfg.Logger,
		}, cfg.Media)
	}
	return c
}

// SessionUUID identifies this session in signaling messages.
func (c *Controller) SessionUUID() string { return c.sessionUUID }

// State returns the current lifecycle phase and, once closed, the reason.
func (c *Controller) State() (State, CloseReason) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state, c.reason
}

// Done closes when the session has fully torn down.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Start runs the event loop.
func (c *Controller) Start() {
	go c.run()
}

// ConfirmDevices acquires the selected devices and joins the room. Only
// the first call has any effect.
func (c *Controller) ConfirmDevices(sel media.Selection) {
	c.do(func() { c.confirmDevices(sel) })
}

// ToggleCamera pauses or resumes the outgoing video and tells the peer.
func (c *Controller) ToggleCamera(enabled bool) {
	c.do(func() {
		if c.neg != nil {
			c.neg.SetLocalVideo(enabled)
		}
		c.channel.Send(signal.CameraStatus{Enabled: enabled, RoomID: c.cfg.RoomID})
	})
}

// ToggleMic pauses or resumes the outgoing audio and tells the peer.
func (c *Controller) ToggleMic(enabled bool) {
	c.do(func() {
		if c.neg != nil {
			c.neg.SetLocalAudio(enabled)
		}
		c.channel.Send(signal.MicStatus{Enabled: enabled, RoomID: c.cfg.RoomID})
	})
}

// SendChat relays a chat line to the peer.
func (c *Controller) SendChat(text string) {
	c.do(func() {
		c.channel.Send(signal.ChatMessage{Text: text, Sender: c.cfg.DisplayName, RoomID: c.cfg.RoomID})
	})
}

// Leave ends the session locally.
func (c *Controller) Leave() {
	c.do(func() { c.teardown(ReasonLocalLeave) })
}

// do posts fn to the event loop; a closed session drops it.
func (c *Controller) do(fn func()) {
	select {
	case c.actions <- fn:
	case <-c.done:
	}
}

func (c *Controller) run() {
	incoming := c.channel.Incoming()
	for {
		select {
		case fn := <-c.actions:
			fn()
		case msg, ok := <-incoming:
			if !ok {
				// The channel also closes its incoming stream after a
				// local teardown; only an unexpected drop is terminal.
				incoming = nil
				if c.currentState() != StateClosed {
					c.logger.Warn("signaling channel lost")
					c.teardown(ReasonSignalLost)
				}
			} else {
				c.dispatch(msg)
			}
		case <-c.done:
			return
		}
	}
}

func (c *Controller) confirmDevices(sel media.Selection) {
	if c.currentState() != StateIdle {
		return
	}
	c.setState(StateConfirmingDevices, ReasonNone)
	if c.media != nil {
		c.media.Acquire(sel)
	}

	c.setState(StateJoining, ReasonNone)
	if !c.joinSent {
		c.joinSent = true
		c.channel.Send(signal.JoinRoom{User: c.cfg.DisplayName, RoomID: c.cfg.RoomID})
	}
	c.recordEvent("joined")

	// The relay does not acknowledge a join; a full room answers with
	// room-full instead, which tears the session down.
	c.setState(StateActive, ReasonNone)
}

func (c *Controller) dispatch(msg signal.Message) {
	if c.currentState() == StateClosed {
		return
	}

	switch m := msg.(type) {
	case signal.JoinRoom:
		c.peerJoined(m.User)
	case signal.SDPOffer:
		if neg := c.ensureNegotiator(); neg != nil {
			neg.HandleRemoteSDP(signal.TypeSDPOffer, m.SDP, m.UUID)
		}
	case signal.SDPAnswer:
		if c.neg == nil {
			c.logger.Warn("answer before any negotiation, dropping")
			return
		}
		c.neg.HandleRemoteSDP(signal.TypeSDPAnswer, m.SDP, m.UUID)
	case signal.ICECandidate:
		if neg := c.ensureNegotiator(); neg != nil {
			neg.HandleRemoteCandidate(m.ICE)
		}
	case signal.ChatMessage:
		if c.cfg.Notifier != nil {
			c.cfg.Notifier.ChatReceived(m.Sender, m.Text)
		}
	case signal.CameraStatus:
		if c.neg != nil {
			c.neg.ApplyRemoteCameraStatus(m.Enabled)
		}
	case signal.MicStatus:
		if c.neg != nil {
			c.neg.ApplyRemoteMicStatus(m.Enabled)
		}
	case signal.LeaveRoom:
		c.logger.Info("peer left the room", zap.String("user", m.User))
		c.teardown(ReasonPeerLeft)
	case signal.StopSession:
		c.teardown(ReasonStopped)
	case signal.RoomFull:
		c.logger.Warn("room already has two participants")
		c.teardown(ReasonRoomFull)
	default:
		c.logger.Debug("ignoring message", zap.String("type", string(msg.Kind())))
	}
}

// peerJoined makes this side the caller: we were in the room first, so we
// open the negotiation.
func (c *Controller) peerJoined(user string) {
	if c.cfg.ExpectedUser != "" && user != c.cfg.ExpectedUser {
		c.logger.Warn("unexpected participant joined",
			zap.String("got", user), zap.String("want", c.cfg.ExpectedUser))
		c.teardown(ReasonForeignSession)
		return
	}
	c.recordEvent("peer-joined")

	neg := c.ensureNegotiator()
	if neg == nil {
		return
	}
	if !c.isCaller {
		c.isCaller = true
		if err := neg.StartOffer(); err != nil {
			c.logger.Error("starting offer", zap.Error(err))
		}
	}
}

// ensureNegotiator creates the peer connection on first need. Keeping it
// lazy means a room-full rejection never touches the media stack.
func (c *Controller) ensureNegotiator() negotiator {
	if c.neg != nil {
		return c.neg
	}
	neg, err := c.buildNegotiator()
	if err != nil {
		c.logger.Error("creating peer connection", zap.Error(err))
		return nil
	}
	c.neg = neg
	return neg
}

// teardown releases everything in a fixed order: local media first, then
// the peer connection, then the signaling channel (which sends the final
// leave-room). Idempotent.
func (c *Controller) teardown(reason CloseReason) {
	if c.currentState() == StateClosed {
		return
	}

	if c.media != nil {
		c.media.Release()
	}
	if c.neg != nil {
		c.neg.Close()
		c.neg = nil
	}
	c.channel.Close()

	c.recordEvent("closed:" + reason.String())
	c.setState(StateClosed, reason)
	close(c.done)
}

func (c *Controller) currentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(state State, reason CloseReason) {
	c.mu.Lock()
	c.state = state
	c.reason = reason
	c.mu.Unlock()

	c.logger.Info("session state changed",
		zap.String("state", state.String()), zap.String("reason", reason.String()))
	if c.cfg.Notifier != nil {
		c.cfg.Notifier.StateChanged(state, reason)
	}
}

// recordEvent writes history off the event loop; the store retries on its
// own and a nil Recorder is a no-op.
func (c *Controller) recordEvent(event string) {
	if c.history == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.history.RecordEvent(ctx, c.sessionUUID, c.cfg.RoomID, event); err != nil {
			c.logger.Warn("recording session event", zap.String("event", event), zap.Error(err))
		}
	}()
}
