package rtc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/signal"
)

// fakePeer models just enough of the pion signaling state machine to
// exercise the queuing discipline.
type fakePeer struct {
	state         webrtc.SignalingState
	localDesc     *webrtc.SessionDescription
	remoteDesc    *webrtc.SessionDescription
	appliedRemote []webrtc.SessionDescription
	appliedLocal  []webrtc.SessionDescription
	addedICE      []webrtc.ICECandidateInit
	failRemote    bool
	closed        bool
}

func newFakePeer() *fakePeer {
	return &fakePeer{state: webrtc.SignalingStateStable}
}

func (p *fakePeer) SignalingState() webrtc.SignalingState { return p.state }

func (p *fakePeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if p.failRemote {
		return errors.New("injected remote description failure")
	}
	p.appliedRemote = append(p.appliedRemote, desc)
	p.remoteDesc = &desc
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		p.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		p.state = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	p.appliedLocal = append(p.appliedLocal, desc)
	switch desc.Type {
	case webrtc.SDPTypeOffer:
		p.localDesc = &desc
		p.state = webrtc.SignalingStateHaveLocalOffer
	case webrtc.SDPTypeAnswer:
		p.localDesc = &desc
		p.state = webrtc.SignalingStateStable
	case webrtc.SDPTypeRollback:
		p.localDesc = nil
		p.state = webrtc.SignalingStateStable
	}
	return nil
}

func (p *fakePeer) LocalDescription() *webrtc.SessionDescription  { return p.localDesc }
func (p *fakePeer) RemoteDescription() *webrtc.SessionDescription { return p.remoteDesc }

func (p *fakePeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "local-offer"}, nil
}

func (p *fakePeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "local-answer"}, nil
}

func (p *fakePeer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	p.addedICE = append(p.addedICE, candidate)
	return nil
}

func (p *fakePeer) Close() error {
	p.closed = true
	return nil
}

type fakeSender struct {
	msgs []signal.Message
}

func (s *fakeSender) Send(m signal.Message) { s.msgs = append(s.msgs, m) }

func (s *fakeSender) count(kind signal.Type) int {
	n := 0
	for _, m := range s.msgs {
		if m.Kind() == kind {
			n++
		}
	}
	return n
}

func newTestOrchestrator(pc peerConnection, uuid string) (*Orchestrator, *fakeSender) {
	sender := &fakeSender{}
	o := newWithPeer(pc, Config{
		RoomID:      "room-42",
		SessionUUID: uuid,
		Sender:      sender,
		Logger:      zap.NewNop(),
	})
	return o, sender
}

func candidate(i int) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%d", i)}
}

func TestICEQueuedUntilRemoteDescription(t *testing.T) {
	pc := newFakePeer()
	o, _ := newTestOrchestrator(pc, "session-b")

	for i := 0; i < 3; i++ {
		o.HandleRemoteCandidate(candidate(i))
	}
	if len(pc.addedICE) != 0 {
		t.Fatalf("%d candidates applied before remote description, want 0", len(pc.addedICE))
	}

	o.HandleRemoteSDP(signal.TypeSDPOffer, "remote-offer", "session-a")

	if len(pc.addedICE) != 3 {
		t.Fatalf("%d candidates applied after remote description, want 3", len(pc.addedICE))
	}
	for i, c := range pc.addedICE {
		if want := fmt.Sprintf("candidate:%d", i); c.Candidate != want {
			t.Fatalf("candidate %d applied out of order: got %q, want %q", i, c.Candidate, want)
		}
	}

	// A later candidate applies immediately, and the queue is not replayed.
	o.HandleRemoteCandidate(candidate(3))
	if len(pc.addedICE) != 4 {
		t.Fatalf("%d candidates applied after direct add, want 4", len(pc.addedICE))
	}
}

func TestOfferWhileStableIsAnsweredOnce(t *testing.T) {
	pc := newFakePeer()
	o, sender := newTestOrchestrator(pc, "session-b")

	o.HandleRemoteSDP(signal.TypeSDPOffer, "remote-offer", "session-a")

	if len(pc.appliedRemote) != 1 || pc.appliedRemote[0].SDP != "remote-offer" {
		t.Fatalf("remote offer not applied: %+v", pc.appliedRemote)
	}
	if got := sender.count(signal.TypeSDPAnswer); got != 1 {
		t.Fatalf("sent %d answers, want exactly 1", got)
	}
	if pc.state != webrtc.SignalingStateStable {
		t.Fatalf("state after answering = %s, want stable", pc.state)
	}
}

func TestOfferQueuedWhileNotStable(t *testing.T) {
	pc := newFakePeer()
	pc.state = webrtc.SignalingStateHaveRemoteOffer
	o, _ := newTestOrchestrator(pc, "session-b")

	o.HandleRemoteSDP(signal.TypeSDPOffer, "queued-1", "session-a")
	o.HandleRemoteSDP(signal.TypeSDPOffer, "queued-2", "session-a")

	if len(pc.appliedRemote) != 0 {
		t.Fatalf("%d descriptions applied while not stable, want 0", len(pc.appliedRemote))
	}

	pc.state = webrtc.SignalingStateStable
	o.DrainPendingSDP()

	if len(pc.appliedRemote) != 2 {
		t.Fatalf("%d descriptions applied after drain, want 2", len(pc.appliedRemote))
	}
	if pc.appliedRemote[0].SDP != "queued-1" || pc.appliedRemote[1].SDP != "queued-2" {
		t.Fatalf("queued SDPs applied out of order: %+v", pc.appliedRemote)
	}

	// Draining again must not re-apply anything.
	o.DrainPendingSDP()
	if len(pc.appliedRemote) != 2 {
		t.Fatal("drained SDP applied more than once")
	}
}

func TestStartOfferIsIdempotent(t *testing.T) {
	pc := newFakePeer()
	o, sender := newTestOrchestrator(pc, "session-a")

	if err := o.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	if err := o.StartOffer(); err != nil {
		t.Fatalf("second StartOffer failed: %v", err)
	}

	if got := sender.count(signal.TypeSDPOffer); got != 1 {
		t.Fatalf("sent %d offers, want exactly 1", got)
	}
}

func TestGlareRemoteWins(t *testing.T) {
	pc := newFakePeer()
	// "session-b" loses to the remote "session-a" on the UUID tie-break.
	o, sender := newTestOrchestrator(pc, "session-b")

	if err := o.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	o.HandleRemoteSDP(signal.TypeSDPOffer, "remote-offer", "session-a")

	var sawRollback bool
	for _, desc := range pc.appliedLocal {
		if desc.Type == webrtc.SDPTypeRollback {
			sawRollback = true
		}
	}
	if !sawRollback {
		t.Fatal("losing side did not roll back its local offer")
	}
	if len(pc.appliedRemote) != 1 || pc.appliedRemote[0].SDP != "remote-offer" {
		t.Fatalf("winning offer not applied: %+v", pc.appliedRemote)
	}
	if got := sender.count(signal.TypeSDPAnswer); got != 1 {
		t.Fatalf("sent %d answers after rollback, want 1", got)
	}
}

func TestGlareLocalWins(t *testing.T) {
	pc := newFakePeer()
	// "session-a" wins against the remote "session-b".
	o, sender := newTestOrchestrator(pc, "session-a")

	if err := o.StartOffer(); err != nil {
		t.Fatalf("StartOffer failed: %v", err)
	}
	o.HandleRemoteSDP(signal.TypeSDPOffer, "remote-offer", "session-b")

	if len(pc.appliedRemote) != 0 {
		t.Fatalf("losing remote offer was applied: %+v", pc.appliedRemote)
	}
	if got := sender.count(signal.TypeSDPAnswer); got != 0 {
		t.Fatalf("sent %d answers to a losing offer, want 0", got)
	}

	// The remote side rolls back and answers our offer.
	o.HandleRemoteSDP(signal.TypeSDPAnswer, "remote-answer", "session-b")
	if pc.state != webrtc.SignalingStateStable {
		t.Fatalf("state after answer = %s, want stable", pc.state)
	}
}

func TestStrayAnswerDropped(t *testing.T) {
	pc := newFakePeer()
	o, _ := newTestOrchestrator(pc, "session-a")

	o.HandleRemoteSDP(signal.TypeSDPAnswer, "stray-answer", "session-b")

	if len(pc.appliedRemote) != 0 {
		t.Fatalf("stray answer was applied: %+v", pc.appliedRemote)
	}
}

func TestRemoteDescriptionFailureIsNonFatal(t *testing.T) {
	pc := newFakePeer()
	pc.failRemote = true
	o, _ := newTestOrchestrator(pc, "session-b")

	o.HandleRemoteSDP(signal.TypeSDPOffer, "bad-offer", "session-a")

	if pc.closed {
		t.Fatal("negotiation failure tore the session down")
	}

	// Candidates keep queueing; the description never applied.
	o.HandleRemoteCandidate(candidate(0))
	if len(pc.addedICE) != 0 {
		t.Fatal("candidate applied even though no remote description is set")
	}

	// A later good description drains the queue.
	pc.failRemote = false
	o.HandleRemoteSDP(signal.TypeSDPOffer, "good-offer", "session-a")
	if len(pc.addedICE) != 1 {
		t.Fatalf("%d candidates applied after recovery, want 1", len(pc.addedICE))
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	pc := newFakePeer()
	o, _ := newTestOrchestrator(pc, "session-a")

	o.Close()
	o.Close()

	if !pc.closed {
		t.Fatal("peer connection not closed")
	}

	// A session that has been closed ignores late signaling.
	o.HandleRemoteSDP(signal.TypeSDPOffer, "late-offer", "session-b")
	if len(pc.appliedRemote) != 0 {
		t.Fatal("closed orchestrator applied a late offer")
	}
}
