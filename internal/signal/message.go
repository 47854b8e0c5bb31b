// Package signal defines the messages exchanged with the signaling relay.
//
// Every message is a flat JSON object tagged by a "type" field. The Go side
// keeps them as an explicit sum type so handling stays exhaustive: Decode
// returns one concrete variant per wire tag, and Encode rebuilds the wire
// form from a variant.
package signal

import (
	"encoding/json"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// Type tags a message on the wire.
type Type string

const (
	TypeJoinRoom     Type = "join-room"
	TypeLeaveRoom    Type = "leave-room"
	TypeSDPOffer     Type = "sdp-offer"
	TypeSDPAnswer    Type = "sdp-answer"
	TypeICECandidate Type = "ice-candidate"
	TypeChatMessage  Type = "chat-message"
	TypeCameraStatus Type = "camera-status"
	TypeMicStatus    Type = "mic-status"
	TypeRoomFull     Type = "room-full"
	TypeStopSession  Type = "stop-session"
)

// Message is the closed set of relay messages.
type Message interface {
	// Kind returns the wire tag of the variant.
	Kind() Type
	// Room returns the room identifier the message is scoped to.
	// Empty only for relay-originated terminal messages that predate
	// a room association on the client side.
	Room() string
}

// JoinRoom announces a participant entering a room.
type JoinRoom struct {
	User   string `json:"user"`
	RoomID string `json:"roomID"`
}

// LeaveRoom announces a participant leaving a room. The relay synthesizes
// one on behalf of a participant that disconnects without sending it.
type LeaveRoom struct {
	User   string `json:"user"`
	RoomID string `json:"roomID"`
}

// SDPOffer carries a session description offer. UUID identifies the
// sending session and is the tie-break key for simultaneous offers.
type SDPOffer struct {
	SDP    string `json:"sdp"`
	UUID   string `json:"uuid"`
	RoomID string `json:"roomID"`
}

// SDPAnswer carries a session description answer.
type SDPAnswer struct {
	SDP    string `json:"sdp"`
	UUID   string `json:"uuid"`
	RoomID string `json:"roomID"`
}

// ICECandidate carries one trickled candidate.
type ICECandidate struct {
	ICE    webrtc.ICECandidateInit `json:"ice"`
	UUID   string                  `json:"uuid"`
	RoomID string                  `json:"roomID"`
}

// ChatMessage is ancillary text chat, pass-through for the session core.
type ChatMessage struct {
	Text   string `json:"message"`
	Sender string `json:"sender"`
	RoomID string `json:"roomID"`
}

// CameraStatus reports the sender's camera enabled flag.
type CameraStatus struct {
	Enabled bool   `json:"enabled"`
	RoomID  string `json:"roomID"`
}

// MicStatus reports the sender's microphone enabled flag.
type MicStatus struct {
	Enabled bool   `json:"enabled"`
	RoomID  string `json:"roomID"`
}

// RoomFull is sent by the relay to a joiner that would exceed the
// two-participant room capacity.
type RoomFull struct {
	RoomID string `json:"roomID"`
}

// StopSession ends the session for every participant in the room.
type StopSession struct {
	RoomID string `json:"roomID"`
}

func (m JoinRoom) Kind() Type     { return TypeJoinRoom }
func (m LeaveRoom) Kind() Type    { return TypeLeaveRoom }
func (m SDPOffer) Kind() Type     { return TypeSDPOffer }
func (m SDPAnswer) Kind() Type    { return TypeSDPAnswer }
func (m ICECandidate) Kind() Type { return TypeICECandidate }
func (m ChatMessage) Kind() Type  { return TypeChatMessage }
func (m CameraStatus) Kind() Type { return TypeCameraStatus }
func (m MicStatus) Kind() Type    { return TypeMicStatus }
func (m RoomFull) Kind() Type     { return TypeRoomFull }
func (m StopSession) Kind() Type  { return TypeStopSession }

func (m JoinRoom) Room() string     { return m.RoomID }
func (m LeaveRoom) Room() string    { return m.RoomID }
func (m SDPOffer) Room() string     { return m.RoomID }
func (m SDPAnswer) Room() string    { return m.RoomID }
func (m ICECandidate) Room() string { return m.RoomID }
func (m ChatMessage) Room() string  { return m.RoomID }
func (m CameraStatus) Room() string { return m.RoomID }
func (m MicStatus) Room() string    { return m.RoomID }
func (m RoomFull) Room() string     { return m.RoomID }
func (m StopSession) Room() string  { return m.RoomID }

// envelope is the wire form shared by every variant.
type envelope struct {
	Type    Type                     `json:"type"`
	User    string                   `json:"user,omitempty"`
	RoomID  string                   `json:"roomID,omitempty"`
	SDP     string                   `json:"sdp,omitempty"`
	UUID    string                   `json:"uuid,omitempty"`
	ICE     *webrtc.ICECandidateInit `json:"ice,omitempty"`
	Text    string                   `json:"message,omitempty"`
	Sender  string                   `json:"sender,omitempty"`
	Enabled *bool                    `json:"enabled,omitempty"`
}

// Encode serializes a message into its wire form.
func Encode(m Message) ([]byte, error) {
	env := envelope{Type: m.Kind(), RoomID: m.Room()}
	switch v := m.(type) {
	case JoinRoom:
		env.User = v.User
	case LeaveRoom:
		env.User = v.User
	case SDPOffer:
		env.SDP = v.SDP
		env.UUID = v.UUID
	case SDPAnswer:
		env.SDP = v.SDP
		env.UUID = v.UUID
	case ICECandidate:
		ice := v.ICE
		env.ICE = &ice
		env.UUID = v.UUID
	case ChatMessage:
		env.Text = v.Text
		env.Sender = v.Sender
	case CameraStatus:
		enabled := v.Enabled
		env.Enabled = &enabled
	case MicStatus:
		enabled := v.Enabled
		env.Enabled = &enabled
	case RoomFull, StopSession:
		// tag and roomID only
	default:
		return nil, fmt.Errorf("encode: unknown message %T", m)
	}
	return json.Marshal(env)
}

// Decode parses a wire message into its concrete variant. Unknown tags are
// an error so the caller can drop them with a log line.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	switch env.Type {
	case TypeJoinRoom:
		return JoinRoom{User: env.User, RoomID: env.RoomID}, nil
	case TypeLeaveRoom:
		return LeaveRoom{User: env.User, RoomID: env.RoomID}, nil
	case TypeSDPOffer:
		return SDPOffer{SDP: env.SDP, UUID: env.UUID, RoomID: env.RoomID}, nil
	case TypeSDPAnswer:
		return SDPAnswer{SDP: env.SDP, UUID: env.UUID, RoomID: env.RoomID}, nil
	case TypeICECandidate:
		if env.ICE == nil {
			return nil, fmt.Errorf("decode: ice-candidate without candidate payload")
		}
		return ICECandidate{ICE: *env.ICE, UUID: env.UUID, RoomID: env.RoomID}, nil
	case TypeChatMessage:
		return ChatMessage{Text: env.Text, Sender: env.Sender, RoomID: env.RoomID}, nil
	case TypeCameraStatus:
		return CameraStatus{Enabled: env.Enabled != nil && *env.Enabled, RoomID: env.RoomID}, nil
	case TypeMicStatus:
		return MicStatus{Enabled: env.Enabled != nil && *env.Enabled, RoomID: env.RoomID}, nil
	case TypeRoomFull:
		return RoomFull{RoomID: env.RoomID}, nil
	case TypeStopSession:
		return StopSession{RoomID: env.RoomID}, nil
	default:
		return nil, fmt.Errorf("decode: unknown message type %q", env.Type)
	}
}
