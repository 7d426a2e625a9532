package signal

import (
	"encoding/json"

	"github.com/pion/webrtc/v4"
)

// Event names the logical message types exchanged with the relay. Every
// payload on the wire is a Message envelope carrying one of the structs below;
// unknown events are routed to the channel's unknown-event hook rather than
// silently skipped.
type Event string

// Outbound events.
const (
	EventJoinAsHost       Event = "join-as-host"
	EventJoinMeeting      Event = "join-meeting"
	EventLeaveMeeting     Event = "leave-meeting"
	EventToggleMic        Event = "toggle-mic"
	EventToggleCamera     Event = "toggle-camera"
	EventConnectionFailed Event = "connection-failed"
	EventRequestRestart   Event = "request-connection-restart"
	EventCameraSwitched   Event = "camera-switched"
	EventParticipantReady Event = "participant-ready"
)

// Inbound events.
const (
	EventJoinedMeeting      Event = "joined-meeting"
	EventMeetingError       Event = "meeting-error"
	EventInitiateConnection Event = "initiate-connection"
	EventParticipantJoined  Event = "participant-joined"
	EventParticipantLeft    Event = "participant-left"
	EventParticipantUpdated Event = "participant-updated"
	EventRestartConnection  Event = "restart-connection"
	EventPeerDisconnected   Event = "peer-disconnected"
	EventKicked             Event = "kicked-from-meeting"
	EventParticipantKicked  Event = "participant-kicked"
	EventForceMute          Event = "force-mute"
	EventParticipantMuted   Event = "participant-muted"
)

// Bidirectional events.
const (
	EventOffer        Event = "offer"
	EventAnswer       Event = "answer"
	EventICECandidate Event = "ice-candidate"
)

// Message is the wire envelope: a named event plus an opaque JSON payload.
type Message struct {
	Event Event           `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Sender is the outbound half of the signaling channel. The negotiation
// engine and the media controller depend on this rather than on the concrete
// websocket channel.
type Sender interface {
	Send(event Event, payload any) error
}

// SessionDescription is the SDP body as exchanged over the relay.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// JoinRequest enters a room, either as host or as a plain participant.
type JoinRequest struct {
	MeetingID   string `json:"meetingId"`
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
	MeetingName string `json:"meetingName,omitempty"`
}

// ICEServer mirrors the relay's per-session STUN/TURN entries.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// JoinedMeeting is the relay's admission response. SelfID is the session
// identifier the relay assigned to this client; all offer/answer/candidate
// targeting uses these identifiers.
type JoinedMeeting struct {
	MeetingID    string               `json:"meetingId"`
	SelfID       string               `json:"selfId"`
	IsHost       bool                 `json:"isHost"`
	ICEServers   []ICEServer          `json:"iceServers,omitempty"`
	Participants []ParticipantPayload `json:"participants,omitempty"`
}

type MeetingError struct {
	Message string `json:"message"`
}

// InitiateConnection is the relay's instruction to start negotiating with a
// given participant. The relay elects the offerer; the client never does.
type InitiateConnection struct {
	TargetID          string      `json:"targetId"`
	ShouldCreateOffer bool        `json:"shouldCreateOffer"`
	ICEServers        []ICEServer `json:"iceServers,omitempty"`
}

// DescriptionPayload carries an offer or answer. Target is set when sending,
// Sender when receiving relayed messages.
type DescriptionPayload struct {
	Target string             `json:"target,omitempty"`
	Sender string             `json:"sender,omitempty"`
	SDP    SessionDescription `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate.
type CandidatePayload struct {
	Target    string                  `json:"target,omitempty"`
	Sender    string                  `json:"sender,omitempty"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ParticipantPayload is the relay's roster record.
type ParticipantPayload struct {
	SessionID       string `json:"sessionId"`
	Name            string `json:"name"`
	IsHost          bool   `json:"isHost,omitempty"`
	IsCoHost        bool   `json:"isCoHost,omitempty"`
	IsMuted         bool   `json:"isMuted"`
	IsCameraOff     bool   `json:"isCameraOff,omitempty"`
	IsScreenSharing bool   `json:"isScreenSharing,omitempty"`
	HandRaisedAt    int64  `json:"handRaisedAt,omitempty"`
}

type ParticipantJoined struct {
	Participant ParticipantPayload `json:"participant"`
}

type ParticipantLeft struct {
	SessionID string `json:"sessionId"`
}

type MicState struct {
	IsMuted bool `json:"isMuted"`
}

type CameraState struct {
	IsCameraOff bool `json:"isCameraOff"`
}

// ConnectionFailed asks the relay to arbitrate a restart with the target.
type ConnectionFailed struct {
	TargetID string `json:"targetId"`
	Reason   string `json:"reason"`
}

type RestartConnection struct {
	TargetID string `json:"targetId"`
}

type ForceMute struct {
	IsMuted bool `json:"isMuted"`
}

// PeerDisconnected reports that a participant's relay transport dropped.
type PeerDisconnected struct {
	SessionID string `json:"sessionId"`
}

// ParticipantKicked tells the remaining participants that a peer was removed
// by a moderator.
type ParticipantKicked struct {
	TargetID string `json:"targetId"`
}

// ParticipantMuted reports a moderator muting another participant.
type ParticipantMuted struct {
	TargetID string `json:"targetId"`
	IsMuted  bool   `json:"isMuted"`
}

// CameraSwitched announces a completed facing-mode switch so remote UIs can
// adjust mirroring.
type CameraSwitched struct {
	FacingMode string `json:"facingMode"`
	DeviceID   string `json:"deviceId,omitempty"`
}
