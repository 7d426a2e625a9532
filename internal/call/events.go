package call

import (
	"github.com/pion/webrtc/v4"
)

// Event is anything the engine reports to its subscribers. UI bindings switch
// on the concrete type; the closed set keeps that switch exhaustive.
type Event interface {
	isEvent()
}

// MeetingJoined reports a successful join, with the roster at join time.
type MeetingJoined struct {
	MeetingID    string
	SelfID       string
	IsHost       bool
	Participants []Participant
}

// MeetingError reports a join or relay failure.
type MeetingError struct {
	Message string
}

// ParticipantJoined reports a new participant in the roster.
type ParticipantJoined struct {
	Participant Participant
}

// ParticipantLeft reports a departure.
type ParticipantLeft struct {
	SessionID string
}

// ParticipantUpdated reports a roster state change such as mute or hand raise.
type ParticipantUpdated struct {
	Participant Participant
}

// RemoteTrack reports inbound media from a peer.
type RemoteTrack struct {
	SessionID string
	Track     *webrtc.TrackRemote
}

// LinkStateChanged reports a peer connection state transition.
type LinkStateChanged struct {
	SessionID string
	State     webrtc.PeerConnectionState
}

// ParticipantKicked reports a moderator removing another participant.
type ParticipantKicked struct {
	SessionID string
}

// Kicked reports removal from the meeting by a moderator.
type Kicked struct{}

// ForceMuted reports a moderator changing the local mute state.
type ForceMuted struct {
	IsMuted bool
}

// TransportDown reports loss of the signaling channel. All links and local
// media have already been torn down when this fires.
type TransportDown struct {
	Err error
}

func (MeetingJoined) isEvent()      {}
func (MeetingError) isEvent()       {}
func (ParticipantJoined) isEvent()  {}
func (ParticipantLeft) isEvent()    {}
func (ParticipantUpdated) isEvent() {}
func (RemoteTrack) isEvent()        {}
func (LinkStateChanged) isEvent()   {}
func (ParticipantKicked) isEvent()  {}
func (Kicked) isEvent()             {}
func (ForceMuted) isEvent()         {}
func (TransportDown) isEvent()      {}
