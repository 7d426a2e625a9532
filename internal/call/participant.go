package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/convospace/meshcall/internal/signal"
)

// Participant is one remote member of the meeting as the relay describes it.
type Participant struct {
	SessionID       string
	Name            string
	IsHost          bool
	IsCoHost        bool
	IsMuted         bool
	IsCameraOff     bool
	IsScreenSharing bool
	HandRaisedAt    time.Time // zero when the hand is down

	// Tracks are the inbound media tracks received from this participant so
	// far. They outlive individual renegotiations but not the link.
	Tracks []*webrtc.TrackRemote
}

func participantFromPayload(p signal.ParticipantPayload) Participant {
	out := Participant{
		SessionID:       p.SessionID,
		Name:            p.Name,
		IsHost:          p.IsHost,
		IsCoHost:        p.IsCoHost,
		IsMuted:         p.IsMuted,
		IsCameraOff:     p.IsCameraOff,
		IsScreenSharing: p.IsScreenSharing,
	}
	if p.HandRaisedAt > 0 {
		out.HandRaisedAt = time.UnixMilli(p.HandRaisedAt)
	}
	return out
}
