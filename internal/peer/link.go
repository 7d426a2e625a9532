package peer

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Link is one pairwise media connection to a remote participant. It wraps the
// native peer connection, the relay-assigned initiator role, and the queue of
// ICE candidates that arrived before the connection could consume them.
//
// Links are created and closed by the Registry only.
type Link struct {
	remoteID  string
	initiator bool
	pc        *webrtc.PeerConnection
	log       *zap.Logger

	mu        sync.Mutex
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	senders   map[webrtc.RTPCodecType]*webrtc.RTPSender

	graceArmed atomic.Bool
	closeOnce  sync.Once

	// indirection over pc.AddICECandidate so drain order is observable in tests
	addCandidate func(webrtc.ICECandidateInit) error
}

func newLink(remoteID string, initiator bool, pc *webrtc.PeerConnection, log *zap.Logger) *Link {
	l := &Link{
		remoteID:  remoteID,
		initiator: initiator,
		pc:        pc,
		log:       log.With(zap.String("remote", remoteID)),
		senders:   make(map[webrtc.RTPCodecType]*webrtc.RTPSender),
	}
	l.addCandidate = pc.AddICECandidate
	return l
}

func (l *Link) RemoteID() string { return l.remoteID }

func (l *Link) Initiator() bool { return l.initiator }

// PC exposes the native connection for negotiation calls. Ownership stays
// with the Registry; callers must not close it.
func (l *Link) PC() *webrtc.PeerConnection { return l.pc }

// AddTracks attaches outbound tracks, keeping the resulting senders so tracks
// can later be replaced in place. Tracks must be attached before the first
// offer or answer is produced.
func (l *Link) AddTracks(tracks ...webrtc.TrackLocal) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, track := range tracks {
		sender, err := l.pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("add %s track: %w", track.Kind(), err)
		}
		l.senders[track.Kind()] = sender
	}
	return nil
}

// ReplaceTrack swaps the outbound track of the given kind in place, without
// renegotiation. Remote peers keep receiving on the same sender.
func (l *Link) ReplaceTrack(kind webrtc.RTPCodecType, track webrtc.TrackLocal) error {
	l.mu.Lock()
	sender := l.senders[kind]
	l.mu.Unlock()
	if sender == nil {
		return fmt.Errorf("no %s sender on link to %s", kind, l.remoteID)
	}
	return sender.ReplaceTrack(track)
}

// Sender returns the outbound sender for a track kind, if any.
func (l *Link) Sender(kind webrtc.RTPCodecType) *webrtc.RTPSender {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.senders[kind]
}

// SetRemoteDescription applies the remote offer or answer and drains every
// buffered candidate in arrival order.
func (l *Link) SetRemoteDescription(sd webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(sd); err != nil {
		return err
	}
	l.mu.Lock()
	l.remoteSet = true
	pending := l.pending
	l.pending = nil
	l.mu.Unlock()

	for _, c := range pending {
		if err := l.addCandidate(c); err != nil {
			l.log.Warn("failed to apply buffered candidate", zap.Error(err))
		}
	}
	if len(pending) > 0 {
		l.log.Debug("drained buffered candidates", zap.Int("count", len(pending)))
	}
	return nil
}

// HandleCandidate applies the candidate when the link can consume it and
// buffers it otherwise. Candidates are never dropped for ordering reasons.
func (l *Link) HandleCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()
	return l.addCandidate(c)
}

// queueCandidates front-loads candidates that arrived before the link existed.
func (l *Link) queueCandidates(cs []webrtc.ICECandidateInit) {
	if len(cs) == 0 {
		return
	}
	l.mu.Lock()
	l.pending = append(l.pending, cs...)
	l.mu.Unlock()
}

// PendingCount reports how many candidates are buffered.
func (l *Link) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// RemoteDescriptionSet reports whether a remote description was applied.
func (l *Link) RemoteDescriptionSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

// TryArmGrace claims the single grace-period re-check for an ICE
// "disconnected" observation. It reports false when a check is already armed.
func (l *Link) TryArmGrace() bool {
	return l.graceArmed.CompareAndSwap(false, true)
}

func (l *Link) DisarmGrace() {
	l.graceArmed.Store(false)
}

// close releases the native connection and the candidate buffer. Idempotent.
func (l *Link) close() {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.pending = nil
		l.mu.Unlock()
		if err := l.pc.Close(); err != nil {
			l.log.Warn("error closing peer connection", zap.Error(err))
		}
	})
}
