package media

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// Session is the set of live local tracks for the current call, at most one
// per kind. Reads come from the signaling goroutine while the controller
// swaps tracks, so access is guarded here rather than in the controller.
type Session struct {
	mu     sync.RWMutex
	tracks map[webrtc.RTPCodecType]*Track
}

func NewSession() *Session {
	return &Session{tracks: make(map[webrtc.RTPCodecType]*Track)}
}

func (s *Session) Track(kind webrtc.RTPCodecType) *Track {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tracks[kind]
}

func (s *Session) put(t *Track) {
	s.mu.Lock()
	s.tracks[t.Kind()] = t
	s.mu.Unlock()
}

// OutboundTracks returns the webrtc-level tracks to attach to a new peer
// connection, video first for deterministic SDP ordering.
func (s *Session) OutboundTracks() []webrtc.TrackLocal {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []webrtc.TrackLocal
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t.Out())
		}
	}
	return out
}

// Close stops every track.
func (s *Session) Close() {
	if s == nil {
		return
	}
	s.mu.Lock()
	tracks := make([]*Track, 0, len(s.tracks))
	for _, t := range s.tracks {
		tracks = append(tracks, t)
	}
	s.tracks = make(map[webrtc.RTPCodecType]*Track)
	s.mu.Unlock()

	for _, t := range tracks {
		t.Stop()
	}
}
