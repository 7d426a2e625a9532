package peer

import (
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// Registry is the single owner of native peer connections. It enforces the
// one-link-per-remote invariant and buffers candidates that arrive before any
// link exists for their sender.
type Registry struct {
	api     *webrtc.API
	baseICE []webrtc.ICEServer
	log     *zap.Logger

	mu      sync.Mutex
	links   map[string]*Link
	orphans map[string][]webrtc.ICECandidateInit
}

func NewRegistry(api *webrtc.API, baseICE []webrtc.ICEServer, log *zap.Logger) *Registry {
	return &Registry{
		api:     api,
		baseICE: baseICE,
		log:     log.Named("registry"),
		links:   make(map[string]*Link),
		orphans: make(map[string][]webrtc.ICECandidateInit),
	}
}

// Upsert creates the link for remoteID, closing and replacing any existing
// one. The connection is configured with the fixed ICE server list merged
// with any session-specific servers from the relay. Candidates buffered for
// remoteID before the link existed are moved onto the new link.
func (r *Registry) Upsert(remoteID string, initiator bool, extraICE []webrtc.ICEServer) (*Link, error) {
	r.mu.Lock()
	old := r.links[remoteID]
	delete(r.links, remoteID)
	r.mu.Unlock()

	if old != nil {
		r.log.Info("replacing existing link", zap.String("remote", remoteID))
		old.close()
	}

	cfg := webrtc.Configuration{
		ICEServers:    append(append([]webrtc.ICEServer(nil), r.baseICE...), extraICE...),
		BundlePolicy:  webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy: webrtc.RTCPMuxPolicyRequire,
	}
	pc, err := r.api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection for %s: %w", remoteID, err)
	}

	link := newLink(remoteID, initiator, pc, r.log)

	r.mu.Lock()
	link.queueCandidates(r.orphans[remoteID])
	delete(r.orphans, remoteID)
	r.links[remoteID] = link
	r.mu.Unlock()

	r.log.Debug("created link",
		zap.String("remote", remoteID), zap.Bool("initiator", initiator))
	return link, nil
}

func (r *Registry) Get(remoteID string) (*Link, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[remoteID]
	return l, ok
}

// Remove closes and discards the link for remoteID, along with any buffered
// candidates. Safe to call for an unknown id.
func (r *Registry) Remove(remoteID string) {
	r.mu.Lock()
	link := r.links[remoteID]
	delete(r.links, remoteID)
	delete(r.orphans, remoteID)
	r.mu.Unlock()

	if link != nil {
		link.close()
		r.log.Debug("removed link", zap.String("remote", remoteID))
	}
}

// ForEach visits every live link. Used to broadcast track replacement.
func (r *Registry) ForEach(fn func(*Link)) {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.mu.Unlock()

	for _, l := range links {
		fn(l)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.links)
}

// QueueOrphan buffers a candidate for a participant that has no link yet.
func (r *Registry) QueueOrphan(remoteID string, c webrtc.ICECandidateInit) {
	r.mu.Lock()
	r.orphans[remoteID] = append(r.orphans[remoteID], c)
	n := len(r.orphans[remoteID])
	r.mu.Unlock()
	r.log.Debug("buffered candidate for unknown peer",
		zap.String("remote", remoteID), zap.Int("queued", n))
}

// CloseAll tears down every link and clears all buffers.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	links := make([]*Link, 0, len(r.links))
	for _, l := range r.links {
		links = append(links, l)
	}
	r.links = make(map[string]*Link)
	r.orphans = make(map[string][]webrtc.ICECandidateInit)
	r.mu.Unlock()

	for _, l := range links {
		l.close()
	}
	if len(links) > 0 {
		r.log.Info("closed all links", zap.Int("count", len(links)))
	}
}
