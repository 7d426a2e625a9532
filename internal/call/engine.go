package call

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/convospace/meshcall/internal/media"
	"github.com/convospace/meshcall/internal/peer"
	"github.com/convospace/meshcall/internal/signal"
)

const defaultGracePeriod = 5 * time.Second

// Options wires an Engine. Media may be nil for receive-only sessions.
type Options struct {
	Sender      signal.Sender
	Registry    *peer.Registry
	Media       *media.Controller
	Logger      *zap.Logger
	GracePeriod time.Duration
}

// Engine drives the meeting lifecycle: join and leave, roster maintenance,
// per-peer offer/answer negotiation, candidate routing, and the teardown rules
// for connection and transport failure. It is driven entirely by relay
// messages; the relay decides who offers and who answers, the engine never
// initiates on its own.
type Engine struct {
	sender signal.Sender
	reg    *peer.Registry
	media  *media.Controller
	log    *zap.Logger
	grace  time.Duration
	events *EventSub[Event]

	mu         sync.Mutex
	selfID     string
	meetingID  string
	roster     map[string]*Participant
	sessionICE []webrtc.ICEServer
	lastJoin   *signal.JoinRequest
	asHost     bool
}

func NewEngine(opts Options) *Engine {
	grace := opts.GracePeriod
	if grace <= 0 {
		grace = defaultGracePeriod
	}
	return &Engine{
		sender: opts.Sender,
		reg:    opts.Registry,
		media:  opts.Media,
		log:    opts.Logger.Named("engine"),
		grace:  grace,
		events: NewEventSub[Event](),
		roster: make(map[string]*Participant),
	}
}

// Subscribe returns a channel of engine events and its cancel function.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	return e.events.Subscribe()
}

// Bind registers the engine's handlers on the signaling channel. Call once,
// before the channel dials.
func (e *Engine) Bind(ch *signal.Channel) {
	ch.Handle(signal.EventJoinedMeeting, e.onJoinedMeeting)
	ch.Handle(signal.EventMeetingError, e.onMeetingError)
	ch.Handle(signal.EventInitiateConnection, e.onInitiateConnection)
	ch.Handle(signal.EventOffer, e.onOffer)
	ch.Handle(signal.EventAnswer, e.onAnswer)
	ch.Handle(signal.EventICECandidate, e.onCandidate)
	ch.Handle(signal.EventParticipantJoined, e.onParticipantJoined)
	ch.Handle(signal.EventParticipantLeft, e.onParticipantLeft)
	ch.Handle(signal.EventParticipantUpdated, e.onParticipantUpdated)
	ch.Handle(signal.EventRestartConnection, e.onRestartConnection)
	ch.Handle(signal.EventPeerDisconnected, e.onPeerDisconnected)
	ch.Handle(signal.EventKicked, e.onKicked)
	ch.Handle(signal.EventParticipantKicked, e.onParticipantKicked)
	ch.Handle(signal.EventForceMute, e.onForceMute)
	ch.Handle(signal.EventParticipantMuted, e.onParticipantMuted)
	ch.HandleUnknown(func(event signal.Event, _ json.RawMessage) {
		e.log.Warn("unhandled relay message", zap.String("event", string(event)))
	})
	ch.OnDisconnect(e.onTransportDown)
	ch.OnReconnect(e.onTransportUp)
}

// Join asks the relay for a seat in the meeting. asHost creates the meeting
// when it does not exist yet.
func (e *Engine) Join(req signal.JoinRequest, asHost bool) error {
	e.mu.Lock()
	e.lastJoin = &req
	e.asHost = asHost
	e.mu.Unlock()

	event := signal.EventJoinMeeting
	if asHost {
		event = signal.EventJoinAsHost
	}
	return e.sender.Send(event, req)
}

// Leave tells the relay we are going, then tears down every link and the
// local capture session.
func (e *Engine) Leave() error {
	e.mu.Lock()
	e.lastJoin = nil
	e.roster = make(map[string]*Participant)
	e.mu.Unlock()

	err := e.sender.Send(signal.EventLeaveMeeting, nil)
	e.reg.CloseAll()
	if e.media != nil {
		e.media.Release()
	}
	return err
}

// SelfID is the relay-assigned session id, empty before joined-meeting.
func (e *Engine) SelfID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selfID
}

// Participants returns a snapshot of the current roster.
func (e *Engine) Participants() []Participant {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Participant, 0, len(e.roster))
	for _, p := range e.roster {
		out = append(out, *p)
	}
	return out
}

// Participant looks up one roster entry by session id.
func (e *Engine) Participant(sessionID string) (Participant, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.roster[sessionID]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

func (e *Engine) onJoinedMeeting(raw json.RawMessage) {
	var p signal.JoinedMeeting
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed joined-meeting payload", zap.Error(err))
		return
	}

	roster := make([]Participant, 0, len(p.Participants))
	for _, rp := range p.Participants {
		roster = append(roster, participantFromPayload(rp))
	}

	e.mu.Lock()
	e.selfID = p.SelfID
	e.meetingID = p.MeetingID
	e.sessionICE = toICEServers(p.ICEServers)
	e.roster = make(map[string]*Participant, len(roster))
	for _, rp := range roster {
		entry := rp
		e.roster[entry.SessionID] = &entry
	}
	e.mu.Unlock()
	e.log.Info("joined meeting",
		zap.String("meeting", p.MeetingID),
		zap.String("self", p.SelfID),
		zap.Int("participants", len(roster)))

	e.events.Publish(MeetingJoined{
		MeetingID:    p.MeetingID,
		SelfID:       p.SelfID,
		IsHost:       p.IsHost,
		Participants: roster,
	})

	// Tells the relay this client can take initiate-connection instructions.
	if err := e.sender.Send(signal.EventParticipantReady, nil); err != nil {
		e.log.Warn("failed to announce readiness", zap.Error(err))
	}
}

func (e *Engine) onMeetingError(raw json.RawMessage) {
	var p signal.MeetingError
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed meeting-error payload", zap.Error(err))
		return
	}
	e.log.Warn("relay rejected meeting operation", zap.String("message", p.Message))
	e.events.Publish(MeetingError{Message: p.Message})
}

func (e *Engine) onInitiateConnection(raw json.RawMessage) {
	var p signal.InitiateConnection
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed initiate-connection payload", zap.Error(err))
		return
	}
	if err := e.BeginNegotiation(p.TargetID, p.ShouldCreateOffer, toICEServers(p.ICEServers)); err != nil {
		e.log.Error("failed to begin negotiation",
			zap.String("target", p.TargetID), zap.Error(err))
	}
}

// BeginNegotiation builds the link to target and, when told to, produces the
// opening offer. The relay picks exactly one offerer per pair, so a link is
// never both sides of the same negotiation. ICE servers sent along with the
// instruction replace the remembered session set.
func (e *Engine) BeginNegotiation(target string, createOffer bool, extraICE []webrtc.ICEServer) error {
	if len(extraICE) > 0 {
		e.mu.Lock()
		e.sessionICE = extraICE
		e.mu.Unlock()
	}
	if target == "" || target == e.SelfID() {
		return nil
	}

	// As responder, the offer may already have arrived and built the link.
	// Replacing it here would tear down a live negotiation.
	if !createOffer {
		if _, ok := e.reg.Get(target); ok {
			return nil
		}
	}

	link, err := e.buildLink(target, createOffer)
	if err != nil {
		return err
	}
	if !createOffer {
		return nil
	}

	offer, err := link.PC().CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer for %s: %w", target, err)
	}
	if err := link.PC().SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer for %s: %w", target, err)
	}
	return e.sender.Send(signal.EventOffer, signal.DescriptionPayload{
		Target: target,
		Sender: e.SelfID(),
		SDP:    signal.SessionDescription{Type: offer.Type.String(), SDP: offer.SDP},
	})
}

// sessionICEServers is the relay-issued server set for this session, handed
// out at admission and refreshed by initiate-connection.
func (e *Engine) sessionICEServers() []webrtc.ICEServer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]webrtc.ICEServer(nil), e.sessionICE...)
}

// buildLink creates (or replaces) the link for target with local tracks
// attached and all connection callbacks wired. Every link, including
// responder-side rebuilds, carries the session ICE servers.
func (e *Engine) buildLink(target string, initiator bool) (*peer.Link, error) {
	link, err := e.reg.Upsert(target, initiator, e.sessionICEServers())
	if err != nil {
		return nil, err
	}
	e.wireLink(link)

	var tracks []webrtc.TrackLocal
	if e.media != nil {
		tracks = e.media.Session().OutboundTracks()
	}
	if len(tracks) > 0 {
		if err := link.AddTracks(tracks...); err != nil {
			return nil, fmt.Errorf("attach local tracks for %s: %w", target, err)
		}
	}

	// Kinds we have nothing to send for still get a receiving transceiver, so
	// a camera-less participant sees everyone else's video.
	covered := map[webrtc.RTPCodecType]bool{}
	for _, t := range tracks {
		covered[t.Kind()] = true
	}
	for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeVideo, webrtc.RTPCodecTypeAudio} {
		if covered[kind] {
			continue
		}
		_, err := link.PC().AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		})
		if err != nil {
			return nil, fmt.Errorf("add %s transceiver for %s: %w", kind, target, err)
		}
	}
	return link, nil
}

func (e *Engine) onOffer(raw json.RawMessage) {
	var p signal.DescriptionPayload
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed offer payload", zap.Error(err))
		return
	}

	link, ok := e.reg.Get(p.Sender)
	if ok {
		state := link.PC().SignalingState()
		if state != webrtc.SignalingStateStable && state != webrtc.SignalingStateHaveLocalOffer {
			// A link in any other state cannot absorb a fresh offer. Rebuild
			// it rather than poisoning the rest of the mesh.
			e.log.Warn("offer against unusable signaling state, rebuilding link",
				zap.String("remote", p.Sender), zap.Stringer("state", state))
			ok = false
		}
	}
	if !ok {
		var err error
		link, err = e.buildLink(p.Sender, false)
		if err != nil {
			e.log.Error("failed to build responder link",
				zap.String("remote", p.Sender), zap.Error(err))
			return
		}
	}

	sdpType := webrtc.NewSDPType(p.SDP.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		e.log.Error("offer with unknown sdp type",
			zap.String("remote", p.Sender), zap.String("type", p.SDP.Type))
		return
	}
	if err := link.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: p.SDP.SDP}); err != nil {
		e.log.Error("failed to apply remote offer", zap.String("remote", p.Sender), zap.Error(err))
		e.reg.Remove(p.Sender)
		return
	}

	answer, err := link.PC().CreateAnswer(nil)
	if err != nil {
		e.log.Error("failed to create answer", zap.String("remote", p.Sender), zap.Error(err))
		return
	}
	if err := link.PC().SetLocalDescription(answer); err != nil {
		e.log.Error("failed to set local answer", zap.String("remote", p.Sender), zap.Error(err))
		return
	}
	if err := e.sender.Send(signal.EventAnswer, signal.DescriptionPayload{
		Target: p.Sender,
		Sender: e.SelfID(),
		SDP:    signal.SessionDescription{Type: answer.Type.String(), SDP: answer.SDP},
	}); err != nil {
		e.log.Error("failed to send answer", zap.String("remote", p.Sender), zap.Error(err))
	}
}

func (e *Engine) onAnswer(raw json.RawMessage) {
	var p signal.DescriptionPayload
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed answer payload", zap.Error(err))
		return
	}

	link, ok := e.reg.Get(p.Sender)
	if !ok {
		e.log.Warn("answer from unknown peer", zap.String("remote", p.Sender))
		return
	}
	if state := link.PC().SignalingState(); state != webrtc.SignalingStateHaveLocalOffer {
		// Stale or duplicate answer. Dropping it is safe; the link either
		// already settled or a rebuild is on the way.
		e.log.Warn("ignoring answer in wrong signaling state",
			zap.String("remote", p.Sender), zap.Stringer("state", state))
		return
	}

	sdpType := webrtc.NewSDPType(p.SDP.Type)
	if sdpType == webrtc.SDPTypeUnknown {
		e.log.Error("answer with unknown sdp type",
			zap.String("remote", p.Sender), zap.String("type", p.SDP.Type))
		return
	}
	if err := link.SetRemoteDescription(webrtc.SessionDescription{Type: sdpType, SDP: p.SDP.SDP}); err != nil {
		e.log.Error("failed to apply remote answer", zap.String("remote", p.Sender), zap.Error(err))
	}
}

func (e *Engine) onCandidate(raw json.RawMessage) {
	var p signal.CandidatePayload
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed candidate payload", zap.Error(err))
		return
	}

	link, ok := e.reg.Get(p.Sender)
	if !ok {
		e.reg.QueueOrphan(p.Sender, p.Candidate)
		return
	}
	if err := link.HandleCandidate(p.Candidate); err != nil {
		e.log.Warn("failed to apply candidate", zap.String("remote", p.Sender), zap.Error(err))
	}
}

// wireLink installs the connection callbacks: outbound trickle ICE, inbound
// media, and the failure policy.
func (e *Engine) wireLink(link *peer.Link) {
	remoteID := link.RemoteID()
	pc := link.PC()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		err := e.sender.Send(signal.EventICECandidate, signal.CandidatePayload{
			Target:    remoteID,
			Sender:    e.SelfID(),
			Candidate: c.ToJSON(),
		})
		if err != nil {
			e.log.Warn("failed to send candidate", zap.String("remote", remoteID), zap.Error(err))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.log.Info("remote track",
			zap.String("remote", remoteID),
			zap.String("kind", track.Kind().String()),
			zap.String("codec", track.Codec().MimeType))
		e.mu.Lock()
		if p, ok := e.roster[remoteID]; ok {
			p.Tracks = append(p.Tracks, track)
		}
		e.mu.Unlock()
		e.events.Publish(RemoteTrack{SessionID: remoteID, Track: track})
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		e.log.Debug("connection state",
			zap.String("remote", remoteID), zap.Stringer("state", state))
		e.events.Publish(LinkStateChanged{SessionID: remoteID, State: state})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		// Failed and Closed also fire on connections the registry has already
		// replaced; acting on those would tear down the replacement link.
		switch state {
		case webrtc.ICEConnectionStateConnected:
			link.DisarmGrace()
		case webrtc.ICEConnectionStateDisconnected:
			e.armGraceCheck(link)
		case webrtc.ICEConnectionStateFailed:
			if cur, ok := e.reg.Get(remoteID); ok && cur == link {
				e.reportFailure(remoteID, "ice-failed")
			}
		case webrtc.ICEConnectionStateClosed:
			if cur, ok := e.reg.Get(remoteID); ok && cur == link {
				e.reg.Remove(remoteID)
			}
		}
	})
}

// armGraceCheck schedules the single re-check for a disconnected link. ICE
// often blips during network transitions, so failure is reported only when
// the link is still disconnected after the grace period.
func (e *Engine) armGraceCheck(link *peer.Link) {
	if !link.TryArmGrace() {
		return
	}
	remoteID := link.RemoteID()
	e.log.Info("link disconnected, starting grace period",
		zap.String("remote", remoteID), zap.Duration("grace", e.grace))

	time.AfterFunc(e.grace, func() {
		current, ok := e.reg.Get(remoteID)
		if !ok || current != link {
			return
		}
		link.DisarmGrace()
		if link.PC().ICEConnectionState() == webrtc.ICEConnectionStateDisconnected {
			e.reportFailure(remoteID, "ice-disconnected")
		}
	})
}

// reportFailure hands the broken link to the relay for arbitration. The relay
// decides whether to coordinate a restart; starting one unilaterally would
// race the remote side doing the same.
func (e *Engine) reportFailure(remoteID, reason string) {
	e.log.Warn("reporting connection failure",
		zap.String("remote", remoteID), zap.String("reason", reason))
	err := e.sender.Send(signal.EventConnectionFailed, signal.ConnectionFailed{
		TargetID: remoteID,
		Reason:   reason,
	})
	if err != nil {
		e.log.Error("failed to report connection failure", zap.Error(err))
	}
}

func (e *Engine) onRestartConnection(raw json.RawMessage) {
	var p signal.RestartConnection
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed restart-connection payload", zap.Error(err))
		return
	}
	e.log.Info("relay requested connection restart", zap.String("target", p.TargetID))
	e.reg.Remove(p.TargetID)
	if err := e.sender.Send(signal.EventRequestRestart, signal.RestartConnection{TargetID: p.TargetID}); err != nil {
		e.log.Error("failed to request restart", zap.Error(err))
	}
}

func (e *Engine) onParticipantJoined(raw json.RawMessage) {
	var p signal.ParticipantJoined
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed participant-joined payload", zap.Error(err))
		return
	}
	joined := participantFromPayload(p.Participant)
	e.mu.Lock()
	e.roster[joined.SessionID] = &joined
	e.mu.Unlock()
	e.events.Publish(ParticipantJoined{Participant: joined})
}

func (e *Engine) onParticipantLeft(raw json.RawMessage) {
	var p signal.ParticipantLeft
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed participant-left payload", zap.Error(err))
		return
	}
	e.mu.Lock()
	delete(e.roster, p.SessionID)
	e.mu.Unlock()
	e.reg.Remove(p.SessionID)
	e.events.Publish(ParticipantLeft{SessionID: p.SessionID})
}

func (e *Engine) onParticipantUpdated(raw json.RawMessage) {
	var p signal.ParticipantJoined
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed participant-updated payload", zap.Error(err))
		return
	}
	updated := participantFromPayload(p.Participant)
	e.mu.Lock()
	if prev, ok := e.roster[updated.SessionID]; ok {
		updated.Tracks = prev.Tracks
	}
	e.roster[updated.SessionID] = &updated
	e.mu.Unlock()
	e.events.Publish(ParticipantUpdated{Participant: updated})
}

// onPeerDisconnected handles a participant losing their relay transport. The
// mesh treats it like a departure; the relay re-runs admission if they return.
func (e *Engine) onPeerDisconnected(raw json.RawMessage) {
	var p signal.PeerDisconnected
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed peer-disconnected payload", zap.Error(err))
		return
	}
	e.log.Info("peer lost relay transport", zap.String("remote", p.SessionID))
	e.mu.Lock()
	delete(e.roster, p.SessionID)
	e.mu.Unlock()
	e.reg.Remove(p.SessionID)
	e.events.Publish(ParticipantLeft{SessionID: p.SessionID})
}

// onParticipantKicked handles another participant being removed by a
// moderator. Our own removal arrives as kicked-from-meeting instead.
func (e *Engine) onParticipantKicked(raw json.RawMessage) {
	var p signal.ParticipantKicked
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed participant-kicked payload", zap.Error(err))
		return
	}
	e.mu.Lock()
	delete(e.roster, p.TargetID)
	e.mu.Unlock()
	e.reg.Remove(p.TargetID)
	e.events.Publish(ParticipantKicked{SessionID: p.TargetID})
}

func (e *Engine) onParticipantMuted(raw json.RawMessage) {
	var p signal.ParticipantMuted
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed participant-muted payload", zap.Error(err))
		return
	}
	e.mu.Lock()
	entry, ok := e.roster[p.TargetID]
	var updated Participant
	if ok {
		entry.IsMuted = p.IsMuted
		updated = *entry
	}
	e.mu.Unlock()
	if !ok {
		e.log.Debug("mute report for unknown participant", zap.String("target", p.TargetID))
		return
	}
	e.events.Publish(ParticipantUpdated{Participant: updated})
}

func (e *Engine) onKicked(json.RawMessage) {
	e.log.Warn("kicked from meeting")
	e.mu.Lock()
	e.roster = make(map[string]*Participant)
	e.mu.Unlock()
	e.reg.CloseAll()
	if e.media != nil {
		e.media.Release()
	}
	e.events.Publish(Kicked{})
}

func (e *Engine) onForceMute(raw json.RawMessage) {
	var p signal.ForceMute
	if err := decode(raw, &p); err != nil {
		e.log.Error("malformed force-mute payload", zap.Error(err))
		return
	}
	if e.media != nil {
		if err := e.media.Toggle(webrtc.RTPCodecTypeAudio, p.IsMuted); err != nil {
			e.log.Warn("could not apply forced mute", zap.Error(err))
		}
	}
	e.events.Publish(ForceMuted{IsMuted: p.IsMuted})
}

// onTransportDown applies the transport-loss policy: without signaling there
// is no mesh, so every link and the capture session go down together.
func (e *Engine) onTransportDown(err error) {
	e.log.Warn("signaling transport lost", zap.Error(err))
	e.mu.Lock()
	e.roster = make(map[string]*Participant)
	e.mu.Unlock()
	e.reg.CloseAll()
	if e.media != nil {
		e.media.Release()
	}
	e.events.Publish(TransportDown{Err: err})
}

// onTransportUp rejoins the meeting after the channel reconnects. Links are
// rebuilt by the relay's fresh initiate-connection messages, not here.
func (e *Engine) onTransportUp() {
	e.mu.Lock()
	req := e.lastJoin
	asHost := e.asHost
	e.mu.Unlock()
	if req == nil {
		return
	}
	e.log.Info("transport restored, rejoining meeting", zap.String("meeting", req.MeetingID))
	if err := e.Join(*req, asHost); err != nil {
		e.log.Error("failed to rejoin after reconnect", zap.Error(err))
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("empty payload")
	}
	return json.Unmarshal(raw, v)
}

func toICEServers(in []signal.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
