package media

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/convospace/meshcall/internal/devices"
	"github.com/convospace/meshcall/internal/peer"
	"github.com/convospace/meshcall/internal/signal"
)

// ErrNoTrack is returned when an operation targets a kind that is not live.
var ErrNoTrack = errors.New("no live track of that kind")

// ErrNoOtherCamera is returned by SwitchCamera when only one camera exists.
var ErrNoOtherCamera = errors.New("no other camera to switch to")

// Options wires a Controller. Registry and Sender may be nil, in which case
// track replacement fan-out and state announcements are skipped.
type Options struct {
	Video    *devices.VideoManager
	Audio    *devices.AudioManager
	Registry *peer.Registry
	Sender   signal.Sender
	Capture  CaptureFunc
	Settle   time.Duration
	VideoCfg VideoConstraints
	Logger   *zap.Logger
}

// Controller owns the local capture session. It acquires devices through
// constraint tiers, swaps cameras and microphones under live calls, and
// announces state changes to the relay.
type Controller struct {
	video    *devices.VideoManager
	audio    *devices.AudioManager
	reg      *peer.Registry
	sender   signal.Sender
	capture  CaptureFunc
	settle   time.Duration
	videoCfg VideoConstraints
	log      *zap.Logger

	mu      sync.Mutex
	session *Session
}

func NewController(opts Options) *Controller {
	settle := opts.Settle
	if settle <= 0 {
		settle = 400 * time.Millisecond
	}
	return &Controller{
		video:    opts.Video,
		audio:    opts.Audio,
		reg:      opts.Registry,
		sender:   opts.Sender,
		capture:  opts.Capture,
		settle:   settle,
		videoCfg: opts.VideoCfg,
		log:      opts.Logger.Named("media"),
	}
}

// Session returns the live session, or nil before Acquire.
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Acquire captures the wanted kinds and starts their tracks. Each kind walks
// its constraint tiers independently, so a dead camera does not cost the
// microphone. The returned error joins the per-kind failures; the session
// keeps whatever did succeed. Calling Acquire on a live session returns it
// unchanged.
func (c *Controller) Acquire(ctx context.Context, wantAudio, wantVideo bool) (*Session, error) {
	c.mu.Lock()
	if c.session != nil {
		s := c.session
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	session := NewSession()
	var errs []error

	if wantVideo {
		track, deviceID, err := c.acquireVideo(ctx, c.defaultVideoTiers())
		if err != nil {
			c.log.Warn("video acquisition failed", zap.Error(err))
			errs = append(errs, err)
		} else {
			session.put(track)
			c.video.Select(deviceID)
		}
	}
	if wantAudio {
		track, deviceID, err := c.acquireAudio(ctx, c.defaultAudioTiers())
		if err != nil {
			c.log.Warn("audio acquisition failed", zap.Error(err))
			errs = append(errs, err)
		} else {
			session.put(track)
			c.audio.Select(deviceID)
		}
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	return session, errors.Join(errs...)
}

// Release stops every local track and forgets the session.
func (c *Controller) Release() {
	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()
	session.Close()
}

// Toggle flips the enabled state of the track of the given kind and announces
// the new state. Disabling keeps the capture warm; no renegotiation happens.
func (c *Controller) Toggle(kind webrtc.RTPCodecType, disabled bool) error {
	track := c.Session().Track(kind)
	if track == nil {
		return ErrNoTrack
	}
	track.SetEnabled(!disabled)

	if c.sender == nil {
		return nil
	}
	switch kind {
	case webrtc.RTPCodecTypeAudio:
		return c.sender.Send(signal.EventToggleMic, signal.MicState{IsMuted: disabled})
	case webrtc.RTPCodecTypeVideo:
		return c.sender.Send(signal.EventToggleCamera, signal.CameraState{IsCameraOff: disabled})
	}
	return nil
}

// SwitchVideoDevice re-captures video from the given camera, replacing the
// outbound track on every live link. On total failure the previous camera is
// restored and the error reported.
func (c *Controller) SwitchVideoDevice(ctx context.Context, deviceID string) error {
	tiers := []videoTier{{name: "requested-device", constraints: c.videoConstraints(deviceID)}}
	newID, err := c.switchVideo(ctx, tiers)
	if err != nil {
		return err
	}
	c.video.Select(newID)
	return nil
}

// SwitchCamera flips to the camera facing the other way. The ladder prefers a
// camera whose label matches the target facing, then the next enumerated
// camera, then anything that opens. The relay is told about the switch so
// remote UIs can un-mirror the view.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	if !c.video.HasMultiple() {
		return ErrNoOtherCamera
	}
	target := c.video.FacingMode().Opposite()

	// Ideal facing treats the target as a hint: pin the matching camera when
	// one is known, otherwise let the driver pick. Exact facing insists on a
	// match and counts as a failed attempt when no label matched.
	var tiers []videoTier
	if d, ok := c.video.ByFacingMode(target); ok {
		tiers = append(tiers,
			videoTier{name: "ideal-facing", constraints: c.videoConstraints(d.DeviceID)},
			videoTier{name: "exact-facing", constraints: c.videoConstraints(d.DeviceID)},
		)
	} else {
		tiers = append(tiers,
			videoTier{name: "ideal-facing", constraints: c.videoConstraints("")},
			videoTier{name: "exact-facing", err: errors.New("no camera labeled " + string(target))},
		)
	}
	if next := c.video.Next(); next != "" {
		tiers = append(tiers, videoTier{name: "next-device", constraints: c.videoConstraints(next)})
	}
	// The last rung takes any camera, which can hand back the one already in
	// use. Accepted: a no-op switch beats a dead video track.
	tiers = append(tiers, videoTier{name: "any-camera", constraints: c.videoConstraints("")})

	newID, err := c.switchVideo(ctx, tiers)
	if err != nil {
		return err
	}
	c.video.Select(newID)
	c.video.SetFacingMode(target)

	if c.sender != nil {
		return c.sender.Send(signal.EventCameraSwitched, signal.CameraSwitched{
			FacingMode: string(target),
			DeviceID:   newID,
		})
	}
	return nil
}

// SwitchAudioDevice re-captures audio from the given microphone.
func (c *Controller) SwitchAudioDevice(ctx context.Context, deviceID string) error {
	session := c.Session()
	old := session.Track(webrtc.RTPCodecTypeAudio)
	if old == nil {
		return ErrNoTrack
	}

	prevID := old.releaseSource()
	c.waitSettle(ctx)

	track, newID, err := c.acquireAudio(ctx, []audioTier{{name: "requested-device", deviceID: deviceID}})
	if err != nil {
		c.restoreAudio(old, prevID)
		return err
	}

	c.swapTrack(session, old, track)
	c.audio.Select(newID)
	return nil
}

// switchVideo is the shared re-capture path. The current source is released
// before any tier runs, because most platforms refuse to open a second handle
// on a busy camera. If every tier fails the previous camera is re-captured
// into the same track, leaving the call as it was.
func (c *Controller) switchVideo(ctx context.Context, tiers []videoTier) (string, error) {
	session := c.Session()
	old := session.Track(webrtc.RTPCodecTypeVideo)
	if old == nil {
		return "", ErrNoTrack
	}

	prevID := old.releaseSource()
	c.waitSettle(ctx)

	track, newID, err := c.acquireVideo(ctx, tiers)
	if err != nil {
		c.restoreVideo(old, prevID)
		return "", err
	}

	c.swapTrack(session, old, track)
	return newID, nil
}

// swapTrack fans the new outbound track out to every link, retires the old
// track, and records the new one in the session. Links that cannot replace
// keep the old sender and recover at their next negotiation.
func (c *Controller) swapTrack(session *Session, old, fresh *Track) {
	if c.reg != nil {
		c.reg.ForEach(func(l *peer.Link) {
			if err := l.ReplaceTrack(fresh.Kind(), fresh.Out()); err != nil {
				c.log.Warn("failed to replace track on link",
					zap.String("remote", l.RemoteID()), zap.Error(err))
			}
		})
	}
	old.Stop()
	session.put(fresh)
}

// restoreVideo re-opens the camera a failed switch released. Best effort; a
// camera that died mid-switch stays dead until the next explicit acquire.
func (c *Controller) restoreVideo(old *Track, deviceID string) {
	result, err := c.capture(CaptureRequest{Video: c.videoConstraints(deviceID)})
	if err != nil {
		c.log.Error("could not restore previous camera",
			zap.String("device", deviceID), zap.Error(err))
		return
	}
	if err := old.restoreSource(result.Video, result.VideoDeviceID); err != nil {
		_ = result.Video.Close()
		c.log.Error("could not restart previous camera pump", zap.Error(err))
	}
}

func (c *Controller) restoreAudio(old *Track, deviceID string) {
	result, err := c.capture(CaptureRequest{Audio: c.audioConstraints(deviceID)})
	if err != nil {
		c.log.Error("could not restore previous microphone",
			zap.String("device", deviceID), zap.Error(err))
		return
	}
	if err := old.restoreSource(result.Audio, result.AudioDeviceID); err != nil {
		_ = result.Audio.Close()
		c.log.Error("could not restart previous microphone pump", zap.Error(err))
	}
}

// waitSettle gives the driver time to hand the device back before reopening.
func (c *Controller) waitSettle(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.settle):
	}
}

// videoTier is one rung of the constraint ladder a video acquisition walks.
// A tier with a pre-recorded err is counted as a failed attempt without
// touching hardware.
type videoTier struct {
	name        string
	constraints *VideoConstraints
	err         error
}

type audioTier struct {
	name     string
	deviceID string
}

func (c *Controller) videoConstraints(deviceID string) *VideoConstraints {
	v := c.videoCfg
	v.DeviceID = deviceID
	if v.Width <= 0 {
		v.Width = 1280
	}
	if v.Height <= 0 {
		v.Height = 720
	}
	if v.FrameRate <= 0 {
		v.FrameRate = 30
	}
	return &v
}

func (c *Controller) audioConstraints(deviceID string) *AudioConstraints {
	return &AudioConstraints{
		DeviceID:         deviceID,
		EchoCancellation: c.audio.EchoCancellation(),
		NoiseSuppression: c.audio.NoiseSuppression(),
		AutoGainControl:  c.audio.AutoGainControl(),
	}
}

// defaultVideoTiers prefers the remembered camera and falls back to any.
func (c *Controller) defaultVideoTiers() []videoTier {
	var tiers []videoTier
	if id := c.video.SelectedDeviceID(); id != "" {
		tiers = append(tiers, videoTier{name: "preferred-device", constraints: c.videoConstraints(id)})
	}
	return append(tiers, videoTier{name: "any-camera", constraints: c.videoConstraints("")})
}

func (c *Controller) defaultAudioTiers() []audioTier {
	var tiers []audioTier
	if id := c.audio.SelectedDeviceID(); id != "" {
		tiers = append(tiers, audioTier{name: "preferred-device", deviceID: id})
	}
	return append(tiers, audioTier{name: "any-microphone"})
}

func (c *Controller) acquireVideo(ctx context.Context, tiers []videoTier) (*Track, string, error) {
	acquireErr := &AcquireError{Kind: "video"}
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		if tier.err != nil {
			acquireErr.Attempts = append(acquireErr.Attempts, AcquireAttempt{Tier: tier.name, Err: tier.err})
			continue
		}
		result, err := c.capture(CaptureRequest{Video: tier.constraints})
		if err != nil {
			acquireErr.Attempts = append(acquireErr.Attempts, AcquireAttempt{
				Tier: tier.name, DeviceID: tier.constraints.DeviceID, Err: err,
			})
			continue
		}
		track, err := NewTrack(webrtc.RTPCodecTypeVideo, result.Video, result.VideoDeviceID, c.log)
		if err != nil {
			_ = result.Video.Close()
			acquireErr.Attempts = append(acquireErr.Attempts, AcquireAttempt{
				Tier: tier.name, DeviceID: result.VideoDeviceID, Err: err,
			})
			continue
		}
		c.log.Info("acquired camera",
			zap.String("tier", tier.name), zap.String("device", result.VideoDeviceID))
		return track, result.VideoDeviceID, nil
	}
	return nil, "", acquireErr
}

func (c *Controller) acquireAudio(ctx context.Context, tiers []audioTier) (*Track, string, error) {
	acquireErr := &AcquireError{Kind: "audio"}
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			return nil, "", err
		}
		result, err := c.capture(CaptureRequest{Audio: c.audioConstraints(tier.deviceID)})
		if err != nil {
			acquireErr.Attempts = append(acquireErr.Attempts, AcquireAttempt{
				Tier: tier.name, DeviceID: tier.deviceID, Err: err,
			})
			continue
		}
		track, err := NewTrack(webrtc.RTPCodecTypeAudio, result.Audio, result.AudioDeviceID, c.log)
		if err != nil {
			_ = result.Audio.Close()
			acquireErr.Attempts = append(acquireErr.Attempts, AcquireAttempt{
				Tier: tier.name, DeviceID: result.AudioDeviceID, Err: err,
			})
			continue
		}
		c.log.Info("acquired microphone",
			zap.String("tier", tier.name), zap.String("device", result.AudioDeviceID))
		return track, result.AudioDeviceID, nil
	}
	return nil, "", acquireErr
}
