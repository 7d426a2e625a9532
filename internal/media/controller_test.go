package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/convospace/meshcall/internal/devices"
	"github.com/convospace/meshcall/internal/peer"
	"github.com/convospace/meshcall/internal/signal"
)

// scriptedCapture fails or succeeds per requested device id, recording the
// order of attempts.
type scriptedCapture struct {
	mu       sync.Mutex
	attempts []string // requested device ids, "" for unpinned
	fail     map[string]error
	failAll  error
	sources  []*fakeSource
}

func newScriptedCapture() *scriptedCapture {
	return &scriptedCapture{fail: make(map[string]error)}
}

func (s *scriptedCapture) fn(req CaptureRequest) (*CaptureResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deviceID string
	switch {
	case req.Video != nil:
		deviceID = req.Video.DeviceID
	case req.Audio != nil:
		deviceID = req.Audio.DeviceID
	}
	s.attempts = append(s.attempts, deviceID)

	if s.failAll != nil {
		return nil, s.failAll
	}
	if err, ok := s.fail[deviceID]; ok {
		return nil, err
	}

	bound := deviceID
	if bound == "" {
		bound = "fallback-device"
	}
	src := newFakeSource(bound)
	s.sources = append(s.sources, src)

	result := &CaptureResult{}
	if req.Video != nil {
		result.Video = src
		result.VideoDeviceID = bound
	} else {
		result.Audio = src
		result.AudioDeviceID = bound
	}
	return result, nil
}

func (s *scriptedCapture) attemptLog() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.attempts...)
}

func (s *scriptedCapture) reset() {
	s.mu.Lock()
	s.attempts = nil
	s.failAll = nil
	s.fail = make(map[string]error)
	s.mu.Unlock()
}

type controllerFixture struct {
	ctrl    *Controller
	capture *scriptedCapture
	sender  *fakeSender
	video   *devices.VideoManager
	audio   *devices.AudioManager
	reg     *peer.Registry
}

func newFixture(t *testing.T, cameras ...mediadevices.MediaDeviceInfo) *controllerFixture {
	log := zaptest.NewLogger(t)
	store := devices.NewMemoryStore()

	videoMgr := devices.NewVideoManager(store, log)
	audioMgr := devices.NewAudioManager(store, log)
	setEnumerate(videoMgr, audioMgr, cameras)
	videoMgr.Refresh()
	audioMgr.Refresh()

	engine := webrtc.MediaEngine{}
	require.NoError(t, engine.RegisterDefaultCodecs())
	api := webrtc.NewAPI(webrtc.WithMediaEngine(&engine))
	reg := peer.NewRegistry(api, nil, log)
	t.Cleanup(reg.CloseAll)

	capture := newScriptedCapture()
	sender := &fakeSender{}
	ctrl := NewController(Options{
		Video:    videoMgr,
		Audio:    audioMgr,
		Registry: reg,
		Sender:   sender,
		Capture:  capture.fn,
		Settle:   time.Millisecond,
		Logger:   log,
	})
	t.Cleanup(ctrl.Release)

	return &controllerFixture{
		ctrl:    ctrl,
		capture: capture,
		sender:  sender,
		video:   videoMgr,
		audio:   audioMgr,
		reg:     reg,
	}
}

func TestAcquirePrefersSelectedDevice(t *testing.T) {
	f := newFixture(t,
		camInfo("cam-front", "Front Camera"),
		camInfo("cam-back", "Back Camera"),
		micInfo("mic-0", "Mic"),
	)

	session, err := f.ctrl.Acquire(context.Background(), true, true)
	require.NoError(t, err)

	require.NotNil(t, session.Track(webrtc.RTPCodecTypeVideo))
	require.NotNil(t, session.Track(webrtc.RTPCodecTypeAudio))
	assert.Equal(t, []string{"cam-front", "mic-0"}, f.capture.attemptLog(),
		"first tier succeeded, no fallback attempted")
}

func TestAcquireFallsBackToUnpinned(t *testing.T) {
	f := newFixture(t, camInfo("cam-front", "Front Camera"))
	f.capture.fail["cam-front"] = errors.New("device busy")

	session, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)

	require.NotNil(t, session.Track(webrtc.RTPCodecTypeVideo))
	assert.Equal(t, []string{"cam-front", ""}, f.capture.attemptLog())
	assert.Equal(t, "fallback-device", f.video.SelectedDeviceID(),
		"selection follows the device actually bound")
}

func TestAcquirePartialFailureKeepsOtherKind(t *testing.T) {
	f := newFixture(t, camInfo("cam-front", "Front Camera"), micInfo("mic-0", "Mic"))
	f.capture.failAll = errors.New("no permission")

	// Every video attempt fails, then let audio succeed.
	session, err := f.ctrl.Acquire(context.Background(), false, true)
	require.Error(t, err)
	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)
	assert.Equal(t, "video", acquireErr.Kind)
	assert.Len(t, acquireErr.Attempts, 2)
	assert.Nil(t, session.Track(webrtc.RTPCodecTypeVideo))
}

func TestAcquireTwiceReturnsSameSession(t *testing.T) {
	f := newFixture(t, camInfo("cam-front", "Front Camera"))

	s1, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)
	s2, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)
	assert.Same(t, s1, s2)
	assert.Len(t, f.capture.attemptLog(), 1)
}

func TestToggleTwiceRestoresStateAndAnnouncesBoth(t *testing.T) {
	f := newFixture(t, camInfo("cam-front", "Front Camera"), micInfo("mic-0", "Mic"))
	_, err := f.ctrl.Acquire(context.Background(), true, true)
	require.NoError(t, err)

	track := f.ctrl.Session().Track(webrtc.RTPCodecTypeAudio)
	require.True(t, track.Enabled())

	require.NoError(t, f.ctrl.Toggle(webrtc.RTPCodecTypeAudio, true))
	assert.False(t, track.Enabled())
	require.NoError(t, f.ctrl.Toggle(webrtc.RTPCodecTypeAudio, false))
	assert.True(t, track.Enabled(), "double toggle returns to the original state")

	msgs := f.sender.byEvent(signal.EventToggleMic)
	require.Len(t, msgs, 2, "each toggle announces exactly once")
	assert.Equal(t, signal.MicState{IsMuted: true}, msgs[0].payload)
	assert.Equal(t, signal.MicState{IsMuted: false}, msgs[1].payload)
}

func TestToggleWithoutTrack(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.ctrl.Toggle(webrtc.RTPCodecTypeVideo, true), ErrNoTrack)
}

func TestSwitchVideoDeviceReplacesTrackOnEveryLink(t *testing.T) {
	f := newFixture(t, camInfo("cam-a", "cam a"), camInfo("cam-b", "cam b"))
	_, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)

	old := f.ctrl.Session().Track(webrtc.RTPCodecTypeVideo)
	oldSource := f.capture.sources[0]

	for _, id := range []string{"p1", "p2", "p3"} {
		link, err := f.reg.Upsert(id, true, nil)
		require.NoError(t, err)
		require.NoError(t, link.AddTracks(old.Out()))
	}

	require.NoError(t, f.ctrl.SwitchVideoDevice(context.Background(), "cam-b"))

	fresh := f.ctrl.Session().Track(webrtc.RTPCodecTypeVideo)
	require.NotSame(t, old, fresh)
	assert.Equal(t, "cam-b", fresh.DeviceID())
	assert.Equal(t, "cam-b", f.video.SelectedDeviceID())
	assert.Equal(t, 1, oldSource.closes(), "old capture closed exactly once")

	count := 0
	f.reg.ForEach(func(l *peer.Link) {
		count++
		sender := l.Sender(webrtc.RTPCodecTypeVideo)
		require.NotNil(t, sender)
		assert.Same(t, fresh.Out(), sender.Track(), "link %s carries the new track", l.RemoteID())
	})
	assert.Equal(t, 3, count)
}

func TestSwitchFailureRestoresPreviousCamera(t *testing.T) {
	f := newFixture(t, camInfo("cam-a", "cam a"), camInfo("cam-b", "cam b"))
	_, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)

	old := f.ctrl.Session().Track(webrtc.RTPCodecTypeVideo)
	require.True(t, old.Enabled())

	f.capture.reset()
	f.capture.fail["cam-b"] = errors.New("device gone")

	err = f.ctrl.SwitchVideoDevice(context.Background(), "cam-b")
	require.Error(t, err)
	var acquireErr *AcquireError
	require.ErrorAs(t, err, &acquireErr)

	// The previous camera is recaptured into the same track, still enabled.
	assert.Same(t, old, f.ctrl.Session().Track(webrtc.RTPCodecTypeVideo))
	assert.True(t, old.Enabled())
	assert.Equal(t, "cam-a", old.DeviceID())
	assert.Equal(t, []string{"cam-b", "cam-a"}, f.capture.attemptLog(),
		"failed tier, then the restore capture")
	assert.Equal(t, "cam-a", f.video.SelectedDeviceID(), "selection unchanged on failure")
}

func TestSwitchCameraWalksFacingLadder(t *testing.T) {
	f := newFixture(t,
		camInfo("cam-front", "Front Camera"),
		camInfo("cam-back", "Back Camera"),
	)
	_, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)
	require.Equal(t, devices.FacingUser, f.video.FacingMode())

	f.capture.reset()
	require.NoError(t, f.ctrl.SwitchCamera(context.Background()))

	assert.Equal(t, []string{"cam-back"}, f.capture.attemptLog(),
		"ideal-facing tier succeeds immediately")
	assert.Equal(t, devices.FacingEnvironment, f.video.FacingMode())
	assert.Equal(t, "cam-back", f.video.SelectedDeviceID())

	switched := f.sender.byEvent(signal.EventCameraSwitched)
	require.Len(t, switched, 1)
	assert.Equal(t, signal.CameraSwitched{
		FacingMode: "environment",
		DeviceID:   "cam-back",
	}, switched[0].payload)
}

func TestSwitchCameraFallsThroughTiers(t *testing.T) {
	f := newFixture(t,
		camInfo("cam-front", "Front Camera"),
		camInfo("cam-back", "Back Camera"),
	)
	_, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)

	f.capture.reset()
	f.capture.fail["cam-back"] = errors.New("busy")

	require.NoError(t, f.ctrl.SwitchCamera(context.Background()))

	// ideal-facing and exact-facing both pin cam-back and fail; next-device
	// also resolves to cam-back and fails; any-camera finally opens.
	assert.Equal(t, []string{"cam-back", "cam-back", "cam-back", ""}, f.capture.attemptLog())
	assert.Equal(t, devices.FacingEnvironment, f.video.FacingMode(),
		"facing records the intent even through the relaxed tier")
}

func TestSwitchCameraNeedsTwoCameras(t *testing.T) {
	f := newFixture(t, camInfo("cam-front", "Front Camera"))
	_, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)

	assert.ErrorIs(t, f.ctrl.SwitchCamera(context.Background()), ErrNoOtherCamera)
}

func TestSwitchAudioDevice(t *testing.T) {
	f := newFixture(t, micInfo("mic-0", "Mic"), micInfo("mic-1", "Headset"))
	_, err := f.ctrl.Acquire(context.Background(), true, false)
	require.NoError(t, err)

	old := f.ctrl.Session().Track(webrtc.RTPCodecTypeAudio)
	oldSource := f.capture.sources[0]

	require.NoError(t, f.ctrl.SwitchAudioDevice(context.Background(), "mic-1"))

	fresh := f.ctrl.Session().Track(webrtc.RTPCodecTypeAudio)
	require.NotSame(t, old, fresh)
	assert.Equal(t, "mic-1", fresh.DeviceID())
	assert.Equal(t, "mic-1", f.audio.SelectedDeviceID())
	assert.Equal(t, 1, oldSource.closes())
}

func TestSessionSafeForConcurrentReads(t *testing.T) {
	f := newFixture(t, camInfo("cam-a", "cam a"), camInfo("cam-b", "cam b"))
	session, err := f.ctrl.Acquire(context.Background(), false, true)
	require.NoError(t, err)

	// The negotiation engine reads the session from the signaling goroutine
	// while a switch rewrites it.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 200; i++ {
			session.OutboundTracks()
			session.Track(webrtc.RTPCodecTypeVideo)
		}
	}()

	require.NoError(t, f.ctrl.SwitchVideoDevice(context.Background(), "cam-b"))
	<-done
	assert.Equal(t, "cam-b", session.Track(webrtc.RTPCodecTypeVideo).DeviceID())
}

func TestReleaseStopsEverything(t *testing.T) {
	f := newFixture(t, camInfo("cam-a", "cam a"), micInfo("mic-0", "Mic"))
	_, err := f.ctrl.Acquire(context.Background(), true, true)
	require.NoError(t, err)
	require.Len(t, f.capture.sources, 2)

	f.ctrl.Release()
	assert.Nil(t, f.ctrl.Session())
	for _, src := range f.capture.sources {
		assert.Equal(t, 1, src.closes())
	}
}

func camInfo(id, label string) mediadevices.MediaDeviceInfo {
	return mediadevices.MediaDeviceInfo{DeviceID: id, Label: label, Kind: mediadevices.VideoInput}
}

func micInfo(id, label string) mediadevices.MediaDeviceInfo {
	return mediadevices.MediaDeviceInfo{DeviceID: id, Label: label, Kind: mediadevices.AudioInput}
}

func setEnumerate(v *devices.VideoManager, a *devices.AudioManager, infos []mediadevices.MediaDeviceInfo) {
	fn := func() []mediadevices.MediaDeviceInfo { return infos }
	v.SetEnumerator(fn)
	a.SetEnumerator(fn)
}
