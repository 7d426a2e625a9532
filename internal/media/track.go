package media

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

const rtpMTU = 1200

// Source is a live capture the pump can read encoded RTP from. Satisfied by
// mediadevices.Track; tests provide a synthetic implementation.
type Source interface {
	ID() string
	NewRTPReader(codecName string, ssrc uint32, mtu int) (mediadevices.RTPReadCloser, error)
	Close() error
}

// Track pairs one capture source with the single outbound RTP track shared by
// every peer connection. The connection rewrites SSRC and sequence numbers per
// binding, so one pump serves the whole mesh.
//
// The enabled flag gates the pump: a disabled track keeps capturing but stops
// forwarding, which is how mute works without renegotiation.
type Track struct {
	kind     webrtc.RTPCodecType
	out      *webrtc.TrackLocalStaticRTP
	deviceID string
	log      *zap.Logger

	enabled atomic.Bool

	mu        sync.Mutex
	source    Source
	reader    mediadevices.RTPReadCloser
	pumpDone  chan struct{}
	srcClosed bool

	stopOnce sync.Once
}

// NewTrack wraps source in an outbound track of the given kind and starts the
// pump. The track starts enabled.
func NewTrack(kind webrtc.RTPCodecType, source Source, deviceID string, log *zap.Logger) (*Track, error) {
	var capability webrtc.RTPCodecCapability
	var trackID string
	switch kind {
	case webrtc.RTPCodecTypeVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
		trackID = "video"
	case webrtc.RTPCodecTypeAudio:
		capability = webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    1,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		}
		trackID = "audio"
	default:
		return nil, fmt.Errorf("unsupported track kind %s", kind)
	}

	out, err := webrtc.NewTrackLocalStaticRTP(capability, trackID, "meshcall-"+uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("create outbound %s track: %w", kind, err)
	}

	t := &Track{
		kind:     kind,
		out:      out,
		deviceID: deviceID,
		log:      log.With(zap.Stringer("kind", kind)),
	}
	t.enabled.Store(true)
	if err := t.startPump(source); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Track) Kind() webrtc.RTPCodecType { return t.kind }

// Out is the track handed to peer connections.
func (t *Track) Out() *webrtc.TrackLocalStaticRTP { return t.out }

// DeviceID is the device the current source was captured from.
func (t *Track) DeviceID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.deviceID
}

func (t *Track) Enabled() bool { return t.enabled.Load() }

// SetEnabled toggles forwarding. The capture keeps running either way so
// re-enabling is instant.
func (t *Track) SetEnabled(on bool) {
	t.enabled.Store(on)
}

// startPump attaches a reader to source and forwards packets until the source
// ends or the reader is released.
func (t *Track) startPump(source Source) error {
	reader, err := source.NewRTPReader(t.out.Codec().MimeType, uint32(uuid.New().ID()), rtpMTU)
	if err != nil {
		return fmt.Errorf("create %s RTP reader: %w", t.kind, err)
	}

	done := make(chan struct{})
	t.mu.Lock()
	t.source = source
	t.reader = reader
	t.pumpDone = done
	t.srcClosed = false
	t.mu.Unlock()

	go t.pump(reader, done)
	return nil
}

func (t *Track) pump(reader mediadevices.RTPReadCloser, done chan struct{}) {
	defer close(done)
	for {
		packets, release, err := reader.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				t.log.Debug("rtp reader ended", zap.Error(err))
			}
			return
		}
		if t.enabled.Load() {
			for _, packet := range packets {
				if err := t.out.WriteRTP(packet); err != nil {
					if strings.Contains(err.Error(), "closed") {
						release()
						return
					}
					t.log.Warn("failed to write rtp packet", zap.Error(err))
				}
			}
		}
		release()
	}
}

// releaseSource stops the pump and closes the current source while keeping
// the outbound track alive. Returns the released source's device id so a
// failed switch can fall back to it.
func (t *Track) releaseSource() string {
	t.mu.Lock()
	reader := t.reader
	source := t.source
	done := t.pumpDone
	deviceID := t.deviceID
	alreadyClosed := t.srcClosed
	t.reader = nil
	t.source = nil
	t.srcClosed = true
	t.mu.Unlock()

	if reader != nil {
		reader.Close()
	}
	if source != nil && !alreadyClosed {
		if err := source.Close(); err != nil {
			t.log.Warn("failed to close capture source", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
	return deviceID
}

// restoreSource swaps a fresh source into the same outbound track. Peers keep
// their senders; only the packets change origin.
func (t *Track) restoreSource(source Source, deviceID string) error {
	if err := t.startPump(source); err != nil {
		return err
	}
	t.mu.Lock()
	t.deviceID = deviceID
	t.mu.Unlock()
	return nil
}

// Stop permanently ends the track. Idempotent; the underlying device is
// closed exactly once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		t.releaseSource()
	})
}
