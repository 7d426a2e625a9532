package media

import (
	"fmt"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
)

// VideoConstraints pins a camera and its target format for one acquisition.
// An empty DeviceID lets the driver pick any camera.
type VideoConstraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float32
}

// AudioConstraints pins a microphone and its processing capabilities. The
// portable drivers do not expose the processing toggles yet; they are carried
// so acquisitions record what was asked for.
type AudioConstraints struct {
	DeviceID         string
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// CaptureRequest asks for zero or more capture tracks. A nil constraint means
// that kind is not wanted.
type CaptureRequest struct {
	Video *VideoConstraints
	Audio *AudioConstraints
}

// CaptureResult holds the live sources produced by a capture, along with the
// device ids the driver actually bound so selections can be recorded.
type CaptureResult struct {
	Video         Source
	Audio         Source
	VideoDeviceID string
	AudioDeviceID string
}

// CaptureFunc acquires hardware. The production implementation talks to the
// OS through mediadevices; tests substitute a fake.
type CaptureFunc func(req CaptureRequest) (*CaptureResult, error)

// UserMediaCapture returns the production CaptureFunc backed by the given
// codec selector.
func UserMediaCapture(selector *mediadevices.CodecSelector) CaptureFunc {
	return func(req CaptureRequest) (*CaptureResult, error) {
		constraints := mediadevices.MediaStreamConstraints{Codec: selector}

		if v := req.Video; v != nil {
			constraints.Video = func(c *mediadevices.MediaTrackConstraints) {
				if v.DeviceID != "" {
					c.DeviceID = prop.String(v.DeviceID)
				}
				c.FrameFormat = prop.FrameFormat(frame.FormatYUY2)
				c.Width = prop.IntRanged{Min: 320, Max: 1920, Ideal: v.Width}
				c.Height = prop.IntRanged{Min: 240, Max: 1080, Ideal: v.Height}
				c.FrameRate = prop.FloatRanged{Min: 10, Max: 60, Ideal: v.FrameRate}
			}
		}
		if a := req.Audio; a != nil {
			constraints.Audio = func(c *mediadevices.MediaTrackConstraints) {
				if a.DeviceID != "" {
					c.DeviceID = prop.String(a.DeviceID)
				}
				c.SampleRate = prop.Int(48000)
				c.SampleSize = prop.Int(16)
				c.ChannelCount = prop.Int(1)
			}
		}

		stream, err := mediadevices.GetUserMedia(constraints)
		if err != nil {
			return nil, fmt.Errorf("get user media: %w", err)
		}

		result := &CaptureResult{}
		if req.Video != nil {
			for _, track := range stream.GetVideoTracks() {
				result.Video = track
				result.VideoDeviceID = pinnedOr(req.Video.DeviceID, track.ID())
			}
		}
		if req.Audio != nil {
			for _, track := range stream.GetAudioTracks() {
				result.Audio = track
				result.AudioDeviceID = pinnedOr(req.Audio.DeviceID, track.ID())
			}
		}

		if req.Video != nil && result.Video == nil {
			closeResult(result)
			return nil, fmt.Errorf("get user media: no video track in stream")
		}
		if req.Audio != nil && result.Audio == nil {
			closeResult(result)
			return nil, fmt.Errorf("get user media: no audio track in stream")
		}
		return result, nil
	}
}

// pinnedOr prefers the pinned device id from the request; mediadevices does
// not report which driver satisfied a relaxed constraint, so the track id is
// the best record for unpinned captures.
func pinnedOr(pinned, trackID string) string {
	if pinned != "" {
		return pinned
	}
	return trackID
}

func closeResult(r *CaptureResult) {
	if r.Video != nil {
		_ = r.Video.Close()
	}
	if r.Audio != nil {
		_ = r.Audio.Close()
	}
}
