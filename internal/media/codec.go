package media

import (
	"fmt"
	"time"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/webrtc/v4"
)

// CodecConfig tunes the outbound encoders.
type CodecConfig struct {
	VideoBitRate     int
	AudioBitRate     int
	KeyFrameInterval int
}

// NewCodecStack builds the VP8/Opus codec selector and the webrtc API every
// peer connection is created from. The selector and the API must come from
// the same MediaEngine or the RTP readers and the senders disagree on payload
// types.
func NewCodecStack(cfg CodecConfig) (*mediadevices.CodecSelector, *webrtc.API, error) {
	if cfg.VideoBitRate <= 0 {
		cfg.VideoBitRate = 1_000_000
	}
	if cfg.AudioBitRate <= 0 {
		cfg.AudioBitRate = 32_000
	}
	if cfg.KeyFrameInterval <= 0 {
		cfg.KeyFrameInterval = 15
	}

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, fmt.Errorf("create VP8 params: %w", err)
	}
	vpxParams.BitRate = cfg.VideoBitRate
	vpxParams.KeyFrameInterval = cfg.KeyFrameInterval
	vpxParams.RateControlEndUsage = vpx.RateControlVBR
	vpxParams.Deadline = 200 * time.Millisecond

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, fmt.Errorf("create Opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitRate
	opusParams.Latency = opus.Latency20ms

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	engine := webrtc.MediaEngine{}
	if err := engine.RegisterDefaultCodecs(); err != nil {
		return nil, nil, fmt.Errorf("register default codecs: %w", err)
	}
	selector.Populate(&engine)

	return selector, webrtc.NewAPI(webrtc.WithMediaEngine(&engine)), nil
}
