package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config holds all client configuration. Defaults come from NewDefaultConfig;
// a JSON config file overrides them field by field.
type Config struct {
	// ServerURL is the websocket endpoint of the signaling relay.
	ServerURL   string `json:"serverUrl"`
	MeetingID   string `json:"meetingId"`
	DisplayName string `json:"displayName"`
	UserID      string `json:"userId"`
	JoinAsHost  bool   `json:"joinAsHost"`
	MeetingName string `json:"meetingName"`

	// PreferencesDSN is the Postgres DSN for the device preference store.
	// Empty or unreachable means preferences live in memory only.
	PreferencesDSN string `json:"preferencesDsn"`

	LogLevel string `json:"logLevel"`

	// ICEServers is the fixed STUN/TURN list used for every peer connection,
	// merged with whatever the relay hands out per session.
	ICEServers []ICEServer `json:"iceServers"`

	// DisconnectGraceSeconds is how long an ICE "disconnected" state may
	// persist before the relay is asked to arbitrate a restart.
	DisconnectGraceSeconds int `json:"disconnectGraceSeconds"`

	// SettleDelayMillis is the pause between releasing a capture device and
	// requesting its replacement. Some platforms refuse a second concurrent
	// handle to the same physical camera.
	SettleDelayMillis int `json:"settleDelayMillis"`

	Video VideoConfig `json:"video"`
	Audio AudioConfig `json:"audio"`
}

type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

type VideoConfig struct {
	Width     int `json:"width"`
	Height    int `json:"height"`
	FrameRate int `json:"frameRate"`
	BitRate   int `json:"bitRate"`
}

type AudioConfig struct {
	BitRate int `json:"bitRate"`
}

// NewDefaultConfig returns a Config with default values.
func NewDefaultConfig() *Config {
	return &Config{
		ServerURL: "ws://localhost:5000/ws",
		LogLevel:  "info",
		ICEServers: []ICEServer{
			{URLs: []string{
				"stun:stun.l.google.com:19302",
				"stun:stun1.l.google.com:19302",
				"stun:stun2.l.google.com:19302",
				"stun:stun3.l.google.com:19302",
				"stun:stun4.l.google.com:19302",
			}},
			{
				URLs:       []string{"turn:openrelay.metered.ca:80"},
				Username:   "openrelayproject",
				Credential: "openrelayproject",
			},
			{
				URLs:       []string{"turn:openrelay.metered.ca:443"},
				Username:   "openrelayproject",
				Credential: "openrelayproject",
			},
			{
				URLs:       []string{"turn:openrelay.metered.ca:443?transport=tcp"},
				Username:   "openrelayproject",
				Credential: "openrelayproject",
			},
		},
		DisconnectGraceSeconds: 5,
		SettleDelayMillis:      400,
		Video: VideoConfig{
			Width:     1280,
			Height:    720,
			FrameRate: 30,
			BitRate:   1_000_000,
		},
		Audio: AudioConfig{
			BitRate: 32_000,
		},
	}
}

// Load reads a JSON config file on top of the defaults.
func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("serverUrl is required")
	}
	if c.DisconnectGraceSeconds <= 0 {
		return fmt.Errorf("disconnectGraceSeconds must be positive")
	}
	if c.SettleDelayMillis < 0 {
		return fmt.Errorf("settleDelayMillis must not be negative")
	}
	return nil
}

func (c *Config) DisconnectGrace() time.Duration {
	return time.Duration(c.DisconnectGraceSeconds) * time.Second
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMillis) * time.Millisecond
}
