package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/convospace/meshcall/internal/call"
	"github.com/convospace/meshcall/internal/config"
	"github.com/convospace/meshcall/internal/devices"
	"github.com/convospace/meshcall/internal/media"
	"github.com/convospace/meshcall/internal/peer"
	sig "github.com/convospace/meshcall/internal/signal"
)

// Application holds every long-lived component of the client.
type Application struct {
	config  *config.Config
	log     *zap.Logger
	store   devices.Store
	channel *sig.Channel
	media   *media.Controller
	engine  *call.Engine
}

func main() {
	cfg := config.NewDefaultConfig()

	var configPath string
	flag.StringVar(&configPath, "config", "", "path to a JSON config file")
	flag.StringVar(&cfg.ServerURL, "server", cfg.ServerURL, "relay websocket URL")
	flag.StringVar(&cfg.MeetingID, "meeting", cfg.MeetingID, "meeting to join")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to other participants")
	flag.BoolVar(&cfg.JoinAsHost, "host", cfg.JoinAsHost, "create the meeting instead of joining")
	flag.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flag.Parse()

	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	log, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	app, err := NewApplication(cfg, log)
	if err != nil {
		log.Fatal("failed to assemble client", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(); err != nil {
		log.Fatal("client exited with error", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, log *zap.Logger) (*Application, error) {
	store := devices.Open(cfg.PreferencesDSN, log)
	videoMgr := devices.NewVideoManager(store, log)
	audioMgr := devices.NewAudioManager(store, log)
	videoMgr.Refresh()
	audioMgr.Refresh()

	selector, api, err := media.NewCodecStack(media.CodecConfig{
		VideoBitRate: cfg.Video.BitRate,
		AudioBitRate: cfg.Audio.BitRate,
	})
	if err != nil {
		return nil, fmt.Errorf("build codec stack: %w", err)
	}

	registry := peer.NewRegistry(api, toICEServers(cfg.ICEServers), log)
	channel := sig.NewChannel(cfg.ServerURL, log)

	controller := media.NewController(media.Options{
		Video:    videoMgr,
		Audio:    audioMgr,
		Registry: registry,
		Sender:   channel,
		Capture:  media.UserMediaCapture(selector),
		Settle:   cfg.SettleDelay(),
		VideoCfg: media.VideoConstraints{
			Width:     cfg.Video.Width,
			Height:    cfg.Video.Height,
			FrameRate: float32(cfg.Video.FrameRate),
		},
		Logger: log,
	})

	engine := call.NewEngine(call.Options{
		Sender:      channel,
		Registry:    registry,
		Media:       controller,
		Logger:      log,
		GracePeriod: cfg.DisconnectGrace(),
	})
	engine.Bind(channel)

	return &Application{
		config:  cfg,
		log:     log,
		store:   store,
		channel: channel,
		media:   controller,
		engine:  engine,
	}, nil
}

func (app *Application) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := app.channel.Dial(ctx); err != nil {
		return fmt.Errorf("connect to relay: %w", err)
	}

	if _, err := app.media.Acquire(ctx, true, true); err != nil {
		// Joining without a camera or microphone is still a valid session.
		app.log.Warn("joining with partial media", zap.Error(err))
	}

	if err := app.engine.Join(sig.JoinRequest{
		MeetingID:   app.config.MeetingID,
		DisplayName: app.config.DisplayName,
		UserID:      app.config.UserID,
		MeetingName: app.config.MeetingName,
	}, app.config.JoinAsHost); err != nil {
		return fmt.Errorf("join meeting: %w", err)
	}

	events, cancel := app.engine.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			app.log.Info("shutting down")
			if err := app.engine.Leave(); err != nil {
				app.log.Warn("error leaving meeting", zap.Error(err))
			}
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if done := app.handleEvent(ev); done {
				return nil
			}
		}
	}
}

func (app *Application) handleEvent(ev call.Event) bool {
	switch ev := ev.(type) {
	case call.MeetingJoined:
		app.log.Info("in meeting",
			zap.String("meeting", ev.MeetingID),
			zap.Bool("host", ev.IsHost),
			zap.Int("participants", len(ev.Participants)))
	case call.MeetingError:
		app.log.Error("meeting error", zap.String("message", ev.Message))
		return true
	case call.ParticipantJoined:
		app.log.Info("participant joined", zap.String("name", ev.Participant.Name))
	case call.ParticipantLeft:
		app.log.Info("participant left", zap.String("session", ev.SessionID))
	case call.ParticipantUpdated:
		app.log.Debug("participant updated", zap.String("session", ev.Participant.SessionID))
	case call.RemoteTrack:
		app.log.Info("receiving media",
			zap.String("from", ev.SessionID),
			zap.String("kind", ev.Track.Kind().String()))
	case call.LinkStateChanged:
		app.log.Debug("link state",
			zap.String("remote", ev.SessionID), zap.Stringer("state", ev.State))
	case call.ForceMuted:
		app.log.Info("muted by moderator", zap.Bool("muted", ev.IsMuted))
	case call.Kicked:
		app.log.Warn("removed from meeting by moderator")
		return true
	case call.TransportDown:
		app.log.Error("lost relay connection", zap.Error(ev.Err))
	}
	return false
}

func (app *Application) Cleanup() {
	app.media.Release()
	if err := app.channel.Close(); err != nil {
		app.log.Warn("error closing channel", zap.Error(err))
	}
	if closer, ok := app.store.(*devices.SQLStore); ok {
		if err := closer.Close(); err != nil {
			app.log.Warn("error closing preference store", zap.Error(err))
		}
	}
}

func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parse log level %q: %w", level, err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

func toICEServers(in []config.ICEServer) []webrtc.ICEServer {
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
