package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/pion/mediadevices"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/curaline/telecall/internal/config"
	"github.com/curaline/telecall/internal/history"
	"github.com/curaline/telecall/internal/media"
	"github.com/curaline/telecall/internal/session"
	"github.com/curaline/telecall/internal/signaling"
)

// Application holds all components of the call client.
type Application struct {
	config     *config.Config
	logger     *zap.Logger
	channel    *signaling.Channel
	mediaMgr   *media.Manager
	controller *session.Controller
	store      *history.PostgresStore
	remote     *remoteSink
}

func main() {
	cfg := config.NewDefaultConfig()

	flag.StringVar(&cfg.RelayURL, "relay", cfg.RelayURL, "signaling relay WebSocket URL")
	flag.StringVar(&cfg.RoomID, "room", cfg.RoomID, "room ID from the appointment link")
	flag.StringVar(&cfg.DisplayName, "name", cfg.DisplayName, "display name shown to the peer")
	flag.StringVar(&cfg.ExpectedUser, "expect", cfg.ExpectedUser, "expected peer name; anyone else ends the session")
	flag.StringVar(&cfg.VideoDeviceID, "camera", cfg.VideoDeviceID, "camera device ID (empty to choose interactively)")
	flag.StringVar(&cfg.AudioDeviceID, "microphone", cfg.AudioDeviceID, "microphone device ID (empty to choose interactively)")
	flag.BoolVar(&cfg.History.Enabled, "history", cfg.History.Enabled, "record session events to PostgreSQL")
	flag.StringVar(&cfg.History.Postgres.Host, "pg-host", cfg.History.Postgres.Host, "history database host")
	flag.StringVar(&cfg.History.Postgres.Database, "pg-db", cfg.History.Postgres.Database, "history database name")
	flag.StringVar(&cfg.History.Postgres.Username, "pg-user", cfg.History.Postgres.Username, "history database user")
	flag.StringVar(&cfg.History.Postgres.Password, "pg-pass", cfg.History.Postgres.Password, "history database password")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	app, err := NewApplication(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create application", zap.Error(err))
	}
	defer app.Cleanup()

	if err := app.Run(); err != nil {
		logger.Fatal("session failed", zap.Error(err))
	}
}

func NewApplication(cfg *config.Config, logger *zap.Logger) (*Application, error) {
	app := &Application{
		config: cfg,
		logger: logger,
		remote: &remoteSink{logger: logger.Named("remote")},
	}

	if cfg.History.Enabled {
		store, err := history.NewPostgresStore(cfg.History.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open history store: %w", err)
		}
		app.store = store
	}

	channel, err := signaling.Open(cfg.RelayURL, cfg.RoomID, cfg.DisplayName, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to reach signaling relay: %w", err)
	}
	app.channel = channel

	mediaMgr, err := media.NewManager(&localSink{logger: logger.Named("local")}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create media manager: %w", err)
	}
	app.mediaMgr = mediaMgr

	sessionCfg := session.Config{
		RoomID:       cfg.RoomID,
		DisplayName:  cfg.DisplayName,
		ExpectedUser: cfg.ExpectedUser,
		ICEServers:   cfg.ICEServers,
		Channel:      channel,
		Media:        mediaMgr,
		Sink:         app.remote,
		Notifier:     &consoleNotifier{},
		Logger:       logger,
	}
	if app.store != nil {
		sessionCfg.History = app.store
	}
	app.controller = session.New(sessionCfg)

	return app, nil
}

func (app *Application) Cleanup() {
	if app.store != nil {
		app.store.Close()
	}
}

func (app *Application) Run() error {
	selection, err := app.selectDevices()
	if err != nil {
		return err
	}

	app.controller.Start()
	app.controller.ConfirmDevices(selection)

	// SIGINT/SIGTERM leaves the room cleanly so the peer is not left
	// staring at a frozen frame.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		app.logger.Info("interrupt received, leaving the call")
		app.controller.Leave()
	}()

	go app.readCommands()

	<-app.controller.Done()
	_, reason := app.controller.State()
	app.logger.Info("session ended", zap.String("reason", reason.String()))
	return nil
}

// selectDevices resolves the configured device IDs, prompting when a
// device kind has more than one candidate and no flag was given. A
// machine with no camera or microphone still joins the call.
func (app *Application) selectDevices() (media.Selection, error) {
	selection := media.Selection{
		VideoDeviceID: app.config.VideoDeviceID,
		AudioDeviceID: app.config.AudioDeviceID,
	}

	cameras, microphones := media.EnumerateDevices()
	if selection.VideoDeviceID == "" {
		selection.VideoDeviceID = pickDevice("camera", cameras)
	}
	if selection.AudioDeviceID == "" {
		selection.AudioDeviceID = pickDevice("microphone", microphones)
	}
	return selection, nil
}

func pickDevice(kind string, devices []mediadevices.MediaDeviceInfo) string {
	switch len(devices) {
	case 0:
		fmt.Printf("No %s found; joining without one.\n", kind)
		return ""
	case 1:
		return devices[0].DeviceID
	}

	fmt.Printf("Available %ss:\n", kind)
	for i, device := range devices {
		fmt.Printf("%d: %s\n", i, device.Label)
	}
	fmt.Printf("Select a %s (0 for the first): ", kind)
	var index int
	if _, err := fmt.Scan(&index); err != nil || index < 0 || index >= len(devices) {
		fmt.Println("Invalid selection, using the first device.")
		return devices[0].DeviceID
	}
	return devices[index].DeviceID
}

// readCommands turns stdin lines into session actions. Plain text goes
// out as chat; /cam, /mic, and /quit control the call.
func (app *Application) readCommands() {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
		case line == "/quit":
			app.controller.Leave()
			return
		case line == "/cam on":
			app.controller.ToggleCamera(true)
		case line == "/cam off":
			app.controller.ToggleCamera(false)
		case line == "/mic on":
			app.controller.ToggleMic(true)
		case line == "/mic off":
			app.controller.ToggleMic(false)
		default:
			app.controller.SendChat(line)
		}
	}
}

// localSink logs the local preview; there is no on-screen rendering in
// the CLI client.
type localSink struct {
	logger *zap.Logger
}

func (s *localSink) SetStream(stream mediadevices.MediaStream) {
	s.logger.Info("local preview ready", zap.Int("tracks", len(stream.GetTracks())))
}

func (s *localSink) Clear() {
	s.logger.Info("local preview stopped")
}

// remoteSink consumes the peer's media. The CLI client counts packets
// instead of rendering them.
type remoteSink struct {
	logger        *zap.Logger
	videoPackets  atomic.Uint64
	audioPackets  atomic.Uint64
	videoDisabled atomic.Bool
	audioDisabled atomic.Bool
}

func (s *remoteSink) AddTrack(track *webrtc.TrackRemote) {
	s.logger.Info("receiving remote track",
		zap.String("kind", track.Kind().String()),
		zap.String("codec", track.Codec().MimeType))
}

func (s *remoteSink) WriteRTP(track *webrtc.TrackRemote, pkt *rtp.Packet) {
	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		if s.videoDisabled.Load() {
			return
		}
		if n := s.videoPackets.Add(1); n%1000 == 0 {
			s.logger.Debug("remote video flowing", zap.Uint64("packets", n))
		}
	case webrtc.RTPCodecTypeAudio:
		if s.audioDisabled.Load() {
			return
		}
		if n := s.audioPackets.Add(1); n%1000 == 0 {
			s.logger.Debug("remote audio flowing", zap.Uint64("packets", n))
		}
	}
}

func (s *remoteSink) SetVideoEnabled(enabled bool) {
	s.videoDisabled.Store(!enabled)
	if enabled {
		fmt.Println("* peer turned their camera on")
	} else {
		fmt.Println("* peer turned their camera off")
	}
}

func (s *remoteSink) SetAudioEnabled(enabled bool) {
	s.audioDisabled.Store(!enabled)
	if enabled {
		fmt.Println("* peer unmuted")
	} else {
		fmt.Println("* peer muted")
	}
}

func (s *remoteSink) Clear() {
	s.logger.Info("remote media stopped",
		zap.Uint64("video_packets", s.videoPackets.Load()),
		zap.Uint64("audio_packets", s.audioPackets.Load()))
}

// consoleNotifier prints session events for the person on the call.
type consoleNotifier struct{}

func (consoleNotifier) StateChanged(state session.State, reason session.CloseReason) {
	if state == session.StateClosed {
		fmt.Printf("* call ended (%s)\n", reason)
		return
	}
	fmt.Printf("* %s\n", state)
}

func (consoleNotifier) ChatReceived(sender, text string) {
	fmt.Printf("[%s] %s\n", sender, text)
}
