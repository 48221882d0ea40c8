// KanaShell - desktop shell for the KANA voice assistant
package main

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/kanaproject/kanashell/internal/bus"
	"github.com/kanaproject/kanashell/internal/clips"
	"github.com/kanaproject/kanashell/internal/config"
	"github.com/kanaproject/kanashell/internal/devices"
	"github.com/kanaproject/kanashell/internal/httpapi"
	"github.com/kanaproject/kanashell/internal/intent"
	"github.com/kanaproject/kanashell/internal/logging"
	"github.com/kanaproject/kanashell/internal/model"
	"github.com/kanaproject/kanashell/internal/prefs"
	"github.com/kanaproject/kanashell/internal/session"
	"github.com/kanaproject/kanashell/internal/supervise"
	"github.com/kanaproject/kanashell/internal/transport"
)

// loadEnvFile pulls optional overrides from ~/.kanashell/.env and a
// local .env into the process environment before viper reads it
func loadEnvFile() {
	if home, err := os.UserHomeDir(); err == nil {
		godotenv.Load(filepath.Join(home, ".kanashell", ".env"))
	}
	godotenv.Load()
}

// streamPlayer is the Player wired into the intent router. Clip
// delivery to the renderer happens over the observer API's intent
// stream; this hook exists for an embedded renderer to attach to.
type streamPlayer struct{}

func (streamPlayer) Play(clip string, opts intent.PlayOptions) {}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "kanashell:", err)
		os.Exit(1)
	}
}

func run() error {
	loadEnvFile()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(logging.DefaultConfig())
	if err != nil {
		return fmt.Errorf("init logging: %w", err)
	}
	defer logger.Close()

	log := logger.Component("main")
	log.Info().Str("logPath", logger.GetLogPath()).Msg("KanaShell starting")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events := bus.NewEventBus()

	// Preflight the avatar model so a broken file is a startup warning,
	// not a renderer crash later
	if info, err := model.Preflight(cfg.Avatar.ModelPath); err != nil {
		log.Warn().Err(err).Str("path", cfg.Avatar.ModelPath).Msg("Avatar model preflight failed")
	} else {
		log.Info().
			Int("meshes", info.Meshes).
			Int64("sizeBytes", info.SizeBytes).
			Msg("Avatar model validated")
	}

	// Device preferences, degrading to in-memory on open failure
	var prefCache prefs.Cache
	prefStore, err := prefs.Open(cfg.Prefs.Path, logger.Zerolog())
	if err != nil {
		log.Warn().Err(err).Msg("Preference store unavailable, preferences will not persist")
		prefCache = prefs.NewNoop()
	} else {
		defer prefStore.Close()
		prefCache = prefStore
	}

	// Backend process
	supervisor := supervise.New(supervise.Config{
		Host:           cfg.Backend.Host,
		Port:           cfg.Backend.Port,
		Command:        cfg.Backend.Command,
		Args:           cfg.Backend.Args,
		WorkDir:        cfg.Backend.WorkDir,
		StartTimeout:   cfg.Backend.StartTimeout,
		HealthInterval: cfg.Backend.HealthInterval,
	}, events, logger.Zerolog())
	if err := supervisor.Start(ctx); err != nil {
		return fmt.Errorf("start backend: %w", err)
	}
	defer supervisor.Stop()

	// Session state, fed by the socket below
	store := session.NewStore(session.Config{
		FinalizeDebounce: cfg.Session.FinalizeDebounce,
		SettleDelay:      cfg.Session.SettleDelay,
		RequireListening: cfg.Session.RequireListening,
	}, nil, prefCache, events, logger.Zerolog())
	defer store.Close()

	backendURL := fmt.Sprintf("http://%s", net.JoinHostPort(cfg.Backend.Host, fmt.Sprintf("%d", cfg.Backend.Port)))
	client := transport.NewClient(transport.ClientConfig{
		URL:            backendURL,
		ReconnectDelay: cfg.Backend.ReconnectDelay,
		MaxBackoff:     cfg.Backend.MaxBackoff,
	}, transport.Handlers{
		OnConnect:       store.OnConnect,
		OnDisconnect:    store.OnDisconnect,
		OnStatus:        store.OnStatus,
		OnTranscription: store.OnTranscriptionDelta,
		OnAudioData:     store.OnAudioFrame,
		OnError:         store.OnError,
	}, logger.Zerolog())
	store.SetEmitter(client)

	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect backend socket: %w", err)
	}
	defer client.Close()

	// Animation layer
	seed := time.Now().UnixNano()
	catalog := clips.NewCatalog(cfg.Avatar.AnimationDir, events, logger.Zerolog(), seed)
	go func() {
		if err := catalog.Watch(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("Clip catalog watcher stopped")
		}
	}()

	router := intent.NewRouter(intent.DefaultConfig(), streamPlayer{}, catalog, store, events, logger.Zerolog(), rand.Int63())
	router.Attach(events)
	defer router.Close()

	// Observer API for the renderer and tooling
	deviceClient := devices.NewClient(backendURL)
	api := httpapi.NewHandler(store, deviceClient, events, logger.Zerolog())
	apiErr := make(chan error, 1)
	go func() {
		apiErr <- api.Serve(ctx, cfg.API.Addr)
	}()

	log.Info().Msg("KanaShell ready")

	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
		return nil
	case err := <-apiErr:
		if err != nil {
			return fmt.Errorf("observer api: %w", err)
		}
		return nil
	}
}
