// Package intent turns session state transitions into animation
// intents. The router watches state snapshots, detects the edges that
// matter and tells the Player which clip to run; while a session is
// live it also schedules random idle animations.
package intent

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kanaproject/kanashell/internal/bus"
	"github.com/kanaproject/kanashell/internal/clips"
	"github.com/kanaproject/kanashell/internal/session"
)

// Named trigger clips
const (
	ClipGreeting = "action_greeting"
	ClipPride    = "pride"
)

// PlayOptions controls clip playback. Non-looping clips return to the
// neutral pose when they finish; that is the Player's responsibility.
type PlayOptions struct {
	Loop   bool
	FadeIn float64
}

// Player runs animation clips. Implemented by the renderer process
// bridge.
type Player interface {
	Play(clip string, opts PlayOptions)
}

// Flags clears the one-shot session flags after they are consumed.
// Satisfied by *session.Store.
type Flags interface {
	ClearSentenceEnded()
	ClearDanceRequested()
}

// Config tunes the idle scheduler
type Config struct {
	// Idle clips fire a uniform random delay within [IdleMinDelay,
	// IdleMaxDelay) while listening
	IdleMinDelay time.Duration
	IdleMaxDelay time.Duration
}

// DefaultConfig returns the idle scheduler defaults
func DefaultConfig() Config {
	return Config{
		IdleMinDelay: 10 * time.Second,
		IdleMaxDelay: 20 * time.Second,
	}
}

// Router dispatches animation intents from session snapshots. OnState
// must be called from a single goroutine in snapshot order; the bus's
// synchronous delivery guarantees that when wired through Attach.
type Router struct {
	cfg     Config
	player  Player
	catalog *clips.Catalog
	flags   Flags
	events  *bus.EventBus
	logger  zerolog.Logger

	mu            sync.Mutex
	prevListening bool
	idleTimer     *time.Timer
	idleActive    bool
	closed        bool
	rng           *rand.Rand
}

// NewRouter creates an intent router. flags may be nil in tests.
func NewRouter(cfg Config, player Player, catalog *clips.Catalog, flags Flags, events *bus.EventBus, logger zerolog.Logger, seed int64) *Router {
	if cfg.IdleMinDelay <= 0 {
		cfg.IdleMinDelay = 10 * time.Second
	}
	if cfg.IdleMaxDelay <= cfg.IdleMinDelay {
		cfg.IdleMaxDelay = cfg.IdleMinDelay * 2
	}
	return &Router{
		cfg:     cfg,
		player:  player,
		catalog: catalog,
		flags:   flags,
		events:  events,
		logger:  logger.With().Str("component", "intent").Logger(),
		rng:     rand.New(rand.NewSource(seed)),
	}
}

// Attach subscribes the router to session state changes
func (r *Router) Attach(events *bus.EventBus) {
	events.Subscribe(bus.EventTypeStateChanged, func(e bus.Event) {
		snap, ok := e.Data["snapshot"].(session.Snapshot)
		if !ok {
			return
		}
		r.OnState(snap)
	})
}

// OnState evaluates one snapshot. A dance request outranks a sentence
// end, which outranks the listening edges; the idle scheduler follows
// the listening edges regardless of which clip played.
func (r *Router) OnState(snap session.Snapshot) {
	r.mu.Lock()
	rising := snap.IsListening && !r.prevListening
	falling := !snap.IsListening && r.prevListening
	r.prevListening = snap.IsListening
	r.mu.Unlock()

	if rising {
		r.startIdle()
	} else if falling {
		r.stopIdle()
	}

	switch {
	case snap.DanceRequested:
		r.play(r.catalog.RandomDance(), PlayOptions{FadeIn: 0.5}, "dance_requested")
		if r.flags != nil {
			r.flags.ClearDanceRequested()
			if snap.SentenceEnded {
				// Consumed by the higher-priority dance
				r.flags.ClearSentenceEnded()
			}
		}
	case snap.SentenceEnded:
		r.play(ClipPride, PlayOptions{}, "sentence_ended")
		if r.flags != nil {
			r.flags.ClearSentenceEnded()
		}
	case rising:
		r.play(ClipGreeting, PlayOptions{}, "listening_started")
	case falling:
		r.play(r.catalog.Neutral(), PlayOptions{Loop: true}, "listening_stopped")
	}
}

// Close cancels the idle scheduler
func (r *Router) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.idleActive = false
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Router) play(clip string, opts PlayOptions, reason string) {
	r.logger.Debug().Str("clip", clip).Str("reason", reason).Msg("Dispatching animation")
	r.player.Play(clip, opts)
	if r.events != nil {
		r.events.Publish(bus.Event{
			Type: bus.EventTypeIntentDispatched,
			Data: map[string]any{"clip": clip, "reason": reason, "loop": opts.Loop},
		})
	}
}

// startIdle arms the idle scheduler; each firing plays a random idle
// clip and re-arms with a fresh random delay
func (r *Router) startIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.idleActive = true
	r.armIdleLocked()
}

func (r *Router) stopIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.idleActive = false
	if r.idleTimer != nil {
		r.idleTimer.Stop()
		r.idleTimer = nil
	}
}

func (r *Router) armIdleLocked() {
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	span := r.cfg.IdleMaxDelay - r.cfg.IdleMinDelay
	delay := r.cfg.IdleMinDelay + time.Duration(r.rng.Int63n(int64(span)))
	r.idleTimer = time.AfterFunc(delay, r.fireIdle)
}

func (r *Router) fireIdle() {
	r.mu.Lock()
	if !r.idleActive || r.closed {
		r.mu.Unlock()
		return
	}
	r.armIdleLocked()
	r.mu.Unlock()

	r.play(r.catalog.RandomIdle(), PlayOptions{}, "idle")
}
