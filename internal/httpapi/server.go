// Package httpapi exposes a local observer API: the renderer process
// and debugging tools read session state and stream animation intents
// from here instead of holding their own socket to the backend.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/kanaproject/kanashell/internal/bus"
	"github.com/kanaproject/kanashell/internal/devices"
	"github.com/kanaproject/kanashell/internal/prefs"
	"github.com/kanaproject/kanashell/internal/session"
)

// Controller is the session surface the API exposes. Satisfied by
// *session.Store.
type Controller interface {
	Snapshot() session.Snapshot
	Preferences() prefs.Preferences
	SetAudioPreferences(prefs.Preferences)
	StartAudio(*prefs.Preferences)
	StopAudio()
	ToggleMute()
	SendText(string)
	ClearError()
}

// DeviceLister fetches the backend's audio device inventory. Satisfied
// by *devices.Client.
type DeviceLister interface {
	List(ctx context.Context) (*devices.Inventory, error)
}

// Handler serves the observer API
type Handler struct {
	state   Controller
	devices DeviceLister
	events  *bus.EventBus
	logger  zerolog.Logger

	mu      sync.Mutex
	nextID  int
	streams map[int]chan bus.Event
}

// NewHandler creates the observer API handler and subscribes to intent
// events for streaming. lister may be nil when no backend HTTP API is
// available.
func NewHandler(state Controller, lister DeviceLister, events *bus.EventBus, logger zerolog.Logger) *Handler {
	h := &Handler{
		state:   state,
		devices: lister,
		events:  events,
		logger:  logger.With().Str("component", "httpapi").Logger(),
		streams: make(map[int]chan bus.Event),
	}
	if events != nil {
		events.Subscribe(bus.EventTypeIntentDispatched, h.fanout)
	}
	return h
}

// Routes builds the chi router
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Healthz)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.GetState)
		r.Get("/transcript", h.GetTranscript)
		r.Get("/intents", h.StreamIntents)
		r.Get("/devices", h.GetDevices)
		r.Get("/preferences", h.GetPreferences)
		r.Put("/preferences", h.PutPreferences)
		r.Route("/session", func(r chi.Router) {
			r.Post("/start", h.StartSession)
			r.Post("/stop", h.StopSession)
			r.Post("/mute", h.ToggleMute)
			r.Post("/say", h.Say)
			r.Post("/clear-error", h.ClearError)
		})
	})
	return r
}

// Serve runs the API server until ctx is done
func (h *Handler) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           h.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	h.logger.Info().Str("addr", addr).Msg("Observer API listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Healthz reports liveness
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetState returns the current session snapshot
func (h *Handler) GetState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.state.Snapshot())
}

// GetTranscript returns just the transcript messages
func (h *Handler) GetTranscript(w http.ResponseWriter, r *http.Request) {
	snap := h.state.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"runId":    snap.RunID,
		"messages": snap.Transcript,
	})
}

// GetDevices proxies the backend's device inventory for the settings
// UI. A backend-reported enumeration failure comes back as a 200 with
// an error field, matching the backend's own contract; an unreachable
// backend is a 502.
func (h *Handler) GetDevices(w http.ResponseWriter, r *http.Request) {
	if h.devices == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "device enumeration unavailable"})
		return
	}
	inv, err := h.devices.List(r.Context())
	if err != nil {
		if errors.Is(err, devices.ErrBackend) {
			writeJSON(w, http.StatusOK, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

// GetPreferences returns the current device preferences
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p := h.state.Preferences()
	writeJSON(w, http.StatusOK, preferencesBody{
		Input:            p.Input,
		Output:           p.Output,
		NoiseSuppression: p.NoiseSuppression,
	})
}

// PutPreferences replaces the device preferences; if the session is
// listening this triggers the stop/restart cycle
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var body preferencesBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed preferences"})
		return
	}
	h.state.SetAudioPreferences(prefs.Preferences{
		Input:            body.Input,
		Output:           body.Output,
		NoiseSuppression: body.NoiseSuppression,
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// StartSession asks the backend to start the audio loop
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	h.state.StartAudio(nil)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "starting"})
}

// StopSession asks the backend to stop the audio loop
func (h *Handler) StopSession(w http.ResponseWriter, r *http.Request) {
	h.state.StopAudio()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
}

// ToggleMute flips the mute flag
func (h *Handler) ToggleMute(w http.ResponseWriter, r *http.Request) {
	h.state.ToggleMute()
	writeJSON(w, http.StatusOK, map[string]bool{"muted": h.state.Snapshot().IsMuted})
}

// Say submits typed user input
func (h *Handler) Say(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "text required"})
		return
	}
	h.state.SendText(body.Text)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// ClearError dismisses the current session error
func (h *Handler) ClearError(w http.ResponseWriter, r *http.Request) {
	h.state.ClearError()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type preferencesBody struct {
	Input            prefs.Device `json:"input"`
	Output           prefs.Device `json:"output"`
	NoiseSuppression bool         `json:"noiseSuppression"`
}

// StreamIntents streams animation intents as server-sent events
func (h *Handler) StreamIntents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := h.register()
	defer h.unregister(ch)

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(event.Data)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: intent\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (h *Handler) fanout(event bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.streams {
		select {
		case ch <- event:
		default:
			// Slow consumer drops intents rather than blocking dispatch
		}
	}
}

func (h *Handler) register() (ch chan bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch = make(chan bus.Event, 16)
	h.streams[h.nextID] = ch
	h.nextID++
	return ch
}

func (h *Handler) unregister(target chan bus.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.streams {
		if ch == target {
			delete(h.streams, id)
			close(ch)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
