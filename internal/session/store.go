// Package session holds the live state of one assistant run: connection
// status, the coalesced transcript, listening/mute flags and the
// audio-derived speaking level. The Store is the only mutator of that
// state; everything else reads snapshots or listens on the bus.
package session

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/kanaproject/kanashell/internal/bus"
	"github.com/kanaproject/kanashell/internal/prefs"
	"github.com/kanaproject/kanashell/internal/transport"
)

// ConnectionStatus is the socket connection state
type ConnectionStatus string

const (
	Disconnected ConnectionStatus = "disconnected"
	Connected    ConnectionStatus = "connected"
)

// Audio level tuning. Mirrors the thresholds the avatar's mouth animation
// was calibrated against, so they are fixed rather than configurable.
const (
	speakingThreshold = 0.02
	levelSmoothing    = 0.35
	levelGain         = 4.0
)

var errNoEmitter = errors.New("no backend socket attached")

// danceKeywords trigger the dance flag on User transcript fragments.
// Case-insensitive substring match.
var danceKeywords = []string{
	"танцуй", "танец", "потанцуй", "станцуй", "dance", "танцевать", "пляши",
}

// Message is one coalesced transcript entry
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
	// Final is set once the finalize debounce elapses with no further
	// fragments; a later fragment from the same sender then opens a new
	// Message instead of appending here.
	Final bool `json:"final"`
}

// RestartPhase tracks the two-step stop/restart cycle after a device
// change while listening
type RestartPhase string

const (
	RestartIdle     RestartPhase = ""
	RestartStopping RestartPhase = "stopping"
	RestartStarting RestartPhase = "starting"
)

// Snapshot is an immutable copy of the session state
type Snapshot struct {
	RunID               string           `json:"runId"`
	ConnectionStatus    ConnectionStatus `json:"connectionStatus"`
	StatusMessage       string           `json:"statusMessage"`
	IsListening         bool             `json:"isListening"`
	IsMuted             bool             `json:"isMuted"`
	AudioLevel          float64          `json:"audioLevel"`
	IsAssistantSpeaking bool             `json:"isAssistantSpeaking"`
	Error               string           `json:"error,omitempty"`
	SentenceEnded       bool             `json:"sentenceEnded"`
	DanceRequested      bool             `json:"danceRequested"`
	RestartPhase        RestartPhase     `json:"restartPhase,omitempty"`
	Transcript          []Message        `json:"transcript"`
}

// Emitter sends named events to the backend. Satisfied by
// *transport.Client.
type Emitter interface {
	Emit(event string, payload any) error
}

// Config tunes store behavior
type Config struct {
	// FinalizeDebounce is how long the transcript tail stays open for
	// same-sender appends (default 1s)
	FinalizeDebounce time.Duration
	// SettleDelay is the pause between stop and restart on a device
	// change while listening (default 1s)
	SettleDelay time.Duration
	// RequireListening gates SendText on an active session. UX policy,
	// off by default.
	RequireListening bool
}

// DefaultConfig returns the store defaults
func DefaultConfig() Config {
	return Config{
		FinalizeDebounce: 1000 * time.Millisecond,
		SettleDelay:      1 * time.Second,
	}
}

// Store is the sole authority over session state. Inbound events arrive
// on the transport's single reader goroutine; user actions come from
// other goroutines and take the same mutex, so every mutation is
// serialized in call order.
type Store struct {
	cfg     Config
	emitter Emitter
	events  *bus.EventBus
	logger  zerolog.Logger

	mu            sync.Mutex
	runID         string
	connection    ConnectionStatus
	statusMessage string
	isListening   bool
	isMuted       bool
	audioLevel    float64
	speaking      bool
	lastError     string
	sentenceEnded bool
	danceFlag     bool
	restartPhase  RestartPhase
	messages      []Message

	audioPrefs    prefs.Preferences
	prefCache     prefs.Cache
	finalizeTimer *time.Timer
	restartTimer  *time.Timer
	closed        bool
}

// NewStore creates a session store seeded with cached device preferences
func NewStore(cfg Config, emitter Emitter, cache prefs.Cache, events *bus.EventBus, logger zerolog.Logger) *Store {
	if cfg.FinalizeDebounce <= 0 {
		cfg.FinalizeDebounce = 1000 * time.Millisecond
	}
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = 1 * time.Second
	}

	s := &Store{
		cfg:        cfg,
		emitter:    emitter,
		events:     events,
		logger:     logger.With().Str("component", "session").Logger(),
		runID:      uuid.NewString(),
		connection: Disconnected,
		isMuted:    true,
		prefCache:  cache,
		audioPrefs: prefs.Defaults(),
	}
	if cache != nil {
		s.audioPrefs = cache.Load()
	}
	return s
}

// SetEmitter wires the backend socket in after construction. The store
// and the transport reference each other (inbound handlers feed the
// store, the store emits on the socket), so one side attaches late.
func (s *Store) SetEmitter(emitter Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitter = emitter
}

// emit sends an event if a socket is attached
func (s *Store) emit(event string, payload any) error {
	s.mu.Lock()
	emitter := s.emitter
	s.mu.Unlock()
	if emitter == nil {
		return errNoEmitter
	}
	return emitter.Emit(event, payload)
}

// RunID returns the identifier of this assistant run
func (s *Store) RunID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runID
}

// Snapshot returns a copy of the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// snapshotLocked builds a snapshot; caller must hold the mutex
func (s *Store) snapshotLocked() Snapshot {
	transcript := make([]Message, len(s.messages))
	copy(transcript, s.messages)
	return Snapshot{
		RunID:               s.runID,
		ConnectionStatus:    s.connection,
		StatusMessage:       s.statusMessage,
		IsListening:         s.isListening,
		IsMuted:             s.isMuted,
		AudioLevel:          s.audioLevel,
		IsAssistantSpeaking: s.speaking,
		Error:               s.lastError,
		SentenceEnded:       s.sentenceEnded,
		DanceRequested:      s.danceFlag,
		RestartPhase:        s.restartPhase,
		Transcript:          transcript,
	}
}

// Preferences returns the current audio device preferences
func (s *Store) Preferences() prefs.Preferences {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioPrefs
}

// OnConnect records the socket coming up
func (s *Store) OnConnect() {
	s.mu.Lock()
	s.connection = Connected
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("Backend connected")
	s.publish(bus.EventTypeConnected, snap)
	s.publishState(snap)
}

// OnDisconnect records the socket going down
func (s *Store) OnDisconnect() {
	s.mu.Lock()
	s.connection = Disconnected
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Info().Msg("Backend disconnected")
	s.publish(bus.EventTypeDisconnected, snap)
	s.publishState(snap)
}

// OnStatus records a backend status message. Only the Started/Stopped
// codes flip the listening flag; any other message is display-only.
func (s *Store) OnStatus(code transport.StatusCode, msg string) {
	s.mu.Lock()
	s.statusMessage = msg
	var transition bus.EventType
	switch code {
	case transport.StatusStarted:
		s.isListening = true
		transition = bus.EventTypeListeningStarted
	case transport.StatusStopped:
		s.isListening = false
		transition = bus.EventTypeListeningStopped
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Debug().Str("msg", msg).Msg("Status received")
	if transition != "" {
		s.publish(transition, snap)
	}
	s.publishState(snap)
}

// OnTranscriptionDelta folds one transcript fragment into the
// transcript. Consecutive fragments from the same sender coalesce into
// one Message until the sender changes or the finalize debounce commits
// the tail.
func (s *Store) OnTranscriptionDelta(sender, text string) {
	if sender == "" || text == "" {
		return
	}

	s.mu.Lock()
	if sender == "User" && containsDanceKeyword(text) {
		s.danceFlag = true
	}

	if n := len(s.messages); n > 0 && s.messages[n-1].Sender == sender && !s.messages[n-1].Final {
		s.messages[n-1].Text += text
	} else {
		s.messages = append(s.messages, Message{Sender: sender, Text: text})
	}

	// Debounce: each fragment pushes the commit point out again
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
	}
	if !s.closed {
		s.finalizeTimer = time.AfterFunc(s.cfg.FinalizeDebounce, s.finalizeTail)
	}

	dance := s.danceFlag
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(bus.EventTypeTranscriptAppended, snap)
	if dance {
		s.publish(bus.EventTypeDanceRequested, snap)
	}
	s.publishState(snap)
}

// finalizeTail commits the open transcript tail after the debounce
func (s *Store) finalizeTail() {
	s.mu.Lock()
	n := len(s.messages)
	if n == 0 || s.messages[n-1].Final {
		s.mu.Unlock()
		return
	}
	s.messages[n-1].Final = true
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.publish(bus.EventTypeTranscriptFinalized, snap)
	s.publishState(snap)
}

// OnAudioFrame folds a frame of LE int16 PCM into the smoothed audio
// level and tracks the speaking edge. Frames under one sample are
// ignored.
func (s *Store) OnAudioFrame(data []byte) {
	if len(data) < 2 {
		return
	}

	level := frameLevel(data)

	s.mu.Lock()
	s.audioLevel = s.audioLevel*(1-levelSmoothing) + level*levelSmoothing
	if s.audioLevel < 0 {
		s.audioLevel = 0
	}
	if s.audioLevel > 1 {
		s.audioLevel = 1
	}

	wasSpeaking := s.speaking
	s.speaking = s.audioLevel > speakingThreshold

	sentenceEnd := wasSpeaking && !s.speaking
	if sentenceEnd {
		s.sentenceEnded = true
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if sentenceEnd {
		s.publish(bus.EventTypeSentenceEnded, snap)
	}
	s.publishState(snap)
}

// OnError records a backend-signaled error. Other state is untouched;
// the user dismisses it with ClearError.
func (s *Store) OnError(msg string) {
	s.mu.Lock()
	s.lastError = msg
	snap := s.snapshotLocked()
	s.mu.Unlock()

	s.logger.Warn().Str("msg", msg).Msg("Backend error")
	s.publish(bus.EventTypeError, snap)
	s.publishState(snap)
}

// SendText appends a User message locally and forwards it to the
// backend. Empty input is a silent no-op.
func (s *Store) SendText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	s.mu.Lock()
	if s.cfg.RequireListening && !s.isListening {
		s.mu.Unlock()
		return
	}
	s.messages = append(s.messages, Message{Sender: "User", Text: text})
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.emit(transport.EventUserInput, transport.UserInputPayload{Text: text}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to send user input")
	}
	s.publish(bus.EventTypeTranscriptAppended, snap)
	s.publishState(snap)
}

// StartAudio asks the backend to start the audio loop. Overrides win
// over cached preferences; absent preferences are omitted from the wire
// payload so the backend picks system defaults.
func (s *Store) StartAudio(overrides *prefs.Preferences) {
	s.mu.Lock()
	s.lastError = ""
	p := s.audioPrefs
	if overrides != nil {
		p = *overrides
	}
	payload := buildStartPayload(s.isMuted, p)
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if err := s.emit(transport.EventStartAudio, payload); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to start audio")
	}
	s.publishState(snap)
}

// StopAudio asks the backend to stop the audio loop
func (s *Store) StopAudio() {
	if err := s.emit(transport.EventStopAudio, struct{}{}); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop audio")
	}
}

// ToggleMute flips the mute flag. If already listening, the pre-flip
// state decides whether the backend resumes or pauses.
func (s *Store) ToggleMute() {
	s.mu.Lock()
	wasMuted := s.isMuted
	s.isMuted = !s.isMuted
	listening := s.isListening
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if listening {
		event := transport.EventPauseAudio
		if wasMuted {
			event = transport.EventResumeAudio
		}
		if err := s.emit(event, struct{}{}); err != nil {
			s.logger.Warn().Err(err).Str("event", event).Msg("Failed to toggle mute")
		}
	}
	s.publishState(snap)
}

// SetAudioPreferences persists the new device preferences and, if
// currently listening, runs an explicit stop-settle-restart cycle so the
// backend re-opens its streams on the new devices.
func (s *Store) SetAudioPreferences(p prefs.Preferences) {
	s.mu.Lock()
	s.audioPrefs = p
	cache := s.prefCache
	listening := s.isListening
	s.mu.Unlock()

	if cache != nil {
		if err := cache.Save(p); err != nil {
			// Persistence failure degrades to this-session-only prefs
			s.logger.Warn().Err(err).Msg("Failed to persist device preferences")
		}
	}

	if !listening {
		return
	}

	s.mu.Lock()
	s.restartPhase = RestartStopping
	if s.restartTimer != nil {
		s.restartTimer.Stop()
	}
	closed := s.closed
	if !closed {
		s.restartTimer = time.AfterFunc(s.cfg.SettleDelay, s.completeRestart)
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()

	if closed {
		return
	}
	s.StopAudio()
	s.publishState(snap)
}

// completeRestart is the second half of the device-change cycle
func (s *Store) completeRestart() {
	s.mu.Lock()
	if s.restartPhase != RestartStopping {
		s.mu.Unlock()
		return
	}
	s.restartPhase = RestartStarting
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publishState(snap)

	s.StartAudio(nil)

	s.mu.Lock()
	s.restartPhase = RestartIdle
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.publishState(snap)
}

// ClearError dismisses the current error
func (s *Store) ClearError() {
	s.mu.Lock()
	s.lastError = ""
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publishState(snap)
}

// ClearSentenceEnded resets the one-shot sentence-end flag
func (s *Store) ClearSentenceEnded() {
	s.mu.Lock()
	s.sentenceEnded = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publishState(snap)
}

// ClearDanceRequested resets the one-shot dance flag
func (s *Store) ClearDanceRequested() {
	s.mu.Lock()
	s.danceFlag = false
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.publishState(snap)
}

// Close cancels pending timers. The store keeps serving snapshots but
// stops arming new transitions.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.finalizeTimer != nil {
		s.finalizeTimer.Stop()
		s.finalizeTimer = nil
	}
	if s.restartTimer != nil {
		s.restartTimer.Stop()
		s.restartTimer = nil
	}
}

// publishState fans the new snapshot out to bus subscribers. Synchronous
// so edge-sensitive consumers see transitions in order.
func (s *Store) publishState(snap Snapshot) {
	if s.events == nil {
		return
	}
	s.events.PublishSync(bus.Event{
		Type: bus.EventTypeStateChanged,
		Data: map[string]any{"snapshot": snap},
	})
}

func (s *Store) publish(t bus.EventType, snap Snapshot) {
	if s.events == nil {
		return
	}
	s.events.PublishSync(bus.Event{
		Type: t,
		Data: map[string]any{"snapshot": snap},
	})
}

// buildStartPayload resolves device preferences into the start_audio
// wire payload. Index wins over name; both absent means the field is
// omitted.
func buildStartPayload(muted bool, p prefs.Preferences) transport.StartAudioPayload {
	payload := transport.StartAudioPayload{Muted: muted}

	if p.Input.Index != nil {
		idx := *p.Input.Index
		payload.DeviceIndex = &idx
	} else if p.Input.Name != "" {
		payload.DeviceName = p.Input.Name
	}

	if p.Output.Index != nil {
		idx := *p.Output.Index
		payload.OutputDeviceIndex = &idx
	} else if p.Output.Name != "" {
		payload.OutputDeviceName = p.Output.Name
	}

	ns := p.NoiseSuppression
	payload.NoiseSuppression = &ns
	return payload
}

// containsDanceKeyword reports whether the fragment asks for a dance
func containsDanceKeyword(text string) bool {
	lower := strings.ToLower(text)
	for _, k := range danceKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}
