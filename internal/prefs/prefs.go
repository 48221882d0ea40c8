// Package prefs persists audio device preferences across runs in a
// small sqlite key-value table. A cache that fails to open degrades to
// an in-memory no-op so the app still starts.
package prefs

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Storage keys. Kept stable so old databases keep loading.
const (
	keyInputDevice      = "kana_audio_input_device"
	keyOutputDevice     = "kana_audio_output_device"
	keyNoiseSuppression = "kana_noise_suppression"
)

// Device identifies an audio device by backend index, display name, or
// neither (system default)
type Device struct {
	Index *int   `json:"index"`
	Name  string `json:"name,omitempty"`
}

// Preferences is the persisted audio device selection
type Preferences struct {
	Input            Device
	Output           Device
	NoiseSuppression bool
}

// Defaults returns preferences meaning "use system devices"
func Defaults() Preferences {
	return Preferences{NoiseSuppression: true}
}

// Cache loads and stores device preferences
type Cache interface {
	Load() Preferences
	Save(Preferences) error
	Clear() error
}

// Store is a sqlite-backed Cache
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the preference database at path. Any open or
// schema failure is returned; callers that want best-effort persistence
// should fall back to Noop.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create preference directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open preference database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS preferences (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize preference schema: %w", err)
	}

	return &Store{db: db, logger: logger.With().Str("component", "prefs").Logger()}, nil
}

// Load reads the cached preferences. Missing or malformed entries fall
// back to defaults per key; Load never fails.
func (s *Store) Load() Preferences {
	p := Defaults()

	if raw, ok := s.get(keyInputDevice); ok {
		if d, err := decodeDevice(raw); err == nil {
			p.Input = d
		} else {
			s.logger.Warn().Err(err).Msg("Discarding malformed input device preference")
		}
	}
	if raw, ok := s.get(keyOutputDevice); ok {
		if d, err := decodeDevice(raw); err == nil {
			p.Output = d
		} else {
			s.logger.Warn().Err(err).Msg("Discarding malformed output device preference")
		}
	}
	if raw, ok := s.get(keyNoiseSuppression); ok {
		if b, err := strconv.ParseBool(raw); err == nil {
			p.NoiseSuppression = b
		}
	}

	return p
}

// Save writes the preferences, replacing any previous values
func (s *Store) Save(p Preferences) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin preference write: %w", err)
	}
	defer tx.Rollback()

	for key, value := range map[string]string{
		keyInputDevice:      encodeDevice(p.Input),
		keyOutputDevice:     encodeDevice(p.Output),
		keyNoiseSuppression: strconv.FormatBool(p.NoiseSuppression),
	} {
		if _, err := tx.Exec(
			`INSERT INTO preferences (key, value) VALUES (?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, value,
		); err != nil {
			return fmt.Errorf("failed to write preference %s: %w", key, err)
		}
	}

	return tx.Commit()
}

// Clear removes all cached preferences
func (s *Store) Clear() error {
	if _, err := s.db.Exec(`DELETE FROM preferences`); err != nil {
		return fmt.Errorf("failed to clear preferences: %w", err)
	}
	return nil
}

// Close releases the database handle
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) get(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM preferences WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if err != sql.ErrNoRows {
			s.logger.Warn().Err(err).Str("key", key).Msg("Preference read failed")
		}
		return "", false
	}
	return value, true
}

func encodeDevice(d Device) string {
	data, _ := json.Marshal(d)
	return string(data)
}

func decodeDevice(raw string) (Device, error) {
	var d Device
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return Device{}, err
	}
	return d, nil
}

// Noop is an in-memory Cache used when the database cannot be opened.
// Preferences survive for the process lifetime only.
type Noop struct {
	current Preferences
	loaded  bool
}

// NewNoop returns a Cache that persists nothing
func NewNoop() *Noop {
	return &Noop{}
}

func (n *Noop) Load() Preferences {
	if !n.loaded {
		return Defaults()
	}
	return n.current
}

func (n *Noop) Save(p Preferences) error {
	n.current = p
	n.loaded = true
	return nil
}

func (n *Noop) Clear() error {
	n.current = Defaults()
	n.loaded = true
	return nil
}
