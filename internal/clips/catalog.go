// Package clips manages the animation clip catalog the intent router
// picks from. Clips are BVH files in the animation directory, classified
// by filename; when the directory is missing the built-in catalog keeps
// the router functional.
package clips

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/kanaproject/kanashell/internal/bus"
)

// DefaultNeutral is the resting pose clip
const DefaultNeutral = "neutral3"

// Built-in catalog, used when no animation directory is available.
// laying_idle is deliberately absent: it walks the character out of
// frame.
var (
	defaultIdle = []string{
		"action_crouch", "anger", "annoyance", "confusion",
		"curiosity", "disappointment", "disapproval", "grief",
		"nervousnes3", "reaction_headshot",
	}
	defaultDance = []string{
		"dance_1", "dance_2", "dance_backup", "dance_dab",
		"dance_gangnam_style", "dance_headdrop", "dance_marachinostep",
		"dance_northern_soul_spin", "dance_ontop", "dance_pushback", "dance_rumba",
	}
	excludedClips = map[string]bool{"laying_idle": true}
)

// Kind classifies a clip by its role
type Kind string

const (
	KindIdle    Kind = "idle"
	KindDance   Kind = "dance"
	KindNeutral Kind = "neutral"
	KindAction  Kind = "action"
)

// classify maps a clip name to its Kind by filename convention
func classify(name string) Kind {
	switch {
	case strings.HasPrefix(name, "dance_"):
		return KindDance
	case strings.HasPrefix(name, "neutral"):
		return KindNeutral
	case name == "action_greeting" || name == "pride":
		return KindAction
	default:
		return KindIdle
	}
}

// Catalog is the set of available clips, optionally kept in sync with
// the animation directory
type Catalog struct {
	dir    string
	events *bus.EventBus
	logger zerolog.Logger

	mu      sync.RWMutex
	idle    []string
	dance   []string
	neutral string
	scanned bool

	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewCatalog scans dir for clips; a missing or empty directory falls
// back to the built-in catalog
func NewCatalog(dir string, events *bus.EventBus, logger zerolog.Logger, seed int64) *Catalog {
	c := &Catalog{
		dir:    dir,
		events: events,
		logger: logger.With().Str("component", "clips").Logger(),
		rng:    rand.New(rand.NewSource(seed)),
	}
	c.Reload()
	return c
}

// Reload rescans the animation directory. Scan failures keep the
// previous catalog (or the built-in one).
func (c *Catalog) Reload() {
	idle, dance, neutral, ok := c.scan()

	c.mu.Lock()
	if ok {
		c.idle = idle
		c.dance = dance
		c.neutral = neutral
		c.scanned = true
	} else if !c.scanned {
		c.idle = append([]string(nil), defaultIdle...)
		c.dance = append([]string(nil), defaultDance...)
		c.neutral = DefaultNeutral
	}
	idleCount, danceCount := len(c.idle), len(c.dance)
	c.mu.Unlock()

	c.logger.Debug().
		Int("idle", idleCount).
		Int("dance", danceCount).
		Bool("fromDisk", ok).
		Msg("Clip catalog loaded")
}

// scan reads the directory and partitions clips by kind. Returns
// ok=false when the directory is unreadable or holds no clips.
func (c *Catalog) scan() (idle, dance []string, neutral string, ok bool) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, nil, "", false
	}

	neutral = DefaultNeutral
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if !strings.EqualFold(ext, ".bvh") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ext)
		if excludedClips[name] {
			continue
		}
		switch classify(name) {
		case KindDance:
			dance = append(dance, name)
		case KindNeutral:
			neutral = name
		case KindIdle:
			idle = append(idle, name)
		}
	}

	if len(idle) == 0 && len(dance) == 0 {
		return nil, nil, "", false
	}
	sort.Strings(idle)
	sort.Strings(dance)
	return idle, dance, neutral, true
}

// Idle returns the idle clip names
func (c *Catalog) Idle() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.idle...)
}

// Dance returns the dance clip names
func (c *Catalog) Dance() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.dance...)
}

// Neutral returns the resting pose clip
func (c *Catalog) Neutral() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.neutral
}

// RandomIdle picks a uniform random idle clip
func (c *Catalog) RandomIdle() string {
	return c.pick(c.Idle())
}

// RandomDance picks a uniform random dance clip
func (c *Catalog) RandomDance() string {
	return c.pick(c.Dance())
}

func (c *Catalog) pick(names []string) string {
	if len(names) == 0 {
		return c.Neutral()
	}
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return names[c.rng.Intn(len(names))]
}

// Watch follows the animation directory and reloads the catalog when
// clips are added or removed. Blocks until ctx is done.
func (c *Catalog) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(c.dir); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.EqualFold(filepath.Ext(event.Name), ".bvh") {
				continue
			}
			c.Reload()
			if c.events != nil {
				c.events.Publish(bus.Event{
					Type: bus.EventTypeCatalogReloaded,
					Data: map[string]any{"idle": len(c.Idle()), "dance": len(c.Dance())},
				})
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("Clip watcher error")
		}
	}
}
