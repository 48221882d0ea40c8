// Package transport provides the named-event channel to the KANA backend.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// Handlers receives decoded inbound events. All callbacks are invoked
// from a single reader goroutine, strictly in arrival order; handlers
// must not block for long.
type Handlers struct {
	OnConnect       func()
	OnDisconnect    func()
	OnStatus        func(code StatusCode, msg string)
	OnTranscription func(sender, text string)
	OnAudioData     func(data []byte)
	OnError         func(msg string)
}

// ClientConfig configures the transport client
type ClientConfig struct {
	// URL is the backend base URL, e.g. http://127.0.0.1:8000
	URL string
	// ReconnectDelay is the initial backoff between connection attempts
	ReconnectDelay time.Duration
	// MaxBackoff caps the reconnect backoff
	MaxBackoff time.Duration
}

// Client maintains a persistent WebSocket connection to the backend
type Client struct {
	cfg      ClientConfig
	handlers Handlers
	logger   zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool
	cancel    context.CancelFunc
}

// NewClient creates a new transport client
func NewClient(cfg ClientConfig, handlers Handlers, logger zerolog.Logger) *Client {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 3 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 60 * time.Second
	}
	return &Client{
		cfg:      cfg,
		handlers: handlers,
		logger:   logger.With().Str("component", "transport").Logger(),
	}
}

// Connect starts the connection loop in the background
func (c *Client) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	go c.connectLoop(ctx)
	return nil
}

// Close stops the connection loop and closes the socket
func (c *Client) Close() {
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	wasConnected := c.connected
	c.connected = false
	c.mu.Unlock()

	if wasConnected && c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
}

// IsConnected returns connection status
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Emit sends a named event with a payload to the backend
func (c *Client) Emit(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected || c.conn == nil {
		return fmt.Errorf("not connected")
	}

	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}

	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("write %s: %w", event, err)
	}

	c.logger.Debug().Str("event", event).Msg("Event sent")
	return nil
}

// connectLoop maintains the connection with exponential backoff
func (c *Client) connectLoop(ctx context.Context) {
	backoff := c.cfg.ReconnectDelay
	consecutiveFailures := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
			if err := c.runConnection(ctx); err != nil {
				consecutiveFailures++
				c.markDisconnected()

				if consecutiveFailures >= 3 {
					if consecutiveFailures == 3 {
						c.logger.Warn().
							Err(err).
							Int("failures", consecutiveFailures).
							Msg("Backend socket not available, will retry less frequently")
					} else {
						c.logger.Debug().
							Int("failures", consecutiveFailures).
							Msg("Backend socket still unavailable")
					}
					backoff = c.cfg.MaxBackoff
				} else {
					c.logger.Warn().Err(err).Msg("Socket connection failed, reconnecting...")
				}

				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}

				if backoff < c.cfg.MaxBackoff {
					backoff = backoff * 2
					if backoff > c.cfg.MaxBackoff {
						backoff = c.cfg.MaxBackoff
					}
				}
			} else {
				backoff = c.cfg.ReconnectDelay
				consecutiveFailures = 0
			}
		}
	}
}

// runConnection dials the socket and reads events until failure
func (c *Client) runConnection(ctx context.Context) error {
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = "/socket"

	c.logger.Info().Str("url", u.String()).Msg("Connecting to backend socket")

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.logger.Info().Msg("Connected to backend socket")
	if c.handlers.OnConnect != nil {
		c.handlers.OnConnect()
	}

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			c.markDisconnected()
			return ctx.Err()
		default:
			var env Envelope
			if err := conn.ReadJSON(&env); err != nil {
				c.markDisconnected()
				return fmt.Errorf("read: %w", err)
			}
			c.dispatch(env)
		}
	}
}

// markDisconnected flips the connected flag and notifies the handler
// exactly once per connection
func (c *Client) markDisconnected() {
	c.mu.Lock()
	wasConnected := c.connected
	c.connected = false
	c.conn = nil
	c.mu.Unlock()

	if wasConnected && c.handlers.OnDisconnect != nil {
		c.handlers.OnDisconnect()
	}
}

// dispatch decodes an inbound envelope and invokes the matching handler
func (c *Client) dispatch(env Envelope) {
	switch env.Event {
	case EventStatus:
		var p StatusPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse status event")
			return
		}
		if c.handlers.OnStatus != nil {
			c.handlers.OnStatus(DecodeStatus(p.Msg), p.Msg)
		}

	case EventTranscription:
		var p TranscriptionPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse transcription event")
			return
		}
		if c.handlers.OnTranscription != nil {
			c.handlers.OnTranscription(p.Sender, p.Text)
		}

	case EventAudioData:
		var p AudioDataPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse audio_data event")
			return
		}
		if c.handlers.OnAudioData != nil {
			c.handlers.OnAudioData(p.Data)
		}

	case EventError:
		var p ErrorPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to parse error event")
			return
		}
		if c.handlers.OnError != nil {
			msg := p.Msg
			if msg == "" {
				msg = "Error"
			}
			c.handlers.OnError(msg)
		}

	default:
		c.logger.Debug().Str("event", env.Event).Msg("Unknown event type")
	}
}
