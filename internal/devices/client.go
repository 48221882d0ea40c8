// Package devices queries the backend for its audio device inventory.
// Enumeration happens backend-side because the capture process owns the
// audio stack; this client just fetches and decodes the listing.
package devices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrBackend means the backend answered but reported an enumeration
// failure of its own (for example, no audio subsystem available)
var ErrBackend = errors.New("backend device enumeration failed")

// Device is one enumerable audio device
type Device struct {
	Index int    `json:"index"`
	Name  string `json:"name"`
}

// Inventory is the backend's device listing
type Inventory struct {
	Inputs  []Device `json:"inputs"`
	Outputs []Device `json:"outputs"`
}

type listResponse struct {
	Inputs  []Device `json:"inputs"`
	Outputs []Device `json:"outputs"`
	Error   string   `json:"error"`
}

// Client fetches device inventories from the backend HTTP API
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a device client against the backend base URL
// (for example http://127.0.0.1:8000)
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// List fetches the current device inventory. A reachable backend that
// reports its own failure returns ErrBackend; transport failures return
// the underlying error so callers can distinguish "backend down" from
// "backend has no devices".
func (c *Client) List(ctx context.Context) (*Inventory, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/devices", nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach backend: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected device listing status %d", resp.StatusCode)
	}

	var decoded listResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("malformed device listing: %w", err)
	}
	if decoded.Error != "" {
		return nil, fmt.Errorf("%w: %s", ErrBackend, decoded.Error)
	}

	inv := &Inventory{Inputs: decoded.Inputs, Outputs: decoded.Outputs}
	if inv.Inputs == nil {
		inv.Inputs = []Device{}
	}
	if inv.Outputs == nil {
		inv.Outputs = []Device{}
	}
	return inv, nil
}

// Find returns the device with the given index, or false
func (inv *Inventory) Find(inputs bool, index int) (Device, bool) {
	list := inv.Outputs
	if inputs {
		list = inv.Inputs
	}
	for _, d := range list {
		if d.Index == index {
			return d, true
		}
	}
	return Device{}, false
}
