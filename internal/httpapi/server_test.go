package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kanaproject/kanashell/internal/bus"
	"github.com/kanaproject/kanashell/internal/devices"
	"github.com/kanaproject/kanashell/internal/prefs"
	"github.com/kanaproject/kanashell/internal/session"
)

type fakeController struct {
	mu       sync.Mutex
	snap     session.Snapshot
	prefs    prefs.Preferences
	starts   int
	stops    int
	mutes    int
	said     []string
	cleared  int
	prefSets []prefs.Preferences
}

func (f *fakeController) Snapshot() session.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeController) Preferences() prefs.Preferences {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.prefs
}

func (f *fakeController) SetAudioPreferences(p prefs.Preferences) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefs = p
	f.prefSets = append(f.prefSets, p)
}

func (f *fakeController) StartAudio(*prefs.Preferences) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
}

func (f *fakeController) StopAudio() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
}

func (f *fakeController) ToggleMute() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mutes++
	f.snap.IsMuted = !f.snap.IsMuted
}

func (f *fakeController) SendText(text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.said = append(f.said, text)
}

func (f *fakeController) ClearError() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared++
}

type fakeLister struct {
	inv *devices.Inventory
	err error
}

func (f *fakeLister) List(ctx context.Context) (*devices.Inventory, error) {
	return f.inv, f.err
}

func newTestServer(t *testing.T, ctrl *fakeController, lister DeviceLister, events *bus.EventBus) *httptest.Server {
	t.Helper()
	handler := NewHandler(ctrl, lister, events, zerolog.Nop())
	server := httptest.NewServer(handler.Routes())
	t.Cleanup(server.Close)
	return server
}

func TestHealthz(t *testing.T) {
	server := newTestServer(t, &fakeController{}, nil, nil)

	resp, err := http.Get(server.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestGetState(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{
		RunID:       "run-1",
		IsListening: true,
		AudioLevel:  0.42,
		Transcript:  []session.Message{{Sender: "User", Text: "привет"}},
	}}
	server := newTestServer(t, ctrl, nil, nil)

	resp, err := http.Get(server.URL + "/api/state")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got session.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.IsListening)
	assert.InDelta(t, 0.42, got.AudioLevel, 0.001)
	require.Len(t, got.Transcript, 1)
}

func TestGetTranscript(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{
		RunID: "run-2",
		Transcript: []session.Message{
			{Sender: "User", Text: "привет", Final: true},
			{Sender: "Assistant", Text: "здравствуйте"},
		},
	}}
	server := newTestServer(t, ctrl, nil, nil)

	resp, err := http.Get(server.URL + "/api/transcript")
	require.NoError(t, err)
	defer resp.Body.Close()

	var got struct {
		RunID    string            `json:"runId"`
		Messages []session.Message `json:"messages"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "run-2", got.RunID)
	require.Len(t, got.Messages, 2)
	assert.True(t, got.Messages[0].Final)
}

func TestGetDevices(t *testing.T) {
	lister := &fakeLister{inv: &devices.Inventory{
		Inputs:  []devices.Device{{Index: 0, Name: "Mic"}},
		Outputs: []devices.Device{{Index: 1, Name: "Speakers"}},
	}}
	server := newTestServer(t, &fakeController{}, lister, nil)

	resp, err := http.Get(server.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var inv devices.Inventory
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&inv))
	require.Len(t, inv.Inputs, 1)
	assert.Equal(t, "Mic", inv.Inputs[0].Name)
}

func TestGetDevicesBackendError(t *testing.T) {
	lister := &fakeLister{err: fmt.Errorf("%w: no subsystem", devices.ErrBackend)}
	server := newTestServer(t, &fakeController{}, lister, nil)

	resp, err := http.Get(server.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Contains(t, body["error"], "no subsystem")
}

func TestGetDevicesBackendDown(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	server := newTestServer(t, &fakeController{}, lister, nil)

	resp, err := http.Get(server.URL + "/api/devices")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestPreferencesRoundTrip(t *testing.T) {
	ctrl := &fakeController{}
	server := newTestServer(t, ctrl, nil, nil)

	idx := 2
	body, _ := json.Marshal(preferencesBody{
		Input:            prefs.Device{Index: &idx, Name: "USB Mic"},
		NoiseSuppression: true,
	})
	req, _ := http.NewRequest(http.MethodPut, server.URL+"/api/preferences", bytes.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, ctrl.prefSets, 1)
	require.NotNil(t, ctrl.prefSets[0].Input.Index)
	assert.Equal(t, 2, *ctrl.prefSets[0].Input.Index)

	getResp, err := http.Get(server.URL + "/api/preferences")
	require.NoError(t, err)
	defer getResp.Body.Close()

	var got preferencesBody
	require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
	require.NotNil(t, got.Input.Index)
	assert.Equal(t, "USB Mic", got.Input.Name)
	assert.True(t, got.NoiseSuppression)
}

func TestSessionControls(t *testing.T) {
	ctrl := &fakeController{}
	server := newTestServer(t, ctrl, nil, nil)

	post := func(path string, body string) *http.Response {
		resp, err := http.Post(server.URL+path, "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		return resp
	}

	assert.Equal(t, http.StatusAccepted, post("/api/session/start", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, post("/api/session/stop", "").StatusCode)
	assert.Equal(t, http.StatusOK, post("/api/session/mute", "").StatusCode)
	assert.Equal(t, http.StatusAccepted, post("/api/session/say", `{"text":"включи свет"}`).StatusCode)
	assert.Equal(t, http.StatusBadRequest, post("/api/session/say", `{}`).StatusCode)
	assert.Equal(t, http.StatusOK, post("/api/session/clear-error", "").StatusCode)

	ctrl.mu.Lock()
	defer ctrl.mu.Unlock()
	assert.Equal(t, 1, ctrl.starts)
	assert.Equal(t, 1, ctrl.stops)
	assert.Equal(t, 1, ctrl.mutes)
	assert.Equal(t, []string{"включи свет"}, ctrl.said)
	assert.Equal(t, 1, ctrl.cleared)
}

func TestStreamIntents(t *testing.T) {
	events := bus.NewEventBus()
	server := newTestServer(t, &fakeController{}, nil, events)

	resp, err := http.Get(server.URL + "/api/intents")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Give the stream a moment to register before publishing
	time.Sleep(50 * time.Millisecond)
	events.PublishSync(bus.Event{
		Type: bus.EventTypeIntentDispatched,
		Data: map[string]any{"clip": "dance_dab", "reason": "dance_requested"},
	})

	reader := bufio.NewReader(resp.Body)
	deadline := time.After(2 * time.Second)
	lines := make(chan string, 8)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				close(lines)
				return
			}
			lines <- strings.TrimSpace(line)
		}
	}()

	var data string
	for data == "" {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for intent event")
		case line, ok := <-lines:
			require.True(t, ok, "stream closed before intent arrived")
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
	}

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &payload))
	assert.Equal(t, "dance_dab", payload["clip"])
}

func TestUnknownRoute(t *testing.T) {
	server := newTestServer(t, &fakeController{}, nil, nil)

	resp, err := http.Get(server.URL + "/api/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
