package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStatus(t *testing.T) {
	tests := []struct {
		msg  string
		want StatusCode
	}{
		{"KANA Started", StatusStarted},
		{"KANA Stopped", StatusStopped},
		{"kana started", StatusInfo},
		{"KANA Started ", StatusInfo},
		{"Loading model...", StatusInfo},
		{"", StatusInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DecodeStatus(tt.msg), "msg=%q", tt.msg)
	}
}

func TestAudioBytesAcceptsBase64(t *testing.T) {
	var p AudioDataPayload
	require.NoError(t, json.Unmarshal([]byte(`{"data": "AAEAAg=="}`), &p))
	assert.Equal(t, []byte{0x00, 0x01, 0x00, 0x02}, []byte(p.Data))
}

func TestAudioBytesAcceptsIntArray(t *testing.T) {
	var p AudioDataPayload
	require.NoError(t, json.Unmarshal([]byte(`{"data": [0, 1, 255, 128]}`), &p))
	assert.Equal(t, []byte{0, 1, 255, 128}, []byte(p.Data))
}

func TestAudioBytesRejectsGarbage(t *testing.T) {
	var p AudioDataPayload
	assert.Error(t, json.Unmarshal([]byte(`{"data": {"nope": true}}`), &p))
}

func TestStartAudioPayloadOmitsAbsentDevices(t *testing.T) {
	raw, err := json.Marshal(StartAudioPayload{Muted: true})
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Contains(t, decoded, "muted")
	assert.NotContains(t, decoded, "device_index")
	assert.NotContains(t, decoded, "output_device_index")
}

type handlerRecorder struct {
	mu          sync.Mutex
	connects    int
	disconnects int
	statuses    []string
	transcripts []string
	audioFrames [][]byte
	errors      []string
}

func (r *handlerRecorder) handlers() Handlers {
	return Handlers{
		OnConnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.connects++
		},
		OnDisconnect: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.disconnects++
		},
		OnStatus: func(code StatusCode, msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.statuses = append(r.statuses, msg)
		},
		OnTranscription: func(sender, text string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.transcripts = append(r.transcripts, sender+":"+text)
		},
		OnAudioData: func(data []byte) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.audioFrames = append(r.audioFrames, data)
		},
		OnError: func(msg string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.errors = append(r.errors, msg)
		},
	}
}

type recorded struct {
	connects    int
	disconnects int
	statuses    []string
	transcripts []string
	audioFrames [][]byte
	errors      []string
}

func (r *handlerRecorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorded{
		connects:    r.connects,
		disconnects: r.disconnects,
		statuses:    append([]string(nil), r.statuses...),
		transcripts: append([]string(nil), r.transcripts...),
		audioFrames: append([][]byte(nil), r.audioFrames...),
		errors:      append([]string(nil), r.errors...),
	}
}

var upgrader = websocket.Upgrader{}

// fakeBackend serves /socket and pushes the given envelopes to every
// connection
func fakeBackend(t *testing.T, envelopes []Envelope) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/socket" {
			http.NotFound(w, r)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, env := range envelopes {
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		}
		// Hold the connection open until the client goes away
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func rawEnvelope(t *testing.T, event string, payload any) Envelope {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return Envelope{Event: event, Data: data}
}

func TestClientDispatchesInboundEvents(t *testing.T) {
	envelopes := []Envelope{
		rawEnvelope(t, EventStatus, StatusPayload{Msg: "KANA Started"}),
		rawEnvelope(t, EventTranscription, TranscriptionPayload{Sender: "User", Text: "привет"}),
		rawEnvelope(t, EventAudioData, map[string]any{"data": []int{1, 2, 3, 4}}),
		rawEnvelope(t, EventError, ErrorPayload{Msg: "mic broke"}),
	}
	server := fakeBackend(t, envelopes)
	defer server.Close()

	recorder := &handlerRecorder{}
	client := NewClient(ClientConfig{
		URL:            server.URL,
		ReconnectDelay: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, recorder.handlers(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	require.Eventually(t, func() bool {
		got := recorder.snapshot()
		return got.connects == 1 &&
			len(got.statuses) == 1 &&
			len(got.transcripts) == 1 &&
			len(got.audioFrames) == 1 &&
			len(got.errors) == 1
	}, 3*time.Second, 20*time.Millisecond)

	got := recorder.snapshot()
	assert.Equal(t, []string{"KANA Started"}, got.statuses)
	assert.Equal(t, []string{"User:привет"}, got.transcripts)
	assert.Equal(t, []byte{1, 2, 3, 4}, got.audioFrames[0])
	assert.Equal(t, []string{"mic broke"}, got.errors)
}

func TestClientReconnectsAfterDrop(t *testing.T) {
	var connCount int
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connCount++
		first := connCount == 1
		mu.Unlock()
		if first {
			// Drop the first connection immediately
			conn.Close()
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	recorder := &handlerRecorder{}
	client := NewClient(ClientConfig{
		URL:            server.URL,
		ReconnectDelay: 20 * time.Millisecond,
		MaxBackoff:     time.Second,
	}, recorder.handlers(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	require.Eventually(t, func() bool {
		got := recorder.snapshot()
		return got.connects >= 2 && got.disconnects >= 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.True(t, client.IsConnected() || recorder.snapshot().connects >= 2)
}

func TestEmitRequiresConnection(t *testing.T) {
	client := NewClient(ClientConfig{URL: "http://127.0.0.1:1"}, Handlers{}, zerolog.Nop())
	assert.Error(t, client.Emit(EventStartAudio, StartAudioPayload{}))
}

func TestEmitWritesEnvelope(t *testing.T) {
	received := make(chan Envelope, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		var env Envelope
		if err := conn.ReadJSON(&env); err == nil {
			received <- env
		}
	}))
	defer server.Close()

	recorder := &handlerRecorder{}
	client := NewClient(ClientConfig{
		URL:            server.URL,
		ReconnectDelay: 20 * time.Millisecond,
	}, recorder.handlers(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, client.Connect(ctx))
	defer client.Close()

	require.Eventually(t, func() bool { return client.IsConnected() }, 3*time.Second, 20*time.Millisecond)
	require.NoError(t, client.Emit(EventUserInput, UserInputPayload{Text: "включи свет"}))

	select {
	case env := <-received:
		assert.Equal(t, EventUserInput, env.Event)
		var p UserInputPayload
		require.NoError(t, json.Unmarshal(env.Data, &p))
		assert.Equal(t, "включи свет", p.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("server never received the envelope")
	}
}
