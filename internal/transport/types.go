package transport

import (
	"encoding/base64"
	"encoding/json"
)

// Envelope is the wire format for named events in both directions
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Inbound event names
const (
	EventStatus        = "status"
	EventTranscription = "transcription"
	EventAudioData     = "audio_data"
	EventError         = "error"
)

// Outbound event names
const (
	EventStartAudio  = "start_audio"
	EventStopAudio   = "stop_audio"
	EventPauseAudio  = "pause_audio"
	EventResumeAudio = "resume_audio"
	EventUserInput   = "user_input"
)

// StatusCode is the enumerated decoding of backend status messages.
// The backend signals listening transitions with exact-string sentinels;
// they are decoded once here so the rest of the app never compares
// raw strings.
type StatusCode int

const (
	// StatusInfo is any status message that carries no state transition
	StatusInfo StatusCode = iota
	// StatusStarted means the backend started listening
	StatusStarted
	// StatusStopped means the backend stopped listening
	StatusStopped
)

// Backend status sentinels. Matching is exact and case-sensitive: a
// backend wording change silently breaks the listening flag, which is a
// documented risk of the protocol, not something to paper over here.
const (
	sentinelStarted = "KANA Started"
	sentinelStopped = "KANA Stopped"
)

// DecodeStatus maps a raw status message to a StatusCode
func DecodeStatus(msg string) StatusCode {
	switch msg {
	case sentinelStarted:
		return StatusStarted
	case sentinelStopped:
		return StatusStopped
	default:
		return StatusInfo
	}
}

// StatusPayload is the payload of a status event
type StatusPayload struct {
	Msg string `json:"msg"`
}

// TranscriptionPayload carries one incremental transcript fragment
type TranscriptionPayload struct {
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// ErrorPayload is the payload of an error event
type ErrorPayload struct {
	Msg string `json:"msg"`
}

// AudioDataPayload carries a frame of little-endian 16-bit PCM samples
type AudioDataPayload struct {
	Data AudioBytes `json:"data"`
}

// AudioBytes decodes either a base64 string or a JSON array of byte
// values. The Python backend emits the latter (list(bytes)); base64 is
// accepted for cheaper framing.
type AudioBytes []byte

// UnmarshalJSON implements json.Unmarshaler
func (a *AudioBytes) UnmarshalJSON(raw []byte) error {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return err
		}
		*a = decoded
		return nil
	}

	var nums []int
	if err := json.Unmarshal(raw, &nums); err != nil {
		return err
	}
	out := make([]byte, len(nums))
	for i, n := range nums {
		out[i] = byte(n)
	}
	*a = out
	return nil
}

// StartAudioPayload is the payload of a start_audio event. Device fields
// are omitted entirely when the user has no explicit preference.
type StartAudioPayload struct {
	Muted             bool   `json:"muted"`
	DeviceIndex       *int   `json:"device_index,omitempty"`
	DeviceName        string `json:"device_name,omitempty"`
	OutputDeviceIndex *int   `json:"output_device_index,omitempty"`
	OutputDeviceName  string `json:"output_device_name,omitempty"`
	NoiseSuppression  *bool  `json:"noise_suppression,omitempty"`
}

// UserInputPayload is the payload of a user_input event
type UserInputPayload struct {
	Text string `json:"text"`
}
