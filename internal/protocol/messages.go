package protocol

import "time"

// LogLine is one relay log entry broadcast on the bus.
type LogLine struct {
	SubmissionID string    `json:"submission_id,omitempty"`
	Index        int       `json:"index"`
	Text         string    `json:"text"`
	Event        string    `json:"event"`
	Timestamp    time.Time `json:"timestamp"`
}

// StateChange reports a relay connection/processing transition.
type StateChange struct {
	Endpoint  string    `json:"endpoint"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
}

// Transcript represents voice capture output broadcast on the bus.
type Transcript struct {
	Text      string    `json:"text"`
	Language  string    `json:"language"`
	Slices    int       `json:"slices"`
	Timestamp time.Time `json:"timestamp"`
}

// SubmitRequest asks the relay to forward a message to the agent backend.
type SubmitRequest struct {
	Message string `json:"message"`
	Mode    string `json:"mode,omitempty"`
}

// SubmitReply answers a SubmitRequest.
type SubmitReply struct {
	OK    bool   `json:"ok"`
	ID    string `json:"id,omitempty"`
	Error string `json:"error,omitempty"`
}

// Beacon is a bridge instance describing itself to its peers.
type Beacon struct {
	ID           string    `json:"id"`
	Endpoint     string    `json:"endpoint,omitempty"`
	RelayState   string    `json:"relay_state"`
	Capabilities []string  `json:"capabilities,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectRelayLog        = "relay.log"
	SubjectRelayState      = "relay.state"
	SubjectRelaySubmit     = "relay.submit"
	SubjectVoiceTranscript = "voice.transcript"

	SubjectPresenceAnnounce  = "bridge.presence.announce"
	SubjectPresenceHeartbeat = "bridge.presence.heartbeat"
)
