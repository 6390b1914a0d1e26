// Package events provides structured event emission for diagnostics.
package events

import "time"

// EventType identifies the kind of event.
type EventType string

const (
	EventProbeStarted EventType = "probe_started"
	EventEvidence     EventType = "evidence"
	EventProbeDecided EventType = "probe_decided"
	EventRelayPacket  EventType = "relay_packet"
	EventError        EventType = "error"
)

// Envelope wraps every emitted event with type and timestamp.
type Envelope struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// ProbeStartedData is the payload for probe_started events.
type ProbeStartedData struct {
	PeerAddr string `json:"peer_addr"`
	Token    string `json:"token"`
}

// EvidenceData is the payload for evidence events. Channel is "direct" or
// "relayed".
type EvidenceData struct {
	Channel  string `json:"channel"`
	Source   string `json:"source"`
	Token    string `json:"token"`
	PeerAddr string `json:"peer_addr"`
}

// ProbeDecidedData is the payload for probe_decided events.
type ProbeDecidedData struct {
	PeerAddr   string  `json:"peer_addr"`
	Token      string  `json:"token"`
	State      string  `json:"state"`
	Addr       string  `json:"addr,omitempty"`
	DurationMs float64 `json:"duration_ms"`
}

// RelayPacketData is the payload for relay_packet events.
type RelayPacketData struct {
	Source string `json:"source"`
	Token  string `json:"token"`
}

// ErrorData is the payload for error events.
type ErrorData struct {
	Component string `json:"component,omitempty"`
	Message   string `json:"message"`
}

// Emitter is the interface for emitting structured events.
type Emitter interface {
	Emit(eventType EventType, data interface{})
	Close() error
}
