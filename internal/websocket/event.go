// Package websocket pushes download events to browser clients over SSE and WebSocket
package websocket

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shepherd-project/modelfetch/internal/service"
)

// EventType represents the type of a pushed event
type EventType string

const (
	EventTypeHeartbeat        EventType = "heartbeat"
	EventTypeConnected        EventType = "connected"
	EventTypeDownloadStarted  EventType = "download_started"
	EventTypeDownloadProgress EventType = "download_progress"
	EventTypeDownloadFinished EventType = "download_finished"
	EventTypeModelDeleted     EventType = "model_deleted"
)

// Event represents a pushed event
type Event struct {
	Type      EventType `json:"type"`
	Timestamp int64     `json:"timestamp"`

	ModelID string `json:"modelId,omitempty"`
	Message string `json:"message,omitempty"`

	// Download events
	State           string `json:"state,omitempty"`
	DownloadedBytes int64  `json:"downloadedBytes,omitempty"`
	TotalBytes      int64  `json:"totalBytes,omitempty"`
	Percentage      int    `json:"percentage,omitempty"`
	Estimated       bool   `json:"estimated,omitempty"`
	Speed           string `json:"speed,omitempty"`
	ETA             string `json:"eta,omitempty"`
	IsDownloading   bool   `json:"isDownloading,omitempty"`
	ErrorMessage    string `json:"errorMessage,omitempty"`

	Connections  int    `json:"connections,omitempty"`
	ConnectionID string `json:"connectionId,omitempty"`
}

// NewEvent creates a new event with current timestamp
func NewEvent(eventType EventType) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ToJSON converts the event to JSON bytes
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// String returns the JSON string representation
func (e *Event) String() string {
	data, err := e.ToJSON()
	if err != nil {
		return fmt.Sprintf(`{"type":"error","message":%q}`, err.Error())
	}
	return string(data)
}

// NewHeartbeatEvent creates a heartbeat event
func NewHeartbeatEvent(connections int) *Event {
	event := NewEvent(EventTypeHeartbeat)
	event.Connections = connections
	return event
}

// NewConnectedEvent is the first event a client receives
func NewConnectedEvent(connID string) *Event {
	event := NewEvent(EventTypeConnected)
	event.ConnectionID = connID
	return event
}

// FromServiceEvent converts a service event into its wire form
func FromServiceEvent(ev service.Event) *Event {
	var t EventType
	switch ev.Type {
	case service.EventStarted:
		t = EventTypeDownloadStarted
	case service.EventFinished:
		t = EventTypeDownloadFinished
	case service.EventDeleted:
		t = EventTypeModelDeleted
	default:
		t = EventTypeDownloadProgress
	}

	p := ev.Progress
	event := &Event{
		Type:            t,
		Timestamp:       ev.Time.UnixMilli(),
		ModelID:         ev.ModelID,
		Message:         p.StatusText,
		State:           p.Status.String(),
		DownloadedBytes: p.Current,
		TotalBytes:      p.Total,
		Percentage:      p.Percentage,
		Estimated:       p.Estimated,
		Speed:           p.Speed,
		ETA:             p.ETA,
		IsDownloading:   p.IsDownloading,
		ErrorMessage:    firstNonEmpty(ev.Error, p.ErrorMessage),
	}
	if ev.Time.IsZero() {
		event.Timestamp = time.Now().UnixMilli()
	}
	return event
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
