package websocket

import (
	"time"

	"github.com/gorilla/websocket"
)

// EventType represents the type of WebSocket event
type EventType string

const (
	// EventTypePrediction is sent for every classified request
	EventTypePrediction EventType = "prediction"
	// EventTypeRequestLog represents a request logging event
	EventTypeRequestLog EventType = "request_log"
	// EventTypeReload is sent when classifiers or known values change
	EventTypeReload EventType = "reload"
	// EventTypeConnection represents connection events
	EventTypeConnection EventType = "connection"
	// EventTypePong answers a client ping
	EventTypePong EventType = "pong"
)

// Event represents a WebSocket event sent to clients
type Event struct {
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
	RequestID string      `json:"request_id,omitempty"`
}

// PredictionEvent describes one classification
type PredictionEvent struct {
	RequestID    string   `json:"request_id"`
	DomainOS     string   `json:"domain_os"`
	UsedUnit     string   `json:"used_unit"`
	Fallback     bool     `json:"fallback"`
	Label        int      `json:"label"`
	Score        float64  `json:"score"`
	Matched      int      `json:"matched"`
	KnownValues  []string `json:"known_values,omitempty"`
	ClientIP     string   `json:"client_ip"`
	ProcessingMS float64  `json:"processing_ms"`
}

// RequestLogEvent represents a request logging event
type RequestLogEvent struct {
	RequestID    string        `json:"request_id"`
	Method       string        `json:"method"`
	Path         string        `json:"path"`
	StatusCode   int           `json:"status_code"`
	ClientIP     string        `json:"client_ip"`
	UserAgent    string        `json:"user_agent,omitempty"`
	Duration     time.Duration `json:"duration"`
	RequestSize  int64         `json:"request_size"`
	ResponseSize int64         `json:"response_size"`
}

// ReloadEvent reports a change of the served classifiers
type ReloadEvent struct {
	Units      int    `json:"units"`
	KnownAdded int    `json:"known_added"`
	Reason     string `json:"reason"`
}

// ConnectionEvent represents WebSocket connection events
type ConnectionEvent struct {
	Action    string `json:"action"` // "connected", "disconnected"
	ClientID  string `json:"client_id"`
	ClientIP  string `json:"client_ip"`
	UserAgent string `json:"user_agent,omitempty"`
	Message   string `json:"message,omitempty"`
}

// ClientMessage represents messages sent from clients to server
type ClientMessage struct {
	Type         string               `json:"type"`
	Subscription *SubscriptionRequest `json:"data,omitempty"`
}

// SubscriptionRequest represents a client subscription request
type SubscriptionRequest struct {
	Events []EventType  `json:"events"`
	Filter *EventFilter `json:"filter,omitempty"`
}

// EventFilter narrows prediction events
type EventFilter struct {
	Units        []string `json:"units,omitempty"`
	PositiveOnly bool     `json:"positive_only,omitempty"`
	MinScore     float64  `json:"min_score,omitempty"`
}

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	Conn        *websocket.Conn
	Send        chan Event
	ConnectedAt time.Time
	LastPing    time.Time
	IP          string
	UserAgent   string

	subscription *SubscriptionRequest
}
