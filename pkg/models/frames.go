package models

import (
	"encoding/json"
	"time"
)

// ClientFrameType enumerates the messages a WebSocket client may send.
// Unknown types are rejected with an error frame rather than ignored.
type ClientFrameType string

const (
	ClientFramePing        ClientFrameType = "ping"
	ClientFrameSubscribe   ClientFrameType = "subscribe"
	ClientFrameUnsubscribe ClientFrameType = "unsubscribe"
)

// ServerFrameType enumerates the messages the hub sends to clients.
type ServerFrameType string

const (
	ServerFrameConnected    ServerFrameType = "connected"
	ServerFramePong         ServerFrameType = "pong"
	ServerFrameSubscribed   ServerFrameType = "subscribed"
	ServerFrameUnsubscribed ServerFrameType = "unsubscribed"
	ServerFrameAlert        ServerFrameType = "alert"
	ServerFrameError        ServerFrameType = "error"
)

// ClientFrame is the envelope for all inbound WebSocket messages. Data is
// decoded lazily once the type is known.
type ClientFrame struct {
	Type ClientFrameType `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SubscribeRequest carries the filter sets for a subscribe frame. Empty
// sets accept everything.
type SubscribeRequest struct {
	Categories []AlertCategory `json:"categories"`
	Priorities []AlertPriority `json:"priorities"`
}

// ServerFrame is the envelope for all outbound WebSocket messages.
type ServerFrame struct {
	Type      ServerFrameType `json:"type"`
	Data      any             `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewServerFrame stamps an outbound frame with the current time.
func NewServerFrame(frameType ServerFrameType, data any) ServerFrame {
	return ServerFrame{Type: frameType, Data: data, Timestamp: time.Now().UTC()}
}

// ConnectedData acknowledges a successful handshake.
type ConnectedData struct {
	ConnectionID      string    `json:"connection_id"`
	ServerTime        time.Time `json:"server_time"`
	HeartbeatInterval string    `json:"heartbeat_interval"`
}

// SubscribedData confirms an accepted subscription.
type SubscribedData struct {
	SubscriptionID string          `json:"subscription_id"`
	Categories     []AlertCategory `json:"categories"`
	Priorities     []AlertPriority `json:"priorities"`
}

// ErrorData is sent inline for recoverable client errors such as rate
// limiting, instead of dropping the connection.
type ErrorData struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	RetryAfter string `json:"retry_after,omitempty"`
}
