package realtime

import (
	"time"

	"qtrain_backend/services/eventbus"
)

// ClientMessageType is the closed set of messages a client may send.
// Dispatch in readPump switches over this enum, so a new message type is a
// compile-visible change rather than an entry in a string-keyed handler map.
type ClientMessageType string

const (
	ClientSubscribe   ClientMessageType = "subscribe"
	ClientUnsubscribe ClientMessageType = "unsubscribe"
	ClientPing        ClientMessageType = "ping"
)

// ClientMessage is the wire format for client->server messages
type ClientMessage struct {
	Type      ClientMessageType `json:"type"`
	SessionID string            `json:"session_id,omitempty"`
}

// ServerMessageType is the closed set of server->client message types
type ServerMessageType string

const (
	MsgConnectionEstablished ServerMessageType = "connection_established"
	MsgCurrentSessionStatus  ServerMessageType = "current_session_status"
	MsgSessionStatusUpdate   ServerMessageType = "session_status_update"
	MsgTrainingProgress      ServerMessageType = "training_progress"
	MsgPerformanceMetrics    ServerMessageType = "performance_metrics"
	MsgResourceUsage         ServerMessageType = "resource_usage"
	MsgError                 ServerMessageType = "error"
	MsgSystemBroadcast       ServerMessageType = "system_broadcast"
	MsgPong                  ServerMessageType = "pong"
)

// ServerMessage is the wire format for server->client messages
type ServerMessage struct {
	Type         ServerMessageType `json:"type"`
	ConnectionID string            `json:"connection_id,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	Data         interface{}       `json:"data,omitempty"`
	Message      string            `json:"message,omitempty"`
	Timestamp    string            `json:"timestamp"`
}

func newServerMessage(msgType ServerMessageType) ServerMessage {
	return ServerMessage{
		Type:      msgType,
		Timestamp: time.Now().Format(time.RFC3339),
	}
}

// wireType maps bus event types onto server message types. The bool reports
// whether the message is status-class: status-class messages survive queue
// overflow, everything else is droppable.
func wireType(t eventbus.EventType) (ServerMessageType, bool, bool) {
	switch t {
	case eventbus.EventStatusChanged:
		return MsgSessionStatusUpdate, true, true
	case eventbus.EventProgressUpdate:
		return MsgTrainingProgress, false, true
	case eventbus.EventMetricUpdate:
		return MsgPerformanceMetrics, false, true
	case eventbus.EventResourceUpdate:
		return MsgResourceUsage, false, true
	case eventbus.EventError:
		return MsgError, true, true
	default:
		return "", false, false
	}
}
