package domain

import "github.com/google/uuid"

type EventType string

const (
	EventTypeHTTP      EventType = "HTTP"
	EventTypeDatabase  EventType = "DATABASE"
	EventTypeSchedule  EventType = "SCHEDULE"
	EventTypeRabbitMQ  EventType = "RABBITMQ"
	EventTypeGRPC      EventType = "GRPC"
	EventTypeFirehose  EventType = "FIREHOSE"
	EventTypeAgentTool EventType = "AGENT_TOOL"
	EventTypeSystem    EventType = "SYSTEM"
)

// EventTypes lists every protocol in a stable order.
var EventTypes = []EventType{
	EventTypeHTTP,
	EventTypeDatabase,
	EventTypeSchedule,
	EventTypeRabbitMQ,
	EventTypeGRPC,
	EventTypeFirehose,
	EventTypeAgentTool,
	EventTypeSystem,
}

// Event is one triggered occurrence waiting for (or running on) the worker pool.
type Event struct {
	ID     string    `json:"id"`
	Type   EventType `json:"type"`
	Target Target    `json:"target"`
}

// NewEvent creates an event with a freshly generated id.
func NewEvent(typ EventType, target Target) Event {
	return Event{
		ID:     uuid.NewString(),
		Type:   typ,
		Target: target,
	}
}
