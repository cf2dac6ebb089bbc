package models

import (
	"time"
)

// Broadcast event names pushed to websocket clients. Clients dispatch on
// the envelope's event field, so these are part of the wire contract.
const (
	EventNameOperationUpdate            = "OperationUpdate"
	EventNameContainerStateChanged      = "ContainerStateChanged"
	EventNameComposeProjectStateChanged = "ComposeProjectStateChanged"
)

// TopicAll is the broadcast topic every connection implicitly subscribes to.
const TopicAll = "all"

// BroadcastEvent is the closed set of messages the hub can fan out. The
// three concrete payloads below are the only implementations; serialization
// switches exhaustively on EventName.
type BroadcastEvent interface {
	EventName() string
}

// OperationUpdate reports a status or progress change of a tracked
// operation. Published on the topic equal to the operation id.
type OperationUpdate struct {
	OperationID  string          `json:"operation_id"`
	Status       OperationStatus `json:"status"`
	Progress     int             `json:"progress"`
	Message      string          `json:"message,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// EventName implements BroadcastEvent.
func (OperationUpdate) EventName() string { return EventNameOperationUpdate }

// ContainerStateChanged reports a raw engine-level container transition.
// Always published to the "all" topic.
type ContainerStateChanged struct {
	Action        string    `json:"action"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventName implements BroadcastEvent.
func (ContainerStateChanged) EventName() string { return EventNameContainerStateChanged }

// ComposeProjectStateChanged reports a container transition attributed to a
// compose project via its labels. Always published to the "all" topic.
type ComposeProjectStateChanged struct {
	ProjectName   string    `json:"project_name"`
	Action        string    `json:"action"`
	ServiceName   string    `json:"service_name,omitempty"`
	ContainerID   string    `json:"container_id"`
	ContainerName string    `json:"container_name"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventName implements BroadcastEvent.
func (ComposeProjectStateChanged) EventName() string { return EventNameComposeProjectStateChanged }

// Envelope is the wire frame for every server-to-client push.
type Envelope struct {
	Event     string         `json:"event"`
	Data      BroadcastEvent `json:"data"`
	Timestamp time.Time      `json:"timestamp"`
}
