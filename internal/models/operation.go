package models

import (
	"time"
)

// OperationType identifies the kind of work an operation performs.
type OperationType string

const (
	// Compose project operations
	OperationTypeComposeUp      OperationType = "compose_up"
	OperationTypeComposeDown    OperationType = "compose_down"
	OperationTypeComposeBuild   OperationType = "compose_build"
	OperationTypeComposePull    OperationType = "compose_pull"
	OperationTypeComposeRestart OperationType = "compose_restart"
	OperationTypeComposeStart   OperationType = "compose_start"
	OperationTypeComposeStop    OperationType = "compose_stop"

	// Single-container operations
	OperationTypeContainerStart   OperationType = "container_start"
	OperationTypeContainerStop    OperationType = "container_stop"
	OperationTypeContainerRestart OperationType = "container_restart"
	OperationTypeContainerRemove  OperationType = "container_remove"
	OperationTypeContainerPause   OperationType = "container_pause"
	OperationTypeContainerUnpause OperationType = "container_unpause"
)

// IsValid reports whether the operation type is one of the known values.
func (t OperationType) IsValid() bool {
	switch t {
	case OperationTypeComposeUp, OperationTypeComposeDown, OperationTypeComposeBuild,
		OperationTypeComposePull, OperationTypeComposeRestart, OperationTypeComposeStart,
		OperationTypeComposeStop, OperationTypeContainerStart, OperationTypeContainerStop,
		OperationTypeContainerRestart, OperationTypeContainerRemove,
		OperationTypeContainerPause, OperationTypeContainerUnpause:
		return true
	}
	return false
}

// IsCompose reports whether the operation targets a compose project.
func (t OperationType) IsCompose() bool {
	switch t {
	case OperationTypeComposeUp, OperationTypeComposeDown, OperationTypeComposeBuild,
		OperationTypeComposePull, OperationTypeComposeRestart, OperationTypeComposeStart,
		OperationTypeComposeStop:
		return true
	}
	return false
}

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
	OperationStatusCancelled OperationStatus = "cancelled"
)

// IsTerminal reports whether the status admits no further transitions.
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCompleted, OperationStatusFailed, OperationStatusCancelled:
		return true
	}
	return false
}

// Operation is the durable record of one unit of asynchronous work against
// the container engine. The ID doubles as the broadcast topic key. Only the
// goroutine executing an operation mutates its record; readers go through
// the repository.
type Operation struct {
	ID            string          `json:"id" gorm:"primaryKey;size:36"`
	Type          OperationType   `json:"type" gorm:"size:32;index;not null"`
	Status        OperationStatus `json:"status" gorm:"size:16;index;not null"`
	Progress      int             `json:"progress" gorm:"default:0"`
	ProjectName   string          `json:"project_name,omitempty" gorm:"size:128;index"`
	ProjectPath   string          `json:"project_path,omitempty" gorm:"size:512"`
	ContainerID   string          `json:"container_id,omitempty" gorm:"size:128;index"`
	ContainerName string          `json:"container_name,omitempty" gorm:"size:128"`
	UserID        *uint           `json:"user_id,omitempty" gorm:"index"`
	Logs          string          `json:"logs,omitempty" gorm:"type:text"`
	ErrorMessage  string          `json:"error_message,omitempty" gorm:"type:text"`
	StartedAt     time.Time       `json:"started_at" gorm:"index"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// TableName returns the table name for the Operation model
func (Operation) TableName() string {
	return "operations"
}

// Target returns the human-readable target of the operation, either the
// compose project name or the container reference.
func (o *Operation) Target() string {
	if o.Type.IsCompose() {
		return o.ProjectName
	}
	if o.ContainerName != "" {
		return o.ContainerName
	}
	return o.ContainerID
}

// OperationFilter narrows operation list queries.
type OperationFilter struct {
	Type        OperationType
	Status      OperationStatus
	UserID      *uint
	ProjectName string
	StartDate   *time.Time
	EndDate     *time.Time
}
