// Package interfaces defines the capabilities the operation core consumes.
package interfaces

import (
	"context"

	"github.com/docker/docker/api/types/events"
)

// ProgressFunc reports driver-side progress for a running operation.
// Implementations are called from the operation's own goroutine; the
// tracker clamps percent so a subscriber never observes it moving
// backward.
type ProgressFunc func(percent int, message string)

// ProjectRef identifies a compose project on disk.
type ProjectRef struct {
	Name string
	Path string
}

// ContainerRef identifies a single container by engine id or name.
type ContainerRef struct {
	ID   string
	Name string
}

// ComposeDriver executes compose project operations against the engine.
type ComposeDriver interface {
	ComposeUp(ctx context.Context, ref ProjectRef, report ProgressFunc) error
	ComposeDown(ctx context.Context, ref ProjectRef, report ProgressFunc) error
	ComposeBuild(ctx context.Context, ref ProjectRef, report ProgressFunc) error
	ComposePull(ctx context.Context, ref ProjectRef, report ProgressFunc) error
	ComposeRestart(ctx context.Context, ref ProjectRef, report ProgressFunc) error
	ComposeStart(ctx context.Context, ref ProjectRef, report ProgressFunc) error
	ComposeStop(ctx context.Context, ref ProjectRef, report ProgressFunc) error
}

// ContainerDriver executes single-container lifecycle operations.
type ContainerDriver interface {
	ContainerStart(ctx context.Context, ref ContainerRef) error
	ContainerStop(ctx context.Context, ref ContainerRef, timeoutSeconds int) error
	ContainerRestart(ctx context.Context, ref ContainerRef, timeoutSeconds int) error
	ContainerRemove(ctx context.Context, ref ContainerRef, force bool) error
	ContainerPause(ctx context.Context, ref ContainerRef) error
	ContainerUnpause(ctx context.Context, ref ContainerRef) error
}

// EventSource streams raw engine events. The returned channels follow the
// Docker client convention: the error channel yields at most one error,
// after which both channels are dead and the caller must resubscribe.
type EventSource interface {
	Events(ctx context.Context) (<-chan events.Message, <-chan error)
}

// Driver is the full engine capability consumed by the operation tracker
// and the event monitor. Tests substitute a fake.
type Driver interface {
	ComposeDriver
	ContainerDriver
	EventSource
}
