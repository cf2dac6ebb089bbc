// Package driver assembles the engine capabilities consumed by the
// operation tracker and the event monitor.
package driver

import (
	"context"

	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/docker"
	"github.com/dockhand/composeops/internal/docker/compose"
	"github.com/dockhand/composeops/internal/docker/container"
	"github.com/dockhand/composeops/internal/interfaces"
)

// Driver implements interfaces.Driver against a live Docker engine.
type Driver struct {
	manager    docker.Manager
	deployer   *compose.Deployer
	containers *container.Service
	logger     *logrus.Logger
}

// New creates a Driver backed by the given client manager.
func New(manager docker.Manager, logger *logrus.Logger) *Driver {
	if logger == nil {
		logger = logrus.New()
	}
	loader := compose.NewLoader(logger)
	return &Driver{
		manager:    manager,
		deployer:   compose.NewDeployer(manager, loader, logger),
		containers: container.NewService(manager, logger),
		logger:     logger,
	}
}

func (d *Driver) ComposeUp(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Up(ctx, ref, report)
}

func (d *Driver) ComposeDown(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Down(ctx, ref, report)
}

func (d *Driver) ComposeBuild(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Build(ctx, ref, report)
}

func (d *Driver) ComposePull(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Pull(ctx, ref, report)
}

func (d *Driver) ComposeRestart(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Restart(ctx, ref, report)
}

func (d *Driver) ComposeStart(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Start(ctx, ref, report)
}

func (d *Driver) ComposeStop(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.deployer.Stop(ctx, ref, report)
}

func (d *Driver) ContainerStart(ctx context.Context, ref interfaces.ContainerRef) error {
	return d.containers.Start(ctx, ref)
}

func (d *Driver) ContainerStop(ctx context.Context, ref interfaces.ContainerRef, timeoutSeconds int) error {
	return d.containers.Stop(ctx, ref, timeoutSeconds)
}

func (d *Driver) ContainerRestart(ctx context.Context, ref interfaces.ContainerRef, timeoutSeconds int) error {
	return d.containers.Restart(ctx, ref, timeoutSeconds)
}

func (d *Driver) ContainerRemove(ctx context.Context, ref interfaces.ContainerRef, force bool) error {
	return d.containers.Remove(ctx, ref, force)
}

func (d *Driver) ContainerPause(ctx context.Context, ref interfaces.ContainerRef) error {
	return d.containers.Pause(ctx, ref)
}

func (d *Driver) ContainerUnpause(ctx context.Context, ref interfaces.ContainerRef) error {
	return d.containers.Unpause(ctx, ref)
}

// Events subscribes to container events from the engine. The error
// channel terminates the stream; callers resubscribe after a delay.
func (d *Driver) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	cli, err := d.manager.GetWithContext(ctx)
	if err != nil {
		errCh := make(chan error, 1)
		errCh <- err
		close(errCh)
		return nil, errCh
	}

	eventFilters := filters.NewArgs(filters.Arg("type", string(events.ContainerEventType)))
	return cli.Events(ctx, events.ListOptions{Filters: eventFilters})
}

var _ interfaces.Driver = (*Driver)(nil)
