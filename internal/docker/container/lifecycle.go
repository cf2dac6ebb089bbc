// Package container implements single-container lifecycle operations.
package container

import (
	"context"

	"github.com/docker/docker/api/types/container"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/docker"
	"github.com/dockhand/composeops/internal/interfaces"
)

// Service executes lifecycle operations against a single container.
type Service struct {
	manager docker.Manager
	logger  *logrus.Logger
}

// NewService creates a container lifecycle service.
func NewService(manager docker.Manager, logger *logrus.Logger) *Service {
	if logger == nil {
		logger = logrus.New()
	}
	return &Service{
		manager: manager,
		logger:  logger,
	}
}

// target resolves the engine identifier for a reference. The engine API
// accepts names wherever it accepts ids, so the id wins when both are set.
func target(ref interfaces.ContainerRef) string {
	if ref.ID != "" {
		return ref.ID
	}
	return ref.Name
}

// Start starts a stopped container.
func (s *Service) Start(ctx context.Context, ref interfaces.ContainerRef) error {
	cli, err := s.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	id := target(ref)
	s.logger.WithField("container", id).Debug("Starting container")

	if err := cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return errors.Wrapf(err, "failed to start container %s", id)
	}
	return nil
}

// Stop stops a running container, waiting up to timeoutSeconds before the
// engine kills it. A non-positive timeout uses the engine default.
func (s *Service) Stop(ctx context.Context, ref interfaces.ContainerRef, timeoutSeconds int) error {
	cli, err := s.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	id := target(ref)
	s.logger.WithFields(logrus.Fields{
		"container": id,
		"timeout":   timeoutSeconds,
	}).Debug("Stopping container")

	opts := container.StopOptions{}
	if timeoutSeconds > 0 {
		opts.Timeout = &timeoutSeconds
	}

	if err := cli.ContainerStop(ctx, id, opts); err != nil {
		return errors.Wrapf(err, "failed to stop container %s", id)
	}
	return nil
}

// Restart stops and starts a container in one engine call.
func (s *Service) Restart(ctx context.Context, ref interfaces.ContainerRef, timeoutSeconds int) error {
	cli, err := s.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	id := target(ref)
	s.logger.WithFields(logrus.Fields{
		"container": id,
		"timeout":   timeoutSeconds,
	}).Debug("Restarting container")

	opts := container.StopOptions{}
	if timeoutSeconds > 0 {
		opts.Timeout = &timeoutSeconds
	}

	if err := cli.ContainerRestart(ctx, id, opts); err != nil {
		return errors.Wrapf(err, "failed to restart container %s", id)
	}
	return nil
}

// Remove deletes a container. With force, a running container is killed
// and removed.
func (s *Service) Remove(ctx context.Context, ref interfaces.ContainerRef, force bool) error {
	cli, err := s.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	id := target(ref)
	s.logger.WithFields(logrus.Fields{
		"container": id,
		"force":     force,
	}).Debug("Removing container")

	opts := container.RemoveOptions{
		Force:         force,
		RemoveVolumes: false,
	}

	if err := cli.ContainerRemove(ctx, id, opts); err != nil {
		return errors.Wrapf(err, "failed to remove container %s", id)
	}
	return nil
}

// Pause suspends all processes in a container.
func (s *Service) Pause(ctx context.Context, ref interfaces.ContainerRef) error {
	cli, err := s.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	id := target(ref)
	s.logger.WithField("container", id).Debug("Pausing container")

	if err := cli.ContainerPause(ctx, id); err != nil {
		return errors.Wrapf(err, "failed to pause container %s", id)
	}
	return nil
}

// Unpause resumes a paused container.
func (s *Service) Unpause(ctx context.Context, ref interfaces.ContainerRef) error {
	cli, err := s.manager.GetWithContext(ctx)
	if err != nil {
		return err
	}

	id := target(ref)
	s.logger.WithField("container", id).Debug("Unpausing container")

	if err := cli.ContainerUnpause(ctx, id); err != nil {
		return errors.Wrapf(err, "failed to unpause container %s", id)
	}
	return nil
}
