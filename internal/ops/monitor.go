package ops

import (
	"context"
	"strings"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/docker/compose"
	"github.com/dockhand/composeops/internal/interfaces"
	"github.com/dockhand/composeops/internal/models"
)

// allowedActions is the fixed set of container actions the monitor
// republishes. Everything else is dropped without side effects.
var allowedActions = map[string]struct{}{
	"start":   {},
	"stop":    {},
	"die":     {},
	"kill":    {},
	"pause":   {},
	"unpause": {},
	"restart": {},
	"create":  {},
	"destroy": {},
	"remove":  {},
	"rename":  {},
}

// Monitor is the single long-lived daemon that bridges the engine's raw
// event stream into normalized broadcast messages. It opens one stream
// subscription for the whole process and retries forever on stream
// failure.
type Monitor struct {
	source        interfaces.EventSource
	publisher     Publisher
	logger        *logrus.Logger
	retryInterval time.Duration
}

// NewMonitor creates a Monitor. retryInterval is the fixed backoff
// applied after a stream failure.
func NewMonitor(source interfaces.EventSource, publisher Publisher, retryInterval time.Duration, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	if retryInterval <= 0 {
		retryInterval = 5 * time.Second
	}
	return &Monitor{
		source:        source,
		publisher:     publisher,
		logger:        logger,
		retryInterval: retryInterval,
	}
}

// Run consumes the engine event stream until ctx is cancelled. It never
// returns on stream errors; it logs, waits the retry interval and
// resubscribes.
func (m *Monitor) Run(ctx context.Context) {
	m.logger.Info("Event monitor started")

	for {
		if err := m.consume(ctx); err != nil {
			if ctx.Err() != nil {
				m.logger.Info("Event monitor stopped")
				return
			}
			m.logger.WithError(err).WithField("retry_in", m.retryInterval).Warn("Engine event stream failed, retrying")
		}

		select {
		case <-ctx.Done():
			m.logger.Info("Event monitor stopped")
			return
		case <-time.After(m.retryInterval):
		}
	}
}

// consume drains one stream subscription until it errors or ctx ends.
func (m *Monitor) consume(ctx context.Context) error {
	messages, errs := m.source.Events(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			return err
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			m.handleEvent(msg)
		}
	}
}

// handleEvent publishes the normalized events for one engine message.
// The handoff to the hub runs synchronously on the stream goroutine so
// delivery is immediate; a failure handling one event is contained here
// and never kills the monitor loop.
func (m *Monitor) handleEvent(msg events.Message) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.WithField("panic", r).Error("Event handling panicked")
		}
	}()

	action := normalizeAction(string(msg.Action))
	if _, ok := allowedActions[action]; !ok {
		return
	}

	containerID := msg.Actor.ID
	containerName := msg.Actor.Attributes["name"]
	now := time.Now().UTC()

	m.publisher.Publish(models.TopicAll, models.ContainerStateChanged{
		Action:        action,
		ContainerID:   containerID,
		ContainerName: containerName,
		Timestamp:     now,
	})

	// Events from compose-managed containers carry the project labels;
	// they additionally fan out as a project-scoped state change.
	if projectName := msg.Actor.Attributes[compose.LabelProject]; projectName != "" {
		m.publisher.Publish(models.TopicAll, models.ComposeProjectStateChanged{
			ProjectName:   projectName,
			Action:        action,
			ServiceName:   msg.Actor.Attributes[compose.LabelService],
			ContainerID:   containerID,
			ContainerName: containerName,
			Timestamp:     now,
		})
	}

	m.logger.WithFields(logrus.Fields{
		"action":    action,
		"container": containerName,
	}).Debug("Container event republished")
}

// normalizeAction strips the detail suffix some engine actions carry,
// e.g. "health_status: healthy".
func normalizeAction(action string) string {
	if idx := strings.IndexByte(action, ':'); idx != -1 {
		action = action[:idx]
	}
	return strings.TrimSpace(action)
}
