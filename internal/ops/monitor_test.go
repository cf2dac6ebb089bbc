package ops

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/composeops/internal/docker/compose"
	"github.com/dockhand/composeops/internal/models"
)

// fakeSource feeds scripted event streams to the monitor. Each call to
// Events consumes the next scripted stream.
type fakeSource struct {
	streams  chan eventStream
	sessions atomic.Int32
}

type eventStream struct {
	messages chan events.Message
	errs     chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{streams: make(chan eventStream, 8)}
}

func (s *fakeSource) push() eventStream {
	stream := eventStream{
		messages: make(chan events.Message, 8),
		errs:     make(chan error, 1),
	}
	s.streams <- stream
	return stream
}

func (s *fakeSource) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	s.sessions.Add(1)
	select {
	case stream := <-s.streams:
		return stream.messages, stream.errs
	case <-ctx.Done():
		errs := make(chan error, 1)
		errs <- ctx.Err()
		return nil, errs
	}
}

func containerEvent(action string, attributes map[string]string) events.Message {
	if attributes == nil {
		attributes = map[string]string{}
	}
	return events.Message{
		Type:   events.ContainerEventType,
		Action: events.Action(action),
		Actor: events.Actor{
			ID:         "c0ffee",
			Attributes: attributes,
		},
	}
}

func TestMonitorRepublishesAllowedActions(t *testing.T) {
	source := newFakeSource()
	stream := source.push()
	pub := &recordingPublisher{}
	monitor := NewMonitor(source, pub, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	stream.messages <- containerEvent("start", map[string]string{"name": "blog-web-1"})

	require.Eventually(t, func() bool {
		return countEvents(pub, models.TopicAll) == 1
	}, time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	event := pub.events[0]
	pub.mu.Unlock()
	assert.Equal(t, models.TopicAll, event.topic)
	state, ok := event.event.(models.ContainerStateChanged)
	require.True(t, ok)
	assert.Equal(t, "start", state.Action)
	assert.Equal(t, "blog-web-1", state.ContainerName)
}

func TestMonitorEmitsComposeEventForLabeledContainers(t *testing.T) {
	source := newFakeSource()
	stream := source.push()
	pub := &recordingPublisher{}
	monitor := NewMonitor(source, pub, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	stream.messages <- containerEvent("start", map[string]string{
		"name":               "blog-web-1",
		compose.LabelProject: "blog",
		compose.LabelService: "web",
	})

	require.Eventually(t, func() bool {
		return countEvents(pub, models.TopicAll) == 2
	}, time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	_, ok := pub.events[0].event.(models.ContainerStateChanged)
	assert.True(t, ok)
	projectEvent, ok := pub.events[1].event.(models.ComposeProjectStateChanged)
	require.True(t, ok)
	assert.Equal(t, "blog", projectEvent.ProjectName)
	assert.Equal(t, "web", projectEvent.ServiceName)
	assert.Equal(t, "start", projectEvent.Action)
}

func TestMonitorDropsDisallowedActions(t *testing.T) {
	source := newFakeSource()
	stream := source.push()
	pub := &recordingPublisher{}
	monitor := NewMonitor(source, pub, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	stream.messages <- containerEvent("resize", nil)
	stream.messages <- containerEvent("exec_create: /bin/sh", nil)
	// A final allowed event proves the disallowed ones were processed
	// and skipped rather than still queued.
	stream.messages <- containerEvent("die", nil)

	require.Eventually(t, func() bool {
		return countEvents(pub, models.TopicAll) == 1
	}, time.Second, 10*time.Millisecond)

	pub.mu.Lock()
	defer pub.mu.Unlock()
	state := pub.events[0].event.(models.ContainerStateChanged)
	assert.Equal(t, "die", state.Action)
}

func TestMonitorResubscribesAfterStreamFailure(t *testing.T) {
	source := newFakeSource()
	first := source.push()
	second := source.push()
	pub := &recordingPublisher{}
	monitor := NewMonitor(source, pub, 10*time.Millisecond, quietLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go monitor.Run(ctx)

	first.errs <- errors.New("stream dropped")

	// Events delivered on the second subscription still flow.
	second.messages <- containerEvent("stop", map[string]string{"name": "blog-web-1"})

	require.Eventually(t, func() bool {
		return countEvents(pub, models.TopicAll) == 1
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, source.sessions.Load(), int32(2))
}

func TestNormalizeAction(t *testing.T) {
	assert.Equal(t, "start", normalizeAction("start"))
	assert.Equal(t, "health_status", normalizeAction("health_status: healthy"))
	assert.Equal(t, "exec_create", normalizeAction("exec_create: /bin/sh"))
}

func countEvents(pub *recordingPublisher, topic string) int {
	pub.mu.Lock()
	defer pub.mu.Unlock()
	count := 0
	for _, pe := range pub.events {
		if pe.topic == topic {
			count++
		}
	}
	return count
}
