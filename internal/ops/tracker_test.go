package ops

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/events"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dockhand/composeops/internal/database/repositories"
	"github.com/dockhand/composeops/internal/interfaces"
	"github.com/dockhand/composeops/internal/models"
)

// memRepo is an in-memory OperationRepository for tracker tests.
type memRepo struct {
	mu  sync.Mutex
	ops map[string]models.Operation
}

func newMemRepo() *memRepo {
	return &memRepo{ops: make(map[string]models.Operation)}
}

func (r *memRepo) Create(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ops[op.ID]; exists {
		return repositories.ErrDuplicateKey
	}
	r.ops[op.ID] = *op
	return nil
}

func (r *memRepo) Update(_ context.Context, op *models.Operation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, exists := r.ops[op.ID]
	if !exists {
		return repositories.ErrNotFound
	}
	updated := *op
	updated.Logs = stored.Logs
	r.ops[op.ID] = updated
	return nil
}

func (r *memRepo) GetByID(_ context.Context, id string) (*models.Operation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, exists := r.ops[id]
	if !exists {
		return nil, repositories.ErrNotFound
	}
	copied := op
	return &copied, nil
}

func (r *memRepo) List(_ context.Context, _ models.OperationFilter, _, _ int) ([]models.Operation, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	result := make([]models.Operation, 0, len(r.ops))
	for _, op := range r.ops {
		result = append(result, op)
	}
	return result, int64(len(result)), nil
}

func (r *memRepo) CountActive(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var count int64
	for _, op := range r.ops {
		if !op.Status.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *memRepo) AppendLogs(_ context.Context, id, chunk string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, exists := r.ops[id]
	if !exists {
		return repositories.ErrNotFound
	}
	op.Logs += chunk
	r.ops[id] = op
	return nil
}

func (r *memRepo) CancelIfActive(_ context.Context, id string, completedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	op, exists := r.ops[id]
	if !exists || op.Status.IsTerminal() {
		return false, nil
	}
	op.Status = models.OperationStatusCancelled
	op.CompletedAt = &completedAt
	r.ops[id] = op
	return true, nil
}

// staleReadRepo serves reads from a fixed snapshot once one is set,
// emulating a cancel request that races the task's terminal transition.
type staleReadRepo struct {
	*memRepo
	staleMu  sync.Mutex
	snapshot *models.Operation
}

func (r *staleReadRepo) setSnapshot(op *models.Operation) {
	r.staleMu.Lock()
	defer r.staleMu.Unlock()
	r.snapshot = op
}

func (r *staleReadRepo) GetByID(ctx context.Context, id string) (*models.Operation, error) {
	r.staleMu.Lock()
	snapshot := r.snapshot
	r.staleMu.Unlock()
	if snapshot != nil && snapshot.ID == id {
		copied := *snapshot
		return &copied, nil
	}
	return r.memRepo.GetByID(ctx, id)
}

// recordingPublisher captures published events per topic.
type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
}

type publishedEvent struct {
	topic string
	event models.BroadcastEvent
}

func (p *recordingPublisher) Publish(topic string, event models.BroadcastEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, publishedEvent{topic: topic, event: event})
}

func (p *recordingPublisher) updates(topic string) []models.OperationUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var updates []models.OperationUpdate
	for _, pe := range p.events {
		if pe.topic != topic {
			continue
		}
		if update, ok := pe.event.(models.OperationUpdate); ok {
			updates = append(updates, update)
		}
	}
	return updates
}

// fakeDriver substitutes the engine. Each hook defaults to immediate
// success.
type fakeDriver struct {
	composeUp   func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error
	composeDown func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error
	ctrStart    func(ctx context.Context, ref interfaces.ContainerRef) error
}

func (d *fakeDriver) compose(hook func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error, ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	if hook != nil {
		return hook(ctx, ref, report)
	}
	return nil
}

func (d *fakeDriver) ComposeUp(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.compose(d.composeUp, ctx, ref, report)
}

func (d *fakeDriver) ComposeDown(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return d.compose(d.composeDown, ctx, ref, report)
}

func (d *fakeDriver) ComposeBuild(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return nil
}

func (d *fakeDriver) ComposePull(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return nil
}

func (d *fakeDriver) ComposeRestart(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return nil
}

func (d *fakeDriver) ComposeStart(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return nil
}

func (d *fakeDriver) ComposeStop(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
	return nil
}

func (d *fakeDriver) ContainerStart(ctx context.Context, ref interfaces.ContainerRef) error {
	if d.ctrStart != nil {
		return d.ctrStart(ctx, ref)
	}
	return nil
}

func (d *fakeDriver) ContainerStop(ctx context.Context, ref interfaces.ContainerRef, timeoutSeconds int) error {
	return nil
}

func (d *fakeDriver) ContainerRestart(ctx context.Context, ref interfaces.ContainerRef, timeoutSeconds int) error {
	return nil
}

func (d *fakeDriver) ContainerRemove(ctx context.Context, ref interfaces.ContainerRef, force bool) error {
	return nil
}

func (d *fakeDriver) ContainerPause(ctx context.Context, ref interfaces.ContainerRef) error {
	return nil
}

func (d *fakeDriver) ContainerUnpause(ctx context.Context, ref interfaces.ContainerRef) error {
	return nil
}

func (d *fakeDriver) Events(ctx context.Context) (<-chan events.Message, <-chan error) {
	return make(chan events.Message), make(chan error)
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestTracker(repo repositories.OperationRepository, driver interfaces.Driver, pub Publisher, timeout time.Duration) *Tracker {
	return NewTracker(repo, driver, pub, timeout, quietLogger())
}

func waitTerminal(t *testing.T, repo repositories.OperationRepository, id string) *models.Operation {
	t.Helper()
	var op *models.Operation
	require.Eventually(t, func() bool {
		got, err := repo.GetByID(context.Background(), id)
		if err != nil {
			return false
		}
		op = got
		return op.Status.IsTerminal()
	}, 2*time.Second, 10*time.Millisecond)
	return op
}

func composeUpRequest() Request {
	return Request{
		Type:        models.OperationTypeComposeUp,
		ProjectName: "blog",
		ProjectPath: "/srv/compose/blog",
	}
}

func TestStartOperationCompletes(t *testing.T) {
	repo := newMemRepo()
	pub := &recordingPublisher{}
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			report(50, "halfway")
			return nil
		},
	}
	tracker := newTestTracker(repo, driver, pub, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	op := waitTerminal(t, repo, id)
	assert.Equal(t, models.OperationStatusCompleted, op.Status)
	assert.Equal(t, 100, op.Progress)
	require.NotNil(t, op.CompletedAt)
	assert.Empty(t, op.ErrorMessage)
	assert.Contains(t, op.Logs, "halfway")

	updates := pub.updates(id)
	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, models.OperationStatusCompleted, last.Status)
	assert.Equal(t, 100, last.Progress)
}

func TestStartOperationValidation(t *testing.T) {
	tracker := newTestTracker(newMemRepo(), &fakeDriver{}, &recordingPublisher{}, time.Minute)

	_, err := tracker.StartOperation(context.Background(), Request{Type: "compose_resize"})
	assert.ErrorIs(t, err, ErrInvalidType)

	_, err = tracker.StartOperation(context.Background(), Request{
		Type:        models.OperationTypeComposeUp,
		ProjectName: "blog",
	})
	assert.ErrorIs(t, err, ErrInvalidTarget)

	_, err = tracker.StartOperation(context.Background(), Request{
		Type: models.OperationTypeContainerStart,
	})
	assert.ErrorIs(t, err, ErrInvalidTarget)
}

func TestStartOperationDriverError(t *testing.T) {
	repo := newMemRepo()
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			return fmt.Errorf("engine unreachable")
		},
	}
	tracker := newTestTracker(repo, driver, &recordingPublisher{}, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)

	op := waitTerminal(t, repo, id)
	assert.Equal(t, models.OperationStatusFailed, op.Status)
	assert.Equal(t, "engine unreachable", op.ErrorMessage)
	require.NotNil(t, op.CompletedAt)
}

func TestStartOperationPanicIsIsolated(t *testing.T) {
	repo := newMemRepo()
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			panic("boom")
		},
	}
	tracker := newTestTracker(repo, driver, &recordingPublisher{}, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)

	op := waitTerminal(t, repo, id)
	assert.Equal(t, models.OperationStatusFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "boom")
}

func TestCancelOperation(t *testing.T) {
	repo := newMemRepo()
	started := make(chan struct{})
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	tracker := newTestTracker(repo, driver, &recordingPublisher{}, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)

	<-started
	require.NoError(t, tracker.CancelOperation(context.Background(), id))

	op := waitTerminal(t, repo, id)
	assert.Equal(t, models.OperationStatusCancelled, op.Status)
	assert.Empty(t, op.ErrorMessage)
	require.NotNil(t, op.CompletedAt)

	// A second cancel sees the terminal state.
	err = tracker.CancelOperation(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)
}

func TestCancelAfterCompletionLeavesRecordIntact(t *testing.T) {
	inner := newMemRepo()
	repo := &staleReadRepo{memRepo: inner}
	pub := &recordingPublisher{}
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			report(50, "halfway")
			return nil
		},
	}
	tracker := newTestTracker(repo, driver, pub, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)
	waitTerminal(t, inner, id)

	// The cancel request reads a view of the record captured before the
	// task finished and deregistered its cancel func.
	repo.setSnapshot(&models.Operation{
		ID:       id,
		Type:     models.OperationTypeComposeUp,
		Status:   models.OperationStatusRunning,
		Progress: 50,
	})

	err = tracker.CancelOperation(context.Background(), id)
	assert.ErrorIs(t, err, ErrAlreadyTerminal)

	op, err := inner.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusCompleted, op.Status)
	assert.Equal(t, 100, op.Progress)
	assert.Contains(t, op.Logs, "halfway")
	require.NotNil(t, op.CompletedAt)
}

func TestCancelWithoutLiveTask(t *testing.T) {
	// A running record with no registered task, as after a process
	// restart, is resolved directly.
	repo := newMemRepo()
	require.NoError(t, repo.Create(context.Background(), &models.Operation{
		ID:        "orphan-1",
		Type:      models.OperationTypeComposeUp,
		Status:    models.OperationStatusRunning,
		Progress:  40,
		StartedAt: time.Now().UTC(),
	}))
	pub := &recordingPublisher{}
	tracker := newTestTracker(repo, &fakeDriver{}, pub, time.Minute)

	require.NoError(t, tracker.CancelOperation(context.Background(), "orphan-1"))

	op, err := repo.GetByID(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, models.OperationStatusCancelled, op.Status)
	require.NotNil(t, op.CompletedAt)

	updates := pub.updates("orphan-1")
	require.NotEmpty(t, updates)
	assert.Equal(t, models.OperationStatusCancelled, updates[len(updates)-1].Status)
}

func TestCancelUnknownOperation(t *testing.T) {
	tracker := newTestTracker(newMemRepo(), &fakeDriver{}, &recordingPublisher{}, time.Minute)

	err := tracker.CancelOperation(context.Background(), "no-such-op")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOperationTimeoutFails(t *testing.T) {
	repo := newMemRepo()
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			<-ctx.Done()
			return ctx.Err()
		},
	}
	tracker := newTestTracker(repo, driver, &recordingPublisher{}, 50*time.Millisecond)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)

	op := waitTerminal(t, repo, id)
	assert.Equal(t, models.OperationStatusFailed, op.Status)
	assert.Contains(t, op.ErrorMessage, "timed out")
}

func TestProgressNeverMovesBackward(t *testing.T) {
	repo := newMemRepo()
	pub := &recordingPublisher{}
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			report(50, "half")
			report(30, "late straggler")
			report(80, "almost")
			report(250, "overshoot")
			return nil
		},
	}
	tracker := newTestTracker(repo, driver, pub, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)
	waitTerminal(t, repo, id)

	updates := pub.updates(id)
	require.NotEmpty(t, updates)
	prev := -1
	for _, update := range updates {
		assert.GreaterOrEqual(t, update.Progress, prev)
		assert.LessOrEqual(t, update.Progress, 100)
		prev = update.Progress
	}
	assert.Equal(t, 100, updates[len(updates)-1].Progress)
}

func TestActiveCount(t *testing.T) {
	repo := newMemRepo()
	release := make(chan struct{})
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			<-release
			return nil
		},
	}
	tracker := newTestTracker(repo, driver, &recordingPublisher{}, time.Minute)

	id, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)

	count, err := tracker.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	close(release)
	waitTerminal(t, repo, id)

	count, err = tracker.ActiveCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestShutdownWaitsForOperations(t *testing.T) {
	repo := newMemRepo()
	release := make(chan struct{})
	driver := &fakeDriver{
		composeUp: func(ctx context.Context, ref interfaces.ProjectRef, report interfaces.ProgressFunc) error {
			<-release
			return nil
		},
	}
	tracker := newTestTracker(repo, driver, &recordingPublisher{}, time.Minute)

	_, err := tracker.StartOperation(context.Background(), composeUpRequest())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.Error(t, tracker.Shutdown(ctx))

	close(release)
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	assert.NoError(t, tracker.Shutdown(ctx2))
}
