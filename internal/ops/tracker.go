// Package ops implements the long-running operation tracker and the
// engine event monitor.
package ops

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/database/repositories"
	"github.com/dockhand/composeops/internal/interfaces"
	"github.com/dockhand/composeops/internal/models"
)

// Tracker errors surfaced to the API layer.
var (
	// ErrInvalidTarget indicates a malformed operation target reference
	ErrInvalidTarget = errors.New("invalid operation target")

	// ErrInvalidType indicates an unknown operation type
	ErrInvalidType = errors.New("invalid operation type")

	// ErrNotFound indicates the operation id is unknown
	ErrNotFound = errors.New("operation not found")

	// ErrAlreadyTerminal indicates the operation already reached a
	// terminal state and cannot be cancelled
	ErrAlreadyTerminal = errors.New("operation already terminal")
)

// persistTimeout bounds each store write issued by an executing task. It
// is independent of the operation's own context so that a cancelled
// operation can still persist its terminal state.
const persistTimeout = 5 * time.Second

// Publisher is the broadcast capability the tracker pushes updates
// through. The hub satisfies it.
type Publisher interface {
	Publish(topic string, event models.BroadcastEvent)
}

// Request describes the work to schedule. Exactly one target kind must
// be populated, matching the operation type.
type Request struct {
	Type          models.OperationType
	ProjectName   string
	ProjectPath   string
	ContainerID   string
	ContainerName string
	StopTimeout   int
	Force         bool
	UserID        *uint
}

// Tracker owns the lifecycle of every operation: it creates the durable
// record, runs the driver call on a supervised goroutine, serializes
// status and progress updates, and supports cooperative cancellation.
// Each operation's record is mutated only by its own goroutine.
type Tracker struct {
	repo      repositories.OperationRepository
	driver    interfaces.Driver
	publisher Publisher
	logger    *logrus.Logger
	timeout   time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewTracker creates a Tracker. Operations that run longer than timeout
// are failed with a timeout error rather than left running forever.
func NewTracker(
	repo repositories.OperationRepository,
	driver interfaces.Driver,
	publisher Publisher,
	timeout time.Duration,
	logger *logrus.Logger,
) *Tracker {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Tracker{
		repo:      repo,
		driver:    driver,
		publisher: publisher,
		logger:    logger,
		timeout:   timeout,
		cancels:   make(map[string]context.CancelFunc),
	}
}

// validate rejects malformed requests before anything is persisted.
func validate(req Request) error {
	if !req.Type.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidType, req.Type)
	}
	if req.Type.IsCompose() {
		if req.ProjectName == "" || req.ProjectPath == "" {
			return fmt.Errorf("%w: compose operations require a project name and path", ErrInvalidTarget)
		}
		return nil
	}
	if req.ContainerID == "" && req.ContainerName == "" {
		return fmt.Errorf("%w: container operations require a container id or name", ErrInvalidTarget)
	}
	return nil
}

// StartOperation validates the request, creates a pending record and
// schedules execution on a goroutine detached from the caller's request.
// It returns the new operation id immediately.
func (t *Tracker) StartOperation(ctx context.Context, req Request) (string, error) {
	if err := validate(req); err != nil {
		return "", err
	}

	op := &models.Operation{
		ID:            uuid.NewString(),
		Type:          req.Type,
		Status:        models.OperationStatusPending,
		Progress:      0,
		ProjectName:   req.ProjectName,
		ProjectPath:   req.ProjectPath,
		ContainerID:   req.ContainerID,
		ContainerName: req.ContainerName,
		UserID:        req.UserID,
		StartedAt:     time.Now().UTC(),
	}

	if err := t.repo.Create(ctx, op); err != nil {
		return "", err
	}

	// The execution context is detached from the HTTP request and
	// bounded by the operation timeout.
	opCtx, cancel := context.WithTimeout(context.Background(), t.timeout)

	t.mu.Lock()
	t.cancels[op.ID] = cancel
	t.mu.Unlock()

	t.wg.Add(1)
	go t.run(opCtx, op, req)

	t.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"type":         op.Type,
		"target":       op.Target(),
	}).Info("Operation scheduled")

	return op.ID, nil
}

// CancelOperation signals cooperative cancellation to the operation's
// task. The task observes the signal at its next safe point; an engine
// call already in flight completes first. Cancelling a terminal
// operation returns ErrAlreadyTerminal without altering the record.
func (t *Tracker) CancelOperation(ctx context.Context, operationID string) error {
	op, err := t.repo.GetByID(ctx, operationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}
	if op.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}

	t.mu.Lock()
	cancel, running := t.cancels[operationID]
	t.mu.Unlock()

	if running {
		cancel()
		t.logger.WithField("operation_id", operationID).Info("Operation cancellation requested")
		return nil
	}

	// No live task owns this record: either the process restarted while
	// the operation was in flight, or the task reached its terminal
	// state between the status check and the registry lookup. The
	// conditional store update resolves both without ever rewriting a
	// terminal record.
	now := time.Now().UTC()
	cancelled, err := t.repo.CancelIfActive(ctx, operationID, now)
	if err != nil {
		return err
	}
	if !cancelled {
		return ErrAlreadyTerminal
	}
	op.Status = models.OperationStatusCancelled
	op.CompletedAt = &now
	t.publishUpdate(op, "cancelled")
	return nil
}

// Get returns the operation record, including accumulated logs.
func (t *Tracker) Get(ctx context.Context, operationID string) (*models.Operation, error) {
	op, err := t.repo.GetByID(ctx, operationID)
	if err != nil {
		if errors.Is(err, repositories.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return op, nil
}

// List returns a filtered page of operations and the total match count.
func (t *Tracker) List(ctx context.Context, filter models.OperationFilter, offset, limit int) ([]models.Operation, int64, error) {
	return t.repo.List(ctx, filter, offset, limit)
}

// ActiveCount returns the number of pending and running operations.
func (t *Tracker) ActiveCount(ctx context.Context) (int64, error) {
	return t.repo.CountActive(ctx)
}

// Shutdown waits for in-flight operations to settle, or returns the
// context's error if they do not finish in time. It does not cancel
// them.
func (t *Tracker) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one operation to a terminal state. Errors and panics are
// absorbed here; nothing escapes to the process level.
func (t *Tracker) run(ctx context.Context, op *models.Operation, req Request) {
	defer t.wg.Done()
	defer func() {
		t.mu.Lock()
		if cancel, ok := t.cancels[op.ID]; ok {
			delete(t.cancels, op.ID)
			cancel()
		}
		t.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			t.logger.WithFields(logrus.Fields{
				"operation_id": op.ID,
				"panic":        r,
			}).Error("Operation task panicked")
			t.finish(op, models.OperationStatusFailed, fmt.Sprintf("internal error: %v", r))
		}
	}()

	// The record transitions to running before any engine call is
	// issued, so a crash here is observable as a stuck record rather
	// than a silently lost operation.
	op.Status = models.OperationStatusRunning
	t.appendLog(op, "operation started")
	t.persist(op)
	t.publishUpdate(op, "operation started")

	err := t.execute(ctx, op, req)

	switch {
	case err == nil:
		op.Progress = 100
		t.finish(op, models.OperationStatusCompleted, "")
	case errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled:
		t.finish(op, models.OperationStatusCancelled, "")
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded:
		t.finish(op, models.OperationStatusFailed, fmt.Sprintf("operation timed out after %s", t.timeout))
	default:
		t.finish(op, models.OperationStatusFailed, err.Error())
	}
}

// execute dispatches the driver call for the operation's type. The
// report callback runs on the operation's goroutine, preserving the
// single-writer invariant on the record.
func (t *Tracker) execute(ctx context.Context, op *models.Operation, req Request) error {
	report := func(percent int, message string) {
		t.reportProgress(op, percent, message)
	}

	switch op.Type {
	case models.OperationTypeComposeUp:
		return t.driver.ComposeUp(ctx, projectRef(req), report)
	case models.OperationTypeComposeDown:
		return t.driver.ComposeDown(ctx, projectRef(req), report)
	case models.OperationTypeComposeBuild:
		return t.driver.ComposeBuild(ctx, projectRef(req), report)
	case models.OperationTypeComposePull:
		return t.driver.ComposePull(ctx, projectRef(req), report)
	case models.OperationTypeComposeRestart:
		return t.driver.ComposeRestart(ctx, projectRef(req), report)
	case models.OperationTypeComposeStart:
		return t.driver.ComposeStart(ctx, projectRef(req), report)
	case models.OperationTypeComposeStop:
		return t.driver.ComposeStop(ctx, projectRef(req), report)
	case models.OperationTypeContainerStart:
		return t.driver.ContainerStart(ctx, containerRef(req))
	case models.OperationTypeContainerStop:
		return t.driver.ContainerStop(ctx, containerRef(req), req.StopTimeout)
	case models.OperationTypeContainerRestart:
		return t.driver.ContainerRestart(ctx, containerRef(req), req.StopTimeout)
	case models.OperationTypeContainerRemove:
		return t.driver.ContainerRemove(ctx, containerRef(req), req.Force)
	case models.OperationTypeContainerPause:
		return t.driver.ContainerPause(ctx, containerRef(req))
	case models.OperationTypeContainerUnpause:
		return t.driver.ContainerUnpause(ctx, containerRef(req))
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, op.Type)
	}
}

func projectRef(req Request) interfaces.ProjectRef {
	return interfaces.ProjectRef{Name: req.ProjectName, Path: req.ProjectPath}
}

func containerRef(req Request) interfaces.ContainerRef {
	return interfaces.ContainerRef{ID: req.ContainerID, Name: req.ContainerName}
}

// reportProgress applies a progress update, persists it and pushes an
// OperationUpdate on the operation's topic. Progress is clamped to
// [0,100] and never moves backward.
func (t *Tracker) reportProgress(op *models.Operation, percent int, message string) {
	if op.Status.IsTerminal() {
		return
	}
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if percent > op.Progress {
		op.Progress = percent
	}
	if message != "" {
		t.appendLog(op, message)
	}

	t.persist(op)
	t.publishUpdate(op, message)
}

// finish applies the first (and only) terminal transition.
func (t *Tracker) finish(op *models.Operation, status models.OperationStatus, errorMessage string) {
	if op.Status.IsTerminal() {
		return
	}

	now := time.Now().UTC()
	op.Status = status
	op.CompletedAt = &now
	op.ErrorMessage = errorMessage

	message := string(status)
	if errorMessage != "" {
		t.appendLog(op, errorMessage)
	} else {
		t.appendLog(op, message)
	}

	t.persist(op)
	t.publishUpdate(op, message)

	entry := t.logger.WithFields(logrus.Fields{
		"operation_id": op.ID,
		"type":         op.Type,
		"status":       status,
	})
	if status == models.OperationStatusFailed {
		entry.WithField("error", errorMessage).Warn("Operation failed")
	} else {
		entry.Info("Operation finished")
	}
}

// appendLog adds a timestamped line to the record's log text and
// appends it to the stored copy. Logs grow only through this path; the
// full-record Update never rewrites them.
func (t *Tracker) appendLog(op *models.Operation, line string) {
	chunk := fmt.Sprintf("[%s] %s\n", time.Now().UTC().Format(time.RFC3339), line)
	op.Logs += chunk

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := t.repo.AppendLogs(ctx, op.ID, chunk); err != nil {
		t.logger.WithError(err).WithField("operation_id", op.ID).Error("Failed to append operation log")
	}
}

// persist writes the record with its own deadline so that a cancelled
// operation context cannot block the terminal state from being stored.
func (t *Tracker) persist(op *models.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := t.repo.Update(ctx, op); err != nil {
		t.logger.WithError(err).WithField("operation_id", op.ID).Error("Failed to persist operation update")
	}
}

// publishUpdate pushes the record's current state to subscribers of the
// operation's topic, synchronously on the calling goroutine so updates
// arrive in the order they were applied.
func (t *Tracker) publishUpdate(op *models.Operation, message string) {
	if t.publisher == nil {
		return
	}
	t.publisher.Publish(op.ID, models.OperationUpdate{
		OperationID:  op.ID,
		Status:       op.Status,
		Progress:     op.Progress,
		Message:      message,
		ErrorMessage: op.ErrorMessage,
		Timestamp:    time.Now().UTC(),
	})
}
