package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/dockhand/composeops/internal/models"
)

// Common repository errors
var (
	ErrNotFound          = errors.New("entity not found")
	ErrDuplicateKey      = errors.New("duplicate key violation")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDatabaseOperation = errors.New("database operation failed")
)

// OperationRepository defines the interface for operation data operations
type OperationRepository interface {
	Create(ctx context.Context, op *models.Operation) error
	Update(ctx context.Context, op *models.Operation) error
	GetByID(ctx context.Context, id string) (*models.Operation, error)
	List(ctx context.Context, filter models.OperationFilter, offset, limit int) ([]models.Operation, int64, error)
	CountActive(ctx context.Context) (int64, error)
	AppendLogs(ctx context.Context, id string, chunk string) error
	CancelIfActive(ctx context.Context, id string, completedAt time.Time) (bool, error)
}

// operationRepo implements the OperationRepository interface
type operationRepo struct {
	db *gorm.DB
}

// NewOperationRepository creates a new operation repository
func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &operationRepo{
		db: db,
	}
}

// Create creates a new operation record
func (r *operationRepo) Create(ctx context.Context, op *models.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("%w: operation id is empty", ErrInvalidInput)
	}
	result := r.db.WithContext(ctx).Create(op)
	if result.Error != nil {
		if isDuplicateKeyError(result.Error) {
			return fmt.Errorf("%w: operation %s already exists", ErrDuplicateKey, op.ID)
		}
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return nil
}

// Update persists the operation's mutable state columns. Log text is
// excluded; it only ever grows through AppendLogs.
func (r *operationRepo) Update(ctx context.Context, op *models.Operation) error {
	result := r.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("id = ?", op.ID).
		Select("Status", "Progress", "ErrorMessage", "CompletedAt").
		Updates(op)

	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetByID finds an operation by id
func (r *operationRepo) GetByID(ctx context.Context, id string) (*models.Operation, error) {
	var op models.Operation
	result := r.db.WithContext(ctx).First(&op, "id = ?", id)

	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}

	return &op, nil
}

// List lists operations matching the filter, newest first, with pagination
func (r *operationRepo) List(ctx context.Context, filter models.OperationFilter, offset, limit int) ([]models.Operation, int64, error) {
	query := r.applyFilter(r.db.WithContext(ctx).Model(&models.Operation{}), filter)

	var count int64
	if err := query.Count(&count).Error; err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDatabaseOperation, err)
	}

	var ops []models.Operation
	result := query.
		Order("started_at DESC").
		Offset(offset).
		Limit(limit).
		Find(&ops)
	if result.Error != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}

	return ops, count, nil
}

// CountActive counts operations in a non-terminal state
func (r *operationRepo) CountActive(ctx context.Context) (int64, error) {
	var count int64
	result := r.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("status IN ?", []models.OperationStatus{
			models.OperationStatusPending,
			models.OperationStatusRunning,
		}).
		Count(&count)
	if result.Error != nil {
		return 0, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return count, nil
}

// AppendLogs appends a chunk to the operation's accumulated log text
func (r *operationRepo) AppendLogs(ctx context.Context, id string, chunk string) error {
	if chunk == "" {
		return nil
	}
	result := r.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("id = ?", id).
		Update("logs", gorm.Expr("logs || ?", chunk))
	if result.Error != nil {
		return fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// CancelIfActive atomically transitions a non-terminal operation to
// cancelled. It reports false when no row matched, which means the
// operation already reached a terminal state.
func (r *operationRepo) CancelIfActive(ctx context.Context, id string, completedAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&models.Operation{}).
		Where("id = ? AND status IN ?", id, []models.OperationStatus{
			models.OperationStatusPending,
			models.OperationStatusRunning,
		}).
		Updates(map[string]interface{}{
			"status":       models.OperationStatusCancelled,
			"completed_at": completedAt,
		})
	if result.Error != nil {
		return false, fmt.Errorf("%w: %v", ErrDatabaseOperation, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// applyFilter translates an OperationFilter into WHERE clauses
func (r *operationRepo) applyFilter(query *gorm.DB, filter models.OperationFilter) *gorm.DB {
	if filter.Type != "" {
		query = query.Where("type = ?", filter.Type)
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.UserID != nil {
		query = query.Where("user_id = ?", *filter.UserID)
	}
	if filter.ProjectName != "" {
		query = query.Where("project_name = ?", filter.ProjectName)
	}
	if filter.StartDate != nil {
		query = query.Where("started_at >= ?", *filter.StartDate)
	}
	if filter.EndDate != nil {
		query = query.Where("started_at <= ?", *filter.EndDate)
	}
	return query
}
