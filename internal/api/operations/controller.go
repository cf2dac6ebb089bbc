// Package operations exposes the query API over tracked operations.
package operations

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/ops"
	"github.com/dockhand/composeops/internal/utils"
)

// Controller handles operation query and cancel endpoints.
type Controller struct {
	tracker *ops.Tracker
	logger  *logrus.Logger
}

// NewController creates an operations controller.
func NewController(tracker *ops.Tracker, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		tracker: tracker,
		logger:  logger,
	}
}

// RegisterRoutes mounts the operation endpoints on the given group.
func (ctrl *Controller) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("", ctrl.List)
	rg.GET("/active/count", ctrl.ActiveCount)
	rg.GET("/:operationId", ctrl.Get)
	rg.POST("/:operationId/cancel", ctrl.Cancel)
}

// List handles GET /operations with filtering and pagination.
func (ctrl *Controller) List(c *gin.Context) {
	var query models.OperationListQuery
	if !utils.BindQuery(c, &query) {
		return
	}

	filter, err := buildFilter(query)
	if err != nil {
		utils.BadRequest(c, err.Error())
		return
	}

	page := query.Page
	if page < 1 {
		page = 1
	}
	pageSize := query.PageSize
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	items, total, err := ctrl.tracker.List(c.Request.Context(), filter, (page-1)*pageSize, pageSize)
	if err != nil {
		ctrl.logger.WithError(err).Error("Failed to list operations")
		utils.InternalServerError(c, "Failed to list operations")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	utils.SuccessResponse(c, models.OperationListResponse{
		Operations: items,
		TotalCount: total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// Get handles GET /operations/:operationId, returning the full record
// including accumulated logs.
func (ctrl *Controller) Get(c *gin.Context) {
	op, err := ctrl.tracker.Get(c.Request.Context(), c.Param("operationId"))
	if err != nil {
		if errors.Is(err, ops.ErrNotFound) {
			utils.NotFound(c, "Operation not found")
			return
		}
		ctrl.logger.WithError(err).Error("Failed to fetch operation")
		utils.InternalServerError(c, "Failed to fetch operation")
		return
	}
	utils.SuccessResponse(c, op)
}

// Cancel handles POST /operations/:operationId/cancel.
func (ctrl *Controller) Cancel(c *gin.Context) {
	operationID := c.Param("operationId")
	err := ctrl.tracker.CancelOperation(c.Request.Context(), operationID)
	switch {
	case err == nil:
		utils.SuccessResponse(c, gin.H{
			"operation_id": operationID,
			"message":      "cancellation requested",
		})
	case errors.Is(err, ops.ErrNotFound):
		utils.NotFound(c, "Operation not found")
	case errors.Is(err, ops.ErrAlreadyTerminal):
		utils.Conflict(c, "Operation is already in a terminal state")
	default:
		ctrl.logger.WithError(err).Error("Failed to cancel operation")
		utils.InternalServerError(c, "Failed to cancel operation")
	}
}

// ActiveCount handles GET /operations/active/count.
func (ctrl *Controller) ActiveCount(c *gin.Context) {
	count, err := ctrl.tracker.ActiveCount(c.Request.Context())
	if err != nil {
		ctrl.logger.WithError(err).Error("Failed to count active operations")
		utils.InternalServerError(c, "Failed to count active operations")
		return
	}
	utils.SuccessResponse(c, models.ActiveCountResponse{Count: count})
}

// buildFilter validates and converts the bound query into a store filter.
func buildFilter(query models.OperationListQuery) (models.OperationFilter, error) {
	var filter models.OperationFilter

	if query.Type != "" {
		opType := models.OperationType(query.Type)
		if !opType.IsValid() {
			return filter, errors.New("unknown operation type: " + query.Type)
		}
		filter.Type = opType
	}
	if query.Status != "" {
		status := models.OperationStatus(query.Status)
		switch status {
		case models.OperationStatusPending, models.OperationStatusRunning,
			models.OperationStatusCompleted, models.OperationStatusFailed,
			models.OperationStatusCancelled:
			filter.Status = status
		default:
			return filter, errors.New("unknown operation status: " + query.Status)
		}
	}
	if query.UserID != 0 {
		userID := query.UserID
		filter.UserID = &userID
	}
	filter.ProjectName = query.ProjectName

	if query.StartDate != "" {
		start, err := time.Parse(time.RFC3339, query.StartDate)
		if err != nil {
			return filter, errors.New("startDate must be RFC3339")
		}
		filter.StartDate = &start
	}
	if query.EndDate != "" {
		end, err := time.Parse(time.RFC3339, query.EndDate)
		if err != nil {
			return filter, errors.New("endDate must be RFC3339")
		}
		filter.EndDate = &end
	}

	return filter, nil
}
