// Package container exposes single-container operation endpoints. Each
// endpoint schedules an asynchronous operation and returns its id.
package container

import (
	"errors"
	"io"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/middleware"
	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/ops"
	"github.com/dockhand/composeops/internal/utils"
)

// Controller handles container operation endpoints.
type Controller struct {
	tracker *ops.Tracker
	logger  *logrus.Logger
}

// NewController creates a container controller.
func NewController(tracker *ops.Tracker, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		tracker: tracker,
		logger:  logger,
	}
}

// RegisterRoutes mounts the container endpoints on the given group.
func (ctrl *Controller) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/:containerId/start", ctrl.operation(models.OperationTypeContainerStart))
	rg.POST("/:containerId/stop", ctrl.operation(models.OperationTypeContainerStop))
	rg.POST("/:containerId/restart", ctrl.operation(models.OperationTypeContainerRestart))
	rg.POST("/:containerId/remove", ctrl.operation(models.OperationTypeContainerRemove))
	rg.POST("/:containerId/pause", ctrl.operation(models.OperationTypeContainerPause))
	rg.POST("/:containerId/unpause", ctrl.operation(models.OperationTypeContainerUnpause))
}

// operation builds the handler for one container operation type. The
// request body is optional; stop/restart accept a timeout and remove a
// force flag.
func (ctrl *Controller) operation(opType models.OperationType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ContainerOperationRequest
		if c.Request.ContentLength > 0 {
			if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
				utils.BadRequest(c, "Invalid JSON format: "+err.Error())
				return
			}
		}

		containerID := c.Param("containerId")
		operationID, err := ctrl.tracker.StartOperation(c.Request.Context(), ops.Request{
			Type:        opType,
			ContainerID: containerID,
			StopTimeout: req.Timeout,
			Force:       req.Force,
			UserID:      middleware.CurrentUserID(c),
		})
		if err != nil {
			if errors.Is(err, ops.ErrInvalidTarget) || errors.Is(err, ops.ErrInvalidType) {
				utils.BadRequest(c, err.Error())
				return
			}
			ctrl.logger.WithError(err).WithFields(logrus.Fields{
				"type":      opType,
				"container": containerID,
			}).Error("Failed to schedule container operation")
			utils.InternalServerError(c, "Failed to schedule operation")
			return
		}

		utils.AcceptedResponse(c, models.OperationAcceptedResponse{
			OperationID: operationID,
			Status:      models.OperationStatusPending,
			Message:     "operation scheduled",
		})
	}
}
