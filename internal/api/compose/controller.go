// Package compose exposes the compose project operation endpoints. Each
// endpoint schedules an asynchronous operation and returns its id.
package compose

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/dockhand/composeops/internal/middleware"
	"github.com/dockhand/composeops/internal/models"
	"github.com/dockhand/composeops/internal/ops"
	"github.com/dockhand/composeops/internal/utils"
)

// Controller handles compose project operation endpoints.
type Controller struct {
	tracker *ops.Tracker
	logger  *logrus.Logger
}

// NewController creates a compose controller.
func NewController(tracker *ops.Tracker, logger *logrus.Logger) *Controller {
	if logger == nil {
		logger = logrus.New()
	}
	return &Controller{
		tracker: tracker,
		logger:  logger,
	}
}

// RegisterRoutes mounts the compose endpoints on the given group.
func (ctrl *Controller) RegisterRoutes(rg *gin.RouterGroup) {
	rg.POST("/up", ctrl.operation(models.OperationTypeComposeUp))
	rg.POST("/down", ctrl.operation(models.OperationTypeComposeDown))
	rg.POST("/build", ctrl.operation(models.OperationTypeComposeBuild))
	rg.POST("/pull", ctrl.operation(models.OperationTypeComposePull))
	rg.POST("/restart", ctrl.operation(models.OperationTypeComposeRestart))
	rg.POST("/start", ctrl.operation(models.OperationTypeComposeStart))
	rg.POST("/stop", ctrl.operation(models.OperationTypeComposeStop))
}

// operation builds the handler for one compose operation type.
func (ctrl *Controller) operation(opType models.OperationType) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.ComposeOperationRequest
		if !utils.BindJSON(c, &req) {
			return
		}

		operationID, err := ctrl.tracker.StartOperation(c.Request.Context(), ops.Request{
			Type:        opType,
			ProjectName: req.ProjectName,
			ProjectPath: req.ProjectPath,
			UserID:      middleware.CurrentUserID(c),
		})
		if err != nil {
			if errors.Is(err, ops.ErrInvalidTarget) || errors.Is(err, ops.ErrInvalidType) {
				utils.BadRequest(c, err.Error())
				return
			}
			ctrl.logger.WithError(err).WithFields(logrus.Fields{
				"type":    opType,
				"project": req.ProjectName,
			}).Error("Failed to schedule compose operation")
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
