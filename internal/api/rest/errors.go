package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
	"github.com/orharazi/Scratch-Desk-sub002/internal/machine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/storage"
	"github.com/orharazi/Scratch-Desk-sub002/internal/types"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/engine"
)

// respondError maps domain errors onto HTTP statuses. area prefixes the
// error code, e.g. PROGRAM_404.
func respondError(c *gin.Context, area, message string, err error) {
	status := http.StatusInternalServerError
	var invalid *program.ValidationError
	var unsafe *workflow.PlanError

	switch {
	case errors.Is(err, program.ErrNotFound), errors.Is(err, storage.ErrExecutionNotFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid), errors.Is(err, machine.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.As(err, &unsafe):
		status = http.StatusUnprocessableEntity
	case machine.IsBusy(err), errors.Is(err, engine.ErrNothingToRetry), errors.Is(err, engine.ErrNoSteps):
		status = http.StatusConflict
	case errors.Is(err, auth.ErrInvalidCredentials):
		status = http.StatusUnauthorized
	case errors.Is(err, auth.ErrAccountLocked):
		status = http.StatusLocked
	}

	_ = c.Error(err)
	c.JSON(status, types.NewErrorResponse(types.ErrorCode(area, status), message, err.Error()))
}

func badRequest(c *gin.Context, area, message string, err error) {
	c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrorCode(area, http.StatusBadRequest), message, err.Error()))
}
