package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/orharazi/Scratch-Desk-sub002/internal/types"
)

// GET /api/v1/execution/status
func (s *Server) getExecutionStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().Status().Execution)
}

// POST /api/v1/execution/start
func (s *Server) startExecution(c *gin.Context) {
	var req struct {
		ProgramNumber int `json:"program_number" binding:"required,min=1"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "EXECUTION", "Invalid request body", err)
		return
	}

	runID, err := s.lm.MachineController().RunProgram(c.Request.Context(), req.ProgramNumber)
	if err != nil {
		respondError(c, "EXECUTION", "Failed to start program", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "program_number": req.ProgramNumber})
}

func (s *Server) pauseExecution(c *gin.Context) {
	s.simpleCommand(c, "paused", s.lm.MachineController().Pause)
}

func (s *Server) resumeExecution(c *gin.Context) {
	s.simpleCommand(c, "resumed", s.lm.MachineController().Resume)
}

func (s *Server) stopExecution(c *gin.Context) {
	s.simpleCommand(c, "stopped", s.lm.MachineController().Stop)
}

func (s *Server) resetExecution(c *gin.Context) {
	s.simpleCommand(c, "reset", s.lm.MachineController().Reset)
}

// POST /api/v1/execution/emergency-stop
func (s *Server) emergencyStop(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "emergency stop requested by operator"
	}

	s.lm.MachineController().EmergencyStop("operator", req.Reason)
	c.JSON(http.StatusAccepted, gin.H{"message": "emergency stop"})
}

// POST /api/v1/execution/retry
func (s *Server) retryExecution(c *gin.Context) {
	runID, err := s.lm.MachineController().Retry()
	if err != nil {
		respondError(c, "EXECUTION", "Failed to retry", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
}

func (s *Server) simpleCommand(c *gin.Context, done string, fn func() error) {
	if err := fn(); err != nil {
		respondError(c, "EXECUTION", "Command refused", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message": done,
		"state":   s.lm.MachineController().Status().Execution.State,
	})
}

var errNoJournal = errors.New("execution journal requires a database")

func (s *Server) journalUnavailable(c *gin.Context) bool {
	if s.lm.Executions() != nil {
		return false
	}
	c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.ErrorCode("EXECUTION", http.StatusServiceUnavailable), "Execution history not available", errNoJournal.Error()))
	return true
}

// GET /api/v1/executions?limit=50
func (s *Server) listExecutions(c *gin.Context) {
	if s.journalUnavailable(c) {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 500 {
		badRequest(c, "EXECUTION", "Invalid limit", errors.New("limit must be between 1 and 500"))
		return
	}

	executions, err := s.lm.Executions().ListExecutions(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "EXECUTION", "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"executions": executions, "count": len(executions)})
}

func executionID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badRequest(c, "EXECUTION", "Invalid execution id", err)
		return uuid.Nil, false
	}
	return id, true
}

// GET /api/v1/executions/:id
func (s *Server) getExecution(c *gin.Context) {
	if s.journalUnavailable(c) {
		return
	}
	id, ok := executionID(c)
	if !ok {
		return
	}
	execution, err := s.lm.Executions().GetExecution(c.Request.Context(), id)
	if err != nil {
		respondError(c, "EXECUTION", "Execution not available", err)
		return
	}
	c.JSON(http.StatusOK, execution)
}

// GET /api/v1/executions/:id/events
func (s *Server) getExecutionEvents(c *gin.Context) {
	if s.journalUnavailable(c) {
		return
	}
	id, ok := executionID(c)
	if !ok {
		return
	}
	events, err := s.lm.Executions().ListEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, "EXECUTION", "Failed to list execution events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
