package rest

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/auth"
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/machine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/types"
)

// GET /api/v1/machine/status
func (s *Server) getMachineStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.lm.MachineController().Status())
}

// POST /api/v1/machine/command
func (s *Server) executeMachineCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MACHINE", "Invalid request body", err)
		return
	}

	cmd := machine.Command(req.Command)
	if cmd == machine.CommandHome && !hasPermission(c, auth.PermMaintain) {
		c.AbortWithStatusJSON(http.StatusForbidden, types.NewErrorResponse(
			types.ErrCodeForbidden, "insufficient permissions", map[string]interface{}{"required": string(auth.PermMaintain)}))
		return
	}

	if err := s.lm.MachineController().ExecuteCommand(c.Request.Context(), cmd); err != nil {
		s.logger.Error("Machine command failed",
			zap.String("command", req.Command),
			zap.Error(err))
		respondError(c, "MACHINE", "Command execution failed", err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Command accepted",
		"command": req.Command,
	})
}

// POST /api/v1/machine/home
func (s *Server) homeMachine(c *gin.Context) {
	if err := s.lm.MachineController().Home(c.Request.Context()); err != nil {
		respondError(c, "MACHINE", "Homing failed", err)
		return
	}
	c.JSON(http.StatusOK, s.lm.MachineController().Status())
}

// POST /api/v1/machine/mode
func (s *Server) switchMode(c *gin.Context) {
	var req struct {
		Mode string `json:"mode" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "MACHINE", "Invalid request body", err)
		return
	}
	mode := hardware.Mode(req.Mode)
	if !mode.Valid() {
		badRequest(c, "MACHINE", "Unknown hardware mode", fmt.Errorf("mode %q is not simulation or modbus", req.Mode))
		return
	}

	if err := s.lm.MachineController().SwitchMode(c.Request.Context(), mode); err != nil {
		respondError(c, "MACHINE", "Mode switch failed", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mode": mode})
}
