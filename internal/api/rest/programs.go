package rest

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/compiler"
)

func programNumber(c *gin.Context) (int, bool) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		badRequest(c, "PROGRAM", "Invalid program number", fmt.Errorf("%q is not a program number", c.Param("number")))
		return 0, false
	}
	return number, true
}

// GET /api/v1/programs
func (s *Server) listPrograms(c *gin.Context) {
	programs, err := s.lm.MachineController().Programs().List(c.Request.Context())
	if err != nil {
		respondError(c, "PROGRAM", "Failed to list programs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"programs": programs, "count": len(programs)})
}

// GET /api/v1/programs/:number
func (s *Server) getProgram(c *gin.Context) {
	number, ok := programNumber(c)
	if !ok {
		return
	}
	p, err := s.lm.MachineController().Programs().Get(c.Request.Context(), number)
	if err != nil {
		respondError(c, "PROGRAM", "Program not available", err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// GET /api/v1/programs/:number/steps
func (s *Server) previewSteps(c *gin.Context) {
	number, ok := programNumber(c)
	if !ok {
		return
	}
	p, steps, err := s.lm.MachineController().Compile(c.Request.Context(), number)
	if err != nil {
		respondError(c, "PROGRAM", "Failed to compile program", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"program": p,
		"summary": compiler.Summarize(steps),
		"steps":   steps,
	})
}

// PUT /api/v1/programs/:number
func (s *Server) saveProgram(c *gin.Context) {
	number, ok := programNumber(c)
	if !ok {
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		badRequest(c, "PROGRAM", "Failed to read request body", err)
		return
	}

	p, err := s.lm.ProgramValidator().Decode(body)
	if err != nil {
		badRequest(c, "PROGRAM", "Invalid program", err)
		return
	}
	if p.ProgramNumber != number {
		badRequest(c, "PROGRAM", "Program number mismatch",
			fmt.Errorf("path says %d, body says %d", number, p.ProgramNumber))
		return
	}

	if err := s.lm.MachineController().Programs().Save(c.Request.Context(), p); err != nil {
		respondError(c, "PROGRAM", "Failed to save program", err)
		return
	}

	s.logger.Info("Program saved",
		zap.Int("program_number", p.ProgramNumber),
		zap.String("program_name", p.ProgramName))
	c.JSON(http.StatusOK, p)
}

// DELETE /api/v1/programs/:number
func (s *Server) deleteProgram(c *gin.Context) {
	number, ok := programNumber(c)
	if !ok {
		return
	}
	if err := s.lm.MachineController().Programs().Delete(c.Request.Context(), number); err != nil {
		respondError(c, "PROGRAM", "Failed to delete program", err)
		return
	}
	c.Status(http.StatusNoContent)
}
