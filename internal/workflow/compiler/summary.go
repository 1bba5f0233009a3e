package compiler

import (
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

// Summary counts what a step list will do.
type Summary struct {
	TotalSteps int                              `json:"total_steps"`
	ByKind     map[definition.OperationKind]int `json:"by_kind"`
	ByPhase    map[definition.Phase]int         `json:"by_phase"`
	LineMarks  int                              `json:"line_marks"`
	LineCuts   int                              `json:"line_cuts"`
	RowMarks   int                              `json:"row_marks"`
	RowCuts    int                              `json:"row_cuts"`
}

// Summarize counts marks and cuts by their tool-down actions.
func Summarize(steps []definition.Step) Summary {
	s := Summary{
		TotalSteps: len(steps),
		ByKind:     make(map[definition.OperationKind]int),
		ByPhase:    make(map[definition.Phase]int),
	}
	for _, step := range steps {
		s.ByKind[step.Operation.Kind()]++
		s.ByPhase[step.Phase]++

		action, ok := step.Operation.(definition.ToolAction)
		if !ok || action.Action != hardware.ToolDown {
			continue
		}
		switch action.Tool {
		case hardware.ToolLineMarker:
			s.LineMarks++
		case hardware.ToolLineCutter:
			s.LineCuts++
		case hardware.ToolRowMarker:
			s.RowMarks++
		case hardware.ToolRowCutter:
			s.RowCuts++
		}
	}
	return s
}
