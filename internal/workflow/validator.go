// Package workflow checks compiled step plans before they reach the engine.
package workflow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

type Severity string

const (
	SevError   Severity = "error"
	SevWarning Severity = "warning"
)

type Issue struct {
	Code      string         `json:"code"`
	Severity  Severity       `json:"severity"`
	Message   string         `json:"message"`
	StepIndex int            `json:"step_index"`
	Path      string         `json:"path,omitempty"` // "/steps/3/operation"
	Hint      string         `json:"hint,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

type Report struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// PlanError is returned when a plan has at least one error.
type PlanError struct {
	Report Report
}

func (e *PlanError) Error() string {
	msgs := make([]string, 0, len(e.Report.Errors))
	for _, issue := range e.Report.Errors {
		msgs = append(msgs, fmt.Sprintf("%s at step %d: %s", issue.Code, issue.StepIndex, issue.Message))
	}
	return "invalid step plan: " + strings.Join(msgs, "; ")
}

// Err returns a *PlanError when the report is not valid.
func (r Report) Err() error {
	if r.Valid {
		return nil
	}
	return &PlanError{Report: r}
}

// ValidatePlan checks the structural rules every runnable plan follows:
// it is framed by program_start and program_complete, indices are dense,
// the lines phase precedes the rows phase, no marker or cutter is down
// while an axis moves and every tool is back up at the end.
func ValidatePlan(steps []definition.Step) Report {
	rep := Report{}
	if len(steps) == 0 {
		rep.addError(Issue{
			Code:      "PLAN_001",
			Message:   "Plan has no steps",
			StepIndex: -1,
			Path:      "/steps",
		})
		rep.finalize()
		return rep
	}

	st := &planState{
		report:  &rep,
		lowered: make(map[hardware.Tool]int),
		pistonY: -1,
	}
	st.checkFrame(steps)
	for i := range steps {
		st.checkStep(i, steps[i])
	}
	st.checkEnd(len(steps) - 1)

	rep.finalize()
	return rep
}

type planState struct {
	report *Report

	sawRows bool
	// lowered maps a marker or cutter to the step that lowered it
	lowered map[hardware.Tool]int
	// piston is down unless lifted; the safe state lowers it
	pistonUp bool
	// pistonY is the last commanded Y position, -1 until known
	pistonY float64
}

func (st *planState) checkFrame(steps []definition.Step) {
	first, ok := steps[0].Operation.(definition.ProgramStart)
	if !ok {
		st.report.addError(Issue{
			Code:      "PLAN_002",
			Message:   "Plan must begin with program_start",
			StepIndex: 0,
			Path:      "/steps/0/operation",
		})
	}

	lastIdx := len(steps) - 1
	last, ok := steps[lastIdx].Operation.(definition.ProgramComplete)
	if !ok {
		st.report.addError(Issue{
			Code:      "PLAN_003",
			Message:   "Plan must end with program_complete",
			StepIndex: lastIdx,
			Path:      fmt.Sprintf("/steps/%d/operation", lastIdx),
		})
		return
	}
	if first.ProgramNumber != 0 && last.ProgramNumber != first.ProgramNumber {
		st.report.addError(Issue{
			Code:      "PLAN_004",
			Message:   fmt.Sprintf("program_complete names program %d, plan started %d", last.ProgramNumber, first.ProgramNumber),
			StepIndex: lastIdx,
			Path:      fmt.Sprintf("/steps/%d/parameters/program_number", lastIdx),
		})
	}
}

func (st *planState) checkStep(i int, step definition.Step) {
	base := fmt.Sprintf("/steps/%d", i)

	if step.Index != i {
		st.report.addError(Issue{
			Code:      "PLAN_005",
			Message:   fmt.Sprintf("Step index %d at position %d", step.Index, i),
			StepIndex: i,
			Path:      base + "/index",
		})
	}
	if step.Operation == nil {
		st.report.addError(Issue{
			Code:      "PLAN_006",
			Message:   "Step has no operation",
			StepIndex: i,
			Path:      base + "/operation",
		})
		return
	}

	switch step.Phase {
	case definition.PhaseRows:
		st.sawRows = true
	case definition.PhaseLines:
		if st.sawRows {
			st.report.addError(Issue{
				Code:      "PHASE_001",
				Message:   "Lines step after the rows phase started",
				StepIndex: i,
				Path:      base + "/phase",
				Hint:      "The Y axis must be home before any X motion",
			})
		}
	case definition.PhaseNone:
		switch step.Operation.(type) {
		case definition.ProgramStart, definition.ProgramComplete:
		default:
			st.report.addWarning(Issue{
				Code:      "PHASE_002",
				Message:   fmt.Sprintf("%s step without a phase is not interlocked", step.Operation.Kind()),
				StepIndex: i,
				Path:      base + "/phase",
			})
		}
	default:
		st.report.addError(Issue{
			Code:      "PHASE_003",
			Message:   fmt.Sprintf("Unknown phase: %s", step.Phase),
			StepIndex: i,
			Path:      base + "/phase",
		})
	}

	switch op := step.Operation.(type) {
	case definition.MoveX:
		st.checkMove(i, base, op.Position, "x")
	case definition.MoveY:
		st.checkMove(i, base, op.Position, "y")
		if !st.pistonUp && st.pistonY >= 0 && op.Position > st.pistonY {
			st.report.addWarning(Issue{
				Code:      "TOOL_003",
				Message:   fmt.Sprintf("Upward Y move to %.2f with the line motor piston down", op.Position),
				StepIndex: i,
				Path:      base + "/parameters/position",
				Hint:      "Lift line_motor_piston before moving up",
			})
		}
		st.pistonY = op.Position
	case definition.ToolAction:
		st.checkTool(i, base, op)
	case definition.WaitSensor:
		if !op.Sensor.Valid() {
			st.report.addError(Issue{
				Code:      "SENSOR_001",
				Message:   fmt.Sprintf("Unknown sensor: %s", op.Sensor),
				StepIndex: i,
				Path:      base + "/parameters/sensor",
			})
		}
	case definition.ProgramStart:
		if i != 0 {
			st.report.addError(Issue{
				Code:      "PLAN_007",
				Message:   "program_start inside the plan",
				StepIndex: i,
				Path:      base + "/operation",
			})
		}
	}
}

func (st *planState) checkMove(i int, base string, position float64, axis string) {
	if position < 0 {
		st.report.addError(Issue{
			Code:      "MOVE_001",
			Message:   fmt.Sprintf("Negative %s position %.2f", axis, position),
			StepIndex: i,
			Path:      base + "/parameters/position",
		})
	}
	for tool, at := range st.lowered {
		st.report.addError(Issue{
			Code:      "TOOL_002",
			Message:   fmt.Sprintf("%s axis moves while %s is down", axis, tool),
			StepIndex: i,
			Path:      base + "/operation",
			Meta:      map[string]any{"tool": string(tool), "lowered_at": at},
		})
	}
}

func (st *planState) checkTool(i int, base string, op definition.ToolAction) {
	if !op.Tool.Valid() || !op.Action.Valid() {
		st.report.addError(Issue{
			Code:      "TOOL_001",
			Message:   fmt.Sprintf("Unknown tool action: %s %s", op.Tool, op.Action),
			StepIndex: i,
			Path:      base + "/parameters",
		})
		return
	}

	if op.Tool == hardware.ToolLineMotorPiston {
		st.pistonUp = op.Action == hardware.ToolUp
		return
	}
	if op.Action == hardware.ToolDown {
		st.lowered[op.Tool] = i
	} else {
		delete(st.lowered, op.Tool)
	}
}

func (st *planState) checkEnd(last int) {
	for tool, at := range st.lowered {
		st.report.addError(Issue{
			Code:      "TOOL_004",
			Message:   fmt.Sprintf("%s is still down when the plan ends", tool),
			StepIndex: last,
			Path:      fmt.Sprintf("/steps/%d", at),
			Meta:      map[string]any{"tool": string(tool), "lowered_at": at},
		})
	}
	if st.pistonUp {
		st.report.addWarning(Issue{
			Code:      "TOOL_005",
			Message:   "line_motor_piston is left up when the plan ends",
			StepIndex: last,
		})
	}
}

func (r *Report) addError(i Issue) {
	if i.Severity == "" {
		i.Severity = SevError
	}
	r.Errors = append(r.Errors, i)
}

func (r *Report) addWarning(i Issue) {
	if i.Severity == "" {
		i.Severity = SevWarning
	}
	r.Warnings = append(r.Warnings, i)
}

func (r *Report) finalize() {
	sortIssues(r.Errors)
	sortIssues(r.Warnings)
	r.Valid = len(r.Errors) == 0
}

func sortIssues(list []Issue) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if a.StepIndex != b.StepIndex {
			return a.StepIndex < b.StepIndex
		}
		if a.Code != b.Code {
			return a.Code < b.Code
		}
		return a.Message < b.Message
	})
}
