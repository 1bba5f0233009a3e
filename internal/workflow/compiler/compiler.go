// Package compiler expands a program into the ordered list of physical
// steps that mark and cut it. Compilation is pure: the same program and
// options always produce the same steps.
package compiler

import (
	"fmt"

	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

// Options places the paper on the desk. Offsets are the coordinates of the
// paper's bottom-left corner relative to the motor home position.
type Options struct {
	PaperOffsetX float64
	PaperOffsetY float64
}

func DefaultOptions() Options {
	return Options{PaperOffsetX: 15, PaperOffsetY: 15}
}

// GenerateCompleteProgramSteps validates p and returns program_start, the
// lines steps, the row steps and program_complete. Lines always come first:
// the Y axis is back home before any X motion starts.
func GenerateCompleteProgramSteps(p *program.Program, opts Options) ([]definition.Step, error) {
	if p == nil {
		return nil, fmt.Errorf("no program given")
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}

	lines := GenerateLinesMarkingSteps(p, opts)
	rows := GenerateRowMarkingSteps(p, opts)

	steps := make([]definition.Step, 0, len(lines)+len(rows)+2)
	steps = append(steps, definition.Step{
		Operation: definition.ProgramStart{
			ProgramNumber: p.ProgramNumber,
			ProgramName:   p.ProgramName,
			ActualWidth:   p.ActualWidth(),
			ActualHeight:  p.ActualHeight(),
			RepeatRows:    p.RepeatRows,
			RepeatLines:   p.RepeatLines,
		},
		Phase: definition.PhaseNone,
		Description: fmt.Sprintf("Start program %d: %.2fx%.2f cm (%dx%d repeats)",
			p.ProgramNumber, p.ActualWidth(), p.ActualHeight(), p.RepeatRows, p.RepeatLines),
	})
	steps = append(steps, lines...)
	steps = append(steps, rows...)
	steps = append(steps, definition.Step{
		Operation:   definition.ProgramComplete{ProgramNumber: p.ProgramNumber},
		Phase:       definition.PhaseNone,
		Description: fmt.Sprintf("Program %d complete", p.ProgramNumber),
	})

	for i := range steps {
		steps[i].Index = i
	}
	return steps, nil
}
