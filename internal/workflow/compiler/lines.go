package compiler

import (
	"fmt"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

// GenerateLinesMarkingSteps produces the Y axis part of the program: top
// edge cut, the lines of every section from top to bottom with cuts between
// sections, and the bottom edge cut.
func GenerateLinesMarkingSteps(p *program.Program, opts Options) []definition.Step {
	b := newBuilder(definition.PhaseLines)

	actualHeight := p.ActualHeight()
	paperTop := opts.PaperOffsetY + actualHeight
	paperBottom := opts.PaperOffsetY

	b.moveX(0, "Home X axis")
	b.moveY(0, "Home Y axis")

	// The piston is lifted for every upward move so it is never dragged
	// across the paper.
	b.tool(hardware.ToolLineMotorPiston, hardware.ToolUp, "Lift line motor piston before moving up")
	b.moveY(paperTop, fmt.Sprintf("Move to paper top edge (Y=%.2f)", paperTop))
	b.tool(hardware.ToolLineMotorPiston, hardware.ToolDown, "Lower line motor piston")

	b.lineGate(hardware.ToolLineCutter, "top edge cut")

	lines := p.NumberOfLines
	lastSection := p.RepeatLines - 1
	for section := 0; section <= lastSection; section++ {
		sectionTop := paperTop - float64(section)*p.High
		sectionBottom := sectionTop - p.High

		firstLineY := sectionTop - p.TopPadding
		lastLineY := sectionBottom + p.BottomPadding
		lineSpacing := 0.0
		if lines > 1 {
			lineSpacing = (firstLineY - lastLineY) / float64(lines-1)
		}

		for line := 0; line < lines; line++ {
			isFirstLine := section == 0 && line == 0
			isLastLine := section == lastSection && line == lines-1

			// A line on a zero-margin paper edge is already drawn by the edge cut.
			if isFirstLine && p.TopPadding == 0 {
				continue
			}
			if isLastLine && p.BottomPadding == 0 && lines > 1 {
				continue
			}

			y := firstLineY - float64(line)*lineSpacing
			what := fmt.Sprintf("section %d line %d", section+1, line+1)
			b.moveY(y, fmt.Sprintf("Move to %s (Y=%.2f)", what, y))
			b.lineGate(hardware.ToolLineMarker, "mark "+what)
		}

		if section < lastSection {
			what := fmt.Sprintf("cut between sections %d and %d", section+1, section+2)
			b.moveY(sectionBottom, fmt.Sprintf("Move to %s (Y=%.2f)", what, sectionBottom))
			b.lineGate(hardware.ToolLineCutter, what)
		}
	}

	b.moveY(paperBottom, fmt.Sprintf("Move to paper bottom edge (Y=%.2f)", paperBottom))
	b.lineGate(hardware.ToolLineCutter, "bottom edge cut")

	b.moveY(0, "Return Y axis home")

	return b.steps
}
