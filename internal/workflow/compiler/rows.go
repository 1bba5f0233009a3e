package compiler

import (
	"fmt"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/program"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

// GenerateRowMarkingSteps produces the X axis part of the program. The
// right paper edge is cut first; sections and their pages are then handled
// right to left while page coordinates stay left to right; the left paper
// edge is cut last.
func GenerateRowMarkingSteps(p *program.Program, opts Options) []definition.Step {
	b := newBuilder(definition.PhaseRows)

	actualWidth := p.ActualWidth()
	paperLeft := opts.PaperOffsetX
	paperRight := paperLeft + actualWidth

	b.moveX(paperRight, fmt.Sprintf("Move to paper right edge (X=%.2f)", paperRight))
	b.rowGate(hardware.ToolRowCutter, "right edge cut")

	pages := p.NumberOfPages
	pageStride := p.PageWidth + p.BufferBetweenPages

	for rtlSection := 0; rtlSection < p.RepeatRows; rtlSection++ {
		section := p.RepeatRows - 1 - rtlSection
		sectionLeft := paperLeft + float64(section)*p.Width

		for rtlPage := 0; rtlPage < pages; rtlPage++ {
			page := pages - 1 - rtlPage
			pageLeft := sectionLeft + p.LeftMargin + float64(page)*pageStride
			pageRight := pageLeft + p.PageWidth

			skipRight := page == pages-1 && p.RightMargin == 0
			skipLeft := page == 0 && p.LeftMargin == 0
			if skipRight && skipLeft {
				continue
			}

			what := fmt.Sprintf("section %d page %d", section+1, page+1)
			if !skipRight {
				b.moveX(pageRight, fmt.Sprintf("Move to %s right edge (X=%.2f)", what, pageRight))
				b.rowGate(hardware.ToolRowMarker, "mark "+what+" right edge")
			}
			if !skipLeft {
				b.moveX(pageLeft, fmt.Sprintf("Move to %s left edge (X=%.2f)", what, pageLeft))
				b.rowGate(hardware.ToolRowMarker, "mark "+what+" left edge")
			}
		}

		if rtlSection < p.RepeatRows-1 {
			what := fmt.Sprintf("cut between sections %d and %d", section, section+1)
			b.moveX(sectionLeft, fmt.Sprintf("Move to %s (X=%.2f)", what, sectionLeft))
			b.rowGate(hardware.ToolRowCutter, what)
		}
	}

	b.moveX(paperLeft, fmt.Sprintf("Move to paper left edge (X=%.2f)", paperLeft))
	b.rowGate(hardware.ToolRowCutter, "left edge cut")

	b.moveX(0, "Return X axis home")

	return b.steps
}
