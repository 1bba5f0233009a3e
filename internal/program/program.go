// Package program holds the paper-processing job definition and its
// loading and validation.
package program

import (
	"fmt"
	"strings"
)

// Program is a paper-processing job. All lengths are in cm.
type Program struct {
	ProgramNumber      int     `json:"program_number" yaml:"program_number"`
	ProgramName        string  `json:"program_name" yaml:"program_name"`
	Width              float64 `json:"width" yaml:"width"`
	High               float64 `json:"high" yaml:"high"`
	RepeatRows         int     `json:"repeat_rows" yaml:"repeat_rows"`
	RepeatLines        int     `json:"repeat_lines" yaml:"repeat_lines"`
	TopPadding         float64 `json:"top_padding" yaml:"top_padding"`
	BottomPadding      float64 `json:"bottom_padding" yaml:"bottom_padding"`
	LeftMargin         float64 `json:"left_margin" yaml:"left_margin"`
	RightMargin        float64 `json:"right_margin" yaml:"right_margin"`
	NumberOfLines      int     `json:"number_of_lines" yaml:"number_of_lines"`
	NumberOfPages      int     `json:"number_of_pages" yaml:"number_of_pages"`
	PageWidth          float64 `json:"page_width" yaml:"page_width"`
	BufferBetweenPages float64 `json:"buffer_between_pages" yaml:"buffer_between_pages"`
}

// ActualWidth is the width of the repeated paper.
func (p *Program) ActualWidth() float64 {
	return p.Width * float64(p.RepeatRows)
}

// ActualHeight is the height of the repeated paper.
func (p *Program) ActualHeight() float64 {
	return p.High * float64(p.RepeatLines)
}

// ValidationError lists every problem found in a program.
type ValidationError struct {
	ProgramNumber int
	Problems      []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("program %d is invalid: %s", e.ProgramNumber, strings.Join(e.Problems, "; "))
}

func (p *Program) Validate() error {
	var problems []string

	if p.Width <= 0 {
		problems = append(problems, fmt.Sprintf("width must be positive (got %g)", p.Width))
	}
	if p.High <= 0 {
		problems = append(problems, fmt.Sprintf("high must be positive (got %g)", p.High))
	}
	if p.RepeatRows < 1 {
		problems = append(problems, fmt.Sprintf("repeat_rows must be at least 1 (got %d)", p.RepeatRows))
	}
	if p.RepeatLines < 1 {
		problems = append(problems, fmt.Sprintf("repeat_lines must be at least 1 (got %d)", p.RepeatLines))
	}
	if p.NumberOfLines < 1 {
		problems = append(problems, fmt.Sprintf("number_of_lines must be at least 1 (got %d)", p.NumberOfLines))
	}
	if p.NumberOfPages < 1 {
		problems = append(problems, fmt.Sprintf("number_of_pages must be at least 1 (got %d)", p.NumberOfPages))
	}

	nonNegative := []struct {
		name  string
		value float64
	}{
		{"top_padding", p.TopPadding},
		{"bottom_padding", p.BottomPadding},
		{"left_margin", p.LeftMargin},
		{"right_margin", p.RightMargin},
		{"page_width", p.PageWidth},
		{"buffer_between_pages", p.BufferBetweenPages},
	}
	for _, field := range nonNegative {
		if field.value < 0 {
			problems = append(problems, fmt.Sprintf("%s must not be negative (got %g)", field.name, field.value))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{ProgramNumber: p.ProgramNumber, Problems: problems}
	}
	return nil
}
