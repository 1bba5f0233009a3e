package compiler

import (
	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/definition"
)

type builder struct {
	phase definition.Phase
	steps []definition.Step
}

func newBuilder(phase definition.Phase) *builder {
	return &builder{phase: phase}
}

func (b *builder) add(op definition.Operation, description string) {
	b.steps = append(b.steps, definition.Step{
		Index:       len(b.steps),
		Operation:   op,
		Phase:       b.phase,
		Description: description,
	})
}

func (b *builder) moveX(position float64, description string) {
	b.add(definition.MoveX{Position: position}, description)
}

func (b *builder) moveY(position float64, description string) {
	b.add(definition.MoveY{Position: position}, description)
}

func (b *builder) tool(tool hardware.Tool, action hardware.ToolState, description string) {
	b.add(definition.ToolAction{Tool: tool, Action: action}, description)
}

func (b *builder) wait(sensor hardware.Sensor, description string) {
	b.add(definition.WaitSensor{Sensor: sensor}, description)
}

// gate emits the four-step gate protocol: the tool goes down only after the
// leading sensor confirms the carriage position and comes up only after the
// trailing sensor confirms the carriage crossed the paper.
func (b *builder) gate(lead, trail hardware.Sensor, tool hardware.Tool, what string) {
	b.wait(lead, "Wait for "+string(lead)+" sensor: "+what)
	b.tool(tool, hardware.ToolDown, "Lower "+string(tool)+": "+what)
	b.wait(trail, "Wait for "+string(trail)+" sensor: "+what)
	b.tool(tool, hardware.ToolUp, "Raise "+string(tool)+": "+what)
}

func (b *builder) lineGate(tool hardware.Tool, what string) {
	b.gate(hardware.SensorXLeft, hardware.SensorXRight, tool, what)
}

func (b *builder) rowGate(tool hardware.Tool, what string) {
	b.gate(hardware.SensorYTop, hardware.SensorYBottom, tool, what)
}
