// Package definition holds the compiled plan: an ordered list of steps,
// each carrying exactly one operation variant.
package definition

import (
	"encoding/json"
	"fmt"

	"github.com/orharazi/Scratch-Desk-sub002/internal/hardware"
)

type OperationKind string

const (
	KindMoveX           OperationKind = "move_x"
	KindMoveY           OperationKind = "move_y"
	KindToolAction      OperationKind = "tool_action"
	KindWaitSensor      OperationKind = "wait_sensor"
	KindProgramStart    OperationKind = "program_start"
	KindProgramComplete OperationKind = "program_complete"
)

// Operation is implemented only by the variants below. Consumers switch on
// the concrete type.
type Operation interface {
	Kind() OperationKind
	isOperation()
}

type MoveX struct {
	Position float64 `json:"position"`
}

type MoveY struct {
	Position float64 `json:"position"`
}

type ToolAction struct {
	Tool   hardware.Tool      `json:"tool"`
	Action hardware.ToolState `json:"action"`
}

type WaitSensor struct {
	Sensor hardware.Sensor `json:"sensor"`
}

type ProgramStart struct {
	ProgramNumber int     `json:"program_number"`
	ProgramName   string  `json:"program_name,omitempty"`
	ActualWidth   float64 `json:"actual_width"`
	ActualHeight  float64 `json:"actual_height"`
	RepeatRows    int     `json:"repeat_rows"`
	RepeatLines   int     `json:"repeat_lines"`
}

type ProgramComplete struct {
	ProgramNumber int `json:"program_number"`
}

func (MoveX) Kind() OperationKind           { return KindMoveX }
func (MoveY) Kind() OperationKind           { return KindMoveY }
func (ToolAction) Kind() OperationKind      { return KindToolAction }
func (WaitSensor) Kind() OperationKind      { return KindWaitSensor }
func (ProgramStart) Kind() OperationKind    { return KindProgramStart }
func (ProgramComplete) Kind() OperationKind { return KindProgramComplete }

func (MoveX) isOperation()           {}
func (MoveY) isOperation()           {}
func (ToolAction) isOperation()      {}
func (WaitSensor) isOperation()      {}
func (ProgramStart) isOperation()    {}
func (ProgramComplete) isOperation() {}

// Phase tells the safety monitor which interlock state a step needs.
type Phase string

const (
	PhaseNone  Phase = "none"
	PhaseLines Phase = "lines"
	PhaseRows  Phase = "rows"
)

type Step struct {
	Index       int
	Operation   Operation
	Phase       Phase
	Description string
}

type stepJSON struct {
	Index       int             `json:"index"`
	Operation   OperationKind   `json:"operation"`
	Parameters  json.RawMessage `json:"parameters"`
	Phase       Phase           `json:"phase"`
	Description string          `json:"description"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	if s.Operation == nil {
		return nil, fmt.Errorf("step %d has no operation", s.Index)
	}
	params, err := json.Marshal(s.Operation)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stepJSON{
		Index:       s.Index,
		Operation:   s.Operation.Kind(),
		Parameters:  params,
		Phase:       s.Phase,
		Description: s.Description,
	})
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var raw stepJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	var op Operation
	var err error
	switch raw.Operation {
	case KindMoveX:
		op, err = decodeParams[MoveX](raw.Parameters)
	case KindMoveY:
		op, err = decodeParams[MoveY](raw.Parameters)
	case KindToolAction:
		op, err = decodeParams[ToolAction](raw.Parameters)
	case KindWaitSensor:
		op, err = decodeParams[WaitSensor](raw.Parameters)
	case KindProgramStart:
		op, err = decodeParams[ProgramStart](raw.Parameters)
	case KindProgramComplete:
		op, err = decodeParams[ProgramComplete](raw.Parameters)
	default:
		return fmt.Errorf("unknown operation: %q", raw.Operation)
	}
	if err != nil {
		return fmt.Errorf("invalid %s parameters: %w", raw.Operation, err)
	}

	*s = Step{
		Index:       raw.Index,
		Operation:   op,
		Phase:       raw.Phase,
		Description: raw.Description,
	}
	return nil
}

func decodeParams[T Operation](data json.RawMessage) (Operation, error) {
	var v T
	if len(data) > 0 {
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
	}
	return v, nil
}

func (s Step) String() string {
	kind := OperationKind("<nil>")
	if s.Operation != nil {
		kind = s.Operation.Kind()
	}
	return fmt.Sprintf("#%d %s [%s] %s", s.Index, kind, s.Phase, s.Description)
}
