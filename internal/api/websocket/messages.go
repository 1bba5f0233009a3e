package websocket

import (
	"time"

	"github.com/orharazi/Scratch-Desk-sub002/internal/machine"
	"github.com/orharazi/Scratch-Desk-sub002/internal/workflow/streaming"
)

type MessageType string

const (
	MessageTypeExecutionEvent MessageType = "execution_event"
	MessageTypeMachineState   MessageType = "machine_state"
	MessageTypeStatus         MessageType = "status"

	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"
)

type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ClientMessage is what a client may send: an auth message carrying a
// token, or a status request.
type ClientMessage struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token,omitempty"`
}

type MachineStateData struct {
	State    machine.State `json:"state"`
	Previous machine.State `json:"previous_state"`
	Reason   string        `json:"reason,omitempty"`
}

func NewMessage(msgType MessageType, data interface{}) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

func NewEventMessage(e streaming.Event) Message {
	return Message{Type: MessageTypeExecutionEvent, Timestamp: e.Timestamp, Data: e}
}

func NewMachineStateMessage(change machine.StateChange) Message {
	return Message{
		Type:      MessageTypeMachineState,
		Timestamp: change.At,
		Data: MachineStateData{
			State:    change.To,
			Previous: change.From,
			Reason:   change.Reason,
		},
	}
}
