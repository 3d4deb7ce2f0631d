package ocr

import (
	"errors"
	"fmt"
)

// State 识别流程状态。
type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateDone    State = "done"
	StateError   State = "error"
)

var ErrInvalidTransition = errors.New("ocr: invalid outcome transition")

// transitions 允许的状态迁移：idle → running → (done | error)，done/error 可重新进入 running。
var transitions = map[State][]State{
	StateIdle:    {StateRunning},
	StateRunning: {StateDone, StateError},
	StateDone:    {StateRunning},
	StateError:   {StateRunning},
}

// CanTransition 判断 from → to 是否合法。
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Outcome 识别结果。Message 只在 StateError 时有值。
type Outcome struct {
	State   State  `json:"state"`
	Message string `json:"message,omitempty"`
}

// Transition 返回迁移后的 Outcome；非法迁移返回 ErrInvalidTransition 且原值不变。
func (o Outcome) Transition(to State, message string) (Outcome, error) {
	from := o.State
	if from == "" {
		from = StateIdle
	}
	if !CanTransition(from, to) {
		return o, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	if to != StateError {
		message = ""
	}
	return Outcome{State: to, Message: message}, nil
}

func (o Outcome) String() string {
	if o.State == StateError {
		return fmt.Sprintf("%s: %s", o.State, o.Message)
	}
	return string(o.State)
}
