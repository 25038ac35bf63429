package worker

import (
	"errors"
	"fmt"
)

// State 是 Worker 生命周期中的阶段。
type State int

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActive
	StateRedundant
)

// ErrInvalidTransition 表示生命周期阶段无法按请求推进。
var ErrInvalidTransition = errors.New("invalid worker state transition")

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActive:
		return "active"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// 任何阶段都可以进入 redundant，其余只能单向前进。
var transitions = map[State]State{
	StateParsed:     StateInstalling,
	StateInstalling: StateInstalled,
	StateInstalled:  StateActivating,
	StateActivating: StateActive,
}

func checkTransition(from, to State) error {
	if to == StateRedundant && from != StateRedundant {
		return nil
	}
	if next, ok := transitions[from]; ok && next == to {
		return nil
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
