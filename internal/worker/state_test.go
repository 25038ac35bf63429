package worker

import (
	"errors"
	"testing"
)

func TestCheckTransition(t *testing.T) {
	valid := [][2]State{
		{StateParsed, StateInstalling},
		{StateInstalling, StateInstalled},
		{StateInstalled, StateActivating},
		{StateActivating, StateActive},
		{StateActive, StateRedundant},
		{StateInstalling, StateRedundant},
	}
	for _, pair := range valid {
		if err := checkTransition(pair[0], pair[1]); err != nil {
			t.Fatalf("%s -> %s should be allowed: %v", pair[0], pair[1], err)
		}
	}

	invalid := [][2]State{
		{StateParsed, StateActive},
		{StateActive, StateInstalling},
		{StateRedundant, StateActive},
		{StateRedundant, StateRedundant},
	}
	for _, pair := range invalid {
		if err := checkTransition(pair[0], pair[1]); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("%s -> %s should be rejected, got %v", pair[0], pair[1], err)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateInstalled.String() != "installed" || State(42).String() != "state(42)" {
		t.Fatalf("unexpected state names: %s %s", StateInstalled, State(42))
	}
}
