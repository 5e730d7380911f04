package rig

import "time"

// MachineStateKind tags the RigMachineState sum type.
type MachineStateKind string

const (
	StateDisconnected MachineStateKind = "disconnected"
	StateConnecting   MachineStateKind = "connecting"
	StateInitializing MachineStateKind = "initializing"
	StatePoweredOff   MachineStateKind = "powered_off"
	StateReady        MachineStateKind = "ready"
	StateTransmitting MachineStateKind = "transmitting"
	StateError        MachineStateKind = "error"
)

// MachineState is the tagged variant described in spec.md §3. Each variant
// carries only the fields meaningful for it; there is no shared mutable state
// between variants.
type MachineState struct {
	Kind MachineStateKind

	// Connecting
	StartedAt time.Time

	// Initializing / PoweredOff / Ready / Transmitting
	Info *RigInfo

	// Ready / Transmitting
	Status *RigStatus

	// Error
	Err      *RigError
	Previous *MachineState
}

// Disconnected is the initial state on construction.
func Disconnected() MachineState { return MachineState{Kind: StateDisconnected} }

func Connecting(at time.Time) MachineState {
	return MachineState{Kind: StateConnecting, StartedAt: at}
}

func Initializing(info *RigInfo) MachineState {
	return MachineState{Kind: StateInitializing, Info: info}
}

func PoweredOff(info RigInfo) MachineState {
	return MachineState{Kind: StatePoweredOff, Info: &info}
}

func Ready(info RigInfo, status RigStatus) MachineState {
	return MachineState{Kind: StateReady, Info: &info, Status: &status}
}

func Transmitting(info RigInfo, status RigStatus) MachineState {
	return MachineState{Kind: StateTransmitting, Info: &info, Status: &status}
}

func ErrorState(err *RigError, previous MachineState) MachineState {
	return MachineState{Kind: StateError, Err: err, Previous: &previous}
}

// Initialized reports whether the snapshot's `initialized` flag should be true:
// false between Connecting and the first successful GetStatus, true thereafter
// while not Disconnected or Error.
func (s MachineState) Initialized() bool {
	switch s.Kind {
	case StateDisconnected, StateConnecting, StateInitializing, StateError:
		return false
	default:
		return true
	}
}

// CanTransmit reports whether the state machine considers TX active; used to
// enforce the invariant tx.transmitting == (state == Transmitting).
func (s MachineState) CanTransmit() bool { return s.Kind == StateTransmitting }
