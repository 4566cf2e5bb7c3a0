package accel

import (
	"fmt"
	"strings"
)

// How a structure with changing content is maintained across frames.
type UpdateMode uint8

const (
	// Build the structure again from scratch.
	UpdateModeRebuild UpdateMode = iota

	// Update the structure in place keeping its topology.
	UpdateModeRefit
)

func (m UpdateMode) String() string {
	switch m {
	case UpdateModeRebuild:
		return "rebuild"
	case UpdateModeRefit:
		return "refit"
	}
	return fmt.Sprintf("UpdateMode(%d)", uint8(m))
}

// Implements encoding.TextMarshaler.
func (m UpdateMode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// Implements encoding.TextUnmarshaler.
func (m *UpdateMode) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "rebuild":
		*m = UpdateModeRebuild
	case "refit":
		*m = UpdateModeRefit
	default:
		return fmt.Errorf("accel: unknown update mode %q", string(text))
	}
	return nil
}

// The build state of a bottom-level structure.
//
//	Unbuilt --(one-time pass)--> BuiltCompacted --(first steady-state pass)--> SteadyState
//
// Static structures stay in BuiltCompacted. Dynamic structures move to
// SteadyState on their first maintenance pass and stay there.
type BlasState uint8

const (
	BlasUnbuilt BlasState = iota
	BlasBuiltCompacted
	BlasSteadyState
)

func (s BlasState) String() string {
	switch s {
	case BlasUnbuilt:
		return "unbuilt"
	case BlasBuiltCompacted:
		return "built"
	case BlasSteadyState:
		return "steady"
	}
	return "unknown"
}
