// Package domain defines core data structures used throughout the ledger engine.
package domain

import "fmt"

// Side represents the direction of a trading position.
type Side string

const (
	// SideLong is a long position (profit when price rises).
	SideLong Side = "long"
	// SideShort is a short position (profit when price falls).
	SideShort Side = "short"
)

// Valid reports whether the side is one of the known values.
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// String returns the string representation of the side.
func (s Side) String() string {
	return string(s)
}

// ParseSide converts a string into a Side.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideLong:
		return SideLong, nil
	case SideShort:
		return SideShort, nil
	}
	return "", fmt.Errorf("unknown side: %q", s)
}

// Action represents the half of a position lifecycle a trade record describes.
type Action string

const (
	// ActionOpen creates a position.
	ActionOpen Action = "open"
	// ActionClose destroys a position previously created by an open record.
	ActionClose Action = "close"
)

// Valid reports whether the action is one of the known values.
func (a Action) Valid() bool {
	return a == ActionOpen || a == ActionClose
}

// String returns the string representation of the action.
func (a Action) String() string {
	return string(a)
}

// ParseAction converts a string into an Action.
func ParseAction(s string) (Action, error) {
	switch Action(s) {
	case ActionOpen:
		return ActionOpen, nil
	case ActionClose:
		return ActionClose, nil
	}
	return "", fmt.Errorf("unknown action: %q", s)
}
