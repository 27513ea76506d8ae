package repository

import (
	"fmt"
	"strings"
)

// State is the lifecycle state of a replica.
type State int

const (
	StateNew State = iota
	ReceivingFromClient
	ReceivingFromStore
	Cached
	Precious
	Broken
	Removed
	Destroyed
)

var stateNames = [...]string{
	StateNew:            "NEW",
	ReceivingFromClient: "RECEIVING_FROM_CLIENT",
	ReceivingFromStore:  "RECEIVING_FROM_STORE",
	Cached:              "CACHED",
	Precious:            "PRECIOUS",
	Broken:              "BROKEN",
	Removed:             "REMOVED",
	Destroyed:           "DESTROYED",
}

// transitions lists the legal successors of every state.
var transitions = map[State][]State{
	StateNew:            {ReceivingFromClient, ReceivingFromStore, Removed},
	ReceivingFromClient: {Cached, Precious, Broken, Removed},
	ReceivingFromStore:  {Cached, Precious, Broken, Removed},
	Cached:              {Precious, Broken, Removed},
	Precious:            {Cached, Broken, Removed},
	Broken:              {Removed, Cached, Precious},
	Removed:             {Destroyed},
	Destroyed:           nil,
}

// States returns all states in lifecycle order.
func States() []State {
	return []State{StateNew, ReceivingFromClient, ReceivingFromStore, Cached, Precious, Broken, Removed, Destroyed}
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsReceiving reports whether data is still arriving for the replica.
func (s State) IsReceiving() bool {
	return s == ReceivingFromClient || s == ReceivingFromStore
}

// IsReadable reports whether the replica holds complete data.
func (s State) IsReadable() bool {
	return s == Cached || s == Precious
}

// CountsAgainstSpace reports whether a replica in this state occupies
// pool space: everything between leaving NEW and reaching DESTROYED.
func (s State) CountsAgainstSpace() bool {
	return s != StateNew && s != Destroyed
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// ParseState parses a state name, case-insensitively.
func ParseState(name string) (State, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown replica state %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}
