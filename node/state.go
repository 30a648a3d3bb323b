package node

import "fmt"

// State of the block production state machine, keyed by the next height.
type State int32

const (
	Idle State = iota
	Proposing
	Validating
	Appending
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Proposing:
		return "proposing"
	case Validating:
		return "validating"
	case Appending:
		return "appending"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for _, v := range []State{Idle, Proposing, Validating, Appending} {
		if v.String() == string(text) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("unknown node state %q", text)
}
