package recon

import "fmt"

// State is the connection lifecycle position of the reconciliation
// channel.
type State int

const (
	StateUnknown State = iota
	StateDisconnected
	StateConnecting
	StateConnected
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateUnknown:      "Unknown",
	StateDisconnected: "Disconnected",
	StateConnecting:   "Connecting",
	StateConnected:    "Connected",
	StateClosing:      "Closing",
	StateClosed:       "Closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "InvalidState"
}

// stateSuccessors lists where each state may move next. Closing is
// reachable from every live state, so Close works at any point in the
// lifecycle; only Closing may become Closed, and Closed is terminal.
// Connected back to Connecting covers a connection lost after it was
// established.
var stateSuccessors = map[State][]State{
	StateDisconnected: {StateDisconnected, StateConnecting, StateClosing},
	StateConnecting:   {StateConnected, StateDisconnected, StateClosing},
	StateConnected:    {StateConnecting, StateDisconnected, StateClosing},
	StateClosing:      {StateClosed},
}

func (s State) validateTransitionTo(next State) error {
	for _, allowed := range stateSuccessors[s] {
		if next == allowed {
			return nil
		}
	}
	return fmt.Errorf("connection state cannot move from %s to %s", s, next)
}
