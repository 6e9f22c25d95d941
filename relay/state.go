package relay

import "fmt"

// State is a step of one relay
type State int

const (
	Received State = iota
	Converted
	Sent
	AwaitingResponse
	Succeeded
	SendFailed
	ResponseFailed
)

var stateNames = map[State]string{
	Received:         "received",
	Converted:        "converted",
	Sent:             "sent",
	AwaitingResponse: "awaiting_response",
	Succeeded:        "succeeded",
	SendFailed:       "send_failed",
	ResponseFailed:   "response_failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether the relay ends in s
func (s State) Terminal() bool {
	switch s {
	case Succeeded, SendFailed, ResponseFailed:
		return true
	default:
		return false
	}
}

// TerminalStates lists the states a relay can end in
func TerminalStates() []State {
	return []State{Succeeded, SendFailed, ResponseFailed}
}
