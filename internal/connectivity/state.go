package connectivity

import "fmt"

// State is the reachability class of a peer.
type State int

const (
	// StatePublic means the peer is reachable at its claimed address.
	StatePublic State = iota + 1
	// StateSTUN means the peer cannot be reached directly but can reach
	// the relay port.
	StateSTUN
	// StateProxy means no evidence was observed; traffic must be proxied.
	StateProxy
)

func (s State) String() string {
	switch s {
	case StatePublic:
		return "PUBLIC"
	case StateSTUN:
		return "STUN"
	case StateProxy:
		return "PROXY"
	default:
		return "UNKNOWN"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	if s < StatePublic || s > StateProxy {
		return nil, fmt.Errorf("invalid connectivity state %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "PUBLIC":
		*s = StatePublic
	case "STUN":
		*s = StateSTUN
	case "PROXY":
		*s = StateProxy
	default:
		return fmt.Errorf("invalid connectivity state %q", b)
	}
	return nil
}

// Result is the outcome of one probe. Addr is the "ip:port" the peer was
// reached at (PUBLIC) or seen from (STUN), and empty for PROXY.
type Result struct {
	Addr  string `json:"addr,omitempty"`
	State State  `json:"state"`
}

func (r Result) String() string {
	if r.Addr == "" {
		return r.State.String()
	}
	return r.State.String() + "@" + r.Addr
}

// Phase is a probe's position in its state machine.
type Phase int

const (
	PhaseStarted Phase = iota
	PhaseAwaitingDirect
	PhaseAwaitingRelayed
	PhaseDecided
)

func (p Phase) String() string {
	switch p {
	case PhaseStarted:
		return "STARTED"
	case PhaseAwaitingDirect:
		return "AWAITING_DIRECT"
	case PhaseAwaitingRelayed:
		return "AWAITING_RELAYED"
	case PhaseDecided:
		return "DECIDED"
	default:
		return "UNKNOWN"
	}
}
