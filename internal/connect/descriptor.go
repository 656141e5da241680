// Package connect exposes a gateway to remote trainers over one of three
// strategies (direct address, reverse tunnel, persistent channel) and drives
// a per-exposure connection state machine with reconnection.
package connect

import (
	"github.com/google/uuid"
)

// HostingMode says where the simulator process runs.
type HostingMode string

const (
	HostingLocal       HostingMode = "local"
	HostingRemoteFixed HostingMode = "remote-fixed"
	HostingCloud       HostingMode = "cloud-managed"
)

// Mode is the exposure strategy.
type Mode string

const (
	// ModeDirect serves on a locally bound address reachable by the trainer.
	ModeDirect Mode = "direct"
	// ModeTunnel asks an external provider for a public forwarding address.
	ModeTunnel Mode = "tunnel"
	// ModeChannel keeps a persistent outbound connection to a rendezvous
	// point; no inbound connectivity is required.
	ModeChannel Mode = "channel"
)

// State is one point in the exposure lifecycle.
type State int

const (
	StateUnbound State = iota
	StateBound
	StateExposing
	StateExposed
	StatePaired
	StateDegraded
	StateClosing
	StateClosed
)

var stateNames = map[State]string{
	StateUnbound:  "UNBOUND",
	StateBound:    "BOUND",
	StateExposing: "EXPOSING",
	StateExposed:  "EXPOSED",
	StatePaired:   "PAIRED",
	StateDegraded: "DEGRADED",
	StateClosing:  "CLOSING",
	StateClosed:   "CLOSED",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// Descriptor is the registry-visible record of one exposure. Endpoint is
// empty until the exposure strategy succeeds; for channel mode it records
// the rendezvous address, since no inbound address exists.
type Descriptor struct {
	ID        uuid.UUID   `json:"id"`
	Simulator string      `json:"simulator"`
	Hosting   HostingMode `json:"hosting"`
	Mode      Mode        `json:"mode"`
	Port      int         `json:"port"`
	Endpoint  string      `json:"endpoint,omitempty"`
	State     State       `json:"state"`
	Agents    int         `json:"agents"`
}
