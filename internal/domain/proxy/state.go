// Package proxy defines the negotiation states a client connection moves
// through before traffic is relayed to its VM.
package proxy

// State is a connection's position in the negotiation.
type State int32

const (
	// StateUnauthenticated waits for an AUTH request.
	StateUnauthenticated State = iota + 1
	// StateVMWait has sent VIDEO_PARAMS to the VM and waits for VMREADY.
	StateVMWait
	// StateVMReadySent has told the client the VM is ready and waits for
	// the client's VIDEO_PARAMS.
	StateVMReadySent
	// StateProxyReady relays bytes verbatim in both directions. Terminal.
	StateProxyReady
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateVMWait:
		return "VM_WAIT"
	case StateVMReadySent:
		return "VM_READY_SENT"
	case StateProxyReady:
		return "PROXY_READY"
	}
	return "UNKNOWN"
}
