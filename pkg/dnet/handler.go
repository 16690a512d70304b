package dnet

import (
	"github.com/pharmacolog/elliptics/pkg/dnet/core"
	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

// LocalHandler processes a request that has routed to this node.
// Re-exported from core so Node-level callers don't need to reach into
// pkg/dnet/core.
type LocalHandler = core.LocalHandler

// EchoHandler replies with the request payload unchanged and status
// OK. Useful as a demo/test collaborator standing in for a real
// storage backend.
func EchoHandler(cmd dnetwire.CommandHeader, payload []byte) ([]byte, int32) {
	reply := make([]byte, len(payload))
	copy(reply, payload)
	return reply, int32(core.StatusOK)
}
