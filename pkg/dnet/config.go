package dnet

import (
	"time"

	"github.com/pharmacolog/elliptics/internal/logging"
	"github.com/pharmacolog/elliptics/pkg/dnet/core"
	"github.com/pharmacolog/elliptics/pkg/dnet/identifier"
	dnetwire "github.com/pharmacolog/elliptics/pkg/dnet/wire"
)

// Configuration holds everything needed to construct a Node.
type Configuration struct {
	// ID is this node's own identifier; the node owns the portion of
	// the id space nearest to it.
	ID identifier.ID

	// ListenAddress is where the node accepts inbound peer connections.
	// A zero-value Address means "do not listen" (client-only node).
	ListenAddress core.Address

	// MaxPayload caps CommandHeader.Size on decode (default 1 GiB).
	MaxPayload uint64

	// PeerTimeout bounds every framed I/O wait on a peer socket.
	PeerTimeout time.Duration

	// ReconnectBackoff is the sleep between failed reconnect attempts
	// for non-CLIENT peers.
	ReconnectBackoff time.Duration

	// Handler processes requests the routing table resolves to this
	// node itself.
	Handler LocalHandler

	Logger logging.Logger
}

// DefaultConfiguration returns a Configuration with the stock
// defaults: 1 GiB payload cap, 5s peer timeout, 1s reconnect backoff,
// a logrus DefaultLogger, and an EchoHandler.
func DefaultConfiguration(id identifier.ID) *Configuration {
	return &Configuration{
		ID:               id,
		MaxPayload:       dnetwire.DefaultMaxPayload,
		PeerTimeout:      5 * time.Second,
		ReconnectBackoff: time.Second,
		Handler:          EchoHandler,
		Logger:           logging.NewDefaultLogger(),
	}
}
