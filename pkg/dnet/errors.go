package dnet

import "github.com/pharmacolog/elliptics/pkg/dnet/core"

// Status is the node-visible error taxonomy. It is the same type
// core.Status uses internally; re-exported here so callers of the
// Node-level API never need to import pkg/dnet/core directly.
type Status = core.Status

const (
	StatusOK            = core.StatusOK
	StatusMalformed     = core.StatusMalformed
	StatusDisconnect    = core.StatusDisconnect
	StatusTimeout       = core.StatusTimeout
	StatusShutdown      = core.StatusShutdown
	StatusDuplicate     = core.StatusDuplicate
	StatusNotFound      = core.StatusNotFound
	StatusAborted       = core.StatusAborted
	StatusForwardFailed = core.StatusForwardFailed
	StatusResource      = core.StatusResource
)
