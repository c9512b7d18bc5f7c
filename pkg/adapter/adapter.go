// Package adapter defines the protocol adapter contract managed by
// the TarnFS server.
//
// An adapter owns one listening endpoint speaking one protocol. All
// adapters share the same metadata and content stores, so every
// protocol exposes the same tree.
package adapter

import (
	"context"

	"github.com/tarnfs/tarnfs/pkg/store/content"
	"github.com/tarnfs/tarnfs/pkg/store/metadata"
)

// Adapter is a protocol-specific server managed by server.TarnServer.
//
// Lifecycle: SetStores is called exactly once, before Serve. Serve
// blocks until shutdown. Stop may be called concurrently with Serve
// and must be idempotent.
type Adapter interface {
	// Serve starts the listener and blocks until ctx is cancelled or
	// an unrecoverable error occurs. On cancellation it shuts down
	// gracefully and returns nil or context.Canceled.
	Serve(ctx context.Context) error

	// Stop initiates graceful shutdown, bounded by ctx.
	Stop(ctx context.Context) error

	// SetStores injects the shared stores. Called once before Serve.
	SetStores(meta metadata.Store, blobs content.Store)

	// Protocol returns the protocol name for logging ("http", ...).
	Protocol() string

	// Addr returns the listen address, once Serve has bound it.
	// Before that it returns the configured address.
	Addr() string
}
