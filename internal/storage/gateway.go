package storage

import (
	"context"
	"fmt"
	"log"
)

// Gateway fronts the local staging store and the optional durable
// remote store. All reads and stage I/O happen against the local
// store; Replicate pushes finished artifacts to the remote.
type Gateway struct {
	Local  *LocalStore
	remote ObjectStore
}

// NewGateway wires the local store with an optional remote. A nil
// remote disables replication.
func NewGateway(local *LocalStore, remote ObjectStore) *Gateway {
	return &Gateway{
		Local:  local,
		remote: remote,
	}
}

// ReplicationEnabled reports whether a durable remote is configured.
func (g *Gateway) ReplicationEnabled() bool {
	return g.remote != nil
}

// Replicate copies a local object to the durable store under the same
// key. No-op when replication is disabled. Re-replicating an existing
// key overwrites it, so crash-retries converge on one durable copy.
func (g *Gateway) Replicate(ctx context.Context, key string) error {
	if g.remote == nil {
		return nil
	}
	src, err := g.Local.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read %s for replication: %w", key, err)
	}
	defer src.Close()

	if err := g.remote.Put(ctx, key, src); err != nil {
		return fmt.Errorf("failed to replicate %s: %w", key, err)
	}
	log.Printf("Replicated %s to durable store", key)
	return nil
}
