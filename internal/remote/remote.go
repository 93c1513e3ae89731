// Package remote talks to the authoritative row store: per-collection CRUD
// with idempotency keys, full listings for reconciliation, and a push
// channel of changes made by other devices.
package remote

import (
	"context"

	"github.com/marcus/kept/internal/schema"
)

// MutationRequest is the body for POST /v1/collections/{collection}/mutations.
type MutationRequest struct {
	Op             string         `json:"op"`
	ID             string         `json:"id"`
	IdempotencyKey string         `json:"idempotency_key"`
	Seq            int64          `json:"seq"`
	BaseUpdatedAt  string         `json:"base_updated_at,omitempty"`
	Force          bool           `json:"force,omitempty"`
	Row            map[string]any `json:"row,omitempty"`
}

// MutationResponse is the body of a successful mutation. Row is nil after a
// hard delete.
type MutationResponse struct {
	Row map[string]any `json:"row"`
}

// RowsResponse is the body of GET /v1/collections/{collection}/rows.
type RowsResponse struct {
	Rows []map[string]any `json:"rows"`
}

// Change is one message on the push channel.
type Change struct {
	Collection string         `json:"collection"`
	Op         string         `json:"op"`
	ID         string         `json:"id"`
	Row        map[string]any `json:"row,omitempty"`
}

// Store is the remote row store as the sync engine sees it. Errors are
// classified with the syncerr taxonomy.
type Store interface {
	// Apply sends one mutation and returns the authoritative row.
	Apply(ctx context.Context, collection string, req MutationRequest) (schema.Row, error)
	// List returns every row of a collection updated after since (RFC 3339;
	// empty for all), including soft-deleted rows.
	List(ctx context.Context, collection, since string) ([]schema.Row, error)
	// Ping checks reachability.
	Ping(ctx context.Context) error
	// Subscribe delivers changes from other devices until ctx is done or the
	// connection drops.
	Subscribe(ctx context.Context, fn func(Change)) error
}
