package resources

import (
	"context"
	"encoding/json"

	"github.com/openfroyo/wsm/pkg/lifecycle"
)

// Store persists resource rows. Rows in an active state are invisible to
// GetResource and ListResources; only the owning run sees them through
// GetResourceForRun.
type Store interface {
	lifecycle.Store

	// InsertResource writes a new row. A row with the same key or name in
	// the workspace yields lifecycle.ErrStateConflict.
	InsertResource(ctx context.Context, r *Resource) error

	// GetResource returns a READY row, or lifecycle.ErrResourceNotFound.
	GetResource(ctx context.Context, key lifecycle.Key) (*Resource, error)

	// LookupResource returns the row in any state.
	LookupResource(ctx context.Context, key lifecycle.Key) (*Resource, error)

	// GetResourceForRun returns the row in any state if runID owns it.
	GetResourceForRun(ctx context.Context, key lifecycle.Key, runID string) (*Resource, error)

	// ListResources returns the READY rows of a workspace ordered by name.
	ListResources(ctx context.Context, workspaceID string) ([]*Resource, error)

	// ListBrokenResources returns BROKEN rows; an empty workspaceID lists
	// every workspace.
	ListBrokenResources(ctx context.Context, workspaceID string) ([]*Resource, error)

	// ReplaceAttributes overwrites the attributes of a row owned by runID.
	ReplaceAttributes(ctx context.Context, key lifecycle.Key, runID string, attrs json.RawMessage) error
}
