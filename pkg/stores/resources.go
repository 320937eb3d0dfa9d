package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/openfroyo/wsm/pkg/lifecycle"
	"github.com/openfroyo/wsm/pkg/resources"
)

var _ resources.Store = (*SQLiteStore)(nil)

const resourceColumns = `workspace_id, resource_id, name, description, type, stewardship, state,
	run_id, attributes, error_report, created_by, created_at, updated_at`

// GetSnapshot implements lifecycle.Store.
func (s *SQLiteStore) GetSnapshot(ctx context.Context, key lifecycle.Key) (*lifecycle.Snapshot, error) {
	query := `
		SELECT state, run_id, error_report
		FROM resources
		WHERE workspace_id = ? AND resource_id = ?
	`
	var (
		state string
		runID sql.NullString
		snap  = lifecycle.Snapshot{Key: key}
	)
	err := s.db.QueryRowContext(ctx, query, key.WorkspaceID, key.ResourceID).Scan(&state, &runID, &snap.ErrorReport)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrResourceNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource state: %w", err)
	}
	snap.State = lifecycle.State(state)
	snap.RunID = runID.String
	return &snap, nil
}

// CompareAndSwap implements lifecycle.Store. The update only matches while
// the row still has the expected state and owner.
func (s *SQLiteStore) CompareAndSwap(ctx context.Context, swap lifecycle.Swap) (bool, error) {
	query := `
		UPDATE resources
		SET state = ?, run_id = ?, error_report = ?, updated_at = ?
		WHERE workspace_id = ? AND resource_id = ? AND state = ? AND run_id IS ?
	`
	res, err := s.db.ExecContext(ctx, query,
		string(swap.ToState),
		nullString(swap.ToRunID),
		swap.ErrorReport,
		s.now(),
		swap.Key.WorkspaceID,
		swap.Key.ResourceID,
		string(swap.FromState),
		nullString(swap.FromRunID),
	)
	if err != nil {
		return false, fmt.Errorf("failed to update resource state: %w", err)
	}
	return affected(res)
}

// Remove implements lifecycle.Store.
func (s *SQLiteStore) Remove(ctx context.Context, key lifecycle.Key, state lifecycle.State, runID string) (bool, error) {
	query := `
		DELETE FROM resources
		WHERE workspace_id = ? AND resource_id = ? AND state = ? AND run_id IS ?
	`
	res, err := s.db.ExecContext(ctx, query, key.WorkspaceID, key.ResourceID, string(state), nullString(runID))
	if err != nil {
		return false, fmt.Errorf("failed to delete resource: %w", err)
	}
	return affected(res)
}

// InsertResource implements resources.Store.
func (s *SQLiteStore) InsertResource(ctx context.Context, r *resources.Resource) error {
	attrs := r.Attributes
	if len(attrs) == 0 {
		attrs = json.RawMessage("{}")
	}
	query := `
		INSERT INTO resources (` + resourceColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		r.WorkspaceID,
		r.ResourceID,
		r.Name,
		r.Description,
		string(r.Type),
		string(r.Stewardship),
		string(r.State),
		nullString(r.RunID),
		string(attrs),
		r.ErrorReport,
		r.CreatedBy,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if isConstraint(err) {
		return fmt.Errorf("%w: %s or name %q already exists", lifecycle.ErrStateConflict, r.Key(), r.Name)
	}
	if err != nil {
		return fmt.Errorf("failed to insert resource: %w", err)
	}
	return nil
}

// GetResource implements resources.Store.
func (s *SQLiteStore) GetResource(ctx context.Context, key lifecycle.Key) (*resources.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE workspace_id = ? AND resource_id = ? AND state = ?`
	return s.getResource(ctx, key, query, key.WorkspaceID, key.ResourceID, string(lifecycle.StateReady))
}

// LookupResource implements resources.Store.
func (s *SQLiteStore) LookupResource(ctx context.Context, key lifecycle.Key) (*resources.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE workspace_id = ? AND resource_id = ?`
	return s.getResource(ctx, key, query, key.WorkspaceID, key.ResourceID)
}

// GetResourceForRun implements resources.Store.
func (s *SQLiteStore) GetResourceForRun(ctx context.Context, key lifecycle.Key, runID string) (*resources.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE workspace_id = ? AND resource_id = ? AND run_id = ?`
	return s.getResource(ctx, key, query, key.WorkspaceID, key.ResourceID, runID)
}

func (s *SQLiteStore) getResource(ctx context.Context, key lifecycle.Key, query string, args ...interface{}) (*resources.Resource, error) {
	r, err := scanResource(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", lifecycle.ErrResourceNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get resource: %w", err)
	}
	return r, nil
}

// ListResources implements resources.Store.
func (s *SQLiteStore) ListResources(ctx context.Context, workspaceID string) ([]*resources.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE workspace_id = ? AND state = ?
		ORDER BY name ASC`
	return s.listResources(ctx, query, workspaceID, string(lifecycle.StateReady))
}

// ListBrokenResources implements resources.Store.
func (s *SQLiteStore) ListBrokenResources(ctx context.Context, workspaceID string) ([]*resources.Resource, error) {
	query := `SELECT ` + resourceColumns + ` FROM resources
		WHERE state = ? AND (? = '' OR workspace_id = ?)
		ORDER BY workspace_id ASC, name ASC`
	return s.listResources(ctx, query, string(lifecycle.StateBroken), workspaceID, workspaceID)
}

func (s *SQLiteStore) listResources(ctx context.Context, query string, args ...interface{}) ([]*resources.Resource, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	list := []*resources.Resource{}
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		list = append(list, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return list, nil
}

// ReplaceAttributes implements resources.Store.
func (s *SQLiteStore) ReplaceAttributes(ctx context.Context, key lifecycle.Key, runID string, attrs json.RawMessage) error {
	query := `
		UPDATE resources
		SET attributes = ?, updated_at = ?
		WHERE workspace_id = ? AND resource_id = ? AND run_id = ?
	`
	res, err := s.db.ExecContext(ctx, query, string(attrs), s.now(), key.WorkspaceID, key.ResourceID, runID)
	if err != nil {
		return fmt.Errorf("failed to replace attributes: %w", err)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s is not owned by run %s", lifecycle.ErrStateConflict, key, runID)
	}
	return nil
}

// ResourceCount is the number of rows of one type in one state.
type ResourceCount struct {
	Type  resources.Type
	State lifecycle.State
	Count int
}

// CountResources groups every row by type and state.
func (s *SQLiteStore) CountResources(ctx context.Context) ([]ResourceCount, error) {
	query := `SELECT type, state, COUNT(*) FROM resources GROUP BY type, state ORDER BY type, state`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to count resources: %w", err)
	}
	defer rows.Close()

	counts := []ResourceCount{}
	for rows.Next() {
		var c ResourceCount
		var typ, state string
		if err := rows.Scan(&typ, &state, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan resource count: %w", err)
		}
		c.Type = resources.Type(typ)
		c.State = lifecycle.State(state)
		counts = append(counts, c)
	}
	return counts, rows.Err()
}

func scanResource(row rowScanner) (*resources.Resource, error) {
	var (
		r                       resources.Resource
		typ, stewardship, state string
		runID                   sql.NullString
		attrs                   string
	)
	if err := row.Scan(
		&r.WorkspaceID,
		&r.ResourceID,
		&r.Name,
		&r.Description,
		&typ,
		&stewardship,
		&state,
		&runID,
		&attrs,
		&r.ErrorReport,
		&r.CreatedBy,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.Type = resources.Type(typ)
	r.Stewardship = resources.Stewardship(stewardship)
	r.State = lifecycle.State(state)
	r.RunID = runID.String
	r.Attributes = json.RawMessage(attrs)
	return &r, nil
}
