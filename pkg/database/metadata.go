package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/testrift/testrift/pkg/models"
)

// UserMetadataForRun returns the run's user metadata as key → {value, url}.
func (c *Client) UserMetadataForRun(ctx context.Context, runID string) (map[string]models.MetadataValue, error) {
	return c.metadataForRun(ctx, "user_metadata", runID)
}

// GroupMetadataForRun returns the run's group metadata as key → {value, url}.
func (c *Client) GroupMetadataForRun(ctx context.Context, runID string) (map[string]models.MetadataValue, error) {
	return c.metadataForRun(ctx, "group_metadata", runID)
}

func (c *Client) metadataForRun(ctx context.Context, table, runID string) (map[string]models.MetadataValue, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT key, value, url FROM "+table+" WHERE run_id = ?", runID)
	if err != nil {
		return nil, fmt.Errorf("%s for %s: %w", table, runID, err)
	}
	defer rows.Close()

	out := make(map[string]models.MetadataValue)
	for rows.Next() {
		var key, value string
		var url sql.NullString
		if err := rows.Scan(&key, &value, &url); err != nil {
			return nil, fmt.Errorf("scan %s row: %w", table, err)
		}
		out[key] = models.MetadataValue{Value: value, URL: url.String}
	}
	return out, rows.Err()
}

// MetadataKeys returns the distinct user metadata keys across all runs.
func (c *Client) MetadataKeys(ctx context.Context) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT DISTINCT key FROM user_metadata ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("metadata keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scan metadata key: %w", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// MetadataValues returns the distinct values recorded for one metadata key.
func (c *Client) MetadataValues(ctx context.Context, key string) ([]string, error) {
	rows, err := c.db.QueryContext(ctx,
		"SELECT DISTINCT value FROM user_metadata WHERE key = ? ORDER BY value", key)
	if err != nil {
		return nil, fmt.Errorf("metadata values for %q: %w", key, err)
	}
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan metadata value: %w", err)
		}
		values = append(values, value)
	}
	return values, rows.Err()
}

// GroupDetails describes a group as seen from its newest run.
type GroupDetails struct {
	GroupHash string                          `json:"group_hash"`
	GroupName string                          `json:"group_name"`
	Metadata  map[string]models.MetadataValue `json:"metadata"`
}

// GetGroupDetails returns the group name and metadata taken from the most
// recent run carrying the hash, or ErrNotFound.
func (c *Client) GetGroupDetails(ctx context.Context, groupHash string) (*GroupDetails, error) {
	var runID string
	var groupName sql.NullString
	err := c.db.QueryRowContext(ctx, `
		SELECT run_id, group_name FROM runs
		WHERE group_hash = ? ORDER BY start_time DESC LIMIT 1`,
		groupHash).Scan(&runID, &groupName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("group details for %s: %w", groupHash, err)
	}

	metadata, err := c.GroupMetadataForRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &GroupDetails{
		GroupHash: groupHash,
		GroupName: groupName.String,
		Metadata:  metadata,
	}, nil
}
