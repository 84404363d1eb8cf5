package database

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"catalyst-go/internal/catalyst"
)

// sqliteTx is the catalyst.Tx handed to deployment transactions.
type sqliteTx struct {
	q querier
}

func (t *sqliteTx) DeploymentExists(ctx context.Context, entityID string) (bool, error) {
	return deploymentExists(ctx, t.q, entityID)
}

func (t *sqliteTx) LastLocalTimestamp(ctx context.Context) (int64, error) {
	var last int64
	err := t.q.QueryRowContext(ctx, `SELECT COALESCE(MAX(local_timestamp), 0) FROM deployments`).Scan(&last)
	if err != nil {
		return 0, fmt.Errorf("reading last local timestamp: %w", err)
	}
	return last, nil
}

// PointerHead reads the active pointer first. A pointer without an active
// row is either unused or cleared by a deletion, and the latest deployment
// that touched it decides which.
func (t *sqliteTx) PointerHead(ctx context.Context, pointer string) (*catalyst.PointerHead, error) {
	head, err := scanHead(t.q.QueryRowContext(ctx, `
		SELECT d.entity_id, d.entity_timestamp, d.content, d.metadata
		FROM active_pointers ap JOIN deployments d ON d.entity_id = ap.entity_id
		WHERE ap.pointer = ?`, pointer))
	if err == nil {
		return head, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("reading active pointer: %w", err)
	}

	head, err = scanHead(t.q.QueryRowContext(ctx, `
		SELECT d.entity_id, d.entity_timestamp, d.content, d.metadata
		FROM deployment_pointers dp JOIN deployments d ON d.entity_id = dp.entity_id
		WHERE dp.pointer = ?
		ORDER BY d.entity_timestamp DESC, d.entity_id DESC
		LIMIT 1`, pointer))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading pointer history: %w", err)
	}
	return head, nil
}

func scanHead(row *sql.Row) (*catalyst.PointerHead, error) {
	var (
		h        catalyst.PointerHead
		content  string
		metadata sql.NullString
	)
	if err := row.Scan(&h.EntityID, &h.EntityTimestamp, &content, &metadata); err != nil {
		return nil, err
	}
	e := catalyst.Entity{}
	if trimmed := bytes.TrimSpace([]byte(content)); len(trimmed) > 0 {
		if err := json.Unmarshal(trimmed, &e.Content); err != nil {
			return nil, fmt.Errorf("decoding content of %s: %w", h.EntityID, err)
		}
	}
	if metadata.Valid {
		e.Metadata = json.RawMessage(metadata.String)
	}
	h.Deletion = e.IsDeletion()
	return &h, nil
}

func (t *sqliteTx) InsertDeployment(ctx context.Context, d *catalyst.Deployment) error {
	pointers, err := json.Marshal(nonNil(d.Pointers))
	if err != nil {
		return fmt.Errorf("encoding pointers: %w", err)
	}
	content, err := json.Marshal(nonNil(d.Content))
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}
	chain, err := json.Marshal(nonNil(d.AuthChain))
	if err != nil {
		return fmt.Errorf("encoding auth chain: %w", err)
	}
	var metadata sql.NullString
	if len(d.Metadata) > 0 {
		metadata = sql.NullString{String: string(d.Metadata), Valid: true}
	}
	var overwrittenAt sql.NullInt64
	if d.OverwrittenBy != "" {
		overwrittenAt = sql.NullInt64{Int64: d.OverwrittenAt, Valid: true}
	}

	_, err = t.q.ExecContext(ctx, `
		INSERT INTO deployments (entity_id, entity_type, entity_pointers, entity_timestamp, entity_version,
			content, metadata, deployer_address, auth_chain, local_timestamp,
			overwritten_by, overwritten_at, deleter_deployment)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.EntityID, string(d.EntityType), string(pointers), d.EntityTimestamp, d.Version,
		string(content), metadata, d.DeployerAddress, string(chain), d.LocalTimestamp,
		nullString(d.OverwrittenBy), overwrittenAt, nullString(d.DeleterDeployment))
	if err != nil {
		return fmt.Errorf("inserting deployment row: %w", err)
	}

	for _, p := range d.Pointers {
		if _, err := t.q.ExecContext(ctx, `INSERT INTO deployment_pointers (entity_id, pointer) VALUES (?, ?)`, d.EntityID, p); err != nil {
			return fmt.Errorf("inserting pointer %s: %w", p, err)
		}
	}
	for _, c := range d.Content {
		if _, err := t.q.ExecContext(ctx, `INSERT OR IGNORE INTO content_files (entity_id, file_name, content_hash) VALUES (?, ?, ?)`,
			d.EntityID, c.File, c.Hash); err != nil {
			return fmt.Errorf("inserting content file %s: %w", c.File, err)
		}
	}
	return nil
}

func (t *sqliteTx) MarkOverwritten(ctx context.Context, entityID, by string, at int64, deletion bool) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE deployments SET overwritten_by = ?, overwritten_at = ?
		WHERE entity_id = ? AND overwritten_by IS NULL`, by, at, entityID)
	if err != nil {
		return fmt.Errorf("marking overwritten: %w", err)
	}
	if !deletion {
		return nil
	}
	_, err = t.q.ExecContext(ctx, `
		UPDATE deployments SET deleter_deployment = ?
		WHERE entity_id = ? AND deleter_deployment IS NULL`, by, entityID)
	if err != nil {
		return fmt.Errorf("marking deleter: %w", err)
	}
	return nil
}

func (t *sqliteTx) SetActivePointer(ctx context.Context, pointer, entityID string) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO active_pointers (pointer, entity_id) VALUES (?, ?)
		ON CONFLICT (pointer) DO UPDATE SET entity_id = excluded.entity_id`, pointer, entityID)
	if err != nil {
		return fmt.Errorf("setting active pointer: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteActivePointer(ctx context.Context, pointer string) error {
	if _, err := t.q.ExecContext(ctx, `DELETE FROM active_pointers WHERE pointer = ?`, pointer); err != nil {
		return fmt.Errorf("deleting active pointer: %w", err)
	}
	return nil
}

func (t *sqliteTx) DeleteFailedDeployment(ctx context.Context, entityID string, entityType catalyst.EntityType) error {
	return deleteFailed(ctx, t.q, entityID, entityType)
}

var _ catalyst.Tx = (*sqliteTx)(nil)
