package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"catalyst-go/internal/catalyst"
	"catalyst-go/internal/database/migrations"
	"catalyst-go/internal/queue"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteDatabase implements catalyst.Database on SQLite. Every call is
// admitted through the query queue: reads at low priority, writes at high.
type SQLiteDatabase struct {
	db    *sql.DB
	queue *queue.Queue
	path  string
}

// NewSQLiteDatabase opens the database at path (or ":memory:") and applies
// pending migrations. q may be nil, in which case a default queue is used.
func NewSQLiteDatabase(path string, q *queue.Queue) (*SQLiteDatabase, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.MigrateUp(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	s := NewSQLiteDatabaseFromDB(db, q)
	s.path = path
	return s, nil
}

// NewSQLiteDatabaseFromDB wraps an existing, already migrated connection.
func NewSQLiteDatabaseFromDB(db *sql.DB, q *queue.Queue) *SQLiteDatabase {
	if q == nil {
		q = queue.New(queue.Config{}, nil)
	}
	return &SQLiteDatabase{db: db, queue: q}
}

// OpenConnection opens a SQLite connection configured for a single writer:
// one pooled connection, WAL journal, a busy timeout and foreign keys.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" databases alive and serialises writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	return db, nil
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteDatabase) read(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.queue.Do(ctx, queue.Low, fn)
}

func (s *SQLiteDatabase) write(ctx context.Context, fn func(ctx context.Context) error) error {
	return s.queue.Do(ctx, queue.High, fn)
}

// inTx runs fn in a transaction, committing when fn succeeds.
func (s *SQLiteDatabase) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// Transact runs the deployment transaction.
func (s *SQLiteDatabase) Transact(ctx context.Context, fn func(ctx context.Context, tx catalyst.Tx) error) error {
	return s.write(ctx, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			return fn(ctx, &sqliteTx{q: tx})
		})
	})
}

// Deployment reads

const deploymentColumns = `d.entity_id, d.entity_type, d.entity_pointers, d.entity_timestamp,
	d.entity_version, d.content, d.metadata, d.deployer_address, d.auth_chain,
	d.local_timestamp, d.overwritten_by, d.overwritten_at, d.deleter_deployment`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDeployment(r rowScanner) (*catalyst.Deployment, error) {
	var (
		d                      catalyst.Deployment
		entityType             string
		pointers, content      string
		chain                  string
		metadata               sql.NullString
		overwrittenBy, deleter sql.NullString
		overwrittenAt          sql.NullInt64
	)
	err := r.Scan(&d.EntityID, &entityType, &pointers, &d.EntityTimestamp,
		&d.Version, &content, &metadata, &d.DeployerAddress, &chain,
		&d.LocalTimestamp, &overwrittenBy, &overwrittenAt, &deleter)
	if err != nil {
		return nil, err
	}
	d.EntityType = catalyst.EntityType(entityType)
	if err := json.Unmarshal([]byte(pointers), &d.Pointers); err != nil {
		return nil, fmt.Errorf("decoding pointers of %s: %w", d.EntityID, err)
	}
	if err := json.Unmarshal([]byte(content), &d.Content); err != nil {
		return nil, fmt.Errorf("decoding content of %s: %w", d.EntityID, err)
	}
	if err := json.Unmarshal([]byte(chain), &d.AuthChain); err != nil {
		return nil, fmt.Errorf("decoding auth chain of %s: %w", d.EntityID, err)
	}
	if metadata.Valid {
		d.Metadata = json.RawMessage(metadata.String)
	}
	d.OverwrittenBy = overwrittenBy.String
	d.OverwrittenAt = overwrittenAt.Int64
	d.DeleterDeployment = deleter.String
	return &d, nil
}

func queryDeployments(ctx context.Context, q querier, query string, args ...any) ([]*catalyst.Deployment, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*catalyst.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs[T ~string](values []T) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = string(v)
	}
	return args
}

func (s *SQLiteDatabase) DeploymentExists(ctx context.Context, entityID string) (bool, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) (bool, error) {
		return deploymentExists(ctx, s.db, entityID)
	})
}

func deploymentExists(ctx context.Context, q querier, entityID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM deployments WHERE entity_id = ?`, entityID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking deployment %s: %w", entityID, err)
	}
	return true, nil
}

func (s *SQLiteDatabase) GetDeployments(ctx context.Context, entityIDs []string) ([]*catalyst.Deployment, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.Deployment, error) {
		query := `SELECT ` + deploymentColumns + ` FROM deployments d
			WHERE d.entity_id IN (` + placeholders(len(entityIDs)) + `)
			ORDER BY d.entity_id`
		out, err := queryDeployments(ctx, s.db, query, stringArgs(entityIDs)...)
		if err != nil {
			return nil, fmt.Errorf("getting deployments: %w", err)
		}
		return out, nil
	})
}

func (s *SQLiteDatabase) GetActiveDeployments(ctx context.Context, pointers []string) ([]*catalyst.Deployment, error) {
	if len(pointers) == 0 {
		return nil, nil
	}
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.Deployment, error) {
		query := `SELECT ` + deploymentColumns + ` FROM deployments d
			WHERE d.entity_id IN (
				SELECT entity_id FROM active_pointers WHERE pointer IN (` + placeholders(len(pointers)) + `)
			)
			ORDER BY d.entity_id`
		out, err := queryDeployments(ctx, s.db, query, stringArgs(pointers)...)
		if err != nil {
			return nil, fmt.Errorf("getting active deployments: %w", err)
		}
		return out, nil
	})
}

func (s *SQLiteDatabase) ListDeployments(ctx context.Context, filter catalyst.DeploymentFilter) ([]*catalyst.Deployment, error) {
	filter = filter.Normalize()
	query, args := buildListQuery(filter)
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.Deployment, error) {
		out, err := queryDeployments(ctx, s.db, query, args...)
		if err != nil {
			return nil, fmt.Errorf("listing deployments: %w", err)
		}
		return out, nil
	})
}

// buildListQuery renders a history filter. With a LastID the boundary
// timestamp (From ascending, To descending) is shared with the last row
// already seen, so rows on it are kept only past LastID.
func buildListQuery(f catalyst.DeploymentFilter) (string, []any) {
	ts := "d.local_timestamp"
	if f.SortBy == catalyst.SortByEntityTimestamp {
		ts = "d.entity_timestamp"
	}

	var where []string
	var args []any
	if len(f.EntityTypes) > 0 {
		where = append(where, "d.entity_type IN ("+placeholders(len(f.EntityTypes))+")")
		args = append(args, stringArgs(f.EntityTypes)...)
	}
	if len(f.EntityIDs) > 0 {
		where = append(where, "d.entity_id IN ("+placeholders(len(f.EntityIDs))+")")
		args = append(args, stringArgs(f.EntityIDs)...)
	}
	if len(f.Pointers) > 0 {
		where = append(where, "d.entity_id IN (SELECT entity_id FROM deployment_pointers WHERE pointer IN ("+placeholders(len(f.Pointers))+"))")
		args = append(args, stringArgs(f.Pointers)...)
	}
	if f.Deployer != "" {
		where = append(where, "d.deployer_address = ?")
		args = append(args, strings.ToLower(f.Deployer))
	}
	if f.OnlyCurrentlyPointed {
		where = append(where, "d.entity_id IN (SELECT entity_id FROM active_pointers)")
	}

	dir := "ASC"
	if f.Order == catalyst.OrderDescending {
		dir = "DESC"
	}
	switch {
	case f.LastID != "" && dir == "ASC":
		where = append(where, fmt.Sprintf("(%[1]s > ? OR (%[1]s = ? AND d.entity_id > ?))", ts))
		args = append(args, f.From, f.From, f.LastID)
	case f.From > 0:
		where = append(where, ts+" >= ?")
		args = append(args, f.From)
	}
	switch {
	case f.LastID != "" && dir == "DESC":
		where = append(where, fmt.Sprintf("(%[1]s < ? OR (%[1]s = ? AND d.entity_id < ?))", ts))
		args = append(args, f.To, f.To, f.LastID)
	case f.To > 0:
		where = append(where, ts+" < ?")
		args = append(args, f.To)
	}

	query := `SELECT ` + deploymentColumns + ` FROM deployments d`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY %s %s, d.entity_id %s LIMIT ?", ts, dir, dir)
	args = append(args, f.Limit)
	return query, args
}

func (s *SQLiteDatabase) DeploymentsBetween(ctx context.Context, from, to int64) ([]*catalyst.Deployment, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.Deployment, error) {
		query := `SELECT ` + deploymentColumns + ` FROM deployments d
			WHERE d.local_timestamp >= ? AND d.local_timestamp < ?
			ORDER BY d.local_timestamp, d.entity_id`
		out, err := queryDeployments(ctx, s.db, query, from, to)
		if err != nil {
			return nil, fmt.Errorf("reading deployments between %d and %d: %w", from, to, err)
		}
		return out, nil
	})
}

func (s *SQLiteDatabase) LocalTimestampBounds(ctx context.Context) (minTS, maxTS int64, ok bool, err error) {
	err = s.read(ctx, func(ctx context.Context) error {
		var lo, hi sql.NullInt64
		if err := s.db.QueryRowContext(ctx, `SELECT MIN(local_timestamp), MAX(local_timestamp) FROM deployments`).Scan(&lo, &hi); err != nil {
			return fmt.Errorf("reading timestamp bounds: %w", err)
		}
		minTS, maxTS, ok = lo.Int64, hi.Int64, lo.Valid
		return nil
	})
	return minTS, maxTS, ok, err
}

func (s *SQLiteDatabase) ReferencedHashes(ctx context.Context, graceCutoff int64) (map[string]struct{}, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) (map[string]struct{}, error) {
		rows, err := s.db.QueryContext(ctx, `
			WITH kept AS (
				SELECT entity_id FROM deployments WHERE overwritten_by IS NULL OR overwritten_at >= ?
				UNION
				SELECT entity_id FROM active_pointers
			)
			SELECT entity_id FROM kept
			UNION
			SELECT cf.content_hash FROM content_files cf JOIN kept k ON k.entity_id = cf.entity_id
			UNION
			SELECT hash FROM snapshots WHERE replaced_by IS NULL OR replaced_at >= ?`,
			graceCutoff, graceCutoff)
		if err != nil {
			return nil, fmt.Errorf("reading referenced hashes: %w", err)
		}
		defer rows.Close()

		hashes := make(map[string]struct{})
		for rows.Next() {
			var h string
			if err := rows.Scan(&h); err != nil {
				return nil, err
			}
			hashes[h] = struct{}{}
		}
		return hashes, rows.Err()
	})
}

// Failed deployments

func (s *SQLiteDatabase) SaveFailedDeployment(ctx context.Context, f *catalyst.FailedDeployment) error {
	chain, err := json.Marshal(f.AuthChain)
	if err != nil {
		return fmt.Errorf("encoding auth chain: %w", err)
	}
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO failed_deployments
				(entity_id, entity_type, reason, failure_timestamp, auth_chain, error_description, snapshot_hash, peer_address)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (entity_id, entity_type) DO UPDATE SET
				reason = excluded.reason,
				failure_timestamp = excluded.failure_timestamp,
				auth_chain = excluded.auth_chain,
				error_description = excluded.error_description,
				snapshot_hash = excluded.snapshot_hash,
				peer_address = excluded.peer_address`,
			f.EntityID, string(f.EntityType), string(f.Reason), f.FailureTimestamp, string(chain),
			f.ErrorDescription, nullString(f.SnapshotHash), nullString(f.PeerAddress))
		if err != nil {
			return fmt.Errorf("saving failed deployment: %w", err)
		}
		return nil
	})
}

const failedColumns = `entity_id, entity_type, reason, failure_timestamp, auth_chain, error_description, snapshot_hash, peer_address`

func scanFailed(r rowScanner) (*catalyst.FailedDeployment, error) {
	var (
		f                         catalyst.FailedDeployment
		entityType, reason        string
		chain, snapshotHash, peer sql.NullString
	)
	if err := r.Scan(&f.EntityID, &entityType, &reason, &f.FailureTimestamp, &chain, &f.ErrorDescription, &snapshotHash, &peer); err != nil {
		return nil, err
	}
	f.EntityType = catalyst.EntityType(entityType)
	f.Reason = catalyst.FailureReason(reason)
	f.SnapshotHash = snapshotHash.String
	f.PeerAddress = peer.String
	if chain.Valid && chain.String != "" {
		if err := json.Unmarshal([]byte(chain.String), &f.AuthChain); err != nil {
			return nil, fmt.Errorf("decoding auth chain: %w", err)
		}
	}
	return &f, nil
}

func (s *SQLiteDatabase) GetFailedDeployment(ctx context.Context, entityID string, entityType catalyst.EntityType) (*catalyst.FailedDeployment, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) (*catalyst.FailedDeployment, error) {
		row := s.db.QueryRowContext(ctx, `SELECT `+failedColumns+` FROM failed_deployments WHERE entity_id = ? AND entity_type = ?`,
			entityID, string(entityType))
		f, err := scanFailed(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("getting failed deployment: %w", err)
		}
		return f, nil
	})
}

func (s *SQLiteDatabase) ListFailedDeployments(ctx context.Context) ([]*catalyst.FailedDeployment, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.FailedDeployment, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT `+failedColumns+` FROM failed_deployments ORDER BY failure_timestamp, entity_id`)
		if err != nil {
			return nil, fmt.Errorf("listing failed deployments: %w", err)
		}
		defer rows.Close()

		var out []*catalyst.FailedDeployment
		for rows.Next() {
			f, err := scanFailed(rows)
			if err != nil {
				return nil, err
			}
			out = append(out, f)
		}
		return out, rows.Err()
	})
}

func (s *SQLiteDatabase) DeleteFailedDeployment(ctx context.Context, entityID string, entityType catalyst.EntityType) error {
	return s.write(ctx, func(ctx context.Context) error {
		return deleteFailed(ctx, s.db, entityID, entityType)
	})
}

func deleteFailed(ctx context.Context, q querier, entityID string, entityType catalyst.EntityType) error {
	_, err := q.ExecContext(ctx, `DELETE FROM failed_deployments WHERE entity_id = ? AND entity_type = ?`, entityID, string(entityType))
	if err != nil {
		return fmt.Errorf("deleting failed deployment: %w", err)
	}
	return nil
}

// Snapshots

func (s *SQLiteDatabase) SaveSnapshot(ctx context.Context, snap *catalyst.Snapshot) error {
	replaced, err := json.Marshal(nonNil(snap.ReplacedHashes))
	if err != nil {
		return fmt.Errorf("encoding replaced hashes: %w", err)
	}
	return s.write(ctx, func(ctx context.Context) error {
		return s.inTx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO snapshots (hash, init_timestamp, end_timestamp, replaced_hashes, number_of_entities, generation_time)
				VALUES (?, ?, ?, ?, ?, ?)`,
				snap.Hash, snap.InitTimestamp, snap.EndTimestamp, string(replaced), snap.NumberOfEntities, snap.GenerationTime)
			if err != nil {
				return fmt.Errorf("inserting snapshot: %w", err)
			}
			if len(snap.ReplacedHashes) == 0 {
				return nil
			}
			args := append([]any{snap.Hash, snap.GenerationTime}, stringArgs(snap.ReplacedHashes)...)
			_, err = tx.ExecContext(ctx, `
				UPDATE snapshots SET replaced_by = ?, replaced_at = ?
				WHERE replaced_by IS NULL AND hash IN (`+placeholders(len(snap.ReplacedHashes))+`)`, args...)
			if err != nil {
				return fmt.Errorf("marking replaced snapshots: %w", err)
			}
			return nil
		})
	})
}

func (s *SQLiteDatabase) ListSnapshots(ctx context.Context, includeReplaced bool) ([]*catalyst.Snapshot, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.Snapshot, error) {
		query := `SELECT hash, init_timestamp, end_timestamp, replaced_hashes, number_of_entities, generation_time,
				replaced_by, replaced_at
			FROM snapshots`
		if !includeReplaced {
			query += ` WHERE replaced_by IS NULL`
		}
		query += ` ORDER BY init_timestamp, end_timestamp`

		rows, err := s.db.QueryContext(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("listing snapshots: %w", err)
		}
		defer rows.Close()

		var out []*catalyst.Snapshot
		for rows.Next() {
			var (
				snap       catalyst.Snapshot
				replaced   string
				replacedBy sql.NullString
				replacedAt sql.NullInt64
			)
			if err := rows.Scan(&snap.Hash, &snap.InitTimestamp, &snap.EndTimestamp, &replaced,
				&snap.NumberOfEntities, &snap.GenerationTime, &replacedBy, &replacedAt); err != nil {
				return nil, err
			}
			if err := json.Unmarshal([]byte(replaced), &snap.ReplacedHashes); err != nil {
				return nil, fmt.Errorf("decoding replaced hashes of %s: %w", snap.Hash, err)
			}
			if len(snap.ReplacedHashes) == 0 {
				snap.ReplacedHashes = nil
			}
			snap.ReplacedBy = replacedBy.String
			snap.ReplacedAt = replacedAt.Int64
			out = append(out, &snap)
		}
		return out, rows.Err()
	})
}

// Denylist

func (s *SQLiteDatabase) SaveDenylistEntry(ctx context.Context, entry *catalyst.DenylistEntry) error {
	chain, err := json.Marshal(nonNil(entry.AuthChain))
	if err != nil {
		return fmt.Errorf("encoding auth chain: %w", err)
	}
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO denylist (target_type, target_id, timestamp, auth_chain) VALUES (?, ?, ?, ?)
			ON CONFLICT (target_type, target_id) DO UPDATE SET
				timestamp = excluded.timestamp,
				auth_chain = excluded.auth_chain`,
			string(entry.Target.Type), strings.ToLower(entry.Target.ID), entry.Timestamp, string(chain))
		if err != nil {
			return fmt.Errorf("saving denylist entry: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) DeleteDenylistEntry(ctx context.Context, target catalyst.DenylistTarget) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM denylist WHERE target_type = ? AND target_id = ?`,
			string(target.Type), strings.ToLower(target.ID))
		if err != nil {
			return fmt.Errorf("deleting denylist entry: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) ListDenylistEntries(ctx context.Context) ([]*catalyst.DenylistEntry, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) ([]*catalyst.DenylistEntry, error) {
		rows, err := s.db.QueryContext(ctx, `SELECT target_type, target_id, timestamp, auth_chain FROM denylist ORDER BY target_type, target_id`)
		if err != nil {
			return nil, fmt.Errorf("listing denylist: %w", err)
		}
		defer rows.Close()

		var out []*catalyst.DenylistEntry
		for rows.Next() {
			var e catalyst.DenylistEntry
			var targetType, chain string
			if err := rows.Scan(&targetType, &e.Target.ID, &e.Timestamp, &chain); err != nil {
				return nil, err
			}
			e.Target.Type = catalyst.DenylistTargetType(targetType)
			if err := json.Unmarshal([]byte(chain), &e.AuthChain); err != nil {
				return nil, fmt.Errorf("decoding auth chain: %w", err)
			}
			out = append(out, &e)
		}
		return out, rows.Err()
	})
}

// Sync state

func (s *SQLiteDatabase) GetSyncCursor(ctx context.Context, peerAddress string) (*catalyst.SyncCursor, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) (*catalyst.SyncCursor, error) {
		c := catalyst.SyncCursor{PeerAddress: peerAddress}
		err := s.db.QueryRowContext(ctx, `SELECT local_timestamp, last_id, updated_at FROM sync_cursors WHERE peer_address = ?`, peerAddress).
			Scan(&c.LocalTimestamp, &c.LastID, &c.UpdatedAt)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("getting sync cursor: %w", err)
		}
		return &c, nil
	})
}

func (s *SQLiteDatabase) SaveSyncCursor(ctx context.Context, c *catalyst.SyncCursor) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO sync_cursors (peer_address, local_timestamp, last_id, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (peer_address) DO UPDATE SET
				local_timestamp = excluded.local_timestamp,
				last_id = excluded.last_id,
				updated_at = excluded.updated_at`,
			c.PeerAddress, c.LocalTimestamp, c.LastID, c.UpdatedAt)
		if err != nil {
			return fmt.Errorf("saving sync cursor: %w", err)
		}
		return nil
	})
}

func (s *SQLiteDatabase) IsSnapshotProcessed(ctx context.Context, hash string) (bool, error) {
	return queue.Run(ctx, s.queue, queue.Low, func(ctx context.Context) (bool, error) {
		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed_snapshots WHERE hash = ?`, hash).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("checking processed snapshot: %w", err)
		}
		return true, nil
	})
}

func (s *SQLiteDatabase) MarkSnapshotProcessed(ctx context.Context, hash string, at int64) error {
	return s.write(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO processed_snapshots (hash, processed_at) VALUES (?, ?)`, hash, at)
		if err != nil {
			return fmt.Errorf("marking snapshot processed: %w", err)
		}
		return nil
	})
}

// Path returns the database file path, empty for wrapped connections.
func (s *SQLiteDatabase) Path() string {
	return s.path
}

// CheckMigrations verifies the database schema is up-to-date.
func (s *SQLiteDatabase) CheckMigrations() error {
	return migrations.CheckDBMigrationStatus(s.db)
}

// BackupTo writes a consistent copy of the database to destPath using
// VACUUM INTO.
func (s *SQLiteDatabase) BackupTo(ctx context.Context, destPath string) error {
	return s.read(ctx, func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, "VACUUM INTO ?", destPath); err != nil {
			return fmt.Errorf("backing up database: %w", err)
		}
		return nil
	})
}

// Close closes the database connection. Callers drain the queue first.
func (s *SQLiteDatabase) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

var _ catalyst.Database = (*SQLiteDatabase)(nil)
