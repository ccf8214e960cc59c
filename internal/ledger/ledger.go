package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DuePageSize bounds how many records one worker pass picks up.
const DuePageSize = 50

// Ledger manages the sync_records table. It shares the database file with
// the document store but owns its own schema.
type Ledger struct {
	conn *sql.DB
}

// New creates a Ledger over the given connection.
func New(conn *sql.DB) *Ledger {
	return &Ledger{conn: conn}
}

// InitSchema creates the sync_records table and indexes if they don't exist.
func (l *Ledger) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_records (
		workspace         TEXT NOT NULL,
		url               TEXT NOT NULL,
		local_ref         TEXT NOT NULL DEFAULT '',
		entity_kind       TEXT NOT NULL,
		parent_url        TEXT NOT NULL DEFAULT '',
		repository_ref    TEXT NOT NULL DEFAULT '',
		project_ref       TEXT NOT NULL DEFAULT '',
		external_snapshot TEXT,
		local_snapshot    TEXT,
		sync_version      TEXT NOT NULL DEFAULT '',
		external_version  TEXT NOT NULL DEFAULT '',
		derived_version   TEXT NOT NULL DEFAULT '',
		last_modified     INTEGER NOT NULL DEFAULT 0,
		external_seen     INTEGER NOT NULL DEFAULT 0,
		error             TEXT NOT NULL DEFAULT '',
		deleted           INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (workspace, url)
	);

	CREATE INDEX IF NOT EXISTS idx_sync_records_due
		ON sync_records(workspace, sync_version, last_modified);
	CREATE INDEX IF NOT EXISTS idx_sync_records_external
		ON sync_records(workspace, external_version, last_modified);
	CREATE INDEX IF NOT EXISTS idx_sync_records_parent
		ON sync_records(workspace, parent_url);
	CREATE INDEX IF NOT EXISTS idx_sync_records_local_ref
		ON sync_records(workspace, local_ref);
	`
	if _, err := l.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to create sync_records schema: %w", err)
	}
	return nil
}

// Upsert inserts or replaces a record. The URL is normalized.
func (l *Ledger) Upsert(ctx context.Context, rec *Record) error {
	if rec.URL == "" {
		return fmt.Errorf("record url cannot be empty")
	}
	rec.URL = NormalizeURL(rec.URL)
	rec.ParentURL = NormalizeURL(rec.ParentURL)

	var external any
	if rec.ExternalSnapshot != nil {
		external = string(rec.ExternalSnapshot)
	}
	var local any
	if rec.LocalSnapshot != nil {
		b, err := json.Marshal(rec.LocalSnapshot)
		if err != nil {
			return fmt.Errorf("failed to marshal local snapshot: %w", err)
		}
		local = string(b)
	}

	_, err := l.conn.ExecContext(ctx, `
		INSERT INTO sync_records (
			workspace, url, local_ref, entity_kind, parent_url,
			repository_ref, project_ref, external_snapshot, local_snapshot,
			sync_version, external_version, derived_version,
			last_modified, external_seen, error, deleted
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workspace, url) DO UPDATE SET
			local_ref = excluded.local_ref,
			entity_kind = excluded.entity_kind,
			parent_url = excluded.parent_url,
			repository_ref = excluded.repository_ref,
			project_ref = excluded.project_ref,
			external_snapshot = excluded.external_snapshot,
			local_snapshot = excluded.local_snapshot,
			sync_version = excluded.sync_version,
			external_version = excluded.external_version,
			derived_version = excluded.derived_version,
			last_modified = excluded.last_modified,
			external_seen = excluded.external_seen,
			error = excluded.error,
			deleted = excluded.deleted`,
		rec.Workspace, rec.URL, rec.LocalRef, string(rec.EntityKind), rec.ParentURL,
		rec.RepositoryRef, rec.ProjectRef, external, local,
		rec.SyncVersion, rec.ExternalVersion, rec.DerivedVersion,
		timeMilli(rec.LastModified), timeMilli(rec.ExternalSeen), rec.Error, boolToInt(rec.Deleted))
	if err != nil {
		return fmt.Errorf("failed to upsert sync record %s: %w", rec.URL, err)
	}
	return nil
}

// Get returns a record by workspace and URL, or nil if absent.
func (l *Ledger) Get(ctx context.Context, workspace, url string) (*Record, error) {
	rows, err := l.query(ctx, "workspace = ? AND url = ?", []any{workspace, NormalizeURL(url)}, "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// ByLocalRef returns the record whose local document id matches, or nil.
func (l *Ledger) ByLocalRef(ctx context.Context, workspace, localRef string) (*Record, error) {
	rows, err := l.query(ctx, "workspace = ? AND local_ref = ?", []any{workspace, localRef}, "", 1)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Apply mutates a record in place per the update.
func (l *Ledger) Apply(ctx context.Context, workspace, url string, upd Update) error {
	if upd.Empty() {
		return nil
	}
	var sets []string
	var args []any
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if upd.URL != nil {
		add("url", NormalizeURL(*upd.URL))
	}
	if upd.LocalRef != nil {
		add("local_ref", *upd.LocalRef)
	}
	if upd.ParentURL != nil {
		add("parent_url", NormalizeURL(*upd.ParentURL))
	}
	if upd.RepositoryRef != nil {
		add("repository_ref", *upd.RepositoryRef)
	}
	if upd.ProjectRef != nil {
		add("project_ref", *upd.ProjectRef)
	}
	if upd.SetExternalSnapshot {
		if upd.ExternalSnapshot == nil {
			add("external_snapshot", nil)
		} else {
			add("external_snapshot", string(upd.ExternalSnapshot))
		}
	}
	if upd.SetLocalSnapshot {
		if upd.LocalSnapshot == nil {
			add("local_snapshot", nil)
		} else {
			b, err := json.Marshal(upd.LocalSnapshot)
			if err != nil {
				return fmt.Errorf("failed to marshal local snapshot: %w", err)
			}
			add("local_snapshot", string(b))
		}
	}
	if upd.SyncVersion != nil {
		add("sync_version", *upd.SyncVersion)
	}
	if upd.ExternalVersion != nil {
		add("external_version", *upd.ExternalVersion)
	}
	if upd.DerivedVersion != nil {
		add("derived_version", *upd.DerivedVersion)
	}
	if upd.LastModified != nil {
		add("last_modified", upd.LastModified.UnixMilli())
	}
	if upd.ExternalSeen != nil {
		add("external_seen", upd.ExternalSeen.UnixMilli())
	}
	if upd.Error != nil {
		add("error", *upd.Error)
	}
	if upd.Deleted != nil {
		add("deleted", boolToInt(*upd.Deleted))
	}

	args = append(args, workspace, NormalizeURL(url))
	q := "UPDATE sync_records SET " + strings.Join(sets, ", ") + " WHERE workspace = ? AND url = ?"
	if _, err := l.conn.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("failed to update sync record %s: %w", url, err)
	}
	return nil
}

// Remove physically deletes a record (after tombstone reconciliation).
func (l *Ledger) Remove(ctx context.Context, workspace, url string) error {
	_, err := l.conn.ExecContext(ctx,
		"DELETE FROM sync_records WHERE workspace = ? AND url = ?",
		workspace, NormalizeURL(url))
	if err != nil {
		return fmt.Errorf("failed to remove sync record %s: %w", url, err)
	}
	return nil
}

// DropWorkspace deletes every record of a retired workspace.
func (l *Ledger) DropWorkspace(ctx context.Context, workspace string) (int64, error) {
	res, err := l.conn.ExecContext(ctx,
		"DELETE FROM sync_records WHERE workspace = ?", workspace)
	if err != nil {
		return 0, fmt.Errorf("failed to drop workspace %s: %w", workspace, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Filter restricts due/stale pages to the active topology.
type Filter struct {
	Kinds    []Kind
	Projects []string
	// Repositories filters by repository_ref; records with no repository
	// (workspace-scoped entities like users) always match.
	Repositories []string
}

// DuePage returns up to DuePageSize records owing a local reconciliation:
// sync_version stale, external payload fresh or frozen. Tombstoned records
// are included so deletions get processed. Oldest modified first.
func (l *Ledger) DuePage(ctx context.Context, workspace string, f Filter) ([]Record, error) {
	where, args := f.build(workspace)
	where += " AND sync_version != ?"
	args = append(args, SyncVersion)
	where += " AND external_version IN (?, ?)"
	args = append(args, ExternalVersion, VersionFrozen)
	return l.query(ctx, where, args, "ORDER BY last_modified ASC", DuePageSize)
}

// StaleField selects which external staleness tag a bulk pass refreshes.
type StaleField string

const (
	StaleExternal StaleField = "external_version"
	StaleDerived  StaleField = "derived_version"
)

// StalePage returns up to DuePageSize records whose given tag is neither
// current nor frozen. Local-only records (no URL on remote yet) never appear:
// they have nothing to re-fetch.
func (l *Ledger) StalePage(ctx context.Context, workspace string, field StaleField, current string, f Filter) ([]Record, error) {
	where, args := f.build(workspace)
	where += fmt.Sprintf(" AND %s NOT IN (?, ?)", field)
	args = append(args, current, VersionFrozen)
	where += " AND external_snapshot IS NOT NULL AND deleted = 0"
	return l.query(ctx, where, args, "ORDER BY last_modified ASC", DuePageSize)
}

// Children returns the records nested under the given parent URL.
func (l *Ledger) Children(ctx context.Context, workspace, parentURL string) ([]Record, error) {
	return l.query(ctx, "workspace = ? AND parent_url = ?",
		[]any{workspace, NormalizeURL(parentURL)}, "ORDER BY last_modified ASC", 0)
}

// RearmChildren marks every child of the parent as owing a local sync.
// Called when a parent settles so children blocked on it are revisited.
func (l *Ledger) RearmChildren(ctx context.Context, workspace, parentURL string) (int64, error) {
	res, err := l.conn.ExecContext(ctx,
		"UPDATE sync_records SET sync_version = '' WHERE workspace = ? AND parent_url = ? AND sync_version = ?",
		workspace, NormalizeURL(parentURL), SyncVersion)
	if err != nil {
		return 0, fmt.Errorf("failed to re-arm children of %s: %w", parentURL, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SinceCursor returns the newest remote-observed updatedAt among
// externally-fresh records of a kind within a repository. Zero time means
// "no cursor, list everything". Only remote time feeds the cursor: local
// settle timestamps would run ahead of remote clocks and make incremental
// listings skip remote edits whose webhooks were lost.
func (l *Ledger) SinceCursor(ctx context.Context, workspace string, kind Kind, repositoryRef string) (time.Time, error) {
	var ms sql.NullInt64
	err := l.conn.QueryRowContext(ctx, `
		SELECT MAX(external_seen) FROM sync_records
		WHERE workspace = ? AND entity_kind = ? AND repository_ref = ?
		AND external_version = ?`,
		workspace, string(kind), repositoryRef, ExternalVersion).Scan(&ms)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to compute since cursor: %w", err)
	}
	if !ms.Valid || ms.Int64 == 0 {
		return time.Time{}, nil
	}
	return time.UnixMilli(ms.Int64 + 1), nil
}

// FailedPage returns records with a recorded error, for operator recheck.
func (l *Ledger) FailedPage(ctx context.Context, workspace string) ([]Record, error) {
	return l.query(ctx, "workspace = ? AND error != ''", []any{workspace}, "ORDER BY last_modified ASC", DuePageSize)
}

// ClearError wipes the error and re-arms the record for another attempt.
func (l *Ledger) ClearError(ctx context.Context, workspace, url string) error {
	return l.Apply(ctx, workspace, url, Update{
		Error:       StrPtr(""),
		SyncVersion: StrPtr(""),
	})
}

// StateCounts summarizes records by composite state, for the dashboard.
type StateCounts struct {
	Total           int `json:"total"`
	Settled         int `json:"settled"`
	PendingSync     int `json:"pending_sync"`
	PendingExternal int `json:"pending_external"`
	PendingDerived  int `json:"pending_derived"`
	Tombstoned      int `json:"tombstoned"`
	Failed          int `json:"failed"`
}

// CountStates tallies the workspace's records by state.
func (l *Ledger) CountStates(ctx context.Context, workspace string) (StateCounts, error) {
	var c StateCounts
	rows, err := l.query(ctx, "workspace = ?", []any{workspace}, "", 0)
	if err != nil {
		return c, err
	}
	for i := range rows {
		r := &rows[i]
		c.Total++
		switch {
		case r.Deleted:
			c.Tombstoned++
		case r.Settled():
			c.Settled++
		default:
			if r.SyncVersion != SyncVersion {
				c.PendingSync++
			}
			if r.ExternalVersion != ExternalVersion && r.ExternalVersion != VersionFrozen {
				c.PendingExternal++
			}
			if r.DerivedVersion != DerivedVersion && r.DerivedVersion != VersionFrozen {
				c.PendingDerived++
			}
		}
		if r.Error != "" {
			c.Failed++
		}
	}
	return c, nil
}

func (f Filter) build(workspace string) (string, []any) {
	where := "workspace = ?"
	args := []any{workspace}
	if len(f.Kinds) > 0 {
		where += " AND entity_kind IN (" + placeholders(len(f.Kinds)) + ")"
		for _, k := range f.Kinds {
			args = append(args, string(k))
		}
	}
	if len(f.Projects) > 0 {
		where += " AND project_ref IN (" + placeholders(len(f.Projects)) + ")"
		for _, p := range f.Projects {
			args = append(args, p)
		}
	}
	if len(f.Repositories) > 0 {
		where += " AND (repository_ref = '' OR repository_ref IN (" + placeholders(len(f.Repositories)) + "))"
		for _, r := range f.Repositories {
			args = append(args, r)
		}
	}
	return where, args
}

func (l *Ledger) query(ctx context.Context, where string, args []any, order string, limit int) ([]Record, error) {
	q := `SELECT workspace, url, local_ref, entity_kind, parent_url,
		repository_ref, project_ref, external_snapshot, local_snapshot,
		sync_version, external_version, derived_version, last_modified,
		external_seen, error, deleted
		FROM sync_records WHERE ` + where
	if order != "" {
		q += " " + order
	}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := l.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query sync records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var kind string
		var external, local sql.NullString
		var lastModified, externalSeen int64
		var deleted int
		err := rows.Scan(&r.Workspace, &r.URL, &r.LocalRef, &kind, &r.ParentURL,
			&r.RepositoryRef, &r.ProjectRef, &external, &local,
			&r.SyncVersion, &r.ExternalVersion, &r.DerivedVersion, &lastModified,
			&externalSeen, &r.Error, &deleted)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync record: %w", err)
		}
		r.EntityKind = Kind(kind)
		if external.Valid {
			r.ExternalSnapshot = json.RawMessage(external.String)
		}
		if local.Valid && local.String != "" {
			if err := json.Unmarshal([]byte(local.String), &r.LocalSnapshot); err != nil {
				return nil, fmt.Errorf("failed to unmarshal local snapshot for %s: %w", r.URL, err)
			}
		}
		r.LastModified = time.UnixMilli(lastModified)
		if externalSeen != 0 {
			r.ExternalSeen = time.UnixMilli(externalSeen)
		}
		r.Deleted = deleted != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// timeMilli maps the zero time to 0 rather than a negative epoch offset.
func timeMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
