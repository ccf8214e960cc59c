// Package ledger persists per-entity synchronization state.
//
// One sync record exists for every remote entity known to the engine. The
// record carries three independent version tags; a tag differing from its
// build-time constant marks the record as due for the corresponding pass:
//
//	sync_version     != SyncVersion     → local reconciliation owed
//	external_version != ExternalVersion → remote payload must be re-fetched
//	derived_version  != DerivedVersion  → second-order children stale
//
// The ledger is the single source of truth for "what needs doing": no
// in-memory queue survives a restart, the worker re-derives all pending work
// by re-scanning stale tags.
package ledger

import (
	"encoding/json"
	"strings"
	"time"
)

// Current version tag constants. Bumping one forces the corresponding pass
// over every record on next startup.
const (
	SyncVersion     = "v1"
	ExternalVersion = "e1"
	DerivedVersion  = "d1"

	// VersionFrozen marks a tag as intentionally out of rotation: a frozen
	// external_version lets local sync proceed without a remote payload
	// (local-first records), and is skipped by external refresh queries.
	VersionFrozen = "#"
)

// Kind tags the entity type a sync record tracks.
type Kind string

const (
	KindIssue         Kind = "issue"
	KindPullRequest   Kind = "pull-request"
	KindComment       Kind = "comment"
	KindReview        Kind = "review"
	KindReviewThread  Kind = "review-thread"
	KindReviewComment Kind = "review-comment"
	KindProject       Kind = "project"
	KindRepository    Kind = "repository"
	KindUser          Kind = "user"
)

// Record is the persistent reconciliation state for one remote entity.
type Record struct {
	Workspace string
	// URL is the remote entity identity, unique per workspace,
	// always lower-cased before comparison.
	URL string
	// LocalRef is the id of the corresponding store document.
	// Empty before the local counterpart is materialized.
	LocalRef   string
	EntityKind Kind
	// ParentURL links nested entities (comment → issue) by URL, not pointer.
	ParentURL     string
	RepositoryRef string
	ProjectRef    string
	// ExternalSnapshot is the last-seen remote payload, opaque to the
	// engine. nil means "local-only, not yet pushed to remote".
	ExternalSnapshot json.RawMessage
	// LocalSnapshot is the last materialized subset of local fields used
	// for three-way diffing.
	LocalSnapshot   map[string]any
	SyncVersion     string
	ExternalVersion string
	DerivedVersion  string
	LastModified    time.Time
	// ExternalSeen is the remote updatedAt of the last ingested payload.
	// It alone feeds the incremental-listing cursor; local settle times
	// never do, so a lost webhook for an older remote edit is still
	// picked up by the next sweep.
	ExternalSeen time.Time
	Error        string
	Deleted      bool
}

// NormalizeURL lower-cases a remote entity URL for identity comparison.
func NormalizeURL(url string) string {
	return strings.ToLower(url)
}

// Uncreated reports whether the record has no remote counterpart yet.
func (r *Record) Uncreated() bool {
	return len(r.ExternalSnapshot) == 0
}

// Settled reports whether all three tags match the current constants.
func (r *Record) Settled() bool {
	return r.SyncVersion == SyncVersion &&
		(r.ExternalVersion == ExternalVersion || r.ExternalVersion == VersionFrozen) &&
		(r.DerivedVersion == DerivedVersion || r.DerivedVersion == VersionFrozen) &&
		!r.Deleted
}

// Update describes a partial mutation of a record. Nil pointer fields are
// left untouched; snapshot fields use explicit Set flags so they can be
// cleared.
type Update struct {
	// URL renames the record identity; set when a local-first record
	// learns its real remote URL after the create succeeds.
	URL           *string
	LocalRef      *string
	ParentURL     *string
	RepositoryRef *string
	ProjectRef    *string

	ExternalSnapshot    json.RawMessage
	SetExternalSnapshot bool

	LocalSnapshot    map[string]any
	SetLocalSnapshot bool

	SyncVersion     *string
	ExternalVersion *string
	DerivedVersion  *string
	LastModified    *time.Time
	ExternalSeen    *time.Time
	Error           *string
	Deleted         *bool
}

// Empty reports whether the update would change nothing.
func (u *Update) Empty() bool {
	return u.URL == nil && u.LocalRef == nil && u.ParentURL == nil && u.RepositoryRef == nil &&
		u.ProjectRef == nil && !u.SetExternalSnapshot && !u.SetLocalSnapshot &&
		u.SyncVersion == nil && u.ExternalVersion == nil && u.DerivedVersion == nil &&
		u.LastModified == nil && u.ExternalSeen == nil && u.Error == nil && u.Deleted == nil
}

// String helpers for building Update values inline.
func StrPtr(s string) *string       { return &s }
func BoolPtr(b bool) *bool          { return &b }
func TimePtr(t time.Time) *time.Time { return &t }
