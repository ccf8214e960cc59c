// Package sync implements the per-entity reconciliation strategies.
//
// One strategy exists per entity kind (issue, pull request, comment,
// review, review thread, review comment, project/milestone, repository,
// user). All strategies implement the same contract and are selected
// through a kind→strategy registry; the worker loop never knows which
// concrete strategy it is driving.
//
// Every strategy operation is idempotent: running it twice with the same
// inputs and no intervening state change produces no additional side
// effects. That property is what makes at-least-once webhook delivery and
// restart-without-compensation safe.
package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// EngineActor is the actor identity used for store mutations the engine
// performs on its own behalf (materializing remote data).
const EngineActor = "ghbridge"

// Repo describes one active repository in the workspace topology.
type Repo struct {
	// Ref is the repository identity used in ledger records ("owner/name").
	Ref string
	// ProjectRef is the store project the repository feeds into.
	ProjectRef string
	// InstallationID keys the shared rate limiter and client.
	InstallationID int
	Enabled        bool
}

// Provider gives strategies access to the shared engine services of their
// workspace. The worker implements it; tests substitute fakes.
type Provider interface {
	Workspace() string
	Store() store.Store
	Ledger() *ledger.Ledger

	// Client returns the remote client for a repository's installation.
	Client(repo Repo) remote.Client

	// RepoFor resolves a repository ref against the active topology.
	RepoFor(ref string) (Repo, bool)

	// RequestSync wakes the worker loop because some record became dirty.
	RequestSync()

	// WritesAllowed reports whether remote mutations are permitted
	// (false in readonly mode).
	WritesAllowed() bool

	// BotLogin is the remote login of the engine's own app identity,
	// used to avoid re-importing comments the engine itself posted.
	BotLogin() string

	// ActorFor resolves a remote user to a store actor id, materializing
	// a person document on first sight.
	ActorFor(ctx context.Context, user *remote.User) string

	// IsClosing reports whether the workspace is shutting down; bulk
	// passes poll it between pages.
	IsClosing() bool

	// Logger is the workspace's logger; strategies never log globally.
	Logger() *log.Logger
}

// Strategy is the common contract every entity kind implements.
type Strategy interface {
	// Kind returns the entity kind this strategy owns.
	Kind() ledger.Kind

	// Sync performs the single-record reconciliation step and returns the
	// ledger update to apply. existing is the current local document (nil
	// before materialization); parent is the resolved parent record for
	// nested entities.
	Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error)

	// HandleEvent is the fast-path reaction to a webhook-shaped event.
	HandleEvent(ctx context.Context, ev *remote.Event) error

	// HandleDelete attempts to delete the remote counterpart. It returns
	// true when the tombstone may be removed (deleted, or already gone),
	// false on transient failure so the caller retries later.
	HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error)

	// ExternalFullSync is the paginated bulk listing pass over the remote
	// collections of the given repositories, catching events missed while
	// offline.
	ExternalFullSync(ctx context.Context, repos []Repo) error

	// ExternalSync re-fetches specific stale records in bulk. field says
	// which staleness tag armed them.
	ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error

	// SupportsDerived reports whether the kind enumerates second-order
	// derived documents (pull requests do: reviews, threads, comments).
	SupportsDerived() bool
}

// Registry routes a sync record to the strategy for its entity kind.
type Registry struct {
	strategies map[ledger.Kind]Strategy
}

// NewRegistry builds a registry over the given strategies.
func NewRegistry(strategies ...Strategy) *Registry {
	m := make(map[ledger.Kind]Strategy, len(strategies))
	for _, s := range strategies {
		m[s.Kind()] = s
	}
	return &Registry{strategies: m}
}

// For returns the strategy for a kind, or nil if none is registered.
func (r *Registry) For(kind ledger.Kind) Strategy {
	return r.strategies[kind]
}

// Kinds returns the registered kinds in no particular order.
func (r *Registry) Kinds() []ledger.Kind {
	kinds := make([]ledger.Kind, 0, len(r.strategies))
	for k := range r.strategies {
		kinds = append(kinds, k)
	}
	return kinds
}

// DerivedKinds returns the kinds whose strategies enumerate derived
// documents; derivedVersion passes only touch these.
func (r *Registry) DerivedKinds() []ledger.Kind {
	var kinds []ledger.Kind
	for k, s := range r.strategies {
		if s.SupportsDerived() {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

// settled returns a ledger update marking the local side done.
func settled() ledger.Update {
	return ledger.Update{SyncVersion: ledger.StrPtr(ledger.SyncVersion)}
}

// settledWithError marks the record done but records why; used for
// permanent failures so the record stops hot-looping.
func settledWithError(err error) ledger.Update {
	return ledger.Update{
		SyncVersion: ledger.StrPtr(ledger.SyncVersion),
		Error:       ledger.StrPtr(err.Error()),
	}
}

// settleUndecodable parks a record whose stored snapshot no longer
// decodes: the stale tag is advanced and the error recorded, so the
// failure surfaces on the record instead of silently re-queueing it on
// every refresh pass.
func settleUndecodable(ctx context.Context, p Provider, field ledger.StaleField, url string, err error) error {
	upd := ledger.Update{Error: ledger.StrPtr(fmt.Sprintf("undecodable snapshot: %v", err))}
	switch field {
	case ledger.StaleDerived:
		upd.DerivedVersion = ledger.StrPtr(ledger.DerivedVersion)
	default:
		upd.ExternalVersion = ledger.StrPtr(ledger.ExternalVersion)
	}
	return p.Ledger().Apply(ctx, p.Workspace(), url, upd)
}

// retryLater records the failure but leaves the tag stale, so the next
// pass retries automatically.
func retryLater(err error) ledger.Update {
	return ledger.Update{Error: ledger.StrPtr(err.Error())}
}

// classifyFailure turns a remote error into the right ledger update per
// the error taxonomy.
func classifyFailure(err error) ledger.Update {
	switch {
	case remote.IsTransient(err):
		return retryLater(err)
	case remote.IsAuthExpired(err):
		return retryLater(err)
	default:
		return settledWithError(err)
	}
}

// timeZero is the zero cursor used when a listing supports no since
// parameter.
var timeZero time.Time

func timeOrNow(t *time.Time) time.Time {
	if t != nil {
		return *t
	}
	return time.Now()
}
