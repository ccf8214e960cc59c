package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncforge/ghbridge/internal/diffmerge"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// DocReviewThread is the store kind for review conversation threads.
const DocReviewThread = "review-thread"

// threadManagedFields: resolution is the one field that travels both
// ways. Resolving locally resolves the remote thread; unresolve has no
// remote API, so a local unresolve is overwritten on the next refresh.
var threadManagedFields = []string{"resolved"}

// ReviewThreadStrategy reconciles review threads.
type ReviewThreadStrategy struct {
	p Provider
}

// NewReviewThreadStrategy creates the review thread strategy.
func NewReviewThreadStrategy(p Provider) *ReviewThreadStrategy {
	return &ReviewThreadStrategy{p: p}
}

func (s *ReviewThreadStrategy) Kind() ledger.Kind     { return ledger.KindReviewThread }
func (s *ReviewThreadStrategy) SupportsDerived() bool { return false }

func threadData(th *remote.ReviewThread) map[string]any {
	return map[string]any{"resolved": th.IsResolved}
}

func (s *ReviewThreadStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	if rec.Uncreated() {
		return settledWithError(fmt.Errorf("review thread %s has no remote payload", rec.URL)), nil
	}

	var th remote.ReviewThread
	if err := json.Unmarshal(rec.ExternalSnapshot, &th); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return settledWithError(fmt.Errorf("repository %s is not in the active topology", rec.RepositoryRef)), nil
	}

	now := time.Now()
	next := threadData(&th)

	if existing == nil {
		id := DocReviewThread + "-" + uuid.NewString()
		fields := map[string]any{
			"resolved": th.IsResolved,
			"outdated": th.IsOutdated,
			"path":     th.Path,
			"line":     th.Line,
		}
		if parent != nil && parent.LocalRef != "" {
			fields["attached_to"] = parent.LocalRef
		}
		actor := s.p.ActorFor(ctx, th.ResolvedBy)
		err := s.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: s.p.Workspace(),
			Kind:      DocReviewThread,
			Fields:    fields,
		}, actor, now)
		if err != nil {
			return classifyFailure(err), nil
		}
		upd := settled()
		upd.LocalRef = ledger.StrPtr(id)
		upd.LocalSnapshot = next
		upd.SetLocalSnapshot = true
		upd.LastModified = ledger.TimePtr(now)
		return upd, nil
	}

	local := localProjection(existing, threadManagedFields)
	res := diffmerge.Merge(rec.LocalSnapshot, next, local)

	if !res.ApplyLocal.Empty() {
		actor := s.p.ActorFor(ctx, th.ResolvedBy)
		if err := s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, res.ApplyLocal, actor, now); err != nil {
			return classifyFailure(err), nil
		}
	}

	if v, ok := res.PushRemote["resolved"]; ok && s.p.WritesAllowed() {
		if resolved, _ := v.(bool); resolved && th.NodeID != "" {
			if err := s.p.Client(repo).ResolveReviewThread(ctx, th.NodeID); err != nil {
				return classifyFailure(fmt.Errorf("failed to resolve thread: %w", err)), nil
			}
		}
	}

	upd := settled()
	upd.LocalSnapshot = mergedSnapshot(local, res.ApplyLocal)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

func (s *ReviewThreadStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Thread == nil || ev.PullRequest == nil || ev.Repository == nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	url := threadURL(ledger.NormalizeURL(ev.PullRequest.URL), ev.Thread)
	return ingestSnapshot(ctx, s.p, ledger.KindReviewThread, url, ev.PullRequest.URL, repo, ev.Thread, ev.Thread.UpdatedAt, false)
}

// HandleDelete accepts the tombstone; threads cannot be deleted remotely.
func (s *ReviewThreadStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	return true, nil
}

// ExternalFullSync is a no-op; the pull request derived pass enumerates
// threads.
func (s *ReviewThreadStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	return nil
}

func (s *ReviewThreadStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	return refreshViaParentListing(ctx, s.p, field, recs, repo, func(ctx context.Context, client remote.Client, number int, rec *ledger.Record) (any, *time.Time, error) {
		var prev remote.ReviewThread
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			return nil, nil, settleUndecodable(ctx, s.p, field, rec.URL, err)
		}
		threads, err := client.ListReviewThreads(ctx, repo.Ref, number)
		if err != nil {
			return nil, nil, err
		}
		for i := range threads {
			if threads[i].NodeID == prev.NodeID {
				return &threads[i], threads[i].UpdatedAt, nil
			}
		}
		return nil, nil, remote.ErrNotFound
	})
}
