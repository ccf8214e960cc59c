package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncforge/ghbridge/internal/diffmerge"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/markup"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// DocReviewComment is the store kind for inline review comments.
const DocReviewComment = "review-comment"

// ReviewCommentStrategy reconciles inline review comments. Text edits
// travel both ways like issue comments; creation is remote-only because
// an inline comment needs a diff position only the remote UI supplies.
type ReviewCommentStrategy struct {
	p Provider
}

// NewReviewCommentStrategy creates the review comment strategy.
func NewReviewCommentStrategy(p Provider) *ReviewCommentStrategy {
	return &ReviewCommentStrategy{p: p}
}

func (s *ReviewCommentStrategy) Kind() ledger.Kind     { return ledger.KindReviewComment }
func (s *ReviewCommentStrategy) SupportsDerived() bool { return false }

func reviewCommentData(rc *remote.ReviewComment) map[string]any {
	return map[string]any{"text": markup.FromRemote(rc.Body)}
}

func (s *ReviewCommentStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	if rec.Uncreated() {
		return settledWithError(fmt.Errorf("review comment %s has no remote payload", rec.URL)), nil
	}

	var rc remote.ReviewComment
	if err := json.Unmarshal(rec.ExternalSnapshot, &rc); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return settledWithError(fmt.Errorf("repository %s is not in the active topology", rec.RepositoryRef)), nil
	}

	now := time.Now()
	next := reviewCommentData(&rc)

	if existing == nil {
		if rc.PerformedViaApp != "" && rc.PerformedViaApp == s.p.BotLogin() {
			return settled(), nil
		}
		id := DocReviewComment + "-" + uuid.NewString()
		fields := map[string]any{
			"text": next["text"],
			"path": rc.Path,
			"line": rc.Line,
		}
		if parent != nil && parent.LocalRef != "" {
			fields["attached_to"] = parent.LocalRef
		}
		actor := s.p.ActorFor(ctx, rc.User)
		err := s.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: s.p.Workspace(),
			Kind:      DocReviewComment,
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

	local := localProjection(existing, commentManagedFields)
	res := diffmerge.Merge(rec.LocalSnapshot, next, local)

	if !res.ApplyLocal.Empty() {
		actor := s.p.ActorFor(ctx, rc.User)
		if err := s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, res.ApplyLocal, actor, now); err != nil {
			return classifyFailure(err), nil
		}
	}

	if text, ok := res.PushRemote["text"]; ok && s.p.WritesAllowed() {
		body, _ := text.(string)
		if !markup.BodiesEqual(body, rc.Body) {
			if _, err := s.p.Client(repo).UpdateReviewComment(ctx, repo.Ref, rc.ID, markup.ToRemote(body)); err != nil {
				return classifyFailure(fmt.Errorf("failed to push review comment edit: %w", err)), nil
			}
		}
	}

	upd := settled()
	upd.LocalSnapshot = mergedSnapshot(local, res.ApplyLocal)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

func (s *ReviewCommentStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.ReviewComment == nil || ev.PullRequest == nil || ev.Repository == nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	rc := ev.ReviewComment

	if ev.Action == "deleted" {
		return ingestRemoval(ctx, s.p, rc.URL)
	}
	parent := ledger.NormalizeURL(ev.PullRequest.URL)
	if rc.ThreadID != "" {
		parent = threadURLByID(parent, rc.ThreadID)
	}
	return ingestSnapshot(ctx, s.p, ledger.KindReviewComment, rc.URL, parent, repo, rc, rc.UpdatedAt, false)
}

func (s *ReviewCommentStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	if rec.Uncreated() {
		return true, nil
	}
	if !s.p.WritesAllowed() {
		return false, nil
	}

	var rc remote.ReviewComment
	if err := json.Unmarshal(rec.ExternalSnapshot, &rc); err != nil {
		return true, nil
	}
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return true, nil
	}

	err := s.p.Client(repo).DeleteReviewComment(ctx, repo.Ref, rc.ID)
	switch {
	case err == nil, remote.IsNotFound(err):
		return true, nil
	case remote.IsTransient(err), remote.IsAuthExpired(err):
		return false, err
	default:
		return true, err
	}
}

// ExternalFullSync is a no-op; the pull request derived pass enumerates
// review comments.
func (s *ReviewCommentStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	return nil
}

func (s *ReviewCommentStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	client := s.p.Client(repo)
	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var prev remote.ReviewComment
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		rc, err := client.GetReviewComment(ctx, repo.Ref, prev.ID)
		if remote.IsNotFound(err) {
			if err := ingestRemoval(ctx, s.p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to refresh review comment %s: %w", rec.URL, err)
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindReviewComment, rec.URL, rec.ParentURL, repo, rc, rc.UpdatedAt, false); err != nil {
			return err
		}
	}
	return nil
}
