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

// DocComment is the store kind for issue and pull request comments.
const DocComment = "comment"

// commentManagedFields is the diffed field set for comments. Only the
// text travels both ways; authorship and timestamps are remote-owned.
var commentManagedFields = []string{"text"}

// CommentStrategy reconciles issue comments. Comments are the one nested
// kind that is commonly created locally first, so the create path has to
// wait for the parent's remote counterpart to exist.
type CommentStrategy struct {
	p Provider
}

// NewCommentStrategy creates the comment strategy.
func NewCommentStrategy(p Provider) *CommentStrategy {
	return &CommentStrategy{p: p}
}

func (s *CommentStrategy) Kind() ledger.Kind     { return ledger.KindComment }
func (s *CommentStrategy) SupportsDerived() bool { return false }

func commentData(c *remote.Comment) map[string]any {
	return map[string]any{"text": markup.FromRemote(c.Body)}
}

func (s *CommentStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return settledWithError(fmt.Errorf("repository %s is not in the active topology", rec.RepositoryRef)), nil
	}

	if rec.Uncreated() {
		if existing == nil {
			return settled(), nil
		}
		upd, err := s.createRemote(ctx, existing, rec, parent, repo)
		if err != nil {
			return classifyFailure(err), nil
		}
		return upd, nil
	}

	var c remote.Comment
	if err := json.Unmarshal(rec.ExternalSnapshot, &c); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	now := time.Now()
	next := commentData(&c)

	if existing == nil {
		// Dedup: a comment the engine posted comes back through the bulk
		// listing with no document because the local-first record already
		// merged under the real URL. Authored-by-app payloads with no
		// document are the engine's own echoes.
		if c.PerformedViaApp != "" && c.PerformedViaApp == s.p.BotLogin() {
			return settled(), nil
		}

		id := DocComment + "-" + uuid.NewString()
		fields := map[string]any{"text": next["text"]}
		if parent != nil && parent.LocalRef != "" {
			fields["attached_to"] = parent.LocalRef
			fields["attached_kind"] = string(parent.EntityKind)
		}
		actor := s.p.ActorFor(ctx, c.User)
		err := s.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: s.p.Workspace(),
			Kind:      DocComment,
			Fields:    fields,
		}, actor, now)
		if err != nil {
			return classifyFailure(fmt.Errorf("failed to materialize comment: %w", err)), nil
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
		actor := s.p.ActorFor(ctx, c.User)
		if err := s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, res.ApplyLocal, actor, now); err != nil {
			return classifyFailure(err), nil
		}
	}

	if text, ok := res.PushRemote["text"]; ok && s.p.WritesAllowed() {
		body, _ := text.(string)
		if !markup.BodiesEqual(body, c.Body) {
			if _, err := s.p.Client(repo).UpdateComment(ctx, repo.Ref, c.ID, markup.ToRemote(body)); err != nil {
				return classifyFailure(fmt.Errorf("failed to push comment edit: %w", err)), nil
			}
		}
	}

	upd := settled()
	upd.LocalSnapshot = mergedSnapshot(local, res.ApplyLocal)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

// createRemote posts a locally authored comment. It requires the parent's
// remote counterpart; until that exists the record stays due and is
// retried on the next pass.
func (s *CommentStrategy) createRemote(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record, repo Repo) (ledger.Update, error) {
	if parent == nil || parent.Uncreated() {
		return retryLater(fmt.Errorf("parent %s has no remote counterpart yet", rec.ParentURL)), nil
	}
	if !s.p.WritesAllowed() {
		return ledger.Update{}, nil
	}

	var parentEntity struct {
		Number int `json:"number"`
	}
	if err := json.Unmarshal(parent.ExternalSnapshot, &parentEntity); err != nil || parentEntity.Number == 0 {
		return settledWithError(fmt.Errorf("parent %s snapshot has no number", rec.ParentURL)), nil
	}

	body := markup.ToRemote(existing.StringField("text"))
	c, err := s.p.Client(repo).CreateComment(ctx, repo.Ref, parentEntity.Number, body)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to create remote comment: %w", err)
	}

	snapshot, err := json.Marshal(c)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	now := time.Now()
	upd := settled()
	upd.URL = ledger.StrPtr(ledger.NormalizeURL(c.URL))
	upd.ExternalSnapshot = snapshot
	upd.SetExternalSnapshot = true
	upd.ExternalVersion = ledger.StrPtr(ledger.ExternalVersion)
	upd.LocalSnapshot = commentData(c)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	upd.ExternalSeen = ledger.TimePtr(timeOrNow(c.UpdatedAt))
	return upd, nil
}

func (s *CommentStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Comment == nil || ev.Repository == nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	c := ev.Comment

	// Skip echoes of the engine's own writes: the create path records them
	// under the real URL already, and re-ingesting would only churn tags.
	if s.isOwnEcho(ctx, c) {
		return nil
	}

	if ev.Action == "deleted" {
		return ingestRemoval(ctx, s.p, c.URL)
	}
	return ingestSnapshot(ctx, s.p, ledger.KindComment, c.URL, c.IssueURL, repo, c, c.UpdatedAt, false)
}

func (s *CommentStrategy) isOwnEcho(ctx context.Context, c *remote.Comment) bool {
	bot := s.p.BotLogin()
	if bot == "" {
		return false
	}
	if c.PerformedViaApp != bot && (c.User == nil || c.User.Login != bot) {
		return false
	}
	rec, err := s.p.Ledger().Get(ctx, s.p.Workspace(), c.URL)
	return err == nil && rec != nil
}

func (s *CommentStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	if rec.Uncreated() {
		return true, nil
	}
	if !s.p.WritesAllowed() {
		return false, nil
	}

	var c remote.Comment
	if err := json.Unmarshal(rec.ExternalSnapshot, &c); err != nil {
		return true, nil
	}
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return true, nil
	}

	err := s.p.Client(repo).DeleteComment(ctx, repo.Ref, c.ID)
	switch {
	case err == nil, remote.IsNotFound(err):
		return true, nil
	case remote.IsTransient(err), remote.IsAuthExpired(err):
		return false, err
	default:
		return true, err
	}
}

func (s *CommentStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	for _, repo := range repos {
		if s.p.IsClosing() {
			return nil
		}
		since, err := s.p.Ledger().SinceCursor(ctx, s.p.Workspace(), ledger.KindComment, repo.Ref)
		if err != nil {
			return err
		}
		comments, err := s.p.Client(repo).ListComments(ctx, repo.Ref, since)
		if err != nil {
			return fmt.Errorf("failed to list comments for %s: %w", repo.Ref, err)
		}
		for i := range comments {
			if s.p.IsClosing() {
				return nil
			}
			c := &comments[i]
			if err := ingestSnapshot(ctx, s.p, ledger.KindComment, c.URL, c.IssueURL, repo, c, c.UpdatedAt, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *CommentStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var prev remote.Comment
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		c, err := s.p.Client(repo).GetComment(ctx, repo.Ref, prev.ID)
		if remote.IsNotFound(err) {
			if err := ingestRemoval(ctx, s.p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to refresh comment %s: %w", rec.URL, err)
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindComment, rec.URL, rec.ParentURL, repo, c, c.UpdatedAt, false); err != nil {
			return err
		}
	}
	return nil
}
