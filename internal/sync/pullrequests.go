package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// PullRequestStrategy reconciles pull requests and enumerates their
// derived documents (reviews, review threads, review comments).
type PullRequestStrategy struct {
	p    Provider
	base issueBase
}

// NewPullRequestStrategy creates the pull request strategy.
func NewPullRequestStrategy(p Provider) *PullRequestStrategy {
	return &PullRequestStrategy{p: p, base: issueBase{p: p}}
}

func (s *PullRequestStrategy) Kind() ledger.Kind     { return ledger.KindPullRequest }
func (s *PullRequestStrategy) SupportsDerived() bool { return true }

func (s *PullRequestStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	if rec.Uncreated() {
		// Pull requests always originate on the remote; a record without a
		// payload cannot be pushed into existence.
		return settledWithError(fmt.Errorf("pull request %s has no remote payload", rec.URL)), nil
	}

	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return settledWithError(fmt.Errorf("repository %s is not in the active topology", rec.RepositoryRef)), nil
	}

	var pr remote.PullRequest
	if err := json.Unmarshal(rec.ExternalSnapshot, &pr); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	data := pullRequestData(&pr)
	reviewers := make([]any, 0, len(pr.RequestedReviewers))
	for _, r := range pr.RequestedReviewers {
		reviewers = append(reviewers, r.Login)
	}
	data["requested_reviewers"] = reviewers

	upd, err := s.base.reconcile(ctx, DocPullRequest, existing, rec, repo, data, pr.User, pr.Number)
	if err != nil {
		return classifyFailure(err), nil
	}
	return upd, nil
}

func (s *PullRequestStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.PullRequest == nil || ev.Repository == nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	pr := ev.PullRequest
	return ingestSnapshot(ctx, s.p, ledger.KindPullRequest, pr.URL, "", repo, pr, pr.UpdatedAt, true)
}

// HandleDelete closes the remote pull request; deletion does not exist on
// the remote side.
func (s *PullRequestStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	if rec.Uncreated() {
		return true, nil
	}
	if !s.p.WritesAllowed() {
		return false, nil
	}

	var pr remote.PullRequest
	if err := json.Unmarshal(rec.ExternalSnapshot, &pr); err != nil {
		return true, nil
	}
	if pr.Merged || pr.MergedAt != nil {
		// A merged pull request cannot be closed; accept the tombstone.
		return true, nil
	}
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return true, nil
	}

	_, err := s.p.Client(repo).UpdateIssue(ctx, repo.Ref, pr.Number, map[string]any{"state": "closed"})
	switch {
	case err == nil, remote.IsNotFound(err):
		return true, nil
	case remote.IsTransient(err), remote.IsAuthExpired(err):
		return false, err
	default:
		return true, err
	}
}

func (s *PullRequestStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	for _, repo := range repos {
		if s.p.IsClosing() {
			return nil
		}
		pulls, err := s.p.Client(repo).ListPullRequests(ctx, repo.Ref, timeZero)
		if err != nil {
			return fmt.Errorf("failed to list pull requests for %s: %w", repo.Ref, err)
		}
		for i := range pulls {
			if s.p.IsClosing() {
				return nil
			}
			pr := &pulls[i]
			if err := ingestSnapshot(ctx, s.p, ledger.KindPullRequest, pr.URL, "", repo, pr, pr.UpdatedAt, true); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *PullRequestStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	if field == ledger.StaleDerived {
		return s.syncDerived(ctx, recs, repo)
	}
	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var prev remote.PullRequest
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		pr, err := s.p.Client(repo).GetPullRequest(ctx, repo.Ref, prev.Number)
		if remote.IsNotFound(err) {
			if err := ingestRemoval(ctx, s.p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to refresh pull request %s: %w", rec.URL, err)
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindPullRequest, rec.URL, "", repo, pr, pr.UpdatedAt, true); err != nil {
			return err
		}
	}
	return nil
}

// syncDerived enumerates the second-order documents of each pull request
// and re-derives the aggregated review state on the document.
func (s *PullRequestStrategy) syncDerived(ctx context.Context, recs []ledger.Record, repo Repo) error {
	client := s.p.Client(repo)
	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var pr remote.PullRequest
		if err := json.Unmarshal(rec.ExternalSnapshot, &pr); err != nil {
			if aerr := settleUndecodable(ctx, s.p, ledger.StaleDerived, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}

		reviews, err := client.ListReviews(ctx, repo.Ref, pr.Number)
		if err != nil {
			return fmt.Errorf("failed to list reviews for %s: %w", rec.URL, err)
		}
		for j := range reviews {
			rev := &reviews[j]
			if rev.State == "PENDING" {
				continue
			}
			if err := ingestSnapshot(ctx, s.p, ledger.KindReview, reviewURL(rev), rec.URL, repo, rev, rev.SubmittedAt, false); err != nil {
				return err
			}
		}

		threads, err := client.ListReviewThreads(ctx, repo.Ref, pr.Number)
		if err != nil {
			return fmt.Errorf("failed to list review threads for %s: %w", rec.URL, err)
		}
		for j := range threads {
			th := &threads[j]
			if err := ingestSnapshot(ctx, s.p, ledger.KindReviewThread, threadURL(rec.URL, th), rec.URL, repo, th, th.UpdatedAt, false); err != nil {
				return err
			}
		}

		comments, err := client.ListReviewComments(ctx, repo.Ref, pr.Number)
		if err != nil {
			return fmt.Errorf("failed to list review comments for %s: %w", rec.URL, err)
		}
		for j := range comments {
			rc := &comments[j]
			parent := rec.URL
			if rc.ThreadID != "" {
				parent = threadURLByID(rec.URL, rc.ThreadID)
			}
			if err := ingestSnapshot(ctx, s.p, ledger.KindReviewComment, rc.URL, parent, repo, rc, rc.UpdatedAt, false); err != nil {
				return err
			}
		}

		if rec.LocalRef != "" {
			state := aggregateReviewState(&pr, reviews)
			err := s.p.Store().Update(ctx, s.p.Workspace(), rec.LocalRef, map[string]any{
				"review_state": state,
			}, EngineActor, timeOrNow(nil))
			if err != nil {
				return fmt.Errorf("failed to record review state: %w", err)
			}
		}

		err = s.p.Ledger().Apply(ctx, s.p.Workspace(), rec.URL, ledger.Update{
			DerivedVersion: ledger.StrPtr(ledger.DerivedVersion),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// aggregateReviewState folds the latest review of each reviewer into one
// value. Any outstanding change request wins, then outstanding review
// requests, then approval.
func aggregateReviewState(pr *remote.PullRequest, reviews []remote.Review) string {
	latest := make(map[string]string)
	for i := range reviews {
		rev := &reviews[i]
		if rev.User == nil || rev.State == "COMMENTED" || rev.State == "PENDING" {
			continue
		}
		latest[rev.User.Login] = rev.State
	}

	// A re-requested reviewer voids their previous review.
	for _, r := range pr.RequestedReviewers {
		delete(latest, r.Login)
	}

	approved := false
	for _, state := range latest {
		switch state {
		case "CHANGES_REQUESTED":
			return "changes-requested"
		case "APPROVED":
			approved = true
		}
	}
	if len(pr.RequestedReviewers) > 0 {
		return "review-pending"
	}
	if approved {
		return "approved"
	}
	return "none"
}

func reviewURL(rev *remote.Review) string {
	if rev.URL != "" {
		return rev.URL
	}
	return rev.HTMLURL
}

func threadURL(pullURL string, th *remote.ReviewThread) string {
	if th.URL != "" {
		return th.URL
	}
	return threadURLByID(pullURL, th.NodeID)
}

// threadURLByID builds a stable synthetic identity for review threads,
// which have no REST URL of their own.
func threadURLByID(pullURL, nodeID string) string {
	return pullURL + "/threads/" + nodeID
}
