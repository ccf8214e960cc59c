package sync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// IssueStrategy reconciles plain issues. Pull-request-shaped entries in
// the issues listing belong to the pull request strategy and are skipped
// here.
type IssueStrategy struct {
	p    Provider
	base issueBase
}

// NewIssueStrategy creates the issue strategy.
func NewIssueStrategy(p Provider) *IssueStrategy {
	return &IssueStrategy{p: p, base: issueBase{p: p}}
}

func (s *IssueStrategy) Kind() ledger.Kind  { return ledger.KindIssue }
func (s *IssueStrategy) SupportsDerived() bool { return false }

func (s *IssueStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return settledWithError(fmt.Errorf("repository %s is not in the active topology", rec.RepositoryRef)), nil
	}

	if rec.Uncreated() {
		if existing == nil {
			// Local document vanished before the remote create happened;
			// nothing remains to sync on either side.
			return settled(), nil
		}
		upd, err := s.base.createRemote(ctx, existing, rec, repo)
		if err != nil {
			return classifyFailure(err), nil
		}
		return upd, nil
	}

	var iss remote.Issue
	if err := json.Unmarshal(rec.ExternalSnapshot, &iss); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	upd, err := s.base.reconcile(ctx, DocIssue, existing, rec, repo, issueData(&iss), iss.User, iss.Number)
	if err != nil {
		return classifyFailure(err), nil
	}
	return upd, nil
}

func (s *IssueStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Issue == nil || ev.Repository == nil {
		return nil
	}
	if ev.Issue.PullRequest != nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}

	if ev.Action == "deleted" {
		return ingestRemoval(ctx, s.p, ev.Issue.URL)
	}
	return ingestSnapshot(ctx, s.p, ledger.KindIssue, ev.Issue.URL, "", repo, ev.Issue, ev.Issue.UpdatedAt, false)
}

// HandleDelete closes the remote issue. The remote API has no issue
// deletion, so a local delete maps to a remote close.
func (s *IssueStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	if rec.Uncreated() {
		return true, nil
	}
	if !s.p.WritesAllowed() {
		return false, nil
	}

	var iss remote.Issue
	if err := json.Unmarshal(rec.ExternalSnapshot, &iss); err != nil {
		return true, nil
	}
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return true, nil
	}

	_, err := s.p.Client(repo).UpdateIssue(ctx, repo.Ref, iss.Number, map[string]any{
		"state": "closed", "state_reason": "not_planned",
	})
	switch {
	case err == nil, remote.IsNotFound(err):
		return true, nil
	case remote.IsTransient(err), remote.IsAuthExpired(err):
		return false, err
	default:
		s.p.Logger().Printf("[sync] issue %s: remote close failed permanently: %v", rec.URL, err)
		return true, err
	}
}

func (s *IssueStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	for _, repo := range repos {
		if s.p.IsClosing() {
			return nil
		}
		since, err := s.p.Ledger().SinceCursor(ctx, s.p.Workspace(), ledger.KindIssue, repo.Ref)
		if err != nil {
			return err
		}
		issues, err := s.p.Client(repo).ListIssues(ctx, repo.Ref, since)
		if err != nil {
			return fmt.Errorf("failed to list issues for %s: %w", repo.Ref, err)
		}
		for i := range issues {
			if s.p.IsClosing() {
				return nil
			}
			iss := &issues[i]
			if iss.PullRequest != nil {
				continue
			}
			if err := ingestSnapshot(ctx, s.p, ledger.KindIssue, iss.URL, "", repo, iss, iss.UpdatedAt, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExternalSync re-fetches stale issue records one by one; the issues API
// has no batch get, so the batch size only bounds how many records arrive
// per call.
func (s *IssueStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var prev remote.Issue
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		iss, err := s.p.Client(repo).GetIssue(ctx, repo.Ref, prev.Number)
		if remote.IsNotFound(err) {
			if err := ingestRemoval(ctx, s.p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to refresh issue %s: %w", rec.URL, err)
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindIssue, rec.URL, "", repo, iss, iss.UpdatedAt, false); err != nil {
			return err
		}
	}
	return nil
}
