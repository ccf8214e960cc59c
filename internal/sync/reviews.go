package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/syncforge/ghbridge/internal/diffmerge"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/markup"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// DocReview is the store kind for submitted pull request reviews.
const DocReview = "review"

// ReviewStrategy imports submitted reviews. Reviews flow one way: the
// remote is authoritative, local documents mirror it and never push back.
type ReviewStrategy struct {
	p Provider
}

// NewReviewStrategy creates the review strategy.
func NewReviewStrategy(p Provider) *ReviewStrategy {
	return &ReviewStrategy{p: p}
}

func (s *ReviewStrategy) Kind() ledger.Kind     { return ledger.KindReview }
func (s *ReviewStrategy) SupportsDerived() bool { return false }

func reviewData(rev *remote.Review) map[string]any {
	return map[string]any{
		"text":    markup.FromRemote(rev.Body),
		"verdict": strings.ToLower(rev.State),
		"commit":  rev.CommitID,
	}
}

func (s *ReviewStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	if rec.Uncreated() {
		return settledWithError(fmt.Errorf("review %s has no remote payload", rec.URL)), nil
	}

	var rev remote.Review
	if err := json.Unmarshal(rec.ExternalSnapshot, &rev); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	now := time.Now()
	next := reviewData(&rev)
	actor := s.p.ActorFor(ctx, rev.User)

	if existing == nil {
		id := DocReview + "-" + uuid.NewString()
		fields := make(map[string]any, len(next)+2)
		for k, v := range next {
			fields[k] = v
		}
		if parent != nil && parent.LocalRef != "" {
			fields["attached_to"] = parent.LocalRef
		}
		err := s.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: s.p.Workspace(),
			Kind:      DocReview,
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

	// One-way import: overwrite the mirrored fields that drifted.
	changed := make(map[string]any)
	for k, v := range next {
		if !diffmerge.Equal(existing.Fields[k], v) {
			changed[k] = v
		}
	}
	if len(changed) > 0 {
		if err := s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, changed, actor, now); err != nil {
			return classifyFailure(err), nil
		}
	}

	upd := settled()
	upd.LocalSnapshot = next
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

func (s *ReviewStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Review == nil || ev.PullRequest == nil || ev.Repository == nil {
		return nil
	}
	if ev.Review.State == "PENDING" {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	return ingestSnapshot(ctx, s.p, ledger.KindReview, reviewURL(ev.Review), ev.PullRequest.URL, repo, ev.Review, ev.Review.SubmittedAt, false)
}

// HandleDelete accepts the tombstone without a remote call: the remote
// side has no review deletion.
func (s *ReviewStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	return true, nil
}

// ExternalFullSync is a no-op: reviews are enumerated by the pull request
// derived pass, which owns the listing endpoints.
func (s *ReviewStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	return nil
}

func (s *ReviewStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	return refreshViaParentListing(ctx, s.p, field, recs, repo, func(ctx context.Context, client remote.Client, number int, rec *ledger.Record) (any, *time.Time, error) {
		var prev remote.Review
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			return nil, nil, settleUndecodable(ctx, s.p, field, rec.URL, err)
		}
		reviews, err := client.ListReviews(ctx, repo.Ref, number)
		if err != nil {
			return nil, nil, err
		}
		for i := range reviews {
			if reviews[i].ID == prev.ID {
				return &reviews[i], reviews[i].SubmittedAt, nil
			}
		}
		return nil, nil, remote.ErrNotFound
	})
}

// refreshViaParentListing refreshes records whose kind has no direct get
// endpoint by re-listing the parent pull request's collection and picking
// the matching entry. fetch returns remote.ErrNotFound when the entity is
// gone, or (nil, nil, nil) after settling a record that cannot be
// refreshed.
func refreshViaParentListing(ctx context.Context, p Provider, field ledger.StaleField, recs []ledger.Record, repo Repo, fetch func(ctx context.Context, client remote.Client, number int, rec *ledger.Record) (any, *time.Time, error)) error {
	client := p.Client(repo)
	parentNumbers := make(map[string]int)

	for i := range recs {
		if p.IsClosing() {
			return nil
		}
		rec := &recs[i]

		number, ok := parentNumbers[rec.ParentURL]
		if !ok {
			parent, err := p.Ledger().Get(ctx, p.Workspace(), rec.ParentURL)
			if err != nil {
				return err
			}
			if parent == nil || parent.Uncreated() {
				continue
			}
			var pr struct {
				Number int `json:"number"`
			}
			if err := json.Unmarshal(parent.ExternalSnapshot, &pr); err != nil {
				if aerr := settleUndecodable(ctx, p, field, rec.URL, fmt.Errorf("parent %s: %w", rec.ParentURL, err)); aerr != nil {
					return aerr
				}
				continue
			}
			if pr.Number == 0 {
				continue
			}
			number = pr.Number
			parentNumbers[rec.ParentURL] = number
		}

		payload, updatedAt, err := fetch(ctx, client, number, rec)
		if remote.IsNotFound(err) {
			if err := ingestRemoval(ctx, p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to refresh %s: %w", rec.URL, err)
		}
		if payload == nil {
			continue
		}
		if err := ingestSnapshot(ctx, p, rec.EntityKind, rec.URL, rec.ParentURL, repo, payload, updatedAt, false); err != nil {
			return err
		}
	}
	return nil
}
