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

// DocRepository is the store kind for mirrored repository metadata.
const DocRepository = "repository"

// RepositoryStrategy mirrors repository metadata one way. The remote is
// authoritative; the local document exists so other store clients can see
// names, default branches and archive state.
type RepositoryStrategy struct {
	p Provider
}

// NewRepositoryStrategy creates the repository strategy.
func NewRepositoryStrategy(p Provider) *RepositoryStrategy {
	return &RepositoryStrategy{p: p}
}

func (s *RepositoryStrategy) Kind() ledger.Kind     { return ledger.KindRepository }
func (s *RepositoryStrategy) SupportsDerived() bool { return false }

func repositoryData(r *remote.Repository) map[string]any {
	return map[string]any{
		"name":           r.Name,
		"full_name":      r.FullName,
		"description":    r.Description,
		"default_branch": r.DefaultBranch,
		"private":        r.Private,
		"archived":       r.Archived,
	}
}

func (s *RepositoryStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	if rec.Uncreated() {
		return settledWithError(fmt.Errorf("repository %s has no remote payload", rec.URL)), nil
	}

	var r remote.Repository
	if err := json.Unmarshal(rec.ExternalSnapshot, &r); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	now := time.Now()
	next := repositoryData(&r)

	if existing == nil {
		id := DocRepository + "-" + uuid.NewString()
		err := s.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: s.p.Workspace(),
			Kind:      DocRepository,
			Fields:    next,
		}, EngineActor, now)
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

	changed := make(map[string]any)
	for k, v := range next {
		if !diffmerge.Equal(existing.Fields[k], v) {
			changed[k] = v
		}
	}
	if len(changed) > 0 {
		if err := s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, changed, EngineActor, now); err != nil {
			return classifyFailure(err), nil
		}
	}

	upd := settled()
	upd.LocalSnapshot = next
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

func (s *RepositoryStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Type != remote.EventRepository || ev.Repository == nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	if ev.Action == "deleted" {
		return ingestRemoval(ctx, s.p, ev.Repository.URL)
	}
	return ingestSnapshot(ctx, s.p, ledger.KindRepository, ev.Repository.URL, "", repo, ev.Repository, ev.Repository.UpdatedAt, false)
}

// HandleDelete accepts the tombstone without touching the remote; the
// engine never deletes repositories.
func (s *RepositoryStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	return true, nil
}

func (s *RepositoryStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	if len(repos) == 0 {
		return nil
	}
	active := make(map[string]Repo, len(repos))
	for _, repo := range repos {
		active[repo.Ref] = repo
	}

	// One installation-wide listing covers every repo in the topology.
	listed, err := s.p.Client(repos[0]).ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}
	for i := range listed {
		if s.p.IsClosing() {
			return nil
		}
		r := &listed[i]
		repo, ok := active[r.FullName]
		if !ok {
			continue
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindRepository, r.URL, "", repo, r, r.UpdatedAt, false); err != nil {
			return err
		}
	}
	return nil
}

func (s *RepositoryStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	listed, err := s.p.Client(repo).ListRepositories(ctx)
	if err != nil {
		return fmt.Errorf("failed to list repositories: %w", err)
	}
	byName := make(map[string]*remote.Repository, len(listed))
	for i := range listed {
		byName[listed[i].FullName] = &listed[i]
	}

	for i := range recs {
		rec := &recs[i]
		var prev remote.Repository
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		r, ok := byName[prev.FullName]
		if !ok {
			if err := ingestRemoval(ctx, s.p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindRepository, rec.URL, "", repo, r, r.UpdatedAt, false); err != nil {
			return err
		}
	}
	return nil
}
