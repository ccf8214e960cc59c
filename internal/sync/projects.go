package sync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/google/uuid"

	"github.com/syncforge/ghbridge/internal/diffmerge"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/markup"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// DocMilestone is the store kind for project milestones.
const DocMilestone = "milestone"

// milestoneManagedFields is the two-way field set for milestones.
var milestoneManagedFields = []string{"title", "description", "status", "due_date"}

// FieldMapping customizes how milestone document fields map onto remote
// field names, loaded from a per-project TOML override.
type FieldMapping struct {
	// Fields maps document field names to remote field names.
	Fields map[string]string `toml:"fields"`
	// Statuses maps document status values to remote state values.
	Statuses map[string]string `toml:"statuses"`
}

// MappingSource supplies the raw TOML mapping override for a project.
// A nil source or empty blob means the default mapping.
type MappingSource func(projectRef string) []byte

// mappingCache memoizes parsed mappings by content hash so the TOML is
// re-parsed only when the override actually changes.
type mappingCache struct {
	mu      sync.Mutex
	entries map[string]cachedMapping
}

type cachedMapping struct {
	hash    [sha256.Size]byte
	mapping *FieldMapping
}

func (c *mappingCache) get(projectRef string, blob []byte) (*FieldMapping, error) {
	if len(blob) == 0 {
		return nil, nil
	}
	hash := sha256.Sum256(blob)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = make(map[string]cachedMapping)
	}
	if cached, ok := c.entries[projectRef]; ok && cached.hash == hash {
		return cached.mapping, nil
	}

	var mapping FieldMapping
	if err := toml.Unmarshal(blob, &mapping); err != nil {
		return nil, fmt.Errorf("failed to parse field mapping for %s: %w", projectRef, err)
	}
	c.entries[projectRef] = cachedMapping{hash: hash, mapping: &mapping}
	return &mapping, nil
}

// ProjectStrategy reconciles milestones into the repository's project.
// Milestones are the second local-first kind: documents created in the
// store are pushed to the remote as new milestones.
type ProjectStrategy struct {
	p        Provider
	mappings MappingSource
	cache    mappingCache
}

// NewProjectStrategy creates the project strategy. mappings may be nil.
func NewProjectStrategy(p Provider, mappings MappingSource) *ProjectStrategy {
	return &ProjectStrategy{p: p, mappings: mappings}
}

func (s *ProjectStrategy) Kind() ledger.Kind     { return ledger.KindProject }
func (s *ProjectStrategy) SupportsDerived() bool { return false }

func milestoneData(m *remote.Milestone) map[string]any {
	var due any
	if m.DueOn != nil {
		due = m.DueOn.UTC().Format(time.RFC3339)
	}
	return map[string]any{
		"title":       m.Title,
		"description": markup.FromRemote(m.Description),
		"status":      m.State,
		"due_date":    due,
	}
}

func (s *ProjectStrategy) mapping(projectRef string) (*FieldMapping, error) {
	if s.mappings == nil {
		return nil, nil
	}
	return s.cache.get(projectRef, s.mappings(projectRef))
}

// remoteMilestonePatch builds the remote update payload, renaming fields
// and translating statuses per the project mapping.
func remoteMilestonePatch(push diffmerge.Delta, mapping *FieldMapping) map[string]any {
	patch := make(map[string]any, len(push))
	for k, v := range push {
		name := k
		if mapping != nil {
			if mapped, ok := mapping.Fields[k]; ok {
				name = mapped
			}
		}
		switch k {
		case "description":
			body, _ := v.(string)
			patch[name] = markup.ToRemote(body)
		case "status":
			status, _ := v.(string)
			if mapping != nil {
				if mapped, ok := mapping.Statuses[status]; ok {
					status = mapped
				}
			}
			if name == "status" {
				name = "state"
			}
			patch[name] = status
		case "due_date":
			if name == "due_date" {
				name = "due_on"
			}
			patch[name] = v
		default:
			patch[name] = v
		}
	}
	return patch
}

func (s *ProjectStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return settledWithError(fmt.Errorf("repository %s is not in the active topology", rec.RepositoryRef)), nil
	}

	if rec.Uncreated() {
		if existing == nil {
			return settled(), nil
		}
		upd, err := s.createRemote(ctx, existing, rec, repo)
		if err != nil {
			return classifyFailure(err), nil
		}
		return upd, nil
	}

	var m remote.Milestone
	if err := json.Unmarshal(rec.ExternalSnapshot, &m); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	now := time.Now()
	next := milestoneData(&m)

	if existing == nil {
		id := DocMilestone + "-" + uuid.NewString()
		fields := make(map[string]any, len(next)+2)
		for k, v := range next {
			fields[k] = v
		}
		fields["number"] = m.Number
		fields["project"] = repo.ProjectRef
		err := s.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: s.p.Workspace(),
			Kind:      DocMilestone,
			Fields:    fields,
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

	local := localProjection(existing, milestoneManagedFields)
	res := diffmerge.Merge(rec.LocalSnapshot, next, local)

	if !res.ApplyLocal.Empty() {
		if err := s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, res.ApplyLocal, EngineActor, now); err != nil {
			return classifyFailure(err), nil
		}
	}

	if !res.PushRemote.Empty() && s.p.WritesAllowed() {
		mapping, err := s.mapping(rec.ProjectRef)
		if err != nil {
			return settledWithError(err), nil
		}
		patch := remoteMilestonePatch(res.PushRemote, mapping)
		if len(patch) > 0 {
			if _, err := s.p.Client(repo).UpdateMilestone(ctx, repo.Ref, m.Number, patch); err != nil {
				return classifyFailure(fmt.Errorf("failed to push milestone update: %w", err)), nil
			}
		}
	}

	upd := settled()
	upd.LocalSnapshot = mergedSnapshot(local, res.ApplyLocal)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

func (s *ProjectStrategy) createRemote(ctx context.Context, existing *store.Doc, rec *ledger.Record, repo Repo) (ledger.Update, error) {
	if !s.p.WritesAllowed() {
		return ledger.Update{}, nil
	}

	create := remote.MilestoneCreate{
		Title:       existing.StringField("title"),
		Description: markup.ToRemote(existing.StringField("description")),
	}
	if due := existing.StringField("due_date"); due != "" {
		if t, err := time.Parse(time.RFC3339, due); err == nil {
			create.DueOn = &t
		}
	}
	m, err := s.p.Client(repo).CreateMilestone(ctx, repo.Ref, create)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to create remote milestone: %w", err)
	}

	snapshot, err := json.Marshal(m)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	now := time.Now()

	err = s.p.Store().Update(ctx, s.p.Workspace(), existing.ID, map[string]any{
		"number": m.Number,
	}, EngineActor, now)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to record milestone number: %w", err)
	}

	upd := settled()
	upd.URL = ledger.StrPtr(ledger.NormalizeURL(m.URL))
	upd.ExternalSnapshot = snapshot
	upd.SetExternalSnapshot = true
	upd.ExternalVersion = ledger.StrPtr(ledger.ExternalVersion)
	upd.LocalSnapshot = localProjection(existing, milestoneManagedFields)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	upd.ExternalSeen = ledger.TimePtr(timeOrNow(m.UpdatedAt))
	return upd, nil
}

func (s *ProjectStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Milestone == nil || ev.Repository == nil {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	if ev.Action == "deleted" {
		return ingestRemoval(ctx, s.p, ev.Milestone.URL)
	}
	return ingestSnapshot(ctx, s.p, ledger.KindProject, ev.Milestone.URL, "", repo, ev.Milestone, ev.Milestone.UpdatedAt, false)
}

func (s *ProjectStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	if rec.Uncreated() {
		return true, nil
	}
	if !s.p.WritesAllowed() {
		return false, nil
	}

	var m remote.Milestone
	if err := json.Unmarshal(rec.ExternalSnapshot, &m); err != nil {
		return true, nil
	}
	repo, ok := s.p.RepoFor(rec.RepositoryRef)
	if !ok {
		return true, nil
	}

	err := s.p.Client(repo).DeleteMilestone(ctx, repo.Ref, m.Number)
	switch {
	case err == nil, remote.IsNotFound(err):
		return true, nil
	case remote.IsTransient(err), remote.IsAuthExpired(err):
		return false, err
	default:
		return true, err
	}
}

func (s *ProjectStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	for _, repo := range repos {
		if s.p.IsClosing() {
			return nil
		}
		milestones, err := s.p.Client(repo).ListMilestones(ctx, repo.Ref)
		if err != nil {
			return fmt.Errorf("failed to list milestones for %s: %w", repo.Ref, err)
		}
		for i := range milestones {
			if s.p.IsClosing() {
				return nil
			}
			m := &milestones[i]
			if err := ingestSnapshot(ctx, s.p, ledger.KindProject, m.URL, "", repo, m, m.UpdatedAt, false); err != nil {
				return err
			}
		}
	}
	return nil
}

// ExternalSync refreshes stale milestone records from a single listing
// call; milestones are few enough that the listing is the batch get.
func (s *ProjectStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	milestones, err := s.p.Client(repo).ListMilestones(ctx, repo.Ref)
	if err != nil {
		return fmt.Errorf("failed to list milestones for %s: %w", repo.Ref, err)
	}
	byNumber := make(map[int]*remote.Milestone, len(milestones))
	for i := range milestones {
		byNumber[milestones[i].Number] = &milestones[i]
	}

	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var prev remote.Milestone
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		m, ok := byNumber[prev.Number]
		if !ok {
			if err := ingestRemoval(ctx, s.p, rec.URL); err != nil {
				return err
			}
			continue
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindProject, rec.URL, "", repo, m, m.UpdatedAt, false); err != nil {
			return err
		}
	}
	return nil
}
