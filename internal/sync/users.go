package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncforge/ghbridge/internal/diffmerge"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// UserStrategy keeps person documents fresh. Person documents are first
// materialized lazily through actor resolution; the strategy's job is the
// profile refresh (name, avatar) for users already in the workspace.
type UserStrategy struct {
	p        Provider
	accounts *AccountCache
}

// NewUserStrategy creates the user strategy.
func NewUserStrategy(p Provider, accounts *AccountCache) *UserStrategy {
	return &UserStrategy{p: p, accounts: accounts}
}

func (s *UserStrategy) Kind() ledger.Kind     { return ledger.KindUser }
func (s *UserStrategy) SupportsDerived() bool { return false }

func userData(u *remote.User) map[string]any {
	return map[string]any{
		"login":      u.Login,
		"name":       u.Name,
		"avatar_url": u.AvatarURL,
		"html_url":   u.HTMLURL,
	}
}

func (s *UserStrategy) Sync(ctx context.Context, existing *store.Doc, rec *ledger.Record, parent *ledger.Record) (ledger.Update, error) {
	if rec.Uncreated() {
		return settledWithError(fmt.Errorf("user %s has no remote payload", rec.URL)), nil
	}

	var u remote.User
	if err := json.Unmarshal(rec.ExternalSnapshot, &u); err != nil {
		return settledWithError(fmt.Errorf("unreadable snapshot: %w", err)), nil
	}

	now := time.Now()
	next := userData(&u)

	if existing == nil {
		// Person documents are keyed by login, not by record ref; adopt
		// the document actor resolution created if it exists.
		doc, err := s.p.Store().FindOne(ctx, store.Query{
			Workspace: s.p.Workspace(),
			Kind:      DocPerson,
			Fields:    map[string]any{"login": u.Login},
		})
		if err != nil {
			return classifyFailure(err), nil
		}
		if doc == nil {
			id := DocPerson + "-" + u.Login
			err := s.p.Store().Create(ctx, store.Doc{
				ID:        id,
				Workspace: s.p.Workspace(),
				Kind:      DocPerson,
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
		existing = doc
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
		s.accounts.Invalidate(u.Login)
	}

	upd := settled()
	upd.LocalRef = ledger.StrPtr(existing.ID)
	upd.LocalSnapshot = next
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

// HandleEvent ingests the sender of any event so profile refreshes ride
// along with regular activity.
func (s *UserStrategy) HandleEvent(ctx context.Context, ev *remote.Event) error {
	if ev.Sender == nil || ev.Sender.URL == "" || ev.Repository == nil {
		return nil
	}
	if ev.Sender.Type == "Bot" {
		return nil
	}
	repo, ok := s.p.RepoFor(ev.Repository.FullName)
	if !ok {
		return nil
	}
	return ingestSnapshot(ctx, s.p, ledger.KindUser, ev.Sender.URL, "", repo, ev.Sender, nil, false)
}

// HandleDelete accepts the tombstone; remote accounts are never touched.
func (s *UserStrategy) HandleDelete(ctx context.Context, existing *store.Doc, rec *ledger.Record, deleteLocal bool) (bool, error) {
	return true, nil
}

// ExternalFullSync is a no-op: users enter the workspace through their
// activity, never through enumeration.
func (s *UserStrategy) ExternalFullSync(ctx context.Context, repos []Repo) error {
	return nil
}

func (s *UserStrategy) ExternalSync(ctx context.Context, field ledger.StaleField, recs []ledger.Record, repo Repo) error {
	client := s.p.Client(repo)
	for i := range recs {
		if s.p.IsClosing() {
			return nil
		}
		rec := &recs[i]
		var prev remote.User
		if err := json.Unmarshal(rec.ExternalSnapshot, &prev); err != nil {
			if aerr := settleUndecodable(ctx, s.p, field, rec.URL, err); aerr != nil {
				return aerr
			}
			continue
		}
		u, err := client.GetUser(ctx, prev.Login)
		if remote.IsNotFound(err) {
			// Deleted accounts keep their person document; the record just
			// stops refreshing.
			err := s.p.Ledger().Apply(ctx, s.p.Workspace(), rec.URL, ledger.Update{
				ExternalVersion: ledger.StrPtr(ledger.VersionFrozen),
			})
			if err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to refresh user %s: %w", rec.URL, err)
		}
		if err := ingestSnapshot(ctx, s.p, ledger.KindUser, rec.URL, "", repo, u, nil, false); err != nil {
			return err
		}
	}
	return nil
}
