// Package worker drives the per-workspace sync loop.
//
// A Worker owns one workspace: it watches the document store for local
// changes, accepts webhook events, and runs the reconcile passes over the
// ledger until no record is due. Passes are triggered, not polled: local
// and remote activity each arm a trigger, coalesced with a short debounce,
// and a safety-net ticker bounds how stale a workspace can get when every
// trigger is missed.
package worker

import (
	"context"
	"fmt"
	"log"
	gosync "sync"
	"sync/atomic"
	"time"

	"github.com/syncforge/ghbridge/internal/keyseq"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/ratelimit"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
	syncpkg "github.com/syncforge/ghbridge/internal/sync"
)

const (
	// debounce coalesces bursts of triggers into one pass.
	debounce = 50 * time.Millisecond
	// safetyInterval bounds trigger loss: at most this long between passes
	// while anything is due.
	safetyInterval = 60 * time.Second
	// maxConcurrentSyncs bounds records reconciled in parallel per pass.
	maxConcurrentSyncs = 5
)

// ClientFactory builds a remote client for an installation.
type ClientFactory func(installationID int) remote.Client

// Config carries everything a Worker needs.
type Config struct {
	Workspace string
	Store     store.Store
	Ledger    *ledger.Ledger
	Clients   ClientFactory
	Repos     []syncpkg.Repo
	BotLogin  string
	ReadOnly  bool
	Logger    *log.Logger
	// Mappings supplies per-project milestone field mapping TOML. May be nil.
	Mappings syncpkg.MappingSource
}

// Worker reconciles one workspace. It implements syncpkg.Provider.
type Worker struct {
	cfg      Config
	log      *log.Logger
	registry *syncpkg.Registry
	accounts *syncpkg.AccountCache
	keys     *keyseq.Serializer
	gate     *ratelimit.Gate

	mu    gosync.RWMutex
	repos map[string]syncpkg.Repo

	clientsMu gosync.Mutex
	clients   map[int]remote.Client

	trigger chan struct{}
	// updateRequested makes the next pass start with a full listing
	// sweep; armed by topology changes.
	updateRequested atomic.Bool
	closing         chan struct{}
	done            chan struct{}
	closeOne        gosync.Once

	unsubscribe func()
}

// New creates a Worker. Run must be called to start the loop.
func New(cfg Config) *Worker {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	w := &Worker{
		cfg:      cfg,
		log:      cfg.Logger,
		accounts: syncpkg.NewAccountCache(512),
		keys:     keyseq.New(),
		gate:     ratelimit.NewGate(maxConcurrentSyncs),
		repos:    make(map[string]syncpkg.Repo),
		clients:  make(map[int]remote.Client),
		trigger:  make(chan struct{}, 1),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, r := range cfg.Repos {
		if r.Enabled {
			w.repos[r.Ref] = r
		}
	}
	w.registry = syncpkg.NewRegistry(
		syncpkg.NewIssueStrategy(w),
		syncpkg.NewPullRequestStrategy(w),
		syncpkg.NewCommentStrategy(w),
		syncpkg.NewReviewStrategy(w),
		syncpkg.NewReviewThreadStrategy(w),
		syncpkg.NewReviewCommentStrategy(w),
		syncpkg.NewProjectStrategy(w, cfg.Mappings),
		syncpkg.NewRepositoryStrategy(w),
		syncpkg.NewUserStrategy(w, w.accounts),
	)
	return w
}

// Provider implementation.

func (w *Worker) Workspace() string      { return w.cfg.Workspace }
func (w *Worker) Store() store.Store     { return w.cfg.Store }
func (w *Worker) Ledger() *ledger.Ledger { return w.cfg.Ledger }
func (w *Worker) BotLogin() string       { return w.cfg.BotLogin }
func (w *Worker) WritesAllowed() bool    { return !w.cfg.ReadOnly }
func (w *Worker) Logger() *log.Logger    { return w.log }

func (w *Worker) RepoFor(ref string) (syncpkg.Repo, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	r, ok := w.repos[ref]
	return r, ok
}

func (w *Worker) Client(repo syncpkg.Repo) remote.Client {
	w.clientsMu.Lock()
	defer w.clientsMu.Unlock()
	c, ok := w.clients[repo.InstallationID]
	if !ok {
		c = w.cfg.Clients(repo.InstallationID)
		w.clients[repo.InstallationID] = c
	}
	return c
}

func (w *Worker) ActorFor(ctx context.Context, user *remote.User) string {
	id, err := w.accounts.Resolve(ctx, w.cfg.Store, w.cfg.Workspace, user)
	if err != nil {
		w.log.Printf("[worker %s] actor resolution failed: %v", w.cfg.Workspace, err)
		return syncpkg.EngineActor
	}
	return id
}

// RequestSync arms the trigger. Non-blocking; a pending trigger absorbs
// further requests.
func (w *Worker) RequestSync() {
	select {
	case w.trigger <- struct{}{}:
	default:
	}
}

func (w *Worker) IsClosing() bool {
	select {
	case <-w.closing:
		return true
	default:
		return false
	}
}

// UpdateTopology replaces the active repository set. The next pass
// starts with a full listing sweep so freshly added repositories are
// discovered without waiting for their webhooks.
func (w *Worker) UpdateTopology(repos []syncpkg.Repo) {
	w.mu.Lock()
	w.repos = make(map[string]syncpkg.Repo, len(repos))
	for _, r := range repos {
		if r.Enabled {
			w.repos[r.Ref] = r
		}
	}
	w.mu.Unlock()
	w.updateRequested.Store(true)
	w.RequestSync()
}

func (w *Worker) activeRepos() []syncpkg.Repo {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]syncpkg.Repo, 0, len(w.repos))
	for _, r := range w.repos {
		out = append(out, r)
	}
	return out
}

// HandleEvent routes a webhook event to the strategy for its payload,
// serialized per entity so concurrent deliveries for the same entity
// apply in order.
func (w *Worker) HandleEvent(ctx context.Context, ev *remote.Event) error {
	kind, ok := eventKind(ev)
	if !ok {
		return nil
	}
	strategy := w.registry.For(kind)
	if strategy == nil {
		return nil
	}

	run := func(ctx context.Context) error {
		if err := strategy.HandleEvent(ctx, ev); err != nil {
			return err
		}
		// Profile refreshes ride along on every delivery.
		if user := w.registry.For(ledger.KindUser); user != nil && kind != ledger.KindUser {
			if err := user.HandleEvent(ctx, ev); err != nil {
				w.log.Printf("[worker %s] sender ingest failed: %v", w.cfg.Workspace, err)
			}
		}
		return nil
	}

	key := ev.EntityURL()
	if key == "" {
		return run(ctx)
	}
	return w.keys.Execute(ctx, ledger.NormalizeURL(key), run)
}

// eventKind maps an event payload to the owning strategy kind.
func eventKind(ev *remote.Event) (ledger.Kind, bool) {
	switch {
	case ev.Type == remote.EventRepository:
		return ledger.KindRepository, true
	case ev.ReviewComment != nil:
		return ledger.KindReviewComment, true
	case ev.Thread != nil:
		return ledger.KindReviewThread, true
	case ev.Review != nil:
		return ledger.KindReview, true
	case ev.Comment != nil:
		return ledger.KindComment, true
	case ev.PullRequest != nil:
		return ledger.KindPullRequest, true
	case ev.Issue != nil && ev.Issue.PullRequest != nil:
		return ledger.KindPullRequest, true
	case ev.Issue != nil:
		return ledger.KindIssue, true
	case ev.Milestone != nil:
		return ledger.KindProject, true
	default:
		return "", false
	}
}

// Run watches the store, runs the initial catch-up, then loops on
// triggers until ctx is cancelled or Close is called.
func (w *Worker) Run(ctx context.Context) error {
	defer close(w.done)

	w.unsubscribe = w.cfg.Store.Subscribe(w.cfg.Workspace, func(c store.Change) {
		if err := w.onStoreChange(context.Background(), c); err != nil {
			w.log.Printf("[worker %s] store change handling failed: %v", w.cfg.Workspace, err)
		}
	})
	defer w.unsubscribe()

	// Catch up on everything missed while offline.
	if err := w.FullSync(ctx); err != nil {
		w.log.Printf("[worker %s] initial full sync failed: %v", w.cfg.Workspace, err)
	}
	w.RequestSync()

	ticker := time.NewTicker(safetyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.closing:
			return nil
		case <-ticker.C:
			w.maybeFullSync(ctx)
			w.runPass(ctx)
		case <-w.trigger:
			w.debounceWait(ctx)
			w.maybeFullSync(ctx)
			w.runPass(ctx)
		}
	}
}

// maybeFullSync runs the listing sweep a topology update requested.
func (w *Worker) maybeFullSync(ctx context.Context) {
	if !w.updateRequested.CompareAndSwap(true, false) {
		return
	}
	if err := w.FullSync(ctx); err != nil {
		w.log.Printf("[worker %s] topology full sync failed: %v", w.cfg.Workspace, err)
	}
}

// debounceWait absorbs the burst following a trigger.
func (w *Worker) debounceWait(ctx context.Context) {
	timer := time.NewTimer(debounce)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	case <-w.closing:
	}
	// Drain anything that arrived during the debounce window.
	select {
	case <-w.trigger:
	default:
	}
}

// Close stops the loop and waits for it to finish.
func (w *Worker) Close() {
	w.closeOne.Do(func() { close(w.closing) })
	<-w.done
}

// FullSync runs every strategy's bulk listing pass over the active
// topology.
func (w *Worker) FullSync(ctx context.Context) error {
	repos := w.activeRepos()
	if len(repos) == 0 {
		return nil
	}
	var firstErr error
	for _, kind := range w.registry.Kinds() {
		if w.IsClosing() {
			return firstErr
		}
		strategy := w.registry.For(kind)
		if err := strategy.ExternalFullSync(ctx, repos); err != nil {
			w.log.Printf("[worker %s] full sync %s: %v", w.cfg.Workspace, kind, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SyncOnce runs a single full listing plus reconcile round and returns.
// The CLI uses this for one-shot synchronization without the loop.
func (w *Worker) SyncOnce(ctx context.Context) error {
	err := w.FullSync(ctx)
	w.runPass(ctx)
	return err
}

// runPass executes one reconcile round: refresh stale remote payloads,
// drain the due queue, then refresh derived enumerations.
func (w *Worker) runPass(ctx context.Context) {
	if err := w.refreshStale(ctx, ledger.StaleExternal, ledger.ExternalVersion, w.registry.Kinds()); err != nil {
		w.log.Printf("[worker %s] external refresh: %v", w.cfg.Workspace, err)
	}
	if err := w.drainDue(ctx); err != nil {
		w.log.Printf("[worker %s] sync pass: %v", w.cfg.Workspace, err)
	}
	if err := w.refreshStale(ctx, ledger.StaleDerived, ledger.DerivedVersion, w.registry.DerivedKinds()); err != nil {
		w.log.Printf("[worker %s] derived refresh: %v", w.cfg.Workspace, err)
	}
	if err := w.drainDue(ctx); err != nil {
		w.log.Printf("[worker %s] sync pass: %v", w.cfg.Workspace, err)
	}
}

// refreshStale pages through records with a stale tag and hands them in
// repository batches to their strategies. A failing batch falls back to
// one-by-one so a single poison record cannot block its whole batch.
func (w *Worker) refreshStale(ctx context.Context, field ledger.StaleField, current string, kinds []ledger.Kind) error {
	for _, kind := range kinds {
		strategy := w.registry.For(kind)
		if strategy == nil {
			continue
		}
		seen := make(map[string]bool)
		for !w.IsClosing() {
			page, err := w.cfg.Ledger.StalePage(ctx, w.cfg.Workspace, field, current, ledger.Filter{Kinds: []ledger.Kind{kind}})
			if err != nil {
				return err
			}
			// Records that stay stale after a refresh attempt (transient
			// failures) must not loop within one pass.
			fresh := page[:0]
			for _, rec := range page {
				if !seen[rec.URL] {
					seen[rec.URL] = true
					fresh = append(fresh, rec)
				}
			}
			if len(fresh) == 0 {
				break
			}

			for _, batch := range groupByRepo(fresh) {
				if w.IsClosing() {
					return nil
				}
				repo, ok := w.RepoFor(batch.repoRef)
				if !ok {
					continue
				}
				if err := strategy.ExternalSync(ctx, field, batch.recs, repo); err != nil {
					w.log.Printf("[worker %s] %s batch refresh failed, retrying singly: %v", w.cfg.Workspace, kind, err)
					for i := range batch.recs {
						one := batch.recs[i : i+1]
						if err := strategy.ExternalSync(ctx, field, one, repo); err != nil {
							w.log.Printf("[worker %s] refresh %s: %v", w.cfg.Workspace, one[0].URL, err)
						}
					}
				}
			}
		}
	}
	return nil
}

type repoBatch struct {
	repoRef string
	recs    []ledger.Record
}

func groupByRepo(recs []ledger.Record) []repoBatch {
	index := make(map[string]int)
	var out []repoBatch
	for _, rec := range recs {
		i, ok := index[rec.RepositoryRef]
		if !ok {
			i = len(out)
			index[rec.RepositoryRef] = i
			out = append(out, repoBatch{repoRef: rec.RepositoryRef})
		}
		out[i].recs = append(out[i].recs, rec)
	}
	return out
}

// drainDue processes due pages until the queue is empty or a page makes
// no progress, with a hard time ceiling as the backstop.
func (w *Worker) drainDue(ctx context.Context) error {
	deadline := time.Now().Add(safetyInterval)
	for !w.IsClosing() && time.Now().Before(deadline) {
		page, err := w.cfg.Ledger.DuePage(ctx, w.cfg.Workspace, ledger.Filter{})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}
		progressed := w.syncPage(ctx, page)
		if !progressed {
			// Every record in the page is blocked (waiting on parents,
			// readonly mode); leave them for the next trigger.
			return nil
		}
	}
	return nil
}

// syncPage reconciles one page, bounded by the admission gate. Returns
// whether any record advanced.
func (w *Worker) syncPage(ctx context.Context, page []ledger.Record) bool {
	var wg gosync.WaitGroup
	var mu gosync.Mutex
	progressed := false

	for i := range page {
		rec := page[i]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := w.gate.Do(ctx, func(ctx context.Context) error {
				advanced, err := w.syncRecord(ctx, &rec)
				if err != nil {
					return err
				}
				if advanced {
					mu.Lock()
					progressed = true
					mu.Unlock()
				}
				return nil
			})
			if err != nil {
				w.log.Printf("[worker %s] sync %s: %v", w.cfg.Workspace, rec.URL, err)
			}
		}()
	}
	wg.Wait()
	return progressed
}

// syncRecord runs one record's reconcile step under its serialization key.
func (w *Worker) syncRecord(ctx context.Context, rec *ledger.Record) (bool, error) {
	advanced := false
	err := w.keys.Execute(ctx, rec.URL, func(ctx context.Context) error {
		// Re-read: an event may have raced us while we waited for the key.
		current, err := w.cfg.Ledger.Get(ctx, w.cfg.Workspace, rec.URL)
		if err != nil {
			return err
		}
		if current == nil || (current.Settled() && !current.Deleted) {
			return nil
		}

		strategy := w.registry.For(current.EntityKind)
		if strategy == nil {
			return fmt.Errorf("no strategy for kind %s", current.EntityKind)
		}

		var existing *store.Doc
		if current.LocalRef != "" {
			existing, err = w.cfg.Store.FindOne(ctx, store.Query{Workspace: w.cfg.Workspace, ID: current.LocalRef})
			if err != nil {
				return err
			}
		}

		if current.Deleted {
			done, err := strategy.HandleDelete(ctx, existing, current, false)
			if err != nil && !done {
				return err
			}
			if done {
				if err := w.cfg.Ledger.Remove(ctx, w.cfg.Workspace, current.URL); err != nil {
					return err
				}
				advanced = true
			}
			return nil
		}

		var parent *ledger.Record
		if current.ParentURL != "" {
			parent, err = w.cfg.Ledger.Get(ctx, w.cfg.Workspace, current.ParentURL)
			if err != nil {
				return err
			}
		}

		upd, err := strategy.Sync(ctx, existing, current, parent)
		if err != nil {
			return err
		}
		if upd.Empty() {
			return nil
		}
		if err := w.cfg.Ledger.Apply(ctx, w.cfg.Workspace, current.URL, upd); err != nil {
			return err
		}
		if upd.SyncVersion != nil && *upd.SyncVersion == ledger.SyncVersion {
			advanced = true
			// A parent that just settled may unblock waiting children.
			settledURL := current.URL
			if upd.URL != nil {
				settledURL = ledger.NormalizeURL(*upd.URL)
			}
			if n, err := w.cfg.Ledger.RearmChildren(ctx, w.cfg.Workspace, settledURL); err == nil && n > 0 {
				w.RequestSync()
			}
			// Children of a renamed parent link by the old URL; re-point
			// them so parent resolution keeps working.
			if upd.URL != nil && settledURL != current.URL {
				if err := w.repointChildren(ctx, current.URL, settledURL); err != nil {
					w.log.Printf("[worker %s] re-pointing children of %s: %v", w.cfg.Workspace, current.URL, err)
				}
			}
		}
		return nil
	})
	return advanced, err
}

func (w *Worker) repointChildren(ctx context.Context, oldURL, newURL string) error {
	children, err := w.cfg.Ledger.Children(ctx, w.cfg.Workspace, oldURL)
	if err != nil {
		return err
	}
	for i := range children {
		err := w.cfg.Ledger.Apply(ctx, w.cfg.Workspace, children[i].URL, ledger.Update{
			ParentURL:   ledger.StrPtr(newURL),
			SyncVersion: ledger.StrPtr(""),
		})
		if err != nil {
			return err
		}
	}
	return nil
}
