// Package registry runs one sync worker per workspace and routes
// webhook deliveries to the owning worker by installation id.
//
// The registry owns worker lifecycle: activation when a workspace
// appears in the topology file, topology updates in place, deactivation
// when it disappears, and retirement (deactivation plus ledger cleanup).
// A crashed worker loop is restarted with exponential backoff.
package registry

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/syncforge/ghbridge/internal/config"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/ratelimit"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
	syncpkg "github.com/syncforge/ghbridge/internal/sync"
	"github.com/syncforge/ghbridge/internal/worker"
)

// Config carries the shared infrastructure every worker uses.
type Config struct {
	Store    store.Store
	Ledger   *ledger.Ledger
	BotLogin string
	ReadOnly bool
	// RatePerSecond is the per-installation request budget.
	RatePerSecond int
	// APIBaseURL overrides the remote endpoint; empty means the default.
	APIBaseURL string
	Logger     *log.Logger
	Mappings   syncpkg.MappingSource

	// NewClient overrides remote client construction. Tests use this;
	// production leaves it nil and gets the REST client.
	NewClient func(token string, limiter *ratelimit.Limiter) remote.Client
}

type entry struct {
	ws     config.Workspace
	worker *worker.Worker
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry fans webhook events out to per-workspace workers.
type Registry struct {
	cfg    Config
	log    *log.Logger
	limits *ratelimit.Registry

	mu       sync.RWMutex
	workers  map[string]*entry
	installs map[int]string

	closing chan struct{}
	closed  sync.Once
}

// NewRegistry creates an empty registry. Workspaces are added with
// Apply or Activate.
func NewRegistry(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = config.DefaultRatePerSecond
	}
	return &Registry{
		cfg:      cfg,
		log:      cfg.Logger,
		limits:   ratelimit.NewRegistry(cfg.RatePerSecond),
		workers:  make(map[string]*entry),
		installs: make(map[int]string),
		closing:  make(chan struct{}),
	}
}

// newClient builds a remote client drawing on the installation's shared
// limiter, so bulk listings and webhook-driven writes spend one budget.
func (r *Registry) newClient(token string, installationID int) remote.Client {
	limiter := r.limits.For("install-" + strconv.Itoa(installationID))
	if r.cfg.NewClient != nil {
		return r.cfg.NewClient(token, limiter)
	}
	if r.cfg.APIBaseURL != "" {
		return remote.NewClientWithBaseURL(token, r.cfg.APIBaseURL, limiter)
	}
	return remote.NewClient(token, limiter)
}

func reposOf(ws config.Workspace) []syncpkg.Repo {
	repos := make([]syncpkg.Repo, 0, len(ws.Repos))
	for _, wr := range ws.Repos {
		repos = append(repos, syncpkg.Repo{
			Ref:            wr.Ref,
			ProjectRef:     wr.Project,
			InstallationID: ws.InstallationID,
			Enabled:        true,
		})
	}
	return repos
}

func (r *Registry) buildWorker(ws config.Workspace) *worker.Worker {
	token := ws.ResolveToken()
	return worker.New(worker.Config{
		Workspace: ws.Name,
		Store:     r.cfg.Store,
		Ledger:    r.cfg.Ledger,
		Clients: func(installationID int) remote.Client {
			return r.newClient(token, installationID)
		},
		Repos:    reposOf(ws),
		BotLogin: r.cfg.BotLogin,
		ReadOnly: r.cfg.ReadOnly || ws.ReadOnly,
		Logger:   r.log,
		Mappings: r.cfg.Mappings,
	})
}

// Activate starts a worker for the workspace. Activating an already
// active workspace updates its topology instead.
func (r *Registry) Activate(ctx context.Context, ws config.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if owner, ok := r.installs[ws.InstallationID]; ok && owner != ws.Name {
		return fmt.Errorf("installation %d already owned by workspace %s", ws.InstallationID, owner)
	}
	if e, ok := r.workers[ws.Name]; ok {
		delete(r.installs, e.ws.InstallationID)
		e.ws = ws
		r.installs[ws.InstallationID] = ws.Name
		e.worker.UpdateTopology(reposOf(ws))
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	e := &entry{
		ws:     ws,
		worker: r.buildWorker(ws),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.workers[ws.Name] = e
	r.installs[ws.InstallationID] = ws.Name
	r.log.Printf("[registry] activating workspace %s (installation %d, %d repos)",
		ws.Name, ws.InstallationID, len(ws.Repos))
	go r.runWorker(wctx, e)
	return nil
}

// runWorker supervises one worker loop, rebuilding it after failures
// with exponential backoff.
func (r *Registry) runWorker(ctx context.Context, e *entry) {
	defer close(e.done)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0
	for {
		err := e.worker.Run(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := bo.NextBackOff()
		r.log.Printf("[registry] worker %s exited: %v (restarting in %s)", e.ws.Name, err, wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		case <-r.closing:
			return
		}
		fresh := r.buildWorker(e.ws)
		r.mu.Lock()
		e.worker = fresh
		r.mu.Unlock()
	}
}

// SyncOnce builds a transient worker for the workspace and runs one
// full listing plus reconcile round. Used by the one-shot CLI path; the
// workspace does not stay active.
func (r *Registry) SyncOnce(ctx context.Context, ws config.Workspace) error {
	return r.buildWorker(ws).SyncOnce(ctx)
}

// Deactivate stops the workspace's worker. Ledger state is kept so a
// later activation resumes where it left off.
func (r *Registry) Deactivate(name string) {
	r.mu.Lock()
	e, ok := r.workers[name]
	if ok {
		delete(r.workers, name)
		delete(r.installs, e.ws.InstallationID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	r.log.Printf("[registry] deactivating workspace %s", name)
	// Cancel rather than Close: the supervisor may hold a rebuilt
	// worker whose loop has not started yet.
	e.cancel()
	<-e.done
}

// Retire deactivates the workspace and drops its sync records. Store
// documents are left alone; only the bridge bookkeeping goes.
func (r *Registry) Retire(ctx context.Context, name string) error {
	r.Deactivate(name)
	n, err := r.cfg.Ledger.DropWorkspace(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to retire workspace %s: %w", name, err)
	}
	r.log.Printf("[registry] retired workspace %s (%d records dropped)", name, n)
	return nil
}

// Apply reconciles the running workers against a freshly loaded
// topology: new workspaces start, changed ones update, vanished ones
// stop.
func (r *Registry) Apply(ctx context.Context, wss []config.Workspace) error {
	want := make(map[string]bool, len(wss))
	var firstErr error
	for _, ws := range wss {
		want[ws.Name] = true
		if err := r.Activate(ctx, ws); err != nil {
			r.log.Printf("[registry] activate %s: %v", ws.Name, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	r.mu.RLock()
	var stale []string
	for name := range r.workers {
		if !want[name] {
			stale = append(stale, name)
		}
	}
	r.mu.RUnlock()
	for _, name := range stale {
		r.Deactivate(name)
	}
	return firstErr
}

// Dispatch routes a webhook event to the worker owning its
// installation. Events for unknown installations are dropped with a
// log line; the delivery was likely meant for a retired workspace.
func (r *Registry) Dispatch(ctx context.Context, ev *remote.Event) error {
	r.mu.RLock()
	name, ok := r.installs[ev.InstallationID]
	var w *worker.Worker
	if ok {
		w = r.workers[name].worker
	}
	r.mu.RUnlock()
	if !ok {
		r.log.Printf("[registry] dropping %s event for unknown installation %d", ev.Type, ev.InstallationID)
		return nil
	}
	return w.HandleEvent(ctx, ev)
}

// Workspaces lists the active workspace names.
func (r *Registry) Workspaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workers))
	for name := range r.workers {
		names = append(names, name)
	}
	return names
}

// Status tallies every active workspace's ledger records by state.
func (r *Registry) Status(ctx context.Context) (map[string]ledger.StateCounts, error) {
	out := make(map[string]ledger.StateCounts)
	for _, name := range r.Workspaces() {
		c, err := r.cfg.Ledger.CountStates(ctx, name)
		if err != nil {
			return nil, err
		}
		out[name] = c
	}
	return out, nil
}

// RequestSyncAll nudges every worker; used after operator rechecks.
func (r *Registry) RequestSyncAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.workers {
		e.worker.RequestSync()
	}
}

// Close stops all workers.
func (r *Registry) Close() {
	r.closed.Do(func() { close(r.closing) })
	for _, name := range r.Workspaces() {
		r.Deactivate(name)
	}
}
