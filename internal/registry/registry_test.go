package registry

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/syncforge/ghbridge/internal/config"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/ratelimit"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// quietClient answers every listing with nothing, so workers idle.
type quietClient struct {
	remote.Client
}

func (quietClient) ListRepositories(ctx context.Context) ([]remote.Repository, error) {
	return nil, nil
}
func (quietClient) ListIssues(ctx context.Context, repo string, since time.Time) ([]remote.Issue, error) {
	return nil, nil
}
func (quietClient) ListPullRequests(ctx context.Context, repo string, since time.Time) ([]remote.PullRequest, error) {
	return nil, nil
}
func (quietClient) ListComments(ctx context.Context, repo string, since time.Time) ([]remote.Comment, error) {
	return nil, nil
}
func (quietClient) ListMilestones(ctx context.Context, repo string) ([]remote.Milestone, error) {
	return nil, nil
}

type fixture struct {
	reg *Registry
	led *ledger.Ledger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("store schema: %v", err)
	}
	led := ledger.New(db.RawDB())
	if err := led.InitSchema(); err != nil {
		t.Fatalf("ledger schema: %v", err)
	}
	reg := NewRegistry(Config{
		Store:    store.New(db),
		Ledger:   led,
		BotLogin: "bridge-bot",
		Logger:   log.New(testWriter{t}, "", 0),
		NewClient: func(token string, limiter *ratelimit.Limiter) remote.Client {
			return quietClient{}
		},
	})
	t.Cleanup(reg.Close)
	return &fixture{reg: reg, led: led}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Logf("%s", p)
	return len(p), nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wsAcme() config.Workspace {
	return config.Workspace{
		Name:           "acme",
		InstallationID: 7,
		Token:          "tok-a",
		Repos:          []config.WorkspaceRepo{{Ref: "acme/widgets", Project: "proj-widgets"}},
	}
}

func wsUmbrella() config.Workspace {
	return config.Workspace{
		Name:           "umbrella",
		InstallationID: 9,
		Token:          "tok-u",
		Repos:          []config.WorkspaceRepo{{Ref: "umbrella/corp", Project: "proj-corp"}},
	}
}

func TestDispatchRoutesByInstallation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Activate(ctx, wsAcme()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := f.reg.Activate(ctx, wsUmbrella()); err != nil {
		t.Fatalf("activate: %v", err)
	}

	now := time.Now()
	iss := &remote.Issue{
		ID: 42, Number: 42, Title: "Routed", State: "open",
		User:      &remote.User{Login: "alice"},
		URL:       "https://api.example.com/repos/acme/widgets/issues/42",
		UpdatedAt: &now,
	}
	ev := &remote.Event{
		Type: remote.EventIssues, Action: "opened",
		InstallationID: 7,
		Repository:     &remote.Repository{FullName: "acme/widgets"},
		Issue:          iss,
	}
	if err := f.reg.Dispatch(ctx, ev); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	waitFor(t, "event to land in owning workspace", func() bool {
		rec, err := f.led.Get(ctx, "acme", iss.URL)
		return err == nil && rec != nil
	})
	rec, err := f.led.Get(ctx, "umbrella", iss.URL)
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if rec != nil {
		t.Error("event leaked into the wrong workspace")
	}
}

func TestDispatchDropsUnknownInstallation(t *testing.T) {
	f := newFixture(t)
	ev := &remote.Event{Type: remote.EventIssues, InstallationID: 999}
	if err := f.reg.Dispatch(context.Background(), ev); err != nil {
		t.Fatalf("unknown installation should be dropped, got %v", err)
	}
}

func TestActivateRejectsInstallationConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Activate(ctx, wsAcme()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	other := wsAcme()
	other.Name = "impostor"
	if err := f.reg.Activate(ctx, other); err == nil {
		t.Fatal("expected installation conflict error")
	}
}

func TestApplyStartsAndStopsWorkspaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.reg.Apply(ctx, []config.Workspace{wsAcme(), wsUmbrella()}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if got := len(f.reg.Workspaces()); got != 2 {
		t.Fatalf("got %d workspaces, want 2", got)
	}

	if err := f.reg.Apply(ctx, []config.Workspace{wsUmbrella()}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	names := f.reg.Workspaces()
	if len(names) != 1 || names[0] != "umbrella" {
		t.Errorf("Workspaces = %v, want [umbrella]", names)
	}
}

func TestRetireDropsLedgerRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Activate(ctx, wsAcme()); err != nil {
		t.Fatalf("activate: %v", err)
	}
	err := f.led.Upsert(ctx, &ledger.Record{
		Workspace:  "acme",
		URL:        "https://api.example.com/repos/acme/widgets/issues/1",
		EntityKind: ledger.KindIssue,
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}

	if err := f.reg.Retire(ctx, "acme"); err != nil {
		t.Fatalf("retire: %v", err)
	}
	if len(f.reg.Workspaces()) != 0 {
		t.Error("retired workspace still active")
	}
	rec, err := f.led.Get(ctx, "acme", "https://api.example.com/repos/acme/widgets/issues/1")
	if err != nil {
		t.Fatalf("ledger get: %v", err)
	}
	if rec != nil {
		t.Error("retired workspace still has sync records")
	}
}

func TestStatusCoversActiveWorkspaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.reg.Apply(ctx, []config.Workspace{wsAcme(), wsUmbrella()}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	status, err := f.reg.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status) != 2 {
		t.Errorf("status has %d workspaces, want 2", len(status))
	}
}

func TestTopologyWatcherReloads(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "workspaces.yaml")
	write := func(content string) {
		t.Helper()
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatalf("write workspaces: %v", err)
		}
	}
	write("workspaces:\n  - name: acme\n    installation: 7\n    token: tok\n")

	w := NewTopologyWatcher(f.reg, path)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	defer w.Stop()

	if got := len(f.reg.Workspaces()); got != 1 {
		t.Fatalf("initial load gave %d workspaces, want 1", got)
	}

	write("workspaces:\n  - name: acme\n    installation: 7\n    token: tok\n  - name: umbrella\n    installation: 9\n    token: tok\n")
	waitFor(t, "topology reload", func() bool {
		return len(f.reg.Workspaces()) == 2
	})
}
