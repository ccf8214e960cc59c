package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

func seedIssueRecord(t *testing.T, p *fakeProvider, iss *remote.Issue) *ledger.Record {
	t.Helper()
	snapshot, err := json.Marshal(iss)
	require.NoError(t, err)
	rec := &ledger.Record{
		Workspace:        p.ws,
		URL:              ledger.NormalizeURL(iss.URL),
		EntityKind:       ledger.KindIssue,
		RepositoryRef:    p.repo().Ref,
		ProjectRef:       p.repo().ProjectRef,
		ExternalSnapshot: snapshot,
		ExternalVersion:  ledger.ExternalVersion,
		DerivedVersion:   ledger.VersionFrozen,
		LastModified:     time.Now(),
	}
	require.NoError(t, p.led.Upsert(context.Background(), rec))
	return rec
}

func sampleIssue(number int) *remote.Issue {
	now := time.Now()
	return &remote.Issue{
		ID:        number,
		Number:    number,
		Title:     "Fix login flow",
		Body:      "Steps to reproduce...",
		State:     "open",
		User:      &remote.User{Login: "alice"},
		URL:       issueAPIURL("acme/widgets", number),
		HTMLURL:   "https://example.com/acme/widgets/issues/42",
		UpdatedAt: &now,
	}
}

func TestIssueSyncMaterializesDocument(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	rec := seedIssueRecord(t, p, sampleIssue(42))
	upd, err := s.Sync(ctx, nil, rec, nil)
	require.NoError(t, err)
	require.NotNil(t, upd.LocalRef)
	assert.Equal(t, ledger.SyncVersion, *upd.SyncVersion)

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: *upd.LocalRef})
	require.NoError(t, err)
	require.NotNil(t, doc)
	assert.Equal(t, "Fix login flow", doc.StringField("title"))
	assert.Equal(t, "open", doc.StringField("status"))

	// The author became a person document and is the creator.
	person, err := p.st.FindOne(ctx, store.Query{
		Workspace: p.ws, Kind: DocPerson, Fields: map[string]any{"login": "alice"},
	})
	require.NoError(t, err)
	require.NotNil(t, person)
	assert.Equal(t, person.ID, doc.CreatedBy)
}

func TestIssueSyncConflictLocalWins(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	iss := sampleIssue(42)
	rec := seedIssueRecord(t, p, iss)
	upd, err := s.Sync(ctx, nil, rec, nil)
	require.NoError(t, err)
	docID := *upd.LocalRef
	require.NoError(t, p.led.Apply(ctx, p.ws, rec.URL, upd))

	// Local edit and remote edit race on the title; remote also edits the
	// description unopposed.
	require.NoError(t, p.st.Update(ctx, p.ws, docID, map[string]any{"title": "Fix login flow (urgent)"}, "user-1", time.Now()))
	iss.Title = "Fix the login flow"
	iss.Body = "Updated reproduction steps"
	p.client.issues[42] = iss
	snapshot, _ := json.Marshal(iss)
	require.NoError(t, p.led.Apply(ctx, p.ws, rec.URL, ledger.Update{
		ExternalSnapshot: snapshot, SetExternalSnapshot: true,
		SyncVersion: ledger.StrPtr(""),
	}))

	rec2, err := p.led.Get(ctx, p.ws, rec.URL)
	require.NoError(t, err)
	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: docID})
	require.NoError(t, err)

	upd, err = s.Sync(ctx, doc, rec2, nil)
	require.NoError(t, err)
	require.NoError(t, p.led.Apply(ctx, p.ws, rec.URL, upd))

	doc, err = p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: docID})
	require.NoError(t, err)
	// Local title survived, remote description landed.
	assert.Equal(t, "Fix login flow (urgent)", doc.StringField("title"))
	assert.Equal(t, "Updated reproduction steps", doc.StringField("description"))
	// The winning title was pushed back out.
	require.Contains(t, p.client.updatedIssues, 42)
	assert.Equal(t, "Fix login flow (urgent)", p.client.updatedIssues[42]["title"])
	// The conflict was surfaced through the workspace logger.
	assert.Contains(t, p.logbuf.String(), "conflicting field")
}

func TestIssueSyncIdempotent(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	rec := seedIssueRecord(t, p, sampleIssue(42))
	upd, err := s.Sync(ctx, nil, rec, nil)
	require.NoError(t, err)
	require.NoError(t, p.led.Apply(ctx, p.ws, rec.URL, upd))

	rec2, err := p.led.Get(ctx, p.ws, rec.URL)
	require.NoError(t, err)
	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: rec2.LocalRef})
	require.NoError(t, err)

	// Running again with no changes touches nothing remote.
	upd, err = s.Sync(ctx, doc, rec2, nil)
	require.NoError(t, err)
	assert.Empty(t, p.client.updatedIssues)
	assert.Empty(t, p.client.createdIssues)
	require.NoError(t, p.led.Apply(ctx, p.ws, rec2.URL, upd))

	doc2, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: rec2.LocalRef})
	require.NoError(t, err)
	assert.Equal(t, doc.ModifiedAt.UnixMilli(), doc2.ModifiedAt.UnixMilli())
}

func TestIssueLocalFirstCreate(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	require.NoError(t, p.st.Create(ctx, store.Doc{
		ID: "issue-local-1", Workspace: p.ws, Kind: DocIssue,
		Fields: map[string]any{"title": "Add dark mode", "description": "Please", "status": "open"},
	}, "user-1", time.Now()))

	localURL := "local://ws1/issue-local-1"
	rec := &ledger.Record{
		Workspace: p.ws, URL: localURL, LocalRef: "issue-local-1",
		EntityKind: ledger.KindIssue, RepositoryRef: p.repo().Ref,
		ExternalVersion: ledger.VersionFrozen, DerivedVersion: ledger.VersionFrozen,
		LastModified: time.Now(),
	}
	require.NoError(t, p.led.Upsert(ctx, rec))

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "issue-local-1"})
	require.NoError(t, err)
	upd, err := s.Sync(ctx, doc, rec, nil)
	require.NoError(t, err)
	require.Len(t, p.client.createdIssues, 1)
	assert.Equal(t, "Add dark mode", p.client.createdIssues[0].Title)

	// The record is renamed to the real remote URL.
	require.NotNil(t, upd.URL)
	require.NoError(t, p.led.Apply(ctx, p.ws, localURL, upd))
	renamed, err := p.led.Get(ctx, p.ws, *upd.URL)
	require.NoError(t, err)
	require.NotNil(t, renamed)
	assert.True(t, renamed.Settled())
	assert.Equal(t, ledger.ExternalVersion, renamed.ExternalVersion)

	old, err := p.led.Get(ctx, p.ws, localURL)
	require.NoError(t, err)
	assert.Nil(t, old)

	// The document learned its remote number.
	doc, err = p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "issue-local-1"})
	require.NoError(t, err)
	assert.NotNil(t, doc.Field("number"))
}

func TestIssueReadonlyParksLocalFirst(t *testing.T) {
	p := newFakeProvider(t)
	p.writes = false
	s := NewIssueStrategy(p)
	ctx := context.Background()

	require.NoError(t, p.st.Create(ctx, store.Doc{
		ID: "issue-local-2", Workspace: p.ws, Kind: DocIssue,
		Fields: map[string]any{"title": "Readonly"},
	}, "user-1", time.Now()))
	rec := &ledger.Record{
		Workspace: p.ws, URL: "local://ws1/issue-local-2", LocalRef: "issue-local-2",
		EntityKind: ledger.KindIssue, RepositoryRef: p.repo().Ref,
		ExternalVersion: ledger.VersionFrozen, DerivedVersion: ledger.VersionFrozen,
	}
	require.NoError(t, p.led.Upsert(ctx, rec))

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "issue-local-2"})
	require.NoError(t, err)
	upd, err := s.Sync(ctx, doc, rec, nil)
	require.NoError(t, err)
	assert.True(t, upd.Empty())
	assert.Empty(t, p.client.createdIssues)
}

func TestIssueHandleDeleteClosesRemote(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	iss := sampleIssue(42)
	p.client.issues[42] = iss
	rec := seedIssueRecord(t, p, iss)

	done, err := s.HandleDelete(ctx, nil, rec, false)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, "closed", p.client.updatedIssues[42]["state"])
}

func TestIssueHandleDeleteGoneIsSuccess(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	rec := seedIssueRecord(t, p, sampleIssue(77)) // not in fake remote
	done, err := s.HandleDelete(ctx, nil, rec, false)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIngestSnapshotDuplicateDeliveryIsNoop(t *testing.T) {
	p := newFakeProvider(t)
	ctx := context.Background()
	iss := sampleIssue(42)

	require.NoError(t, ingestSnapshot(ctx, p, ledger.KindIssue, iss.URL, "", p.repo(), iss, iss.UpdatedAt, false))
	require.EqualValues(t, 1, p.requests.Load())

	rec1, err := p.led.Get(ctx, p.ws, iss.URL)
	require.NoError(t, err)
	assert.Equal(t, "", rec1.SyncVersion)
	// The listing cursor follows the remote updatedAt, not our clock.
	assert.Equal(t, iss.UpdatedAt.UnixMilli(), rec1.ExternalSeen.UnixMilli())

	// Second delivery of the same payload changes nothing and wakes no one.
	require.NoError(t, ingestSnapshot(ctx, p, ledger.KindIssue, iss.URL, "", p.repo(), iss, iss.UpdatedAt, false))
	assert.EqualValues(t, 1, p.requests.Load())
}

func TestIngestSnapshotRespectsTombstone(t *testing.T) {
	p := newFakeProvider(t)
	ctx := context.Background()
	iss := sampleIssue(42)

	rec := seedIssueRecord(t, p, iss)
	require.NoError(t, p.led.Apply(ctx, p.ws, rec.URL, ledger.Update{Deleted: ledger.BoolPtr(true)}))

	iss.Title = "Edited after local delete"
	require.NoError(t, ingestSnapshot(ctx, p, ledger.KindIssue, iss.URL, "", p.repo(), iss, iss.UpdatedAt, false))

	got, err := p.led.Get(ctx, p.ws, rec.URL)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	var stored remote.Issue
	require.NoError(t, json.Unmarshal(got.ExternalSnapshot, &stored))
	assert.Equal(t, "Fix login flow", stored.Title)
}

func TestCommentWaitsForUncreatedParent(t *testing.T) {
	p := newFakeProvider(t)
	s := NewCommentStrategy(p)
	ctx := context.Background()

	require.NoError(t, p.st.Create(ctx, store.Doc{
		ID: "comment-local-1", Workspace: p.ws, Kind: DocComment,
		Fields: map[string]any{"text": "First!"},
	}, "user-1", time.Now()))

	parentURL := "local://ws1/issue-local-9"
	parent := &ledger.Record{
		Workspace: p.ws, URL: parentURL, EntityKind: ledger.KindIssue,
		RepositoryRef: p.repo().Ref, ExternalVersion: ledger.VersionFrozen,
	}
	rec := &ledger.Record{
		Workspace: p.ws, URL: "local://ws1/comment-local-1", LocalRef: "comment-local-1",
		EntityKind: ledger.KindComment, ParentURL: parentURL,
		RepositoryRef: p.repo().Ref, ExternalVersion: ledger.VersionFrozen,
	}
	require.NoError(t, p.led.Upsert(ctx, parent))
	require.NoError(t, p.led.Upsert(ctx, rec))

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "comment-local-1"})
	require.NoError(t, err)
	upd, err := s.Sync(ctx, doc, rec, parent)
	require.NoError(t, err)
	// Still due: sync tag untouched, failure recorded for visibility.
	assert.Nil(t, upd.SyncVersion)
	require.NotNil(t, upd.Error)
	assert.Empty(t, p.client.createdComments)
}

func TestCommentCreatesUnderParent(t *testing.T) {
	p := newFakeProvider(t)
	s := NewCommentStrategy(p)
	ctx := context.Background()

	parentIss := sampleIssue(42)
	parent := seedIssueRecord(t, p, parentIss)

	require.NoError(t, p.st.Create(ctx, store.Doc{
		ID: "comment-local-2", Workspace: p.ws, Kind: DocComment,
		Fields: map[string]any{"text": "Looks good"},
	}, "user-1", time.Now()))
	rec := &ledger.Record{
		Workspace: p.ws, URL: "local://ws1/comment-local-2", LocalRef: "comment-local-2",
		EntityKind: ledger.KindComment, ParentURL: parent.URL,
		RepositoryRef: p.repo().Ref, ExternalVersion: ledger.VersionFrozen,
	}
	require.NoError(t, p.led.Upsert(ctx, rec))

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "comment-local-2"})
	require.NoError(t, err)
	upd, err := s.Sync(ctx, doc, rec, parent)
	require.NoError(t, err)
	require.Len(t, p.client.createdComments, 1)
	assert.Equal(t, "Looks good", p.client.createdComments[0])
	require.NotNil(t, upd.URL)
	require.NotNil(t, upd.SyncVersion)
	assert.Equal(t, ledger.SyncVersion, *upd.SyncVersion)
}

func TestCommentBotEchoSkipped(t *testing.T) {
	p := newFakeProvider(t)
	s := NewCommentStrategy(p)
	ctx := context.Background()

	ev := &remote.Event{
		Type: remote.EventIssueComment, Action: "created",
		Repository: &remote.Repository{FullName: p.repo().Ref},
		Comment: &remote.Comment{
			ID: 9, Body: "automated note", URL: commentAPIURL(p.repo().Ref, 9),
			PerformedViaApp: p.bot,
			User:            &remote.User{Login: p.bot, Type: "Bot"},
		},
	}
	require.NoError(t, s.HandleEvent(ctx, ev))

	rec, err := p.led.Get(ctx, p.ws, ev.Comment.URL)
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.EqualValues(t, 0, p.requests.Load())
}

func TestCommentEditPushesRemote(t *testing.T) {
	p := newFakeProvider(t)
	s := NewCommentStrategy(p)
	ctx := context.Background()

	parent := seedIssueRecord(t, p, sampleIssue(42))
	c := &remote.Comment{ID: 31, Body: "original", URL: commentAPIURL(p.repo().Ref, 31), User: &remote.User{Login: "bob"}}
	p.client.comments[31] = c
	snapshot, _ := json.Marshal(c)
	rec := &ledger.Record{
		Workspace: p.ws, URL: ledger.NormalizeURL(c.URL), EntityKind: ledger.KindComment,
		ParentURL: parent.URL, RepositoryRef: p.repo().Ref,
		ExternalSnapshot: snapshot, ExternalVersion: ledger.ExternalVersion,
	}
	require.NoError(t, p.led.Upsert(ctx, rec))

	upd, err := s.Sync(ctx, nil, rec, parent)
	require.NoError(t, err)
	require.NoError(t, p.led.Apply(ctx, p.ws, rec.URL, upd))
	rec, err = p.led.Get(ctx, p.ws, rec.URL)
	require.NoError(t, err)

	// Local edit, then resync.
	require.NoError(t, p.st.Update(ctx, p.ws, rec.LocalRef, map[string]any{"text": "edited locally"}, "user-1", time.Now()))
	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: rec.LocalRef})
	require.NoError(t, err)
	_, err = s.Sync(ctx, doc, rec, parent)
	require.NoError(t, err)
	assert.Equal(t, "edited locally", p.client.updatedComments[31])
}

func TestPullRequestDerivedEnumeration(t *testing.T) {
	p := newFakeProvider(t)
	s := NewPullRequestStrategy(p)
	ctx := context.Background()

	now := time.Now()
	pr := &remote.PullRequest{
		ID: 55, Number: 55, Title: "Refactor parser", State: "open",
		User: &remote.User{Login: "carol"},
		URL:  "https://api.example.com/repos/acme/widgets/pulls/55",
		RequestedReviewers: []remote.User{{Login: "dave"}},
		UpdatedAt:          &now,
	}
	p.client.pulls[55] = pr
	p.client.reviews = []remote.Review{
		{ID: 1, State: "APPROVED", User: &remote.User{Login: "erin"}, HTMLURL: "https://example.com/r/1", SubmittedAt: &now},
		{ID: 2, State: "PENDING", User: &remote.User{Login: "frank"}},
	}
	p.client.threads = []remote.ReviewThread{
		{NodeID: "T1", IsResolved: false, Path: "parser.go", Line: 10, UpdatedAt: &now},
	}
	p.client.reviewCmts = []remote.ReviewComment{
		{ID: 7, Body: "nit", URL: "https://api.example.com/repos/acme/widgets/pulls/comments/7", ThreadID: "T1", UpdatedAt: &now},
	}

	snapshot, _ := json.Marshal(pr)
	rec := ledger.Record{
		Workspace: p.ws, URL: ledger.NormalizeURL(pr.URL), EntityKind: ledger.KindPullRequest,
		RepositoryRef: p.repo().Ref, LocalRef: "pr-doc-1",
		ExternalSnapshot: snapshot, ExternalVersion: ledger.ExternalVersion,
	}
	require.NoError(t, p.st.Create(ctx, store.Doc{ID: "pr-doc-1", Workspace: p.ws, Kind: DocPullRequest, Fields: map[string]any{}}, EngineActor, now))
	require.NoError(t, p.led.Upsert(ctx, &rec))

	require.NoError(t, s.ExternalSync(ctx, ledger.StaleDerived, []ledger.Record{rec}, p.repo()))

	// Pending review skipped, submitted review recorded.
	children, err := p.led.Children(ctx, p.ws, rec.URL)
	require.NoError(t, err)
	kinds := make(map[ledger.Kind]int)
	for _, child := range children {
		kinds[child.EntityKind]++
	}
	assert.Equal(t, 1, kinds[ledger.KindReview])
	assert.Equal(t, 1, kinds[ledger.KindReviewThread])

	// The review comment hangs off its thread, not the pull request.
	threadChildren, err := p.led.Children(ctx, p.ws, threadURLByID(rec.URL, "T1"))
	require.NoError(t, err)
	require.Len(t, threadChildren, 1)
	assert.Equal(t, ledger.KindReviewComment, threadChildren[0].EntityKind)

	// Derived tag advanced, aggregate recorded on the document.
	got, err := p.led.Get(ctx, p.ws, rec.URL)
	require.NoError(t, err)
	assert.Equal(t, ledger.DerivedVersion, got.DerivedVersion)
	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "pr-doc-1"})
	require.NoError(t, err)
	assert.Equal(t, "review-pending", doc.StringField("review_state"))
}

func TestAggregateReviewState(t *testing.T) {
	pr := &remote.PullRequest{}
	approved := []remote.Review{{ID: 1, State: "APPROVED", User: &remote.User{Login: "a"}}}
	assert.Equal(t, "approved", aggregateReviewState(pr, approved))

	changes := append(approved, remote.Review{ID: 2, State: "CHANGES_REQUESTED", User: &remote.User{Login: "b"}})
	assert.Equal(t, "changes-requested", aggregateReviewState(pr, changes))

	// A re-request voids the earlier approval.
	rerequested := &remote.PullRequest{RequestedReviewers: []remote.User{{Login: "a"}}}
	assert.Equal(t, "review-pending", aggregateReviewState(rerequested, approved))

	assert.Equal(t, "none", aggregateReviewState(pr, nil))
}

func TestThreadResolveLocallyPushesRemote(t *testing.T) {
	p := newFakeProvider(t)
	s := NewReviewThreadStrategy(p)
	ctx := context.Background()

	th := &remote.ReviewThread{NodeID: "T9", IsResolved: false, Path: "a.go"}
	snapshot, _ := json.Marshal(th)
	rec := &ledger.Record{
		Workspace: p.ws, URL: "https://api.example.com/repos/acme/widgets/pulls/55/threads/t9",
		EntityKind: ledger.KindReviewThread, RepositoryRef: p.repo().Ref,
		ExternalSnapshot: snapshot, ExternalVersion: ledger.ExternalVersion,
		LocalSnapshot: map[string]any{"resolved": false},
	}
	require.NoError(t, p.led.Upsert(ctx, rec))
	require.NoError(t, p.st.Create(ctx, store.Doc{
		ID: "thread-doc-1", Workspace: p.ws, Kind: DocReviewThread,
		Fields: map[string]any{"resolved": true},
	}, "user-1", time.Now()))
	rec.LocalRef = "thread-doc-1"

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "thread-doc-1"})
	require.NoError(t, err)
	_, err = s.Sync(ctx, doc, rec, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"T9"}, p.client.resolvedThreads)
}

func TestMilestoneLocalFirstCreate(t *testing.T) {
	p := newFakeProvider(t)
	s := NewProjectStrategy(p, nil)
	ctx := context.Background()

	require.NoError(t, p.st.Create(ctx, store.Doc{
		ID: "milestone-local-1", Workspace: p.ws, Kind: DocMilestone,
		Fields: map[string]any{"title": "v2.0", "description": "Big one", "status": "open"},
	}, "user-1", time.Now()))
	rec := &ledger.Record{
		Workspace: p.ws, URL: "local://ws1/milestone-local-1", LocalRef: "milestone-local-1",
		EntityKind: ledger.KindProject, RepositoryRef: p.repo().Ref,
		ExternalVersion: ledger.VersionFrozen, DerivedVersion: ledger.VersionFrozen,
	}
	require.NoError(t, p.led.Upsert(ctx, rec))

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: "milestone-local-1"})
	require.NoError(t, err)
	upd, err := s.Sync(ctx, doc, rec, nil)
	require.NoError(t, err)
	require.NotNil(t, upd.URL)
	require.Len(t, p.client.milestones, 1)
}

func TestMilestoneMappingTranslatesPatch(t *testing.T) {
	mapping := &FieldMapping{
		Fields:   map[string]string{"title": "name"},
		Statuses: map[string]string{"done": "closed"},
	}
	patch := remoteMilestonePatch(map[string]any{"title": "v2.1", "status": "done"}, mapping)
	assert.Equal(t, "v2.1", patch["name"])
	assert.Equal(t, "closed", patch["state"])
}

func TestMappingCacheReparsesOnChange(t *testing.T) {
	var cache mappingCache

	m1, err := cache.get("proj", []byte("[fields]\ntitle = \"name\"\n"))
	require.NoError(t, err)
	require.NotNil(t, m1)
	assert.Equal(t, "name", m1.Fields["title"])

	// Same content: same parsed value back.
	m2, err := cache.get("proj", []byte("[fields]\ntitle = \"name\"\n"))
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	m3, err := cache.get("proj", []byte("[fields]\ntitle = \"label\"\n"))
	require.NoError(t, err)
	assert.Equal(t, "label", m3.Fields["title"])
}

func TestUserSyncRefreshesProfile(t *testing.T) {
	p := newFakeProvider(t)
	s := NewUserStrategy(p, p.accounts)
	ctx := context.Background()

	// Actor resolution materialized the person already.
	actor := p.ActorFor(ctx, &remote.User{Login: "alice"})
	require.NotEqual(t, EngineActor, actor)

	u := &remote.User{Login: "alice", Name: "Alice Smith", URL: "https://api.example.com/users/alice"}
	snapshot, _ := json.Marshal(u)
	rec := &ledger.Record{
		Workspace: p.ws, URL: ledger.NormalizeURL(u.URL), EntityKind: ledger.KindUser,
		ExternalSnapshot: snapshot, ExternalVersion: ledger.ExternalVersion,
		DerivedVersion: ledger.VersionFrozen,
	}
	require.NoError(t, p.led.Upsert(ctx, rec))

	upd, err := s.Sync(ctx, nil, rec, nil)
	require.NoError(t, err)
	require.NotNil(t, upd.LocalRef)
	assert.Equal(t, actor, *upd.LocalRef)

	doc, err := p.st.FindOne(ctx, store.Query{Workspace: p.ws, ID: actor})
	require.NoError(t, err)
	assert.Equal(t, "Alice Smith", doc.StringField("name"))
}

func TestIssueExternalFullSyncSkipsPulls(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	p.client.issues[1] = sampleIssue(1)
	prShaped := sampleIssue(2)
	prShaped.URL = issueAPIURL(p.repo().Ref, 2)
	prShaped.PullRequest = &remote.PullRef{URL: "https://api.example.com/repos/acme/widgets/pulls/2"}
	p.client.issues[2] = prShaped

	require.NoError(t, s.ExternalFullSync(ctx, []Repo{p.repo()}))

	rec, err := p.led.Get(ctx, p.ws, sampleIssue(1).URL)
	require.NoError(t, err)
	assert.NotNil(t, rec)
	skipped, err := p.led.Get(ctx, p.ws, prShaped.URL)
	require.NoError(t, err)
	assert.Nil(t, skipped)
}

func TestExternalSyncCorruptSnapshotSettlesWithError(t *testing.T) {
	p := newFakeProvider(t)
	s := NewIssueStrategy(p)
	ctx := context.Background()

	rec := ledger.Record{
		Workspace: p.ws, URL: issueAPIURL(p.repo().Ref, 99),
		EntityKind: ledger.KindIssue, RepositoryRef: p.repo().Ref, LocalRef: "issue-doc-99",
		ExternalSnapshot: []byte(`{"number":`), ExternalVersion: "e0",
	}
	require.NoError(t, p.led.Upsert(ctx, &rec))

	require.NoError(t, s.ExternalSync(ctx, ledger.StaleExternal, []ledger.Record{rec}, p.repo()))

	got, err := p.led.Get(ctx, p.ws, rec.URL)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, ledger.ExternalVersion, got.ExternalVersion)
	assert.Contains(t, got.Error, "undecodable snapshot")

	// Settled, so it stops re-queueing on every refresh pass.
	page, err := p.led.StalePage(ctx, p.ws, ledger.StaleExternal, ledger.ExternalVersion, ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, page)
}
