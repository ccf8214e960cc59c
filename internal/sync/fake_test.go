package sync

import (
	"bytes"
	"context"
	"log"
	"strconv"
	gosync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// fakeProvider wires the strategies to a real in-memory store and ledger
// plus a scripted remote client.
type fakeProvider struct {
	ws       string
	st       store.Store
	led      *ledger.Ledger
	client   *fakeClient
	repos    map[string]Repo
	writes   bool
	bot      string
	accounts *AccountCache
	requests atomic.Int32
	closing  bool

	logbuf *lockedBuffer
	logger *log.Logger
}

// lockedBuffer captures log output for assertions.
type lockedBuffer struct {
	mu  gosync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newFakeProvider(t *testing.T) *fakeProvider {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.InitSchema())

	led := ledger.New(db.RawDB())
	require.NoError(t, led.InitSchema())

	logbuf := &lockedBuffer{}
	repo := Repo{Ref: "acme/widgets", ProjectRef: "proj-widgets", InstallationID: 7, Enabled: true}
	return &fakeProvider{
		ws:       "ws1",
		st:       store.New(db),
		led:      led,
		client:   newFakeClient(),
		repos:    map[string]Repo{repo.Ref: repo},
		writes:   true,
		bot:      "bridge-bot",
		accounts: NewAccountCache(64),
		logbuf:   logbuf,
		logger:   log.New(logbuf, "", 0),
	}
}

func (p *fakeProvider) repo() Repo { return p.repos["acme/widgets"] }

func (p *fakeProvider) Workspace() string       { return p.ws }
func (p *fakeProvider) Store() store.Store      { return p.st }
func (p *fakeProvider) Ledger() *ledger.Ledger  { return p.led }
func (p *fakeProvider) Client(Repo) remote.Client { return p.client }
func (p *fakeProvider) RequestSync()            { p.requests.Add(1) }
func (p *fakeProvider) WritesAllowed() bool     { return p.writes }
func (p *fakeProvider) BotLogin() string        { return p.bot }
func (p *fakeProvider) IsClosing() bool         { return p.closing }
func (p *fakeProvider) Logger() *log.Logger     { return p.logger }

func (p *fakeProvider) RepoFor(ref string) (Repo, bool) {
	r, ok := p.repos[ref]
	return r, ok
}

func (p *fakeProvider) ActorFor(ctx context.Context, user *remote.User) string {
	id, err := p.accounts.Resolve(ctx, p.st, p.ws, user)
	if err != nil {
		return EngineActor
	}
	return id
}

// fakeClient records mutations and serves scripted payloads.
type fakeClient struct {
	issues       map[int]*remote.Issue
	pulls        map[int]*remote.PullRequest
	comments     map[int]*remote.Comment
	milestones   map[int]*remote.Milestone
	reviews      []remote.Review
	threads      []remote.ReviewThread
	reviewCmts   []remote.ReviewComment
	repositories []remote.Repository

	updatedIssues     map[int]map[string]any
	updatedComments   map[int]string
	updatedMilestones map[int]map[string]any
	createdIssues     []remote.IssueCreate
	createdComments   []string
	deletedComments   []int
	resolvedThreads   []string

	nextNumber int
	failWith   error
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		issues:            make(map[int]*remote.Issue),
		pulls:             make(map[int]*remote.PullRequest),
		comments:          make(map[int]*remote.Comment),
		milestones:        make(map[int]*remote.Milestone),
		updatedIssues:     make(map[int]map[string]any),
		updatedComments:   make(map[int]string),
		updatedMilestones: make(map[int]map[string]any),
		nextNumber:        100,
	}
}

func (c *fakeClient) ListRepositories(ctx context.Context) ([]remote.Repository, error) {
	return c.repositories, c.failWith
}

func (c *fakeClient) ListIssues(ctx context.Context, repo string, since time.Time) ([]remote.Issue, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	var out []remote.Issue
	for _, iss := range c.issues {
		out = append(out, *iss)
	}
	return out, nil
}

func (c *fakeClient) ListPullRequests(ctx context.Context, repo string, since time.Time) ([]remote.PullRequest, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	var out []remote.PullRequest
	for _, pr := range c.pulls {
		out = append(out, *pr)
	}
	return out, nil
}

func (c *fakeClient) ListComments(ctx context.Context, repo string, since time.Time) ([]remote.Comment, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	var out []remote.Comment
	for _, cm := range c.comments {
		out = append(out, *cm)
	}
	return out, nil
}

func (c *fakeClient) ListMilestones(ctx context.Context, repo string) ([]remote.Milestone, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	var out []remote.Milestone
	for _, m := range c.milestones {
		out = append(out, *m)
	}
	return out, nil
}

func (c *fakeClient) GetIssue(ctx context.Context, repo string, number int) (*remote.Issue, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	iss, ok := c.issues[number]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return iss, nil
}

func (c *fakeClient) GetComment(ctx context.Context, repo string, commentID int) (*remote.Comment, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	cm, ok := c.comments[commentID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return cm, nil
}

func (c *fakeClient) GetPullRequest(ctx context.Context, repo string, number int) (*remote.PullRequest, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	pr, ok := c.pulls[number]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return pr, nil
}

func (c *fakeClient) ListReviews(ctx context.Context, repo string, number int) ([]remote.Review, error) {
	return c.reviews, c.failWith
}

func (c *fakeClient) ListReviewThreads(ctx context.Context, repo string, number int) ([]remote.ReviewThread, error) {
	return c.threads, c.failWith
}

func (c *fakeClient) ListReviewComments(ctx context.Context, repo string, number int) ([]remote.ReviewComment, error) {
	return c.reviewCmts, c.failWith
}

func (c *fakeClient) GetReviewComment(ctx context.Context, repo string, commentID int) (*remote.ReviewComment, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	for i := range c.reviewCmts {
		if c.reviewCmts[i].ID == commentID {
			return &c.reviewCmts[i], nil
		}
	}
	return nil, remote.ErrNotFound
}

func (c *fakeClient) GetUser(ctx context.Context, login string) (*remote.User, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	return &remote.User{Login: login, URL: "https://api.example.com/users/" + login}, nil
}

func (c *fakeClient) CreateIssue(ctx context.Context, repo string, create remote.IssueCreate) (*remote.Issue, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.createdIssues = append(c.createdIssues, create)
	c.nextNumber++
	iss := &remote.Issue{
		ID:     c.nextNumber,
		Number: c.nextNumber,
		Title:  create.Title,
		Body:   create.Body,
		State:  "open",
		URL:    issueAPIURL(repo, c.nextNumber),
	}
	c.issues[iss.Number] = iss
	return iss, nil
}

func (c *fakeClient) UpdateIssue(ctx context.Context, repo string, number int, fields map[string]any) (*remote.Issue, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.updatedIssues[number] = fields
	iss, ok := c.issues[number]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return iss, nil
}

func (c *fakeClient) CreateComment(ctx context.Context, repo string, issueNumber int, body string) (*remote.Comment, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.createdComments = append(c.createdComments, body)
	c.nextNumber++
	cm := &remote.Comment{
		ID:   c.nextNumber,
		Body: body,
		URL:  commentAPIURL(repo, c.nextNumber),
	}
	c.comments[cm.ID] = cm
	return cm, nil
}

func (c *fakeClient) UpdateComment(ctx context.Context, repo string, commentID int, body string) (*remote.Comment, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.updatedComments[commentID] = body
	cm, ok := c.comments[commentID]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return cm, nil
}

func (c *fakeClient) DeleteComment(ctx context.Context, repo string, commentID int) error {
	if c.failWith != nil {
		return c.failWith
	}
	if _, ok := c.comments[commentID]; !ok {
		return remote.ErrNotFound
	}
	c.deletedComments = append(c.deletedComments, commentID)
	delete(c.comments, commentID)
	return nil
}

func (c *fakeClient) UpdateReviewComment(ctx context.Context, repo string, commentID int, body string) (*remote.ReviewComment, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	for i := range c.reviewCmts {
		if c.reviewCmts[i].ID == commentID {
			c.reviewCmts[i].Body = body
			return &c.reviewCmts[i], nil
		}
	}
	return nil, remote.ErrNotFound
}

func (c *fakeClient) DeleteReviewComment(ctx context.Context, repo string, commentID int) error {
	return c.failWith
}

func (c *fakeClient) CreateMilestone(ctx context.Context, repo string, create remote.MilestoneCreate) (*remote.Milestone, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.nextNumber++
	m := &remote.Milestone{
		ID:          c.nextNumber,
		Number:      c.nextNumber,
		Title:       create.Title,
		Description: create.Description,
		State:       "open",
		DueOn:       create.DueOn,
		URL:         milestoneAPIURL(repo, c.nextNumber),
	}
	c.milestones[m.Number] = m
	return m, nil
}

func (c *fakeClient) UpdateMilestone(ctx context.Context, repo string, number int, fields map[string]any) (*remote.Milestone, error) {
	if c.failWith != nil {
		return nil, c.failWith
	}
	c.updatedMilestones[number] = fields
	m, ok := c.milestones[number]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return m, nil
}

func (c *fakeClient) DeleteMilestone(ctx context.Context, repo string, number int) error {
	if c.failWith != nil {
		return c.failWith
	}
	delete(c.milestones, number)
	return nil
}

func (c *fakeClient) ResolveReviewThread(ctx context.Context, threadNodeID string) error {
	if c.failWith != nil {
		return c.failWith
	}
	c.resolvedThreads = append(c.resolvedThreads, threadNodeID)
	return nil
}

func issueAPIURL(repo string, number int) string {
	return "https://api.example.com/repos/" + repo + "/issues/" + strconv.Itoa(number)
}

func commentAPIURL(repo string, id int) string {
	return "https://api.example.com/repos/" + repo + "/issues/comments/" + strconv.Itoa(id)
}

func milestoneAPIURL(repo string, number int) string {
	return "https://api.example.com/repos/" + repo + "/milestones/" + strconv.Itoa(number)
}

