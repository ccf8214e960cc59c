package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/syncforge/ghbridge/internal/ratelimit"
)

// Client is the remote API contract consumed by the sync strategies.
//
// Listings are paginated internally and support a "since" cursor for
// incremental sweeps. All mutations are at-least-once: callers rely on
// idempotent reconciliation, not on exactly-once delivery.
type Client interface {
	ListRepositories(ctx context.Context) ([]Repository, error)
	ListIssues(ctx context.Context, repo string, since time.Time) ([]Issue, error)
	ListPullRequests(ctx context.Context, repo string, since time.Time) ([]PullRequest, error)
	ListComments(ctx context.Context, repo string, since time.Time) ([]Comment, error)
	ListMilestones(ctx context.Context, repo string) ([]Milestone, error)

	GetIssue(ctx context.Context, repo string, number int) (*Issue, error)
	GetComment(ctx context.Context, repo string, commentID int) (*Comment, error)
	GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error)
	ListReviews(ctx context.Context, repo string, number int) ([]Review, error)
	ListReviewThreads(ctx context.Context, repo string, number int) ([]ReviewThread, error)
	ListReviewComments(ctx context.Context, repo string, number int) ([]ReviewComment, error)
	GetReviewComment(ctx context.Context, repo string, commentID int) (*ReviewComment, error)
	GetUser(ctx context.Context, login string) (*User, error)

	CreateIssue(ctx context.Context, repo string, create IssueCreate) (*Issue, error)
	UpdateIssue(ctx context.Context, repo string, number int, fields map[string]any) (*Issue, error)
	CreateComment(ctx context.Context, repo string, issueNumber int, body string) (*Comment, error)
	UpdateComment(ctx context.Context, repo string, commentID int, body string) (*Comment, error)
	DeleteComment(ctx context.Context, repo string, commentID int) error
	UpdateReviewComment(ctx context.Context, repo string, commentID int, body string) (*ReviewComment, error)
	DeleteReviewComment(ctx context.Context, repo string, commentID int) error
	CreateMilestone(ctx context.Context, repo string, create MilestoneCreate) (*Milestone, error)
	UpdateMilestone(ctx context.Context, repo string, number int, fields map[string]any) (*Milestone, error)
	DeleteMilestone(ctx context.Context, repo string, number int) error
	ResolveReviewThread(ctx context.Context, threadNodeID string) error
}

// restClient implements Client against the REST API. Every request first
// acquires the shared per-installation rate limiter.
type restClient struct {
	token   string
	baseURL string
	httpc   *http.Client
	limiter *ratelimit.Limiter
}

// NewClient creates a REST client for one installation.
// The limiter is shared across all workers hitting the same installation.
func NewClient(token string, limiter *ratelimit.Limiter) Client {
	return &restClient{
		token:   token,
		baseURL: DefaultAPIEndpoint,
		httpc:   &http.Client{Timeout: DefaultTimeout},
		limiter: limiter,
	}
}

// NewClientWithBaseURL creates a client against a custom endpoint
// (tests, self-hosted remotes).
func NewClientWithBaseURL(token, baseURL string, limiter *ratelimit.Limiter) Client {
	return &restClient{
		token:   token,
		baseURL: baseURL,
		httpc:   &http.Client{Timeout: DefaultTimeout},
		limiter: limiter,
	}
}

func (c *restClient) do(ctx context.Context, method, path string, params map[string]string, body any, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx); err != nil {
			return err
		}
	}

	u := c.baseURL + path
	if len(params) > 0 {
		values := url.Values{}
		for k, v := range params {
			values.Set(k, v)
		}
		u += "?" + values.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	const maxResponseSize = 50 * 1024 * 1024
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var msg struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &msg) == nil {
			apiErr.Message = msg.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusForbidden && resp.Header.Get("X-RateLimit-Remaining") == "0") {
			apiErr.RateLimited = true
		}
		return apiErr
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// paginate fetches all pages of a listing until a short page.
func paginate[T any](ctx context.Context, c *restClient, path string, params map[string]string) ([]T, error) {
	var all []T
	for page := 1; ; page++ {
		p := map[string]string{"per_page": strconv.Itoa(MaxPageSize), "page": strconv.Itoa(page)}
		for k, v := range params {
			p[k] = v
		}
		var batch []T
		if err := c.do(ctx, http.MethodGet, path, p, nil, &batch); err != nil {
			return nil, err
		}
		all = append(all, batch...)
		if len(batch) < MaxPageSize {
			return all, nil
		}
	}
}

func sinceParams(since time.Time) map[string]string {
	params := map[string]string{"state": "all", "sort": "updated", "direction": "asc"}
	if !since.IsZero() {
		params["since"] = since.UTC().Format(time.RFC3339)
	}
	return params
}

func (c *restClient) ListRepositories(ctx context.Context) ([]Repository, error) {
	return paginate[Repository](ctx, c, "/installation/repositories", nil)
}

func (c *restClient) ListIssues(ctx context.Context, repo string, since time.Time) ([]Issue, error) {
	return paginate[Issue](ctx, c, "/repos/"+repo+"/issues", sinceParams(since))
}

func (c *restClient) ListPullRequests(ctx context.Context, repo string, since time.Time) ([]PullRequest, error) {
	// The pulls listing has no since parameter; sort by update and let the
	// caller stop reconciling once payloads stop changing.
	return paginate[PullRequest](ctx, c, "/repos/"+repo+"/pulls", map[string]string{
		"state": "all", "sort": "updated", "direction": "asc",
	})
}

func (c *restClient) ListComments(ctx context.Context, repo string, since time.Time) ([]Comment, error) {
	return paginate[Comment](ctx, c, "/repos/"+repo+"/issues/comments", sinceParams(since))
}

func (c *restClient) ListMilestones(ctx context.Context, repo string) ([]Milestone, error) {
	return paginate[Milestone](ctx, c, "/repos/"+repo+"/milestones", map[string]string{"state": "all"})
}

func (c *restClient) GetIssue(ctx context.Context, repo string, number int) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, nil, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *restClient) GetComment(ctx context.Context, repo string, commentID int) (*Comment, error) {
	var comment Comment
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID), nil, nil, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *restClient) GetPullRequest(ctx context.Context, repo string, number int) (*PullRequest, error) {
	var pr PullRequest
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/%d", repo, number), nil, nil, &pr); err != nil {
		return nil, err
	}
	return &pr, nil
}

func (c *restClient) ListReviews(ctx context.Context, repo string, number int) ([]Review, error) {
	return paginate[Review](ctx, c, fmt.Sprintf("/repos/%s/pulls/%d/reviews", repo, number), nil)
}

func (c *restClient) ListReviewThreads(ctx context.Context, repo string, number int) ([]ReviewThread, error) {
	return paginate[ReviewThread](ctx, c, fmt.Sprintf("/repos/%s/pulls/%d/threads", repo, number), nil)
}

func (c *restClient) ListReviewComments(ctx context.Context, repo string, number int) ([]ReviewComment, error) {
	return paginate[ReviewComment](ctx, c, fmt.Sprintf("/repos/%s/pulls/%d/comments", repo, number), nil)
}

func (c *restClient) GetReviewComment(ctx context.Context, repo string, commentID int) (*ReviewComment, error) {
	var comment ReviewComment
	if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/pulls/comments/%d", repo, commentID), nil, nil, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *restClient) GetUser(ctx context.Context, login string) (*User, error) {
	var user User
	if err := c.do(ctx, http.MethodGet, "/users/"+login, nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

func (c *restClient) CreateIssue(ctx context.Context, repo string, create IssueCreate) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/issues", nil, create, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *restClient) UpdateIssue(ctx context.Context, repo string, number int, fields map[string]any) (*Issue, error) {
	var issue Issue
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil, fields, &issue); err != nil {
		return nil, err
	}
	return &issue, nil
}

func (c *restClient) CreateComment(ctx context.Context, repo string, issueNumber int, body string) (*Comment, error) {
	var comment Comment
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, issueNumber), nil, payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *restClient) UpdateComment(ctx context.Context, repo string, commentID int, body string) (*Comment, error) {
	var comment Comment
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID), nil, payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *restClient) DeleteComment(ctx context.Context, repo string, commentID int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/issues/comments/%d", repo, commentID), nil, nil, nil)
}

func (c *restClient) UpdateReviewComment(ctx context.Context, repo string, commentID int, body string) (*ReviewComment, error) {
	var comment ReviewComment
	payload := map[string]string{"body": body}
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/pulls/comments/%d", repo, commentID), nil, payload, &comment); err != nil {
		return nil, err
	}
	return &comment, nil
}

func (c *restClient) DeleteReviewComment(ctx context.Context, repo string, commentID int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/pulls/comments/%d", repo, commentID), nil, nil, nil)
}

func (c *restClient) CreateMilestone(ctx context.Context, repo string, create MilestoneCreate) (*Milestone, error) {
	var milestone Milestone
	if err := c.do(ctx, http.MethodPost, "/repos/"+repo+"/milestones", nil, create, &milestone); err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (c *restClient) UpdateMilestone(ctx context.Context, repo string, number int, fields map[string]any) (*Milestone, error) {
	var milestone Milestone
	if err := c.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/milestones/%d", repo, number), nil, fields, &milestone); err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (c *restClient) DeleteMilestone(ctx context.Context, repo string, number int) error {
	return c.do(ctx, http.MethodDelete, fmt.Sprintf("/repos/%s/milestones/%d", repo, number), nil, nil, nil)
}

func (c *restClient) ResolveReviewThread(ctx context.Context, threadNodeID string) error {
	payload := map[string]string{"thread_id": threadNodeID}
	return c.do(ctx, http.MethodPost, "/graphql/resolve-review-thread", nil, payload, nil)
}
