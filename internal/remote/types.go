// Package remote provides the client contract and data types for the
// external system of record (a GitHub-style issue tracker API).
//
// The sync engine consumes the Client interface; the REST implementation in
// client.go handles pagination, authentication and retry. Webhook-shaped
// events (events.go) and the error taxonomy (errors.go) live here too, so
// strategies depend on a single package for everything remote.
package remote

import (
	"time"
)

// API configuration constants.
const (
	// DefaultAPIEndpoint is the remote REST API base URL.
	DefaultAPIEndpoint = "https://api.github.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// MaxPageSize is the maximum number of entities fetched per page.
	MaxPageSize = 100

	// BatchSize is the default id-batch fetch size. On partial failure the
	// caller falls back to batches of one to isolate the bad id.
	BatchSize = 50
)

// User represents a remote account.
type User struct {
	ID        int    `json:"id"`
	NodeID    string `json:"node_id,omitempty"`
	Login     string `json:"login"`
	Name      string `json:"name,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatar_url,omitempty"`
	HTMLURL   string `json:"html_url,omitempty"`
	URL       string `json:"url,omitempty"`
	Type      string `json:"type,omitempty"` // "User", "Bot", "Organization"
}

// Label represents an issue label.
type Label struct {
	ID    int    `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
}

// Milestone represents a milestone, which the store materializes as a
// project document.
type Milestone struct {
	ID          int        `json:"id"`
	NodeID      string     `json:"node_id,omitempty"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	State       string     `json:"state"` // "open" or "closed"
	DueOn       *time.Time `json:"due_on,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	URL         string     `json:"url,omitempty"`
	HTMLURL     string     `json:"html_url,omitempty"`
}

// Repository represents a remote repository.
type Repository struct {
	ID            int    `json:"id"`
	NodeID        string `json:"node_id,omitempty"`
	Name          string `json:"name"`
	FullName      string `json:"full_name"`
	Description   string `json:"description,omitempty"`
	URL           string `json:"url,omitempty"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch,omitempty"`
	Private       bool   `json:"private"`
	Archived      bool   `json:"archived,omitempty"`
	Owner         *User  `json:"owner,omitempty"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`
}

// PullRef marks an issue payload as actually being a pull request. The
// issues listing returns both; this field distinguishes them.
type PullRef struct {
	URL string `json:"url,omitempty"`
}

// Issue represents a remote issue.
type Issue struct {
	ID          int        `json:"id"`
	NodeID      string     `json:"node_id,omitempty"`
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	State       string     `json:"state"`                  // "open" or "closed"
	StateReason string     `json:"state_reason,omitempty"` // "completed", "not_planned", "reopened"
	CreatedAt   *time.Time `json:"created_at"`
	UpdatedAt   *time.Time `json:"updated_at"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	Labels      []Label    `json:"labels,omitempty"`
	Assignee    *User      `json:"assignee,omitempty"`
	Assignees   []User     `json:"assignees,omitempty"`
	User        *User      `json:"user,omitempty"` // author
	Milestone   *Milestone `json:"milestone,omitempty"`
	URL         string     `json:"url"`
	HTMLURL     string     `json:"html_url"`
	PullRequest *PullRef   `json:"pull_request,omitempty"`
}

// PullRequest represents a remote pull request.
type PullRequest struct {
	ID                 int        `json:"id"`
	NodeID             string     `json:"node_id,omitempty"`
	Number             int        `json:"number"`
	Title              string     `json:"title"`
	Body               string     `json:"body"`
	State              string     `json:"state"` // "open" or "closed"
	Draft              bool       `json:"draft,omitempty"`
	Merged             bool       `json:"merged,omitempty"`
	MergedAt           *time.Time `json:"merged_at,omitempty"`
	CreatedAt          *time.Time `json:"created_at"`
	UpdatedAt          *time.Time `json:"updated_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
	User               *User      `json:"user,omitempty"`
	Assignees          []User     `json:"assignees,omitempty"`
	RequestedReviewers []User     `json:"requested_reviewers,omitempty"`
	Labels             []Label    `json:"labels,omitempty"`
	Milestone          *Milestone `json:"milestone,omitempty"`
	HeadRef            string     `json:"head_ref,omitempty"`
	BaseRef            string     `json:"base_ref,omitempty"`
	URL                string     `json:"url"`
	HTMLURL            string     `json:"html_url"`
	IssueURL           string     `json:"issue_url,omitempty"`
}

// Comment represents a chat comment attached to an issue or pull request.
type Comment struct {
	ID        int        `json:"id"`
	NodeID    string     `json:"node_id,omitempty"`
	Body      string     `json:"body"`
	User      *User      `json:"user,omitempty"`
	CreatedAt *time.Time `json:"created_at"`
	UpdatedAt *time.Time `json:"updated_at"`
	URL       string     `json:"url"`
	HTMLURL   string     `json:"html_url"`
	IssueURL  string     `json:"issue_url,omitempty"`
	// PerformedViaApp is set when the comment was posted by an
	// integration app, including this engine itself.
	PerformedViaApp string `json:"performed_via_github_app,omitempty"`
}

// Review represents a pull request review (a derived document: enumerated
// from within a pull request, never listed repository-wide).
type Review struct {
	ID             int        `json:"id"`
	NodeID         string     `json:"node_id,omitempty"`
	Body           string     `json:"body,omitempty"`
	State          string     `json:"state"` // "APPROVED", "CHANGES_REQUESTED", "COMMENTED", "DISMISSED", "PENDING"
	User           *User      `json:"user,omitempty"`
	SubmittedAt    *time.Time `json:"submitted_at,omitempty"`
	URL            string     `json:"url,omitempty"`
	HTMLURL        string     `json:"html_url"`
	PullRequestURL string     `json:"pull_request_url,omitempty"`
	CommitID       string     `json:"commit_id,omitempty"`
}

// ReviewThread represents a resolvable review conversation on a pull
// request (derived document).
type ReviewThread struct {
	NodeID         string `json:"node_id"`
	IsResolved     bool   `json:"is_resolved"`
	IsOutdated     bool   `json:"is_outdated,omitempty"`
	Path           string `json:"path,omitempty"`
	Line           int    `json:"line,omitempty"`
	ResolvedBy     *User  `json:"resolved_by,omitempty"`
	PullRequestURL string `json:"pull_request_url,omitempty"`
	URL            string `json:"url,omitempty"`
	UpdatedAt      *time.Time `json:"updated_at,omitempty"`
}

// ReviewComment represents a line comment inside a review thread.
type ReviewComment struct {
	ID             int        `json:"id"`
	NodeID         string     `json:"node_id,omitempty"`
	Body           string     `json:"body"`
	Path           string     `json:"path,omitempty"`
	Line           int        `json:"line,omitempty"`
	User           *User      `json:"user,omitempty"`
	CreatedAt      *time.Time `json:"created_at"`
	UpdatedAt      *time.Time `json:"updated_at"`
	URL            string     `json:"url"`
	HTMLURL        string     `json:"html_url"`
	PullRequestURL string     `json:"pull_request_url,omitempty"`
	ThreadID       string     `json:"thread_id,omitempty"`
	InReplyTo      int        `json:"in_reply_to_id,omitempty"`
	PerformedViaApp string    `json:"performed_via_github_app,omitempty"`
}

// IssueCreate carries the fields for creating a remote issue.
type IssueCreate struct {
	Title     string   `json:"title"`
	Body      string   `json:"body,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Milestone int      `json:"milestone,omitempty"`
}

// MilestoneCreate carries the fields for creating a remote milestone.
type MilestoneCreate struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	State       string     `json:"state,omitempty"`
	DueOn       *time.Time `json:"due_on,omitempty"`
}
