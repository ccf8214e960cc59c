package remote

import (
	"encoding/json"
	"fmt"
)

// Event types as delivered on the webhook channel.
const (
	EventIssues            = "issues"
	EventIssueComment      = "issue_comment"
	EventPullRequest       = "pull_request"
	EventPullRequestReview = "pull_request_review"
	EventReviewComment     = "pull_request_review_comment"
	EventReviewThread      = "pull_request_review_thread"
	EventMilestone         = "milestone"
	EventRepository        = "repository"
	EventInstallation      = "installation"
	EventPing              = "ping"
)

// Event is a typed webhook delivery. Delivery is at-least-once and possibly
// out of order; consumers must reconcile idempotently.
type Event struct {
	// Type is the webhook event name (EventIssues, EventIssueComment, ...).
	Type string `json:"type"`
	// Action is the event sub-action ("opened", "edited", "deleted", ...).
	Action string `json:"action"`
	// DeliveryID identifies the delivery for dedup logging.
	DeliveryID string `json:"delivery_id,omitempty"`
	// InstallationID routes the event to a workspace.
	InstallationID int `json:"installation_id,omitempty"`

	Repository    *Repository    `json:"repository,omitempty"`
	Sender        *User          `json:"sender,omitempty"`
	Issue         *Issue         `json:"issue,omitempty"`
	Comment       *Comment       `json:"comment,omitempty"`
	PullRequest   *PullRequest   `json:"pull_request,omitempty"`
	Review        *Review        `json:"review,omitempty"`
	ReviewComment *ReviewComment `json:"review_comment,omitempty"`
	Thread        *ReviewThread  `json:"thread,omitempty"`
	Milestone     *Milestone     `json:"milestone,omitempty"`
}

// EntityURL returns the URL identifying the entity the event is about, the
// serialization key for ordered processing. Empty for events the engine
// doesn't key (ping, installation).
func (e *Event) EntityURL() string {
	switch {
	case e.Comment != nil:
		return e.Comment.URL
	case e.ReviewComment != nil:
		return e.ReviewComment.URL
	case e.Review != nil:
		return e.Review.HTMLURL
	case e.Thread != nil:
		return e.Thread.NodeID
	case e.PullRequest != nil:
		return e.PullRequest.URL
	case e.Issue != nil:
		return e.Issue.URL
	case e.Milestone != nil:
		return e.Milestone.URL
	case e.Repository != nil:
		return e.Repository.URL
	}
	return ""
}

// eventEnvelope is the raw webhook payload shape.
type eventEnvelope struct {
	Action       string `json:"action"`
	Installation *struct {
		ID int `json:"id"`
	} `json:"installation,omitempty"`
	Repository    *Repository    `json:"repository,omitempty"`
	Sender        *User          `json:"sender,omitempty"`
	Issue         *Issue         `json:"issue,omitempty"`
	Comment       *Comment       `json:"comment,omitempty"`
	PullRequest   *PullRequest   `json:"pull_request,omitempty"`
	Review        *Review        `json:"review,omitempty"`
	ReviewComment *ReviewComment `json:"review_comment,omitempty"`
	Thread        *ReviewThread  `json:"thread,omitempty"`
	Milestone     *Milestone     `json:"milestone,omitempty"`
}

// ParseEvent decodes a webhook delivery into a typed Event.
func ParseEvent(eventType, deliveryID string, payload []byte) (*Event, error) {
	var env eventEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("failed to decode %s event: %w", eventType, err)
	}
	ev := &Event{
		Type:          eventType,
		Action:        env.Action,
		DeliveryID:    deliveryID,
		Repository:    env.Repository,
		Sender:        env.Sender,
		Issue:         env.Issue,
		Comment:       env.Comment,
		PullRequest:   env.PullRequest,
		Review:        env.Review,
		ReviewComment: env.ReviewComment,
		Thread:        env.Thread,
		Milestone:     env.Milestone,
	}
	if env.Installation != nil {
		ev.InstallationID = env.Installation.ID
	}
	return ev, nil
}
