package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/syncforge/ghbridge/internal/diffmerge"
	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/markup"
	"github.com/syncforge/ghbridge/internal/remote"
	"github.com/syncforge/ghbridge/internal/store"
)

// Store document kinds produced by the issue-shaped strategies.
const (
	DocIssue       = "issue"
	DocPullRequest = "pull-request"
)

// issueManagedFields are the document fields the engine owns on
// issue-shaped documents. Only these participate in three-way diffing;
// anything else on the document belongs to other store clients and is
// never pushed or overwritten.
var issueManagedFields = []string{
	"title", "description", "status", "assignees", "labels", "milestone",
}

// issueBase carries the reconcile flow shared by the issue and pull
// request strategies. Both kinds are "issue-shaped": a titled, bodied,
// stateful entity that exists on both sides and can change on either.
type issueBase struct {
	p Provider
}

// issueData projects a remote issue payload onto the managed field set.
func issueData(iss *remote.Issue) map[string]any {
	assignees := make([]any, 0, len(iss.Assignees))
	for _, a := range iss.Assignees {
		assignees = append(assignees, a.Login)
	}
	labels := make([]any, 0, len(iss.Labels))
	for _, l := range iss.Labels {
		labels = append(labels, l.Name)
	}
	var milestone any
	if iss.Milestone != nil {
		milestone = iss.Milestone.Title
	}
	return map[string]any{
		"title":       iss.Title,
		"description": markup.FromRemote(iss.Body),
		"status":      issueStatus(iss.State, iss.StateReason),
		"assignees":   assignees,
		"labels":      labels,
		"milestone":   milestone,
	}
}

// issueStatus collapses remote state plus state_reason into one field.
func issueStatus(state, reason string) string {
	if state == "closed" && reason == "not_planned" {
		return "cancelled"
	}
	return state
}

// pullRequestData projects a remote pull request payload onto the managed
// field set plus the pull-specific extras.
func pullRequestData(pr *remote.PullRequest) map[string]any {
	assignees := make([]any, 0, len(pr.Assignees))
	for _, a := range pr.Assignees {
		assignees = append(assignees, a.Login)
	}
	labels := make([]any, 0, len(pr.Labels))
	for _, l := range pr.Labels {
		labels = append(labels, l.Name)
	}
	var milestone any
	if pr.Milestone != nil {
		milestone = pr.Milestone.Title
	}
	status := pr.State
	if pr.Merged || pr.MergedAt != nil {
		status = "merged"
	} else if pr.Draft && pr.State == "open" {
		status = "draft"
	}
	return map[string]any{
		"title":       pr.Title,
		"description": markup.FromRemote(pr.Body),
		"status":      status,
		"assignees":   assignees,
		"labels":      labels,
		"milestone":   milestone,
	}
}

// localProjection extracts the managed subset of a document's fields, so
// unmanaged fields never enter the diff.
func localProjection(doc *store.Doc, keys []string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := doc.Fields[k]; ok {
			out[k] = v
		}
	}
	return out
}

// mergedSnapshot overlays the applied external delta on the local
// projection, producing the field values the document now holds.
func mergedSnapshot(local map[string]any, applied diffmerge.Delta) map[string]any {
	out := make(map[string]any, len(local)+len(applied))
	for k, v := range local {
		out[k] = v
	}
	for k, v := range applied {
		if v == nil {
			delete(out, k)
			continue
		}
		out[k] = v
	}
	return out
}

// remoteIssuePatch translates a local delta into the remote update payload.
func remoteIssuePatch(push diffmerge.Delta) map[string]any {
	patch := make(map[string]any, len(push))
	for k, v := range push {
		switch k {
		case "title":
			patch["title"] = v
		case "description":
			body, _ := v.(string)
			patch["body"] = markup.ToRemote(body)
		case "status":
			status, _ := v.(string)
			switch status {
			case "cancelled":
				patch["state"] = "closed"
				patch["state_reason"] = "not_planned"
			case "merged", "draft":
				// Merge and draft transitions are not expressible through
				// the issues update endpoint; the remote stays authoritative.
			case "":
				patch["state"] = "open"
			default:
				patch["state"] = status
			}
		case "assignees":
			patch["assignees"] = stringList(v)
		case "labels":
			patch["labels"] = stringList(v)
		}
		// milestone pushes need a milestone number lookup and are handled
		// by the project strategy when it owns the mapping.
	}
	return patch
}

func stringList(v any) []string {
	items, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss
		}
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// reconcile runs the three-way merge for an issue-shaped record whose
// remote payload has already been fetched.
//
// prev is the last agreed field set (rec.LocalSnapshot), next is the
// current remote projection, local is the current document projection.
// Fields only the remote changed flow into the store; fields only the
// document changed flow to the remote; fields both changed keep the
// document's value and the remote is overwritten to match.
func (b *issueBase) reconcile(ctx context.Context, docKind string, existing *store.Doc, rec *ledger.Record, repo Repo, next map[string]any, author *remote.User, number int) (ledger.Update, error) {
	now := time.Now()

	if existing == nil {
		// First sight of the remote entity: materialize the document.
		id := docKind + "-" + uuid.NewString()
		fields := make(map[string]any, len(next)+2)
		for k, v := range next {
			fields[k] = v
		}
		fields["number"] = number
		fields["repository"] = repo.Ref
		actor := b.p.ActorFor(ctx, author)
		err := b.p.Store().Create(ctx, store.Doc{
			ID:        id,
			Workspace: b.p.Workspace(),
			Kind:      docKind,
			Fields:    fields,
		}, actor, now)
		if err != nil {
			return ledger.Update{}, fmt.Errorf("failed to materialize %s: %w", docKind, err)
		}
		upd := settled()
		upd.LocalRef = ledger.StrPtr(id)
		upd.LocalSnapshot = next
		upd.SetLocalSnapshot = true
		upd.LastModified = ledger.TimePtr(now)
		return upd, nil
	}

	local := localProjection(existing, issueManagedFields)
	res := diffmerge.Merge(rec.LocalSnapshot, next, local)

	if len(res.Conflicts) > 0 {
		b.p.Logger().Printf("[sync] %s %s: %d conflicting field(s) resolved in favor of local", docKind, rec.URL, len(res.Conflicts))
	}

	if !res.ApplyLocal.Empty() {
		actor := b.p.ActorFor(ctx, author)
		if err := b.p.Store().Update(ctx, b.p.Workspace(), existing.ID, res.ApplyLocal, actor, now); err != nil {
			return ledger.Update{}, fmt.Errorf("failed to apply remote delta: %w", err)
		}
	}

	if !res.PushRemote.Empty() && b.p.WritesAllowed() {
		patch := remoteIssuePatch(res.PushRemote)
		if len(patch) > 0 {
			if _, err := b.p.Client(repo).UpdateIssue(ctx, repo.Ref, number, patch); err != nil {
				return ledger.Update{}, fmt.Errorf("failed to push local delta: %w", err)
			}
		}
	}

	upd := settled()
	upd.LocalSnapshot = mergedSnapshot(local, res.ApplyLocal)
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	return upd, nil
}

// createRemote pushes a local-first issue document to the remote and
// rewrites the record identity to the real URL. Only plain issues can be
// created this way; pull requests always originate remotely.
func (b *issueBase) createRemote(ctx context.Context, existing *store.Doc, rec *ledger.Record, repo Repo) (ledger.Update, error) {
	if !b.p.WritesAllowed() {
		// Readonly mode: park the record until writes come back. The
		// frozen external tag keeps it out of refresh sweeps.
		return ledger.Update{}, nil
	}

	create := remote.IssueCreate{
		Title:     existing.StringField("title"),
		Body:      markup.ToRemote(existing.StringField("description")),
		Assignees: stringList(existing.Field("assignees")),
		Labels:    stringList(existing.Field("labels")),
	}
	iss, err := b.p.Client(repo).CreateIssue(ctx, repo.Ref, create)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to create remote issue: %w", err)
	}

	snapshot, err := json.Marshal(iss)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}
	now := time.Now()
	local := localProjection(existing, issueManagedFields)

	// Record the remote-assigned number and URL on the document.
	err = b.p.Store().Update(ctx, b.p.Workspace(), existing.ID, map[string]any{
		"number":     iss.Number,
		"remote_url": iss.HTMLURL,
	}, EngineActor, now)
	if err != nil {
		return ledger.Update{}, fmt.Errorf("failed to record remote identity: %w", err)
	}

	upd := settled()
	upd.URL = ledger.StrPtr(ledger.NormalizeURL(iss.URL))
	upd.ExternalSnapshot = snapshot
	upd.SetExternalSnapshot = true
	upd.ExternalVersion = ledger.StrPtr(ledger.ExternalVersion)
	upd.LocalSnapshot = local
	upd.SetLocalSnapshot = true
	upd.LastModified = ledger.TimePtr(now)
	upd.ExternalSeen = ledger.TimePtr(timeOrNow(iss.UpdatedAt))
	return upd, nil
}
