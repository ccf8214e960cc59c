package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/syncforge/ghbridge/internal/ledger"
)

// ingestSnapshot records a freshly observed remote payload for an entity.
// On first sight it creates the sync record; otherwise it stores the new
// payload and re-arms the local reconcile pass. Unchanged payloads on a
// settled record are a no-op, which is what makes duplicate webhook
// deliveries and overlapping bulk sweeps harmless.
//
// derived arms the second-order pass for kinds that enumerate children.
func ingestSnapshot(ctx context.Context, p Provider, kind ledger.Kind, url, parentURL string, repo Repo, payload any, updatedAt *time.Time, derived bool) error {
	snapshot, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", kind, err)
	}
	url = ledger.NormalizeURL(url)
	modified := timeOrNow(updatedAt)

	rec, err := p.Ledger().Get(ctx, p.Workspace(), url)
	if err != nil {
		return err
	}

	if rec == nil {
		derivedTag := ledger.VersionFrozen
		if derived {
			derivedTag = ""
		}
		rec := &ledger.Record{
			Workspace:        p.Workspace(),
			URL:              url,
			EntityKind:       kind,
			ParentURL:        ledger.NormalizeURL(parentURL),
			RepositoryRef:    repo.Ref,
			ProjectRef:       repo.ProjectRef,
			ExternalSnapshot: snapshot,
			ExternalVersion:  ledger.ExternalVersion,
			DerivedVersion:   derivedTag,
			LastModified:     modified,
			ExternalSeen:     modified,
		}
		if err := p.Ledger().Upsert(ctx, rec); err != nil {
			return err
		}
		p.RequestSync()
		return nil
	}

	if rec.Deleted {
		// A tombstoned record saw the entity again: the local delete has
		// not reached the remote yet, keep the tombstone authoritative.
		return nil
	}

	if bytes.Equal(rec.ExternalSnapshot, snapshot) &&
		rec.ExternalVersion == ledger.ExternalVersion {
		return nil
	}

	upd := ledger.Update{
		ExternalSnapshot:    snapshot,
		SetExternalSnapshot: true,
		ExternalVersion:     ledger.StrPtr(ledger.ExternalVersion),
		SyncVersion:         ledger.StrPtr(""),
		LastModified:        ledger.TimePtr(modified),
		ExternalSeen:        ledger.TimePtr(modified),
	}
	if derived {
		upd.DerivedVersion = ledger.StrPtr("")
	}
	if err := p.Ledger().Apply(ctx, p.Workspace(), url, upd); err != nil {
		return err
	}
	p.RequestSync()
	return nil
}

// ingestRemoval handles a remote-side deletion: the local document is
// removed and the sync record dropped. Unknown URLs are ignored.
func ingestRemoval(ctx context.Context, p Provider, url string) error {
	url = ledger.NormalizeURL(url)
	rec, err := p.Ledger().Get(ctx, p.Workspace(), url)
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}
	if rec.LocalRef != "" {
		if err := p.Store().Remove(ctx, p.Workspace(), rec.LocalRef, EngineActor); err != nil {
			return fmt.Errorf("failed to remove local document: %w", err)
		}
	}
	return p.Ledger().Remove(ctx, p.Workspace(), url)
}
