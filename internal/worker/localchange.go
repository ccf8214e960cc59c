package worker

import (
	"context"
	"time"

	"github.com/syncforge/ghbridge/internal/ledger"
	"github.com/syncforge/ghbridge/internal/store"
	syncpkg "github.com/syncforge/ghbridge/internal/sync"
)

// localFirstKinds are the document kinds a user can create in the store
// that the engine then pushes to the remote.
var localFirstKinds = map[string]ledger.Kind{
	syncpkg.DocIssue:     ledger.KindIssue,
	syncpkg.DocComment:   ledger.KindComment,
	syncpkg.DocMilestone: ledger.KindProject,
}

// onStoreChange turns committed document mutations into ledger work.
// Engine-authored writes are skipped: the strategy that made them already
// updated the record.
func (w *Worker) onStoreChange(ctx context.Context, c store.Change) error {
	if c.Doc.ModifiedBy == syncpkg.EngineActor {
		return nil
	}

	rec, err := w.cfg.Ledger.ByLocalRef(ctx, w.cfg.Workspace, c.Doc.ID)
	if err != nil {
		return err
	}

	switch c.Kind {
	case store.ChangeCreated:
		if rec != nil {
			return nil
		}
		return w.adoptLocalDoc(ctx, &c.Doc)

	case store.ChangeUpdated:
		if rec == nil {
			return nil
		}
		if rec.Deleted {
			return nil
		}
		err := w.cfg.Ledger.Apply(ctx, w.cfg.Workspace, rec.URL, ledger.Update{
			SyncVersion:  ledger.StrPtr(""),
			LastModified: ledger.TimePtr(time.Now()),
		})
		if err != nil {
			return err
		}
		w.RequestSync()
		return nil

	case store.ChangeRemoved:
		if rec == nil {
			return nil
		}
		err := w.cfg.Ledger.Apply(ctx, w.cfg.Workspace, rec.URL, ledger.Update{
			Deleted:      ledger.BoolPtr(true),
			SyncVersion:  ledger.StrPtr(""),
			LastModified: ledger.TimePtr(time.Now()),
		})
		if err != nil {
			return err
		}
		w.RequestSync()
		return nil
	}
	return nil
}

// adoptLocalDoc registers a locally created document for remote creation.
// The record gets a synthetic URL until the remote assigns the real one,
// and a frozen external tag so refresh sweeps skip it.
func (w *Worker) adoptLocalDoc(ctx context.Context, doc *store.Doc) error {
	kind, ok := localFirstKinds[doc.Kind]
	if !ok {
		return nil
	}

	rec := &ledger.Record{
		Workspace:       w.cfg.Workspace,
		URL:             "local://" + w.cfg.Workspace + "/" + doc.ID,
		LocalRef:        doc.ID,
		EntityKind:      kind,
		ExternalVersion: ledger.VersionFrozen,
		DerivedVersion:  ledger.VersionFrozen,
		LastModified:    time.Now(),
	}

	switch kind {
	case ledger.KindComment:
		// Comments inherit repository and parentage from the document
		// they are attached to.
		parentRef := doc.StringField("attached_to")
		if parentRef == "" {
			w.log.Printf("[worker %s] comment %s has no attachment, skipping", w.cfg.Workspace, doc.ID)
			return nil
		}
		parent, err := w.cfg.Ledger.ByLocalRef(ctx, w.cfg.Workspace, parentRef)
		if err != nil {
			return err
		}
		if parent == nil {
			w.log.Printf("[worker %s] comment %s attached to untracked document %s, skipping", w.cfg.Workspace, doc.ID, parentRef)
			return nil
		}
		rec.ParentURL = parent.URL
		rec.RepositoryRef = parent.RepositoryRef
		rec.ProjectRef = parent.ProjectRef

	default:
		repoRef := doc.StringField("repository")
		repo, ok := w.RepoFor(repoRef)
		if !ok {
			w.log.Printf("[worker %s] %s %s names unknown repository %q, skipping", w.cfg.Workspace, doc.Kind, doc.ID, repoRef)
			return nil
		}
		rec.RepositoryRef = repo.Ref
		rec.ProjectRef = repo.ProjectRef
	}

	if err := w.cfg.Ledger.Upsert(ctx, rec); err != nil {
		return err
	}
	w.RequestSync()
	return nil
}
