package inkrelay

import (
	"context"
	"fmt"
)

// Reconciler keeps the remote folder and the local tracker converging
// toward the same set of live documents.
type Reconciler struct {
	remote RemoteClient
	store  *Store
	logger Logger
}

func NewReconciler(remote RemoteClient, store *Store, logger Logger) (*Reconciler, error) {
	if remote == nil {
		return nil, fmt.Errorf("remote client is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	return &Reconciler{remote: remote, store: store, logger: logger}, nil
}

// EvictExpired deletes tracked documents older than maxAgeDays from
// the remote folder and from the tracker. Entries already gone
// remotely are removed locally without a remote call. Each entry is
// processed independently: a failed delete keeps the entry tracked so
// the next run retries it, and the batch continues. Returns the number
// of entries removed from tracking.
//
// Only a failure to obtain the remote listing aborts the whole
// operation.
func (r *Reconciler) EvictExpired(ctx context.Context, folderName string, maxAgeDays int) (int, error) {
	r.logf("starting eviction: removing documents older than %d days", maxAgeDays)

	expired := r.store.ListExpired(maxAgeDays)
	if len(expired) == 0 {
		r.logf("no expired documents to evict")
		return 0, nil
	}

	docs, err := r.remote.ListDocuments(ctx, folderName)
	if err != nil {
		return 0, fmt.Errorf("list documents in %q: %w", folderName, err)
	}
	byID := make(map[string]RemoteDocument, len(docs))
	for _, doc := range docs {
		byID[doc.ID] = doc
	}

	removed := 0
	for _, entry := range expired {
		remoteDoc, onRemote := byID[entry.DocumentID]
		if !onRemote {
			r.logf("document %q (id=%s) not found on remote, removing from tracker", entry.Title, entry.DocumentID)
			r.store.Remove(entry.DocumentID)
			removed++
			continue
		}
		if err := r.remote.DeleteDocument(ctx, remoteDoc); err != nil {
			r.logf("error deleting document %q (id=%s): %v", entry.Title, entry.DocumentID, err)
			continue
		}
		r.store.Remove(entry.DocumentID)
		removed++
		r.logf("deleted %q (id=%s, age: %d days)", entry.Title, entry.DocumentID, entry.AgeDays)
	}

	r.logf("eviction complete: removed %d documents from tracking", removed)
	return removed, nil
}

// Reconcile prunes the tracker down to the remote folder's ground
// truth. Expected to run after EvictExpired within a sync cycle, so
// ids just evicted do not show up here a second time.
func (r *Reconciler) Reconcile(ctx context.Context, folderName string) error {
	docs, err := r.remote.ListDocuments(ctx, folderName)
	if err != nil {
		return fmt.Errorf("list documents in %q: %w", folderName, err)
	}
	remoteIDs := make(map[string]struct{}, len(docs))
	for _, doc := range docs {
		remoteIDs[doc.ID] = struct{}{}
	}
	r.store.ReconcileWithRemote(remoteIDs)
	return nil
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Printf(format, args...)
}
