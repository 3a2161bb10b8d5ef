package bufferpool

import "github.com/tuannm99/novasql/internal/storage"

// Manager is the relation-scoped view of the buffer pool: every caller
// that only ever touches one FileSet (a table's heap, an index's pages)
// works against this narrow interface so it never has to thread a
// FileSet through each call. FileSetView (backed by GlobalPool) is the
// only implementation.
type Manager interface {
	// GetPage returns a page from the buffer pool, pinning it.
	GetPage(pageID uint32) (*storage.Page, error)

	// Unpin decreases pin count and marks the page dirty if needed.
	Unpin(page *storage.Page, dirty bool) error

	// FlushAll flushes all of this relation's dirty pages to disk.
	FlushAll() error
}
