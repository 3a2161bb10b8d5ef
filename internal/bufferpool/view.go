package bufferpool

import "github.com/tuannm99/novasql/internal/storage"

// FileSetView binds a GlobalPool to a specific FileSet (relation).
// It implements Manager so heap/table/btree can use it without caring about FS.
type FileSetView struct {
	gp *GlobalPool
	fs storage.FileSet
}

func (v *FileSetView) GetPage(pageID uint32) (*storage.Page, error) {
	return v.gp.GetPage(v.fs, pageID)
}

func (v *FileSetView) Unpin(page *storage.Page, dirty bool) error {
	return v.gp.Unpin(v.fs, page, dirty)
}

// FlushAll flushes dirty pages for THIS FileSet only.
func (v *FileSetView) FlushAll() error {
	return v.gp.FlushFileSet(v.fs)
}

// NewPage allocates and pins a fresh page within this FileSet.
func (v *FileSetView) NewPage() (*storage.Page, uint32, error) {
	return v.gp.NewPage(v.fs)
}

// RemoveAll drops every cached page for this FileSet without flushing,
// for use right before the relation's backing file is deleted.
func (v *FileSetView) RemoveAll() error {
	return v.gp.RemoveAllPages(v.fs)
}

// View returns a relation-scoped Manager backed by the shared GlobalPool.
func (gp *GlobalPool) View(fs storage.FileSet) Manager {
	return &FileSetView{gp: gp, fs: fs}
}
