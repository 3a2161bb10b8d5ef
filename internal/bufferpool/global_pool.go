package bufferpool

import (
	"errors"
	"sync"

	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"

	"github.com/tuannm99/novasql/internal/storage"
)

var (
	DefaultCapacity = 128

	ErrNoFreeFrame = errors.New("bufferpool: no free frame available (all pinned)")
	ErrPagePinned  = errors.New("bufferpool: page is pinned")

	// ErrUnsupportedFileSet is returned when GlobalPool cannot derive a
	// stable key for a FileSet implementation.
	ErrUnsupportedFileSet = errors.New("bufferpool: unsupported FileSet (global pool requires LocalFileSet)")
)

// Replacer tracks which frames are candidates for eviction and chooses a
// victim among them. Frame indices are enrolled with SetEvictable(true)
// when their pin count drops to zero and withdrawn when it rises above
// zero again.
type Replacer interface {
	RecordAccess(frameID int)
	SetEvictable(frameID int, evictable bool)
	Evict() (frameID int, ok bool)
	Remove(frameID int)
	Size() int
}

// PageTag uniquely identifies a page in the global pool: the relation
// (FileSet) it belongs to plus its page number within that relation.
type PageTag struct {
	FSKey  string
	PageID uint32
}

// LogFlusher is the sliver of the write-ahead log the buffer pool needs to
// enforce log-force-at-eviction: before a dirty frame's bytes hit disk, the
// log record that produced its current page-LSN must already be durable.
// Declared locally rather than importing *wal.Manager directly because
// internal/wal depends on internal/heap, which depends on this package —
// importing wal here would cycle.
type LogFlusher interface {
	FlushedLSN() uint64
	Flush() error
}

// fsKeyOf extracts the stable cache key and a concrete LocalFileSet for a
// FileSet. The buffer pool only knows how to back frames with a
// LocalFileSet today; other FileSet implementations are rejected rather
// than silently mishandled.
func fsKeyOf(fs storage.FileSet) (string, storage.LocalFileSet, bool) {
	lfs, ok := fs.(storage.LocalFileSet)
	if !ok {
		return "", storage.LocalFileSet{}, false
	}
	return lfs.Key(), lfs, true
}

// GlobalPool is the Buffer Pool: one fixed-size pool of frames shared by
// every relation (heap files, indexes, overflow chains) in the engine,
// the way a single shared_buffers region backs every table in Postgres.
// Call sites that only ever touch one relation use View to get a
// relation-scoped Manager without threading a FileSet through every call.
type GlobalPool struct {
	sm  *storage.StorageManager
	log LogFlusher // nil in tests that never attach a WAL; force-flush is then a no-op

	mu     sync.Mutex
	frames []*Frame        // len == capacity, nil == free slot
	table  map[PageTag]int // (fsKey,pageID) -> frame index
	repl   Replacer        // replacement policy tracks frame indices [0..cap)
}

// AttachLog wires the write-ahead log whose durability this pool must
// respect before writing back a dirty page. Called once by the engine
// right after a session opens its log manager; left nil anywhere a pool is
// used standalone (package-local tests, the manual btree CLI) since there
// is no log to fall behind in the first place.
func (g *GlobalPool) AttachLog(log LogFlusher) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.log = log
}

// forceLogFor flushes the attached log if p's page-LSN is not yet durable.
// Must be called with g.mu held. Spec's ordering guarantee (c): the log
// record behind a page's last mutation is on disk before the page itself
// is written back.
func (g *GlobalPool) forceLogFor(p *storage.Page) error {
	if g.log == nil {
		return nil
	}
	if uint64(p.LSN()) <= g.log.FlushedLSN() {
		return nil
	}
	return g.log.Flush()
}

// Frame is one slot of the global pool.
type Frame struct {
	Tag   PageTag
	FS    storage.LocalFileSet
	Page  *storage.Page
	Dirty bool
	Pin   int32
}

func NewGlobalPool(sm *storage.StorageManager, capacity int) *GlobalPool {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &GlobalPool{
		sm:     sm,
		frames: make([]*Frame, capacity),
		table:  make(map[PageTag]int),
		repl:   newLRUReplacer(capacity),
	}
}

// GetPage pins and returns the page (fs,pageID), loading it from disk (or
// formatting a fresh page if pageID is past end-of-file) on a miss.
func (g *GlobalPool) GetPage(fs storage.FileSet, pageID uint32) (*storage.Page, error) {
	key, lfs, ok := fsKeyOf(fs)
	if !ok {
		return nil, ErrUnsupportedFileSet
	}
	tag := PageTag{FSKey: key, PageID: pageID}

	g.mu.Lock()
	defer g.mu.Unlock()

	if idx, ok := g.table[tag]; ok {
		f := g.frames[idx]
		if f == nil {
			delete(g.table, tag)
		} else {
			wasZero := f.Pin == 0
			f.Pin++
			g.repl.RecordAccess(idx)
			if wasZero {
				g.repl.SetEvictable(idx, false)
			}
			return f.Page, nil
		}
	}

	if freeIdx := g.firstFreeLocked(); freeIdx != -1 {
		page, err := g.sm.LoadPage(lfs, pageID)
		if err != nil {
			return nil, err
		}
		g.frames[freeIdx] = &Frame{Tag: tag, FS: lfs, Page: page, Pin: 1}
		g.table[tag] = freeIdx
		g.repl.RecordAccess(freeIdx)
		g.repl.SetEvictable(freeIdx, false)
		return page, nil
	}

	return g.evictAndLoadLocked(tag, lfs, pageID)
}

// NewPage allocates a fresh page number for fs via the Disk Manager,
// pins a frame for it, and returns both. The caller is responsible for
// Unpin(page, true) once the page is initialized.
func (g *GlobalPool) NewPage(fs storage.FileSet) (*storage.Page, uint32, error) {
	key, lfs, ok := fsKeyOf(fs)
	if !ok {
		return nil, 0, ErrUnsupportedFileSet
	}
	pageID, err := g.sm.AllocatePage(fs)
	if err != nil {
		return nil, 0, err
	}
	tag := PageTag{FSKey: key, PageID: pageID}

	g.mu.Lock()
	defer g.mu.Unlock()

	buf := make([]byte, storage.PageSize)
	page, err := storage.NewPage(buf, pageID)
	if err != nil {
		return nil, 0, err
	}

	if freeIdx := g.firstFreeLocked(); freeIdx != -1 {
		g.frames[freeIdx] = &Frame{Tag: tag, FS: lfs, Page: page, Pin: 1, Dirty: true}
		g.table[tag] = freeIdx
		g.repl.RecordAccess(freeIdx)
		g.repl.SetEvictable(freeIdx, false)
		return page, pageID, nil
	}

	victimIdx, ok := g.repl.Evict()
	if !ok {
		return nil, 0, ErrNoFreeFrame
	}
	victim := g.frames[victimIdx]
	if victim.Dirty {
		if err := g.forceLogFor(victim.Page); err != nil {
			g.repl.RecordAccess(victimIdx)
			g.repl.SetEvictable(victimIdx, true)
			return nil, 0, err
		}
		if err := g.sm.SavePage(victim.FS, victim.Tag.PageID, *victim.Page); err != nil {
			g.repl.RecordAccess(victimIdx)
			g.repl.SetEvictable(victimIdx, true)
			return nil, 0, err
		}
	}
	delete(g.table, victim.Tag)
	victim.Tag = tag
	victim.FS = lfs
	victim.Page = page
	victim.Dirty = true
	victim.Pin = 1
	g.table[tag] = victimIdx
	g.repl.RecordAccess(victimIdx)
	g.repl.SetEvictable(victimIdx, false)
	return page, pageID, nil
}

func (g *GlobalPool) firstFreeLocked() int {
	for i, f := range g.frames {
		if f == nil {
			return i
		}
	}
	return -1
}

func (g *GlobalPool) evictAndLoadLocked(tag PageTag, lfs storage.LocalFileSet, pageID uint32) (*storage.Page, error) {
	victimIdx, ok := g.repl.Evict()
	if !ok {
		return nil, ErrNoFreeFrame
	}
	victim := g.frames[victimIdx]
	if victim == nil || victim.Pin != 0 {
		return nil, ErrNoFreeFrame
	}

	if victim.Dirty {
		if err := g.forceLogFor(victim.Page); err != nil {
			g.repl.RecordAccess(victimIdx)
			g.repl.SetEvictable(victimIdx, true)
			return nil, err
		}
		if err := g.sm.SavePage(victim.FS, victim.Tag.PageID, *victim.Page); err != nil {
			g.repl.RecordAccess(victimIdx)
			g.repl.SetEvictable(victimIdx, true)
			return nil, err
		}
		victim.Dirty = false
	}

	newPage, err := g.sm.LoadPage(lfs, pageID)
	if err != nil {
		g.repl.RecordAccess(victimIdx)
		g.repl.SetEvictable(victimIdx, true)
		return nil, err
	}

	delete(g.table, victim.Tag)
	victim.Tag = tag
	victim.FS = lfs
	victim.Page = newPage
	victim.Dirty = false
	victim.Pin = 1

	g.table[tag] = victimIdx
	g.repl.RecordAccess(victimIdx)
	g.repl.SetEvictable(victimIdx, false)
	return newPage, nil
}

// Unpin decreases a page's pin count and marks it dirty optionally. Once
// the pin count reaches zero the frame becomes eligible for eviction.
func (g *GlobalPool) Unpin(fs storage.FileSet, page *storage.Page, dirty bool) error {
	if page == nil {
		return nil
	}
	key, _, ok := fsKeyOf(fs)
	if !ok {
		return ErrUnsupportedFileSet
	}
	tag := PageTag{FSKey: key, PageID: page.PageID()}

	g.mu.Lock()
	defer g.mu.Unlock()

	idx, ok := g.table[tag]
	if !ok {
		return nil
	}
	f := g.frames[idx]
	if f == nil {
		delete(g.table, tag)
		return nil
	}

	if dirty {
		f.Dirty = true
	}
	if f.Pin > 0 {
		f.Pin--
		if f.Pin == 0 {
			g.repl.SetEvictable(idx, true)
		}
	}
	return nil
}

// FlushAll writes every dirty frame in the pool to disk. This is
// FlushAllDirty in spec terms: a pool-wide checkpoint helper, not scoped
// to any one relation.
func (g *GlobalPool) FlushAll() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, f := range g.frames {
		if f == nil || !f.Dirty {
			continue
		}
		if err := g.forceLogFor(f.Page); err != nil {
			return err
		}
		if err := g.sm.SavePage(f.FS, f.Tag.PageID, *f.Page); err != nil {
			return err
		}
		f.Dirty = false
	}
	return nil
}

// FlushAllDirty flushes every distinct relation's dirty frames, one
// goroutine per relation via a conc.WaitGroup, and combines their errors.
// Each goroutine's flushKey holds g.mu for the whole of its relation's
// flush (page writes included) and never across relations, so the
// per-relation flushes run one after another rather than overlapping.
func (g *GlobalPool) FlushAllDirty() error {
	g.mu.Lock()
	keys := make(map[string]struct{})
	for _, f := range g.frames {
		if f != nil && f.Dirty {
			keys[f.Tag.FSKey] = struct{}{}
		}
	}
	g.mu.Unlock()

	var errsMu sync.Mutex
	var errs []error
	var wg conc.WaitGroup
	for key := range keys {
		key := key
		wg.Go(func() {
			if err := g.flushKey(key); err != nil {
				errsMu.Lock()
				errs = append(errs, err)
				errsMu.Unlock()
			}
		})
	}
	wg.Wait()
	return multierr.Combine(errs...)
}

// flushKey flushes every currently-dirty frame belonging to one relation
// key. Used only by FlushAllDirty's concurrent fan-out.
func (g *GlobalPool) flushKey(key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, f := range g.frames {
		if f == nil || f.Tag.FSKey != key || !f.Dirty {
			continue
		}
		if err := g.forceLogFor(f.Page); err != nil {
			return err
		}
		if err := g.sm.SavePage(f.FS, f.Tag.PageID, *f.Page); err != nil {
			return err
		}
		f.Dirty = false
	}
	return nil
}

// FlushFileSet flushes dirty pages belonging to a single relation.
func (g *GlobalPool) FlushFileSet(fs storage.FileSet) error {
	key, _, ok := fsKeyOf(fs)
	if !ok {
		return ErrUnsupportedFileSet
	}
	return g.flushKey(key)
}

// RemoveAllPages drops every frame belonging to fs from the pool WITHOUT
// flushing them first. It exists for the case the relation's file is
// about to be removed or truncated out from under the pool (DROP TABLE,
// DROP INDEX): flushing a page whose backing file is going away would
// just recreate it. Callers that want the dirty data persisted first
// must call FlushFileSet explicitly before RemoveAllPages.
func (g *GlobalPool) RemoveAllPages(fs storage.FileSet) error {
	key, _, ok := fsKeyOf(fs)
	if !ok {
		return ErrUnsupportedFileSet
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, f := range g.frames {
		if f != nil && f.Tag.FSKey == key && f.Pin != 0 {
			return ErrPagePinned
		}
	}

	for i, f := range g.frames {
		if f == nil || f.Tag.FSKey != key {
			continue
		}
		delete(g.table, f.Tag)
		g.frames[i] = nil
		g.repl.Remove(i)
	}
	return nil
}

// DropFileSet is a convenience composition of FlushFileSet followed by
// RemoveAllPages: flush whatever is dirty, then drop every frame. Use
// RemoveAllPages directly when the backing file is being deleted and a
// flush would be wasted work.
func (g *GlobalPool) DropFileSet(fs storage.FileSet) error {
	if err := g.FlushFileSet(fs); err != nil {
		return err
	}
	return g.RemoveAllPages(fs)
}
