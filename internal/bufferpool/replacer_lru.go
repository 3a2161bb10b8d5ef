package bufferpool

import (
	"container/list"
	"sync"
)

// lruReplacer tracks frame indices that are currently evictable (unpinned)
// in least-recently-used order on a container/list: MoveToFront on
// access, Back()+Remove() to evict.
type lruReplacer struct {
	mu   sync.Mutex
	ll   *list.List
	elem map[int]*list.Element // frameID -> element holding frameID
}

func newLRUReplacer(capacity int) Replacer {
	return &lruReplacer{
		ll:   list.New(),
		elem: make(map[int]*list.Element, capacity),
	}
}

// RecordAccess notes that frameID was just touched. If it is tracked as
// evictable, it moves to the front (most recently used); an untracked
// frameID is ignored until SetEvictable(frameID, true) enrolls it.
func (r *lruReplacer) RecordAccess(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.elem[frameID]; ok {
		r.ll.MoveToFront(e)
	}
}

// SetEvictable enrolls or removes frameID from the evictable set.
func (r *lruReplacer) SetEvictable(frameID int, evictable bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, tracked := r.elem[frameID]
	if evictable {
		if tracked {
			r.ll.MoveToFront(e)
			return
		}
		r.elem[frameID] = r.ll.PushFront(frameID)
		return
	}
	if tracked {
		r.ll.Remove(e)
		delete(r.elem, frameID)
	}
}

// Evict removes and returns the least-recently-used evictable frame.
func (r *lruReplacer) Evict() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	back := r.ll.Back()
	if back == nil {
		return 0, false
	}
	frameID := back.Value.(int)
	r.ll.Remove(back)
	delete(r.elem, frameID)
	return frameID, true
}

// Remove drops frameID from tracking without treating it as an eviction.
func (r *lruReplacer) Remove(frameID int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.elem[frameID]; ok {
		r.ll.Remove(e)
		delete(r.elem, frameID)
	}
}

// Size returns the number of currently evictable frames.
func (r *lruReplacer) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ll.Len()
}
