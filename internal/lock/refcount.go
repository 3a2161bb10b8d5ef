package lock

// RefCount counts outstanding interest in a lock-table entry: one unit per
// distinct transaction that currently holds or is waiting on the resource.
// It mirrors the buffer pool's frame pin count, applied to lock-table GC
// instead of page eviction — a lockState is only safe to drop from the
// manager's map once its RefCount reaches zero, meaning no holder and no
// waiter still references it.

import (
	"fmt"
	"sync/atomic"
)

type RefCount struct {
	count int32
}

func NewRefCount() *RefCount {
	return &RefCount{count: 1}
}

func (r *RefCount) Inc() {
	atomic.AddInt32(&r.count, 1)
}

func (r *RefCount) Dec() bool {
	newCount := atomic.AddInt32(&r.count, -1)
	if newCount < 0 {
		panic("refcount dropped below zero")
	}
	return newCount == 0
}

func (r *RefCount) Get() int32 {
	return atomic.LoadInt32(&r.count)
}

func (r *RefCount) String() string {
	return fmt.Sprintf("RefCount: %d", r.Get())
}
