package network

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// WritePool bounds the number of block writes in flight across all sessions.
type WritePool struct {
	sem *semaphore.Weighted
}

// NewWritePool returns a pool admitting size concurrent writes.
func NewWritePool(size int) *WritePool {
	if size <= 0 {
		size = 1
	}
	return &WritePool{sem: semaphore.NewWeighted(int64(size))}
}

// Do runs fn once a slot is free.
func (p *WritePool) Do(ctx context.Context, fn func() error) error {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer p.sem.Release(1)
	return fn()
}
