package store

import (
	"context"
	"fmt"

	"github.com/conduit-lang/normalizer/internal/orm/collection"
)

// Updater stages changes on a Session. During a flush it recomputes change
// sets immediately, since the flush in progress would not pick up changes
// scheduled the usual way.
type Updater interface {
	Persist(ctx context.Context, obj any) error
	Remove(ctx context.Context, obj any) error
	// Update records that obj was modified in memory
	Update(ctx context.Context, obj any) error
	// UpdateCollection records that the membership of c changed
	UpdateCollection(ctx context.Context, c collection.Collection) error
	// DeleteCollection removes every element of c
	DeleteCollection(ctx context.Context, c collection.Collection) error
	// Flush writes the staged changes unless a flush is already running
	Flush(ctx context.Context) error
}

type flushProofUpdater struct {
	session  *Session
	flushing bool
}

func (u *flushProofUpdater) Persist(ctx context.Context, obj any) error {
	if err := u.session.Persist(ctx, obj); err != nil {
		return err
	}
	return u.recompute(obj)
}

func (u *flushProofUpdater) Remove(ctx context.Context, obj any) error {
	if err := u.session.Remove(ctx, obj); err != nil {
		return err
	}
	return u.recompute(obj)
}

func (u *flushProofUpdater) Update(ctx context.Context, obj any) error {
	if _, ok := u.session.entries[obj]; !ok {
		return fmt.Errorf("%w: %v", ErrNotManaged, obj)
	}
	return u.recompute(obj)
}

func (u *flushProofUpdater) UpdateCollection(ctx context.Context, c collection.Collection) error {
	p, ok := c.(*collection.Persistent)
	if !ok {
		// in-memory collections are diffed against their owner at flush time
		return nil
	}
	return u.recompute(p.Owner())
}

func (u *flushProofUpdater) DeleteCollection(ctx context.Context, c collection.Collection) error {
	if lazy, ok := c.(collection.Lazy); ok {
		if err := lazy.Initialize(ctx); err != nil {
			return err
		}
	}
	for _, elem := range c.Elements() {
		c.Remove(elem)
	}
	return u.UpdateCollection(ctx, c)
}

func (u *flushProofUpdater) Flush(ctx context.Context) error {
	if u.flushing {
		return nil
	}
	return u.session.Flush(ctx)
}

// recompute refreshes the change set of obj when a flush is running. Entities
// detached by the operation have nothing left to compute.
func (u *flushProofUpdater) recompute(obj any) error {
	if !u.flushing {
		return nil
	}
	e, ok := u.session.entries[obj]
	if !ok {
		return nil
	}
	return u.session.compute(e)
}
