// Package idlock serializes work on the same video identifier.
package idlock

import (
	"context"
	"fmt"
	"sync"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

// Locker hands out exclusive per-key locks.
type Locker interface {
	// Lock blocks until key is held or ctx ends. The returned func releases it.
	Lock(ctx context.Context, key string) (func(), error)
	// TryLock returns models.ErrLocked instead of waiting.
	TryLock(ctx context.Context, key string) (func(), error)
}

// Local is an in-process Locker. Each key maps to a one-slot channel.
type Local struct {
	keys sync.Map
}

// NewLocal creates an in-process Locker.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) slot(key string) chan struct{} {
	actual, _ := l.keys.LoadOrStore(key, make(chan struct{}, 1))
	return actual.(chan struct{})
}

func release(slot chan struct{}) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			select {
			case <-slot:
			default:
			}
		})
	}
}

// Lock implements Locker.
func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	slot := l.slot(key)
	select {
	case slot <- struct{}{}:
		return release(slot), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", models.ErrLockTimeout, key, ctx.Err())
	}
}

// TryLock implements Locker.
func (l *Local) TryLock(_ context.Context, key string) (func(), error) {
	slot := l.slot(key)
	select {
	case slot <- struct{}{}:
		return release(slot), nil
	default:
		return nil, fmt.Errorf("%w: %s", models.ErrLocked, key)
	}
}
