package syncengine

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

var ErrSyncInProgress = errors.New("sync already in progress")

// PassLocker guarantees that at most one sync pass runs at a time.
type PassLocker interface {
	// TryLock returns ErrSyncInProgress without blocking when another pass holds the lock.
	TryLock(ctx context.Context) (release func(), err error)
}

// LocalLocker is a PassLocker for passes run by a single process.
type LocalLocker struct {
	mu sync.Mutex
}

var _ PassLocker = (*LocalLocker)(nil)

func (l *LocalLocker) TryLock(_ context.Context) (func(), error) {
	if !l.mu.TryLock() {
		return nil, ErrSyncInProgress
	}
	return l.mu.Unlock, nil
}
