package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xtrntr/spotexchange/internal/models"
)

// lockTable hands out exclusive locks by key. A slot is a buffered channel
// of capacity one: holding the lock means having sent into it.
type lockTable struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{slots: make(map[string]chan struct{})}
}

func (l *lockTable) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

// acquire waits for key up to timeout. A timed out wait is reported as
// models.ErrTransient; it is also how lock cycles get broken.
func (l *lockTable) acquire(ctx context.Context, key string, timeout time.Duration) error {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait timeout on %s", models.ErrTransient, key)
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", models.ErrTransient, ctx.Err())
	}
}

func (l *lockTable) release(key string) {
	<-l.slot(key)
}
