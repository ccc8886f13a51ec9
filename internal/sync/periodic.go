package sync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mihailsb/convsync/internal/common"
)

// DefaultAutoSyncInterval is how often the background timer triggers a pass.
const DefaultAutoSyncInterval = 5 * time.Minute

// StartAutoSync runs sync passes on a recurring timer until the returned
// stop function is called or ctx is cancelled. A fire that overlaps a
// running pass (manual or timed) skips instead of queueing; a busy
// distributed lock is likewise just logged and retried at the next tick.
func (s *Syncer) StartAutoSync(ctx context.Context, interval time.Duration) (stop func()) {
	if interval <= 0 {
		interval = DefaultAutoSyncInterval
	}

	done := make(chan struct{})
	ticker := time.NewTicker(interval)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, err := s.SyncNow(ctx)
				switch {
				case err == nil:
				case errors.Is(err, ErrSyncInProgress):
					s.log.Debug(ctx, "auto-sync skipped, pass already running")
				case errors.Is(err, common.ErrLockBusy):
					s.log.Debug(ctx, "auto-sync skipped, lock busy")
				case errors.Is(err, context.Canceled):
					return
				default:
					s.log.Error(ctx, "auto-sync pass failed", "err", err)
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}
