// Package lock implements a TTL-based mutual-exclusion token stored as a
// remote object, granting at-most-one concurrent full-sync session across
// machines.
//
// The remote store offers no compare-and-swap, so two machines observing an
// absent lock near-simultaneously can both acquire it. The race is accepted:
// the only protected operation (manifest read-modify-write) is queued and
// idempotent, so a rare double-grant degrades to a bigger race rather than
// data loss, and the next pass's classification reconciles any double-write.
package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mihailsb/convsync/internal/common"
	"github.com/mihailsb/convsync/internal/logging"
	"github.com/mihailsb/convsync/internal/remote"
)

// DefaultTTL bounds how long a crashed holder can block other machines.
const DefaultTTL = 5 * time.Minute

// lockFile is the plaintext JSON stored at sync.lock. It carries no user
// content, so it is not encrypted.
type lockFile struct {
	MachineID string    `json:"machineId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Lock is a distributed lock bound to one machine id.
type Lock struct {
	remote    remote.ObjectStore
	machineID string
	log       logging.Logger

	// now is injectable for TTL tests.
	now func() time.Time
}

func New(store remote.ObjectStore, machineID string, log logging.Logger) *Lock {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Lock{remote: store, machineID: machineID, log: log, now: time.Now}
}

func (l *Lock) read(ctx context.Context) (*lockFile, error) {
	data, _, err := l.remote.Get(ctx, remote.LockKey)
	if err != nil {
		if errors.Is(err, common.ErrObjectNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var lf lockFile
	if err := json.Unmarshal(data, &lf); err != nil {
		// A corrupt lock object is treated as absent; it will be
		// overwritten by the next acquisition.
		l.log.Warn(ctx, "corrupt lock object, treating as absent", "err", err)
		return nil, nil
	}
	return &lf, nil
}

func (l *Lock) write(ctx context.Context, ttl time.Duration) error {
	lf := lockFile{MachineID: l.machineID, ExpiresAt: l.now().Add(ttl)}
	data, err := json.Marshal(lf)
	if err != nil {
		return err
	}
	return l.remote.Put(ctx, remote.LockKey, data, nil)
}

// Acquire attempts to take the lock for ttl. It returns false without error
// when another machine holds an unexpired lock; backoff is the caller's
// concern. Acquisition is reentrant for the same machine id and steals
// expired locks from crashed holders.
func (l *Lock) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	current, err := l.read(ctx)
	if err != nil {
		return false, fmt.Errorf("lock read: %w", err)
	}

	if current != nil {
		expired := l.now().After(current.ExpiresAt)
		if !expired && current.MachineID != l.machineID {
			l.log.Debug(ctx, "lock busy", "holder", current.MachineID, "expires", current.ExpiresAt)
			return false, nil
		}
		// Expired or our own: delete and recreate.
		if err := l.remote.Delete(ctx, remote.LockKey); err != nil {
			return false, fmt.Errorf("lock delete: %w", err)
		}
	}

	if err := l.write(ctx, ttl); err != nil {
		return false, fmt.Errorf("lock write: %w", err)
	}
	return true, nil
}

// Release deletes the lock only if this machine still owns it. It never
// force-deletes another machine's lock.
func (l *Lock) Release(ctx context.Context) error {
	current, err := l.read(ctx)
	if err != nil {
		return fmt.Errorf("lock read: %w", err)
	}
	if current == nil || current.MachineID != l.machineID {
		return nil
	}
	if err := l.remote.Delete(ctx, remote.LockKey); err != nil {
		return fmt.Errorf("lock delete: %w", err)
	}
	return nil
}
