package manifest

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mihailsb/convsync/internal/common"
	"github.com/mihailsb/convsync/internal/cryptox"
	"github.com/mihailsb/convsync/internal/logging"
	"github.com/mihailsb/convsync/internal/remote"
)

// Store loads and mutates the encrypted manifest and machine states.
//
// All mutations go through Update, which serializes them on a single worker
// goroutine: each queued mutation re-fetches the freshest manifest, applies
// its change and writes back, so no two local mutations ever race each other.
// Races with other machines are caught at the next sync pass.
type Store struct {
	remote   remote.ObjectStore
	password []byte
	log      logging.Logger

	reqs chan updateRequest

	closeOnce sync.Once
	done      chan struct{}
}

type updateRequest struct {
	ctx    context.Context
	fn     func(*Manifest) error
	result chan error
}

// NewStore creates a Store and starts its update worker. Close must be
// called to stop the worker.
func NewStore(store remote.ObjectStore, password []byte, log logging.Logger) *Store {
	if log == nil {
		log = logging.NewNopLogger()
	}
	s := &Store{
		remote:   store,
		password: password,
		log:      log,
		reqs:     make(chan updateRequest),
		done:     make(chan struct{}),
	}
	go s.worker()
	return s
}

// Close stops the update worker. Pending updates are still applied.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.reqs)
		<-s.done
	})
}

func (s *Store) worker() {
	defer close(s.done)
	for req := range s.reqs {
		req.result <- s.apply(req.ctx, req.fn)
	}
}

func (s *Store) apply(ctx context.Context, fn func(*Manifest) error) error {
	// The requester may have given up while this mutation sat in the queue.
	if err := ctx.Err(); err != nil {
		return err
	}

	m, err := s.Load(ctx)
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	m.LastModified = time.Now().UTC()
	return s.save(ctx, m)
}

// Update queues a read-modify-write of the manifest and waits for it to be
// applied. The closure sees the freshest remote state at application time.
func (s *Store) Update(ctx context.Context, fn func(*Manifest) error) error {
	req := updateRequest{ctx: ctx, fn: fn, result: make(chan error, 1)}
	select {
	case s.reqs <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Load fetches and decrypts the manifest. An absent remote manifest
// bootstraps a fresh one (new salt and password verifier) without writing it;
// the first Update persists it. Undecryptable or unreachable manifests
// surface common.ErrManifestUnavailable.
func (s *Store) Load(ctx context.Context) (*Manifest, error) {
	blob, _, err := s.remote.Get(ctx, remote.ManifestKey)
	if err != nil {
		if errors.Is(err, common.ErrObjectNotFound) {
			return s.bootstrap()
		}
		return nil, fmt.Errorf("%w: %w", common.ErrManifestUnavailable, err)
	}

	plaintext, err := cryptox.Decrypt(blob, s.password)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrManifestUnavailable, err)
	}

	var m Manifest
	if err := json.Unmarshal(plaintext, &m); err != nil {
		return nil, fmt.Errorf("%w: manifest decode: %w", common.ErrManifestUnavailable, err)
	}

	if err := s.verifyPassword(&m); err != nil {
		return nil, err
	}

	return &m, nil
}

// verifyPassword cross-checks the stored verifier. Decryption already proves
// the password, so a mismatch here means a corrupted or hand-edited manifest.
func (s *Store) verifyPassword(m *Manifest) error {
	if m.PasswordSalt == "" || m.PasswordVerificationHash == "" {
		return nil
	}
	salt, err := hex.DecodeString(m.PasswordSalt)
	if err != nil {
		return fmt.Errorf("%w: bad password salt", common.ErrManifestUnavailable)
	}
	want, err := hex.DecodeString(m.PasswordVerificationHash)
	if err != nil {
		return fmt.Errorf("%w: bad password verifier", common.ErrManifestUnavailable)
	}
	key := cryptox.DeriveKey(s.password, salt)
	defer common.WipeByteArray(key)
	got := cryptox.MakeVerifier(key)
	if subtle.ConstantTimeCompare(got, want) == 0 {
		return fmt.Errorf("%w: password verifier mismatch", common.ErrDecryption)
	}
	return nil
}

func (s *Store) bootstrap() (*Manifest, error) {
	salt := common.GenerateRandByteArray(32)
	key := cryptox.DeriveKey(s.password, salt)
	defer common.WipeByteArray(key)

	now := time.Now().UTC()
	return &Manifest{
		Version:                  ManifestVersion,
		CreatedAt:                now,
		LastModified:             now,
		PasswordSalt:             hex.EncodeToString(salt),
		PasswordVerificationHash: hex.EncodeToString(cryptox.MakeVerifier(key)),
	}, nil
}

func (s *Store) save(ctx context.Context, m *Manifest) error {
	plaintext, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("manifest encode: %w", err)
	}
	blob, err := cryptox.Encrypt(plaintext, s.password, true)
	if err != nil {
		return fmt.Errorf("manifest encrypt: %w", err)
	}
	if err := s.remote.Put(ctx, remote.ManifestKey, blob, nil); err != nil {
		return fmt.Errorf("manifest write: %w", err)
	}
	return nil
}

// StripDangling removes manifest entries whose ids are in the given list.
// It backs the repair action offered when pulls hit missing remote objects.
func (s *Store) StripDangling(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.Update(ctx, func(m *Manifest) error {
		for _, id := range ids {
			if m.RemoveConversation(id) {
				s.log.Info(ctx, "stripped dangling manifest entry", "conversation", id)
			}
		}
		return nil
	})
}

func machineStateKey(id string) string {
	return remote.MachinesPrefix + id + ".json" + remote.EncryptedSuffix
}

// LoadMachineState fetches a machine's encrypted state. An absent object
// yields a fresh empty state (first sync of a new machine).
func (s *Store) LoadMachineState(ctx context.Context, machineID string) (*MachineState, error) {
	blob, _, err := s.remote.Get(ctx, machineStateKey(machineID))
	if err != nil {
		if errors.Is(err, common.ErrObjectNotFound) {
			return &MachineState{
				MachineID:     machineID,
				CreatedAt:     time.Now().UTC(),
				Conversations: make(map[string]ConversationState),
			}, nil
		}
		return nil, fmt.Errorf("machine state read: %w", err)
	}

	plaintext, err := cryptox.Decrypt(blob, s.password)
	if err != nil {
		return nil, fmt.Errorf("machine state decrypt: %w", err)
	}

	var st MachineState
	if err := json.Unmarshal(plaintext, &st); err != nil {
		return nil, fmt.Errorf("machine state decode: %w", err)
	}
	return &st, nil
}

// SaveMachineState encrypts and writes a machine's state object.
func (s *Store) SaveMachineState(ctx context.Context, st *MachineState) error {
	plaintext, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("machine state encode: %w", err)
	}
	blob, err := cryptox.Encrypt(plaintext, s.password, true)
	if err != nil {
		return fmt.Errorf("machine state encrypt: %w", err)
	}
	if err := s.remote.Put(ctx, machineStateKey(st.MachineID), blob, nil); err != nil {
		return fmt.Errorf("machine state write: %w", err)
	}
	return nil
}
