package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/mihailsb/convsync/internal/common"
	"github.com/mihailsb/convsync/internal/hashx"
	"github.com/mihailsb/convsync/internal/lock"
	"github.com/mihailsb/convsync/internal/logging"
	"github.com/mihailsb/convsync/internal/manifest"
	"github.com/mihailsb/convsync/internal/remote"
)

// DefaultBatchSize bounds how many conversations are classified and
// transferred simultaneously. Together with the file concurrency it caps
// total in-flight remote requests at BatchSize * FileConcurrency.
const DefaultBatchSize = 5

// ErrSyncInProgress is returned when a sync pass is requested while another
// one is still running in this process.
var ErrSyncInProgress = errors.New("sync pass already in progress")

// Options configures a Syncer.
type Options struct {
	MachineID   string
	MachineName string

	BatchSize       int
	FileConcurrency int
	LockTTL         time.Duration

	Progress Progress
}

func (o *Options) fillDefaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.FileConcurrency <= 0 {
		o.FileConcurrency = DefaultFileConcurrency
	}
	if o.LockTTL <= 0 {
		o.LockTTL = lock.DefaultTTL
	}
}

// Conflict describes a conversation modified on both sides relative to this
// machine's last-synced base. It is reported, never auto-resolved.
type Conflict struct {
	ID         string
	Title      string
	LocalHash  string
	RemoteHash string
}

// ConvError is a per-conversation failure collected during a pass.
type ConvError struct {
	ID  string
	Err error
}

func (e ConvError) Error() string {
	return fmt.Sprintf("conversation %s: %v", e.ID, e.Err)
}

func (e ConvError) Unwrap() error { return e.Err }

// Result summarizes one sync pass.
type Result struct {
	Pushed    []string
	Pulled    []string
	Skipped   []string
	Conflicts []Conflict
	Errors    []ConvError

	// Dangling lists conversations whose manifest entries reference
	// missing remote objects; callers can repair them via
	// manifest.Store.StripDangling.
	Dangling []string
}

// Syncer drives end-to-end sync passes for one machine.
type Syncer struct {
	fs       afero.Fs
	layout   Layout
	hasher   *hashx.Hasher
	store    *manifest.Store
	lock     *lock.Lock
	remote   remote.ObjectStore
	password []byte
	log      logging.Logger
	opts     Options

	// running prevents re-entrant passes within this process; the
	// distributed lock protects cross-machine races.
	running atomic.Bool
}

// NewSyncer wires the engine together. The manifest store must outlive the
// syncer; callers own its Close.
func NewSyncer(fs afero.Fs, layout Layout, store *manifest.Store, objStore remote.ObjectStore, password []byte, log logging.Logger, opts Options) *Syncer {
	opts.fillDefaults()
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Syncer{
		fs:       fs,
		layout:   layout,
		hasher:   hashx.New(fs, layout.BrainDir, layout.RecordsDir),
		store:    store,
		lock:     lock.New(objStore, opts.MachineID, log),
		remote:   objStore,
		password: password,
		log:      log,
		opts:     opts,
	}
}

func (s *Syncer) newPipeline() *pipeline {
	return newPipeline(s.fs, s.remote, s.layout, s.password, s.opts.FileConcurrency, s.opts.Progress, s.log)
}

// decision pairs a conversation with its classified action.
type decision struct {
	id     string
	action Action
	local  *hashx.ConversationDigest
	entry  *manifest.SyncedConversation
}

// SyncNow runs one full sync pass: acquire lock → load manifest → classify →
// transfer → update state → release lock. Per-conversation failures are
// collected in the result; lock-busy and manifest-unavailable abort the
// pass. The lock is released on every exit path.
func (s *Syncer) SyncNow(ctx context.Context) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrSyncInProgress
	}
	defer s.running.Store(false)

	ok, err := s.lock.Acquire(ctx, s.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock acquire: %w", err)
	}
	if !ok {
		return nil, common.ErrLockBusy
	}
	defer func() {
		// Release must survive cancellation of the pass context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.lock.Release(releaseCtx); err != nil {
			s.log.Error(releaseCtx, "lock release failed", "err", err)
		}
	}()

	start := time.Now()
	s.log.Info(ctx, "sync pass starting", "machine", s.opts.MachineID)

	m, err := s.store.Load(ctx)
	if err != nil {
		return nil, err
	}
	state, err := s.store.LoadMachineState(ctx, s.opts.MachineID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrManifestUnavailable, err)
	}

	decisions, result, err := s.classifyAll(ctx, m, state)
	if err != nil {
		return nil, err
	}

	s.execute(ctx, decisions, state, result)

	if err := s.updateMachineRecords(ctx, state, result); err != nil {
		result.Errors = append(result.Errors, ConvError{ID: "", Err: err})
	}

	s.log.Info(ctx, "sync pass finished",
		"pushed", len(result.Pushed),
		"pulled", len(result.Pulled),
		"skipped", len(result.Skipped),
		"conflicts", len(result.Conflicts),
		"errors", len(result.Errors),
		"took", time.Since(start))

	return result, nil
}

// classifyAll hashes and classifies every conversation known locally or in
// the manifest, in concurrent batches.
func (s *Syncer) classifyAll(ctx context.Context, m *manifest.Manifest, state *manifest.MachineState) ([]decision, *Result, error) {
	localIDs, err := s.hasher.ListConversations()
	if err != nil {
		return nil, nil, fmt.Errorf("list conversations: %w", err)
	}

	seen := make(map[string]struct{}, len(localIDs))
	ids := make([]string, 0, len(localIDs)+len(m.Conversations))
	for _, id := range localIDs {
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	for i := range m.Conversations {
		if _, ok := seen[m.Conversations[i].ID]; !ok {
			ids = append(ids, m.Conversations[i].ID)
		}
	}
	sort.Strings(ids)

	result := &Result{}
	var mu sync.Mutex
	var decisions []decision

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchSize)

	for _, id := range ids {
		id := id
		if err := gctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			digest, err := s.hasher.HashConversation(id)
			if err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, ConvError{ID: id, Err: err})
				mu.Unlock()
				return nil
			}

			entry := m.Conversation(id)
			remoteHash := ""
			if entry != nil {
				remoteHash = entry.OverallHash
			}
			baseHash := ""
			if base := state.Base(id); base != nil {
				baseHash = base.OverallHash
			}

			action := Classify(digest.OverallHash, remoteHash, baseHash)

			mu.Lock()
			decisions = append(decisions, decision{id: id, action: action, local: digest, entry: entry})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	sort.Slice(decisions, func(i, j int) bool { return decisions[i].id < decisions[j].id })
	return decisions, result, nil
}

// execute runs the transfer phase over the classified decisions, again in
// concurrent batches. Per-conversation errors never abort siblings.
func (s *Syncer) execute(ctx context.Context, decisions []decision, state *manifest.MachineState, result *Result) {
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.BatchSize)

	for _, d := range decisions {
		d := d
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			switch d.action {
			case ActionSkip:
				s.handleSkip(gctx, d, state, result, &mu)
			case ActionPush:
				err := s.pushOne(gctx, d.id, d.local, state, &mu)
				mu.Lock()
				if err != nil {
					result.Errors = append(result.Errors, ConvError{ID: d.id, Err: err})
				} else {
					result.Pushed = append(result.Pushed, d.id)
				}
				mu.Unlock()
			case ActionPull:
				err := s.pullOne(gctx, d.id, d.local, d.entry, state, &mu)
				mu.Lock()
				if err != nil {
					if errors.Is(err, common.ErrObjectNotFound) {
						result.Dangling = append(result.Dangling, d.id)
					}
					result.Errors = append(result.Errors, ConvError{ID: d.id, Err: err})
				} else {
					result.Pulled = append(result.Pulled, d.id)
				}
				mu.Unlock()
			case ActionConflict:
				mu.Lock()
				c := Conflict{ID: d.id, LocalHash: d.local.OverallHash}
				if d.entry != nil {
					c.Title = d.entry.Title
					c.RemoteHash = d.entry.OverallHash
				}
				result.Conflicts = append(result.Conflicts, c)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(result.Pushed)
	sort.Strings(result.Pulled)
	sort.Strings(result.Skipped)
	sort.Slice(result.Conflicts, func(i, j int) bool { return result.Conflicts[i].ID < result.Conflicts[j].ID })
	sort.Strings(result.Dangling)
}

// handleSkip records an in-sync conversation and pushes a metadata-only
// title correction when the local title drifted from the manifest, so benign
// renames propagate without a conflict.
func (s *Syncer) handleSkip(ctx context.Context, d decision, state *manifest.MachineState, result *Result, mu *sync.Mutex) {
	if d.entry != nil && d.local.OverallHash != "" {
		if title := s.hasher.Title(d.id); title != d.entry.Title {
			err := s.store.Update(ctx, func(m *manifest.Manifest) error {
				if e := m.Conversation(d.id); e != nil {
					e.Title = title
					e.ModifiedBy = s.opts.MachineID
				}
				return nil
			})
			if err != nil {
				mu.Lock()
				result.Errors = append(result.Errors, ConvError{ID: d.id, Err: err})
				mu.Unlock()
				return
			}
		}
		// Refresh the base so future passes keep classifying cleanly.
		mu.Lock()
		state.SetBase(d.id, manifest.ConversationState{
			OverallHash: d.local.OverallHash,
			FileHashes:  toManifestHashes(d.local.FileHashes),
		})
		mu.Unlock()
	}
	mu.Lock()
	result.Skipped = append(result.Skipped, d.id)
	mu.Unlock()
}

func toManifestHashes(files map[string]hashx.FileDigest) map[string]manifest.FileHashInfo {
	out := make(map[string]manifest.FileHashInfo, len(files))
	for p, d := range files {
		out[p] = manifest.FileHashInfo{
			Hash:         d.Hash,
			Size:         d.Size,
			LastModified: d.ModTime.UTC().Format(time.RFC3339),
		}
	}
	return out
}

// pushOne uploads a conversation's changed files and then records the new
// manifest entry. The manifest is updated only after every transfer has
// succeeded, so a failed pass leaves remote state describing only completed
// content.
func (s *Syncer) pushOne(ctx context.Context, id string, digest *hashx.ConversationDigest, state *manifest.MachineState, mu *sync.Mutex) error {
	if digest == nil {
		var err error
		digest, err = s.hasher.HashConversation(id)
		if err != nil {
			return err
		}
	}

	localFiles := toManifestHashes(digest.FileHashes)

	// The freshest remote file map decides what actually moves.
	m, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	var remoteFiles map[string]manifest.FileHashInfo
	var createdAt time.Time
	var createdBy string
	if entry := m.Conversation(id); entry != nil {
		createdAt = entry.CreatedAt
		createdBy = entry.CreatedBy
		if entry.FormatVersion == manifest.FormatPerFile {
			remoteFiles = entry.FileHashes
		}
	}

	plan := planTransfer(localFiles, remoteFiles)
	pipe := s.newPipeline()

	uploaded, err := pipe.uploadFiles(ctx, id, plan.transfers, localFiles)
	if err != nil {
		return err
	}
	if err := pipe.deleteRemote(ctx, id, plan.deletes); err != nil {
		return err
	}

	now := time.Now().UTC()
	if createdAt.IsZero() {
		createdAt = now
		createdBy = s.opts.MachineID
	}

	entry := manifest.SyncedConversation{
		ID:            id,
		Title:         s.hasher.Title(id),
		LastModified:  now,
		OverallHash:   digest.OverallHash,
		ModifiedBy:    s.opts.MachineID,
		FileHashes:    localFiles,
		Size:          digest.TotalSize,
		CreatedAt:     createdAt,
		CreatedBy:     createdBy,
		FormatVersion: manifest.FormatPerFile,
	}

	if err := s.store.Update(ctx, func(m *manifest.Manifest) error {
		m.UpsertConversation(entry)
		return nil
	}); err != nil {
		return err
	}

	mu.Lock()
	state.SetBase(id, manifest.ConversationState{OverallHash: digest.OverallHash, FileHashes: localFiles})
	state.UploadCount += int64(uploaded)
	mu.Unlock()

	s.log.Info(ctx, "pushed conversation", "conversation", id, "uploaded", uploaded, "deleted", len(plan.deletes))
	return nil
}

// pullOne downloads a conversation's changed files, propagating remote
// deletions locally. Legacy whole-archive conversations are unpacked from
// their single encrypted zip.
func (s *Syncer) pullOne(ctx context.Context, id string, digest *hashx.ConversationDigest, entry *manifest.SyncedConversation, state *manifest.MachineState, mu *sync.Mutex) error {
	if entry == nil {
		return fmt.Errorf("%w: %s", common.ErrConversationNotFound, id)
	}

	if entry.FormatVersion == manifest.FormatLegacyArchive {
		n, err := s.pullLegacy(ctx, id)
		if err != nil {
			return err
		}
		mu.Lock()
		state.SetBase(id, manifest.ConversationState{OverallHash: entry.OverallHash})
		state.DownloadCount += int64(n)
		mu.Unlock()
		s.log.Info(ctx, "pulled legacy conversation", "conversation", id, "files", n)
		return nil
	}

	if digest == nil {
		var err error
		digest, err = s.hasher.HashConversation(id)
		if err != nil {
			return err
		}
	}
	localFiles := toManifestHashes(digest.FileHashes)

	plan := planTransfer(entry.FileHashes, localFiles)
	pipe := s.newPipeline()

	downloaded, err := pipe.downloadFiles(ctx, id, plan.transfers)
	if err != nil {
		return err
	}
	if err := pipe.deleteLocal(ctx, plan.deletes); err != nil {
		return err
	}

	mu.Lock()
	state.SetBase(id, manifest.ConversationState{OverallHash: entry.OverallHash, FileHashes: entry.FileHashes})
	state.DownloadCount += int64(downloaded)
	mu.Unlock()

	s.log.Info(ctx, "pulled conversation", "conversation", id, "downloaded", downloaded, "deleted", len(plan.deletes))
	return nil
}

// updateMachineRecords persists the machine state object and refreshes the
// lightweight roster entry in the manifest.
func (s *Syncer) updateMachineRecords(ctx context.Context, state *manifest.MachineState, result *Result) error {
	now := time.Now().UTC()
	state.LastSync = now
	if state.Name == "" {
		state.Name = s.opts.MachineName
	}

	if err := s.store.SaveMachineState(ctx, state); err != nil {
		return err
	}

	return s.store.Update(ctx, func(m *manifest.Manifest) error {
		mc := m.MachineByID(s.opts.MachineID)
		roster := manifest.Machine{
			ID:            s.opts.MachineID,
			Name:          s.opts.MachineName,
			LastSync:      now,
			CreatedAt:     state.CreatedAt,
			UploadCount:   state.UploadCount,
			DownloadCount: state.DownloadCount,
		}
		if mc != nil && roster.Name == "" {
			roster.Name = mc.Name
		}
		m.UpsertMachine(roster)
		return nil
	})
}

// PushConversation pushes a single conversation outside a full pass, e.g.
// after a conflict resolution. The manifest queue serializes the update
// against other local mutations; cross-machine races are reconciled by the
// next full pass.
func (s *Syncer) PushConversation(ctx context.Context, id string) error {
	state, err := s.store.LoadMachineState(ctx, s.opts.MachineID)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	if err := s.pushOne(ctx, id, nil, state, &mu); err != nil {
		return err
	}
	return s.store.SaveMachineState(ctx, state)
}

// PullConversation pulls a single conversation outside a full pass.
func (s *Syncer) PullConversation(ctx context.Context, id string) error {
	m, err := s.store.Load(ctx)
	if err != nil {
		return err
	}
	state, err := s.store.LoadMachineState(ctx, s.opts.MachineID)
	if err != nil {
		return err
	}
	var mu sync.Mutex
	if err := s.pullOne(ctx, id, nil, m.Conversation(id), state, &mu); err != nil {
		return err
	}
	return s.store.SaveMachineState(ctx, state)
}

// DeleteConversation removes a conversation from the remote store and the
// manifest. Only explicit user deletion reaches this; absence from a local
// listing never does.
func (s *Syncer) DeleteConversation(ctx context.Context, id string) error {
	keys, err := s.remote.List(ctx, remote.ConvPrefix+id+"/")
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.remote.Delete(ctx, key); err != nil {
			return err
		}
	}
	// Legacy archive, if any.
	if err := s.remote.Delete(ctx, legacyArchiveKey(id)); err != nil && !errors.Is(err, common.ErrObjectNotFound) {
		return err
	}

	if err := s.store.Update(ctx, func(m *manifest.Manifest) error {
		m.RemoveConversation(id)
		return nil
	}); err != nil {
		return err
	}

	state, err := s.store.LoadMachineState(ctx, s.opts.MachineID)
	if err != nil {
		return err
	}
	delete(state.Conversations, id)
	return s.store.SaveMachineState(ctx, state)
}

// Quota proxies the advisory storage quota of the remote store.
func (s *Syncer) Quota(ctx context.Context) (used, total int64, err error) {
	return s.remote.Quota(ctx)
}
