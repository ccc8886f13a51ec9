package sync

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"

	"github.com/mihailsb/convsync/internal/common"
	"github.com/mihailsb/convsync/internal/manifest"
	"github.com/mihailsb/convsync/internal/remote"
)

var password = []byte("sync-password")

type env struct {
	fs     afero.Fs
	mem    *remote.MemStore
	store  *manifest.Store
	syncer *Syncer
}

// newEnv builds one "machine": its own local filesystem and manifest store,
// sharing the given remote store with other machines in the test.
func newEnv(t *testing.T, mem *remote.MemStore, machineID string) *env {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("brain", 0o755))
	require.NoError(t, fs.MkdirAll("records", 0o755))

	store := manifest.NewStore(mem, password, nil)
	t.Cleanup(store.Close)

	layout := Layout{BrainDir: "brain", RecordsDir: "records"}
	syncer := NewSyncer(fs, layout, store, mem, password, nil, Options{
		MachineID:   machineID,
		MachineName: machineID + "-name",
	})
	return &env{fs: fs, mem: mem, store: store, syncer: syncer}
}

func (e *env) write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, afero.WriteFile(e.fs, path, []byte(content), 0o644))
	// MemMapFs does not reliably advance mtime on rewrite.
	require.NoError(t, e.fs.Chtimes(path, time.Now(), time.Now().Add(time.Millisecond)))
}

func TestSyncNow_PushesNewConversation(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "# Plan the trip\ncontent")
	e.write(t, "records/abc.jsonl", `{"role":"user","text":"hi"}`)

	res, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Pushed)
	require.Empty(t, res.Conflicts)
	require.Empty(t, res.Errors)

	// Encrypted per-file objects exist remotely.
	keys, err := mem.List(ctx, remote.ConvPrefix+"abc/")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{
		"conversations/abc/brain/abc/task.md.enc",
		"conversations/abc/records/abc.jsonl.enc",
	}, keys)

	// Manifest entry carries the per-file format and matching hashes.
	m, err := e.store.Load(ctx)
	require.NoError(t, err)
	entry := m.Conversation("abc")
	require.NotNil(t, entry)
	require.Equal(t, manifest.FormatPerFile, entry.FormatVersion)
	require.Equal(t, "Plan the trip", entry.Title)
	require.Equal(t, "m1", entry.CreatedBy)
	require.Len(t, entry.FileHashes, 2)
	require.NotEmpty(t, entry.OverallHash)

	// Lock is released after the pass.
	_, _, err = mem.Get(ctx, remote.LockKey)
	require.ErrorIs(t, err, common.ErrObjectNotFound)
}

func TestSyncNow_IdempotentSecondPass(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "# T\nbody")

	res, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Pushed)

	var uploads int
	mem.Fail = func(op, key string) error {
		if op == "put" && strings.HasPrefix(key, remote.ConvPrefix) {
			uploads++
		}
		return nil
	}

	res, err = e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Skipped)
	require.Empty(t, res.Pushed)
	require.Zero(t, uploads, "unchanged conversation must upload zero files")
}

func TestSyncNow_PullOnSecondMachine(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()

	a := newEnv(t, mem, "machine-a")
	a.write(t, "brain/abc/task.md", "# Shared\nfrom a")
	a.write(t, "records/abc.jsonl", `{"x":1}`)

	_, err := a.syncer.SyncNow(ctx)
	require.NoError(t, err)

	b := newEnv(t, mem, "machine-b")
	res, err := b.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Pulled)

	data, err := afero.ReadFile(b.fs, "brain/abc/task.md")
	require.NoError(t, err)
	require.Equal(t, "# Shared\nfrom a", string(data))

	data, err = afero.ReadFile(b.fs, "records/abc.jsonl")
	require.NoError(t, err)
	require.Equal(t, `{"x":1}`, string(data))
}

func TestSyncNow_OnlyLocalChangedPushes(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "v1")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)

	e.write(t, "brain/abc/task.md", "v2")
	res, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Pushed)
	require.Empty(t, res.Conflicts)
}

func TestSyncNow_BothModifiedIsConflict(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()

	a := newEnv(t, mem, "machine-a")
	b := newEnv(t, mem, "machine-b")

	// Both machines converge on v1.
	a.write(t, "brain/abc/task.md", "v1")
	_, err := a.syncer.SyncNow(ctx)
	require.NoError(t, err)
	_, err = b.syncer.SyncNow(ctx)
	require.NoError(t, err)

	// Divergent edits on both machines.
	a.write(t, "brain/abc/task.md", "v2-from-a")
	_, err = a.syncer.SyncNow(ctx)
	require.NoError(t, err)

	b.write(t, "brain/abc/task.md", "v2-from-b")
	res, err := b.syncer.SyncNow(ctx)
	require.NoError(t, err)

	require.Len(t, res.Conflicts, 1)
	require.Equal(t, "abc", res.Conflicts[0].ID)
	require.Empty(t, res.Pushed)
	require.Empty(t, res.Pulled)

	// Local file untouched by the conflict.
	data, err := afero.ReadFile(b.fs, "brain/abc/task.md")
	require.NoError(t, err)
	require.Equal(t, "v2-from-b", string(data))
}

func TestSyncNow_DeletionPropagatesWithinPush(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "keep")
	e.write(t, "brain/abc/extra.md", "remove me")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, e.fs.Remove("brain/abc/extra.md"))
	res, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Pushed)

	keys, err := mem.List(ctx, remote.ConvPrefix+"abc/")
	require.NoError(t, err)
	require.Equal(t, []string{"conversations/abc/brain/abc/task.md.enc"}, keys)
}

func TestSyncNow_DeletionPropagatesWithinPull(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()

	a := newEnv(t, mem, "machine-a")
	b := newEnv(t, mem, "machine-b")

	a.write(t, "brain/abc/task.md", "keep")
	a.write(t, "brain/abc/extra.md", "to be deleted")
	_, err := a.syncer.SyncNow(ctx)
	require.NoError(t, err)
	_, err = b.syncer.SyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, a.fs.Remove("brain/abc/extra.md"))
	_, err = a.syncer.SyncNow(ctx)
	require.NoError(t, err)

	res, err := b.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Pulled)

	ok, err := afero.Exists(b.fs, "brain/abc/extra.md")
	require.NoError(t, err)
	require.False(t, ok, "remote deletion must remove the local file on pull")
}

func TestSyncNow_LockBusyAborts(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()

	other := newEnv(t, mem, "holder")
	okLock, err := other.syncer.lock.Acquire(ctx, time.Minute)
	require.NoError(t, err)
	require.True(t, okLock)

	e := newEnv(t, mem, "m1")
	_, err = e.syncer.SyncNow(ctx)
	require.ErrorIs(t, err, common.ErrLockBusy)
}

func TestSyncNow_ReentrantPassRejected(t *testing.T) {
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.syncer.running.Store(true)
	_, err := e.syncer.SyncNow(context.Background())
	require.ErrorIs(t, err, ErrSyncInProgress)
}

func TestSyncNow_LockReleasedOnManifestFailure(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	// First pass writes a manifest, then corrupt it so loading fails.
	e.write(t, "brain/abc/task.md", "x")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, remote.ManifestKey, []byte("garbage"), nil))

	_, err = e.syncer.SyncNow(ctx)
	require.ErrorIs(t, err, common.ErrManifestUnavailable)

	_, _, err = mem.Get(ctx, remote.LockKey)
	require.ErrorIs(t, err, common.ErrObjectNotFound, "lock must be released on failed pass")
}

func TestSyncNow_CancelledBeforeTransfers(t *testing.T) {
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")
	e.write(t, "brain/abc/task.md", "x")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.syncer.SyncNow(ctx)
	require.ErrorIs(t, err, context.Canceled)

	// Guaranteed release also on the cancellation path.
	_, _, err = mem.Get(context.Background(), remote.LockKey)
	require.ErrorIs(t, err, common.ErrObjectNotFound)
}

func TestSyncNow_DanglingEntryCollected(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()

	a := newEnv(t, mem, "machine-a")
	a.write(t, "brain/abc/task.md", "x")
	_, err := a.syncer.SyncNow(ctx)
	require.NoError(t, err)

	// Simulate a manifest entry whose object vanished.
	require.NoError(t, mem.Delete(ctx, "conversations/abc/brain/abc/task.md.enc"))

	b := newEnv(t, mem, "machine-b")
	res, err := b.syncer.SyncNow(ctx)
	require.NoError(t, err, "pass must not abort on a dangling entry")
	require.Equal(t, []string{"abc"}, res.Dangling)
	require.Len(t, res.Errors, 1)
	require.ErrorIs(t, res.Errors[0], common.ErrObjectNotFound)

	// Repair then resync cleanly.
	require.NoError(t, b.store.StripDangling(ctx, res.Dangling))
	res, err = b.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Empty(t, res.Errors)
}

func TestSyncNow_TitleOnlyChangeUpdatesManifest(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "# Old Title\nsame body")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)

	// A rename that keeps content hashes equal would normally be invisible;
	// rewrite only the heading with identical length semantics not needed,
	// any content change to task.md changes hashes, so emulate a pure
	// metadata drift by editing the manifest title out from under us.
	require.NoError(t, e.store.Update(ctx, func(m *manifest.Manifest) error {
		m.Conversation("abc").Title = "stale"
		return nil
	}))

	res, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"abc"}, res.Skipped)

	m, err := e.store.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, "Old Title", m.Conversation("abc").Title)
}

func TestSyncNow_MachineBookkeeping(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "data")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)

	m, err := e.store.Load(ctx)
	require.NoError(t, err)
	mc := m.MachineByID("m1")
	require.NotNil(t, mc)
	require.Equal(t, "m1-name", mc.Name)
	require.False(t, mc.LastSync.IsZero())
	require.EqualValues(t, 1, mc.UploadCount)

	st, err := e.store.LoadMachineState(ctx, "m1")
	require.NoError(t, err)
	require.NotNil(t, st.Base("abc"))
	require.EqualValues(t, 1, st.UploadCount)
}

func TestDeleteConversation(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "x")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)

	require.NoError(t, e.syncer.DeleteConversation(ctx, "abc"))

	keys, err := mem.List(ctx, remote.ConvPrefix)
	require.NoError(t, err)
	require.Empty(t, keys)

	m, err := e.store.Load(ctx)
	require.NoError(t, err)
	require.Nil(t, m.Conversation("abc"))

	st, err := e.store.LoadMachineState(ctx, "m1")
	require.NoError(t, err)
	require.Nil(t, st.Base("abc"))
}

func TestPushConversation_InterruptedUploadResilience(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "payload")

	// Simulate a prior interrupted transfer: the object exists with the
	// right plaintext hash, but no manifest entry was recorded.
	digest, err := e.syncer.hasher.HashConversation("abc")
	require.NoError(t, err)
	hash := digest.FileHashes["brain/abc/task.md"].Hash
	require.NoError(t, mem.Put(ctx, "conversations/abc/brain/abc/task.md.enc",
		[]byte("previously uploaded ciphertext"),
		map[string]string{remote.MetaPlainHash: hash}))

	var uploads int
	mem.Fail = func(op, key string) error {
		if op == "put" && key == "conversations/abc/brain/abc/task.md.enc" {
			uploads++
		}
		return nil
	}

	require.NoError(t, e.syncer.PushConversation(ctx, "abc"))
	require.Zero(t, uploads, "matching plain-hash metadata must skip the upload")

	m, err := e.store.Load(ctx)
	require.NoError(t, err)
	require.NotNil(t, m.Conversation("abc"))
}

func TestQuota(t *testing.T) {
	ctx := context.Background()
	mem := remote.NewMemStore()
	e := newEnv(t, mem, "m1")

	e.write(t, "brain/abc/task.md", "stuff")
	_, err := e.syncer.SyncNow(ctx)
	require.NoError(t, err)

	used, _, err := e.syncer.Quota(ctx)
	require.NoError(t, err)
	require.Positive(t, used)
}
