package sync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	"github.com/mihailsb/convsync/internal/common"
	"github.com/mihailsb/convsync/internal/cryptox"
	"github.com/mihailsb/convsync/internal/logging"
	"github.com/mihailsb/convsync/internal/manifest"
	"github.com/mihailsb/convsync/internal/remote"
)

// DefaultFileConcurrency bounds simultaneous file transfers within one
// conversation.
const DefaultFileConcurrency = 3

// pipeline executes the file transfers of a single push or pull action with
// bounded concurrency and cooperative cancellation.
type pipeline struct {
	fs          afero.Fs
	remote      remote.ObjectStore
	layout      Layout
	password    []byte
	concurrency int
	progress    Progress
	log         logging.Logger
}

func newPipeline(fs afero.Fs, store remote.ObjectStore, layout Layout, password []byte, concurrency int, progress Progress, log logging.Logger) *pipeline {
	if concurrency <= 0 {
		concurrency = DefaultFileConcurrency
	}
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &pipeline{
		fs:          fs,
		remote:      store,
		layout:      layout,
		password:    password,
		concurrency: concurrency,
		progress:    progress,
		log:         log,
	}
}

// uploadFiles pushes the given relative paths of one conversation. Each
// object records the plaintext hash as metadata so an interrupted transfer
// that completed the write can be detected later without decrypting.
// Uploads whose remote object already carries the local hash are skipped.
func (p *pipeline) uploadFiles(ctx context.Context, convID string, paths []string, local map[string]manifest.FileHashInfo) (uploaded int, err error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	results := make(chan struct{}, len(paths))
	for _, rel := range paths {
		rel := rel
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			skipped, err := p.uploadOne(ctx, convID, rel, local[rel].Hash)
			if err != nil {
				return err
			}
			if !skipped {
				results <- struct{}{}
				reportFileDone(p.progress, convID, rel, DirectionUpload)
			}
			return nil
		})
	}

	err = g.Wait()
	close(results)
	return len(results), err
}

func (p *pipeline) uploadOne(ctx context.Context, convID, rel, localHash string) (skipped bool, err error) {
	key := remoteFileKey(convID, rel)

	// Resilience check: a previously interrupted transfer may have written
	// the object without updating the manifest.
	meta, err := p.remote.Head(ctx, key)
	if err == nil && meta[remote.MetaPlainHash] == localHash {
		p.log.Debug(ctx, "skipping upload, object already current", "key", key)
		return true, nil
	}
	if err != nil && !errors.Is(err, common.ErrObjectNotFound) {
		return false, fmt.Errorf("head %s: %w", key, err)
	}

	localPath, err := p.layout.LocalPath(rel)
	if err != nil {
		return false, err
	}
	data, err := afero.ReadFile(p.fs, localPath)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", localPath, err)
	}

	blob, err := cryptox.Encrypt(data, p.password, true)
	if err != nil {
		return false, fmt.Errorf("encrypt %s: %w", rel, err)
	}

	if err := p.remote.Put(ctx, key, blob, map[string]string{remote.MetaPlainHash: localHash}); err != nil {
		return false, err
	}
	return false, nil
}

// downloadFiles pulls the given relative paths of one conversation. Each
// file is decrypted fully in memory and written through a temp-file rename,
// so a failed decryption never corrupts the existing local file.
func (p *pipeline) downloadFiles(ctx context.Context, convID string, paths []string) (downloaded int, err error) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)

	results := make(chan struct{}, len(paths))
	for _, rel := range paths {
		rel := rel
		if err := ctx.Err(); err != nil {
			break
		}
		g.Go(func() error {
			if err := p.downloadOne(ctx, convID, rel); err != nil {
				return err
			}
			results <- struct{}{}
			reportFileDone(p.progress, convID, rel, DirectionDownload)
			return nil
		})
	}

	err = g.Wait()
	close(results)
	return len(results), err
}

func (p *pipeline) downloadOne(ctx context.Context, convID, rel string) error {
	key := remoteFileKey(convID, rel)

	blob, _, err := p.remote.Get(ctx, key)
	if err != nil {
		return err
	}

	data, err := cryptox.Decrypt(blob, p.password)
	if err != nil {
		return fmt.Errorf("decrypt %s: %w", key, err)
	}

	localPath, err := p.layout.LocalPath(rel)
	if err != nil {
		return err
	}
	return p.writeAtomic(localPath, data)
}

// writeAtomic stages content in a temp file next to the target and renames
// it into place.
func (p *pipeline) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := p.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	tmp := path + ".convsync-tmp"
	if err := afero.WriteFile(p.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", tmp, err)
	}
	if err := p.fs.Rename(tmp, path); err != nil {
		_ = p.fs.Remove(tmp)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

// deleteRemote removes conversation file objects that no longer exist
// locally.
func (p *pipeline) deleteRemote(ctx context.Context, convID string, paths []string) error {
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := p.remote.Delete(ctx, remoteFileKey(convID, rel)); err != nil {
			return err
		}
	}
	return nil
}

// deleteLocal removes local files that no longer exist remotely.
func (p *pipeline) deleteLocal(ctx context.Context, paths []string) error {
	for _, rel := range paths {
		if err := ctx.Err(); err != nil {
			return err
		}
		localPath, err := p.layout.LocalPath(rel)
		if err != nil {
			return err
		}
		if err := p.fs.Remove(localPath); err != nil && !errors.Is(err, afero.ErrFileNotFound) {
			return fmt.Errorf("remove %s: %w", localPath, err)
		}
	}
	return nil
}
