package sync

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/mihailsb/convsync/internal/cryptox"
)

// pullLegacy downloads a conversation stored in the old whole-archive
// format: one encrypted zip of the entire conversation, with entry names
// already following the "brain/..." / "records/..." convention. Supported
// for read only; the next push rewrites the conversation per-file.
func (s *Syncer) pullLegacy(ctx context.Context, id string) (files int, err error) {
	blob, _, err := s.remote.Get(ctx, legacyArchiveKey(id))
	if err != nil {
		return 0, err
	}

	data, err := cryptox.Decrypt(blob, s.password)
	if err != nil {
		return 0, fmt.Errorf("decrypt legacy archive %s: %w", id, err)
	}

	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open legacy archive %s: %w", id, err)
	}

	pipe := s.newPipeline()
	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return files, err
		}
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return files, fmt.Errorf("archive entry %s: %w", f.Name, err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return files, fmt.Errorf("archive entry %s: %w", f.Name, err)
		}

		localPath, err := s.layout.LocalPath(f.Name)
		if err != nil {
			return files, err
		}
		if err := pipe.writeAtomic(localPath, content); err != nil {
			return files, err
		}
		files++
	}
	return files, nil
}
