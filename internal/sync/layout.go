package sync

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/mihailsb/convsync/internal/hashx"
	"github.com/mihailsb/convsync/internal/remote"
)

// Layout maps the relative path convention used in file-hash maps onto the
// two local directory trees a conversation spans.
type Layout struct {
	// BrainDir holds one subdirectory per conversation id.
	BrainDir string
	// RecordsDir holds one flat record file per conversation id.
	RecordsDir string
}

// LocalPath resolves a relative key like "brain/abc/notes/a.md" or
// "records/abc.jsonl" to a path on the local filesystem.
func (l Layout) LocalPath(rel string) (string, error) {
	if after, ok := strings.CutPrefix(rel, hashx.BrainPrefix+"/"); ok {
		return filepath.Join(l.BrainDir, filepath.FromSlash(after)), nil
	}
	if after, ok := strings.CutPrefix(rel, hashx.RecordsPrefix+"/"); ok {
		return filepath.Join(l.RecordsDir, filepath.FromSlash(after)), nil
	}
	return "", fmt.Errorf("unrecognized relative path %q", rel)
}

// remoteFileKey is the object key of one conversation file.
func remoteFileKey(convID, rel string) string {
	return remote.ConvPrefix + convID + "/" + rel + remote.EncryptedSuffix
}

// legacyArchiveKey is the object key of the old whole-conversation archive.
func legacyArchiveKey(convID string) string {
	return remote.ConvPrefix + convID + remote.LegacyArchiveSuffix
}
