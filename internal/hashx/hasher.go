// Package hashx computes content digests for conversation files and whole
// conversations. Digests are identity hashes, not tamper evidence; tamper
// evidence on the wire is the codec's authentication tag.
package hashx

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// Prefixes under which a conversation's two storage areas appear in its
// file-hash map. A conversation spans an arbitrary file tree under
// brain/<id>/ plus one flat record file records/<id>.jsonl.
const (
	BrainPrefix   = "brain"
	RecordsPrefix = "records"

	RecordExt = ".jsonl"

	// TitleFile is the conventional metadata file whose first heading line
	// is the conversation title.
	TitleFile = "task.md"
)

// DefaultCacheCapacity bounds the mtime-keyed hash cache.
const DefaultCacheCapacity = 4096

// FileDigest describes one hashed file.
type FileDigest struct {
	Hash    string
	Size    int64
	ModTime time.Time
}

// ConversationDigest aggregates every file of one conversation.
//
// OverallHash is a digest over the sorted "path:hash" pairs, so two
// conversations with identical file sets and content always produce the same
// value regardless of traversal order. An empty conversation has an empty
// OverallHash.
type ConversationDigest struct {
	OverallHash string
	FileHashes  map[string]FileDigest
	TotalSize   int64
	MaxModTime  time.Time
}

type cacheEntry struct {
	modTime time.Time
	hash    string
}

// Hasher hashes files under a brain directory (one subdirectory per
// conversation) and a flat records directory (one record file per
// conversation). It keeps a bounded cache keyed by path+mtime so unchanged
// files are never re-read.
type Hasher struct {
	fs         afero.Fs
	brainDir   string
	recordsDir string

	mu       sync.Mutex
	cache    map[string]cacheEntry
	capacity int
}

// New creates a Hasher over the given filesystem roots.
func New(fs afero.Fs, brainDir, recordsDir string) *Hasher {
	return &Hasher{
		fs:         fs,
		brainDir:   brainDir,
		recordsDir: recordsDir,
		cache:      make(map[string]cacheEntry),
		capacity:   DefaultCacheCapacity,
	}
}

// SetCacheCapacity overrides the cache bound. Zero or negative disables caching.
func (h *Hasher) SetCacheCapacity(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.capacity = n
}

// excluded reports whether a file name belongs to the exclusion list:
// OS metadata files and backup/temp suffixes.
func excluded(name string) bool {
	switch name {
	case ".DS_Store", "Thumbs.db", "desktop.ini":
		return true
	}
	if strings.HasSuffix(name, ".tmp") || strings.HasSuffix(name, ".bak") || strings.HasSuffix(name, "~") {
		return true
	}
	return false
}

// HashFile hashes a single file, consulting the mtime-keyed cache first.
func (h *Hasher) HashFile(p string) (FileDigest, error) {
	info, err := h.fs.Stat(p)
	if err != nil {
		return FileDigest{}, fmt.Errorf("stat %s: %w", p, err)
	}

	h.mu.Lock()
	if e, ok := h.cache[p]; ok && e.modTime.Equal(info.ModTime()) {
		h.mu.Unlock()
		return FileDigest{Hash: e.hash, Size: info.Size(), ModTime: info.ModTime()}, nil
	}
	h.mu.Unlock()

	data, err := afero.ReadFile(h.fs, p)
	if err != nil {
		return FileDigest{}, fmt.Errorf("read %s: %w", p, err)
	}
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	h.mu.Lock()
	if h.capacity > 0 {
		if len(h.cache) >= h.capacity {
			// Evict an arbitrary entry; the cache is an optimization, not
			// a correctness requirement.
			for k := range h.cache {
				delete(h.cache, k)
				break
			}
		}
		h.cache[p] = cacheEntry{modTime: info.ModTime(), hash: digest}
	}
	h.mu.Unlock()

	return FileDigest{Hash: digest, Size: info.Size(), ModTime: info.ModTime()}, nil
}

// HashConversation walks every file of the conversation: the tree under
// brain/<id>/ plus the flat record file records/<id>.jsonl. Keys of the
// returned FileHashes are relative paths like "brain/<id>/notes/a.md".
func (h *Hasher) HashConversation(id string) (*ConversationDigest, error) {
	digest := &ConversationDigest{FileHashes: make(map[string]FileDigest)}

	convDir := filepath.Join(h.brainDir, id)
	if ok, err := afero.DirExists(h.fs, convDir); err != nil {
		return nil, fmt.Errorf("stat %s: %w", convDir, err)
	} else if ok {
		err := afero.Walk(h.fs, convDir, func(p string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if info.IsDir() || excluded(info.Name()) {
				return nil
			}
			rel, err := filepath.Rel(h.brainDir, p)
			if err != nil {
				return err
			}
			fd, err := h.HashFile(p)
			if err != nil {
				return err
			}
			digest.FileHashes[path.Join(BrainPrefix, filepath.ToSlash(rel))] = fd
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walk %s: %w", convDir, err)
		}
	}

	record := filepath.Join(h.recordsDir, id+RecordExt)
	if ok, err := afero.Exists(h.fs, record); err != nil {
		return nil, fmt.Errorf("stat %s: %w", record, err)
	} else if ok {
		fd, err := h.HashFile(record)
		if err != nil {
			return nil, err
		}
		digest.FileHashes[path.Join(RecordsPrefix, id+RecordExt)] = fd
	}

	digest.OverallHash = OverallHash(digest.FileHashes)
	for _, fd := range digest.FileHashes {
		digest.TotalSize += fd.Size
		if fd.ModTime.After(digest.MaxModTime) {
			digest.MaxModTime = fd.ModTime
		}
	}

	return digest, nil
}

// OverallHash computes the aggregate digest: relative paths sorted
// lexicographically, concatenated as "path:hash" lines, hashed once.
// An empty map yields an empty string, which never equals a manifest entry
// that expects content.
func OverallHash(files map[string]FileDigest) string {
	if len(files) == 0 {
		return ""
	}
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var sb strings.Builder
	for _, p := range paths {
		sb.WriteString(p)
		sb.WriteString(":")
		sb.WriteString(files[p].Hash)
		sb.WriteString("\n")
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// Title extracts the conversation title from the first "# " heading of the
// conventional metadata file, falling back to the id.
func (h *Hasher) Title(id string) string {
	data, err := afero.ReadFile(h.fs, filepath.Join(h.brainDir, id, TitleFile))
	if err != nil {
		return id
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "# "); ok {
			if title := strings.TrimSpace(after); title != "" {
				return title
			}
		}
	}
	return id
}

// ListConversations returns the union of conversation ids present locally:
// brain subdirectories plus record-file basenames.
func (h *Hasher) ListConversations() ([]string, error) {
	seen := make(map[string]struct{})

	entries, err := afero.ReadDir(h.fs, h.brainDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", h.brainDir, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			seen[e.Name()] = struct{}{}
		}
	}

	records, err := afero.ReadDir(h.fs, h.recordsDir)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", h.recordsDir, err)
	}
	for _, e := range records {
		if !e.IsDir() && strings.HasSuffix(e.Name(), RecordExt) {
			seen[strings.TrimSuffix(e.Name(), RecordExt)] = struct{}{}
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
