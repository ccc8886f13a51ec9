// Package remote abstracts the cloud object store the sync engine writes to.
// Everything above this interface is provider-independent; the concrete
// backend is an S3-compatible endpoint.
package remote

import "context"

// Object keys used by the sync engine, all relative to a configured root
// prefix.
const (
	ManifestKey     = "manifest.json.enc"
	MachinesPrefix  = "machines/"
	ConvPrefix      = "conversations/"
	LockKey         = "sync.lock"
	EncryptedSuffix = ".enc"

	// LegacyArchiveSuffix marks the old whole-conversation archive format,
	// supported for pull only.
	LegacyArchiveSuffix = ".zip.enc"
)

// MetaPlainHash is the object-metadata key recording the plaintext content
// hash of an uploaded file. It lets an uploader skip re-sending a file whose
// transfer completed before a crash, without decrypting the stored object.
const MetaPlainHash = "plain-hash"

// ObjectStore is the narrow put/get/list/delete surface the engine needs.
// Get returns common.ErrObjectNotFound when the key is absent.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte, meta map[string]string) error
	Get(ctx context.Context, key string) ([]byte, map[string]string, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error

	// Head returns only an object's metadata, or common.ErrObjectNotFound.
	Head(ctx context.Context, key string) (map[string]string, error)

	// Quota reports advisory used/total storage bytes. Total may be zero
	// when the backend does not expose a limit.
	Quota(ctx context.Context) (used, total int64, err error)
}
