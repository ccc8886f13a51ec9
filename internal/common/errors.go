// Package common defines shared constants and sentinel errors used across
// convsync components. Callers should use errors.Is to match these values.
package common

import "errors"

var (
	// Crypto codec errors.
	ErrDecryption = errors.New("decryption failed: wrong password or corrupted data")
	ErrFormat     = errors.New("unrecognized blob format")

	// Remote store errors.
	ErrObjectNotFound = errors.New("remote object not found")

	// Sync pass structural errors.
	ErrLockBusy            = errors.New("sync lock held by another machine")
	ErrManifestUnavailable = errors.New("manifest unavailable")

	// Local state errors.
	ErrConversationNotFound = errors.New("conversation not found")
)
