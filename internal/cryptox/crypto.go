// Package cryptox implements the encrypted blob format used for every object
// stored remotely: password-derived AES-256-GCM with optional gzip
// compression applied before encryption.
//
// Blob layout:
//
//	[8-byte magic][32-byte salt][16-byte nonce][16-byte auth tag][ciphertext]
//
// Two magic values distinguish raw from compressed payloads so older blobs
// remain decodable after a format upgrade. Salt and nonce are freshly random
// on every call, so identical plaintexts never produce identical blobs.
package cryptox

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/mihailsb/convsync/internal/common"
	"golang.org/x/crypto/pbkdf2"
)

const (
	magicRaw  = "CONVSNC1"
	magicGzip = "CONVSNC2"

	magicSize = 8
	saltSize  = 32
	nonceSize = 16
	tagSize   = 16

	headerSize = magicSize + saltSize + nonceSize + tagSize

	// KDFIterations is the fixed PBKDF2 iteration count. Changing it breaks
	// decryption of existing blobs, so it is part of the format.
	KDFIterations = 100_000

	keySize = 32
)

// DeriveKey derives the AES key from a password and salt via PBKDF2-SHA256.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, KDFIterations, keySize, sha256.New)
}

// MakeVerifier returns a hash of the derived key suitable for storing
// alongside the salt to check a password without attempting decryption.
func MakeVerifier(key []byte) []byte {
	hash := sha256.Sum256(key)
	return hash[:]
}

// Encrypt seals plaintext under the given password. When compress is true the
// plaintext is gzip-compressed before encryption (never after, so compression
// gains are kept and ciphertext stays uniform).
func Encrypt(plaintext, password []byte, compress bool) ([]byte, error) {
	magic := magicRaw
	payload := plaintext

	if compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(plaintext); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compress: %w", err)
		}
		magic = magicGzip
		payload = buf.Bytes()
	}

	salt := common.GenerateRandByteArray(saltSize)
	nonce := common.GenerateRandByteArray(nonceSize)

	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}

	// Seal appends the tag after the ciphertext; the blob layout stores the
	// tag before it, so the two regions are split here.
	sealed := aead.Seal(nil, nonce, payload, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	blob := make([]byte, 0, headerSize+len(ciphertext))
	blob = append(blob, magic...)
	blob = append(blob, salt...)
	blob = append(blob, nonce...)
	blob = append(blob, tag...)
	blob = append(blob, ciphertext...)

	return blob, nil
}

// Decrypt opens a blob produced by Encrypt. It fails with common.ErrFormat
// when the blob is truncated or carries an unknown magic, and with
// common.ErrDecryption when the password is wrong or the blob was tampered
// with (authentication tag mismatch).
func Decrypt(blob, password []byte) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, common.ErrFormat
	}

	magic := string(blob[:magicSize])
	if magic != magicRaw && magic != magicGzip {
		return nil, common.ErrFormat
	}

	salt := blob[magicSize : magicSize+saltSize]
	nonce := blob[magicSize+saltSize : magicSize+saltSize+nonceSize]
	tag := blob[magicSize+saltSize+nonceSize : headerSize]
	ciphertext := blob[headerSize:]

	aead, err := newAEAD(password, salt)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+tagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	payload, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, common.ErrDecryption
	}

	if magic == magicGzip {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, common.ErrDecryption
		}
		defer zr.Close()
		plaintext, err := io.ReadAll(zr)
		if err != nil {
			return nil, common.ErrDecryption
		}
		return plaintext, nil
	}

	return payload, nil
}

func newAEAD(password, salt []byte) (cipher.AEAD, error) {
	key := DeriveKey(password, salt)
	defer common.WipeByteArray(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
