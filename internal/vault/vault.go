// Package vault encrypts third-party credentials (OAuth tokens, ICS feed URLs)
// before they are persisted.
//
// Blobs are base64(nonce[12] || tag[16] || ciphertext) sealed with AES-256-GCM
// under a data key obtained from a KeyProvider. Fingerprint is an unkeyed
// SHA-256 of the plaintext used for equality checks and log-safe references.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

const (
	nonceSize = 12
	tagSize   = 16
	keySize   = 32
)

var (
	ErrDecrypt        = errors.New("vault: decrypt failed")
	ErrKeyUnavailable = errors.New("vault: data key unavailable")
)

type Vault struct {
	keys KeyProvider
}

func New(keys KeyProvider) *Vault {
	return &Vault{keys: keys}
}

// Encrypt seals plaintext under a fresh random nonce.
func (v *Vault) Encrypt(ctx context.Context, plaintext string) (string, error) {
	key, err := v.keys.DataKey(ctx, PurposeEncrypt)
	if err != nil {
		return "", syncerr.New(syncerr.KindEncryption, "vault.encrypt", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", syncerr.New(syncerr.KindEncryption, "vault.encrypt", err)
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", syncerr.New(syncerr.KindEncryption, "vault.encrypt", fmt.Errorf("nonce: %w", err))
	}

	// Seal appends the tag after the ciphertext; the blob stores it up front.
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	ct, tag := sealed[:len(sealed)-tagSize], sealed[len(sealed)-tagSize:]

	out := make([]byte, 0, nonceSize+tagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decrypt opens a blob produced by Encrypt. Any tampering or a wrong key
// yields ErrDecrypt and no plaintext.
func (v *Vault) Decrypt(ctx context.Context, blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil || len(raw) < nonceSize+tagSize {
		return "", syncerr.New(syncerr.KindEncryption, "vault.decrypt", ErrDecrypt)
	}
	key, err := v.keys.DataKey(ctx, PurposeDecrypt)
	if err != nil {
		return "", syncerr.New(syncerr.KindEncryption, "vault.decrypt", err)
	}
	aead, err := newGCM(key)
	if err != nil {
		return "", syncerr.New(syncerr.KindEncryption, "vault.decrypt", err)
	}

	nonce := raw[:nonceSize]
	tag := raw[nonceSize : nonceSize+tagSize]
	ct := raw[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	pt, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", syncerr.New(syncerr.KindEncryption, "vault.decrypt", ErrDecrypt)
	}
	return string(pt), nil
}

// EncryptOptional encrypts s, mapping the empty string to nil.
func (v *Vault) EncryptOptional(ctx context.Context, s string) (*string, error) {
	if s == "" {
		return nil, nil
	}
	blob, err := v.Encrypt(ctx, s)
	if err != nil {
		return nil, err
	}
	return &blob, nil
}

// DecryptOptional decrypts blob, mapping nil to the empty string.
func (v *Vault) DecryptOptional(ctx context.Context, blob *string) (string, error) {
	if blob == nil || *blob == "" {
		return "", nil
	}
	return v.Decrypt(ctx, *blob)
}

// Fingerprint is the hex SHA-256 of plaintext.
func Fingerprint(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid data key length %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes.NewCipher: %w", err)
	}
	return cipher.NewGCM(block)
}
