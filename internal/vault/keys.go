package vault

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

type Purpose int

const (
	// PurposeEncrypt needs a key confirmed by the key service within the TTL.
	PurposeEncrypt Purpose = iota
	// PurposeDecrypt accepts any key already seen by this process.
	PurposeDecrypt
)

// KeyProvider hands out the AES-256 data key.
type KeyProvider interface {
	DataKey(ctx context.Context, purpose Purpose) ([]byte, error)
}

// KeyWrapper is the key-management service protecting the data key.
type KeyWrapper interface {
	Wrap(ctx context.Context, dataKey []byte) ([]byte, error)
	Unwrap(ctx context.Context, wrapped []byte) ([]byte, error)
}

// StaticKeyProvider serves a single key held in process memory.
type StaticKeyProvider struct {
	key []byte
}

func NewStaticKeyProvider(encoded string) (*StaticKeyProvider, error) {
	key, err := DecodeKey(encoded)
	if err != nil {
		return nil, err
	}
	return &StaticKeyProvider{key: key}, nil
}

func (p *StaticKeyProvider) DataKey(ctx context.Context, purpose Purpose) ([]byte, error) {
	return p.key, nil
}

// EnvelopeKeyProvider unwraps a wrapped data key through a KeyWrapper and
// caches the result. Encrypts re-confirm the key once the TTL lapses; decrypts
// keep using the cached key while the key service is down.
type EnvelopeKeyProvider struct {
	wrapper KeyWrapper
	wrapped []byte
	ttl     time.Duration
	now     func() time.Time

	mu        sync.Mutex
	key       []byte
	fetchedAt time.Time
}

func NewEnvelopeKeyProvider(wrapper KeyWrapper, wrappedB64 string, ttl time.Duration) (*EnvelopeKeyProvider, error) {
	wrapped, err := base64.StdEncoding.DecodeString(strings.TrimSpace(wrappedB64))
	if err != nil {
		return nil, fmt.Errorf("decode wrapped data key: %w", err)
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &EnvelopeKeyProvider{
		wrapper: wrapper,
		wrapped: wrapped,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

func (p *EnvelopeKeyProvider) DataKey(ctx context.Context, purpose Purpose) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.key != nil {
		if purpose == PurposeDecrypt || p.now().Sub(p.fetchedAt) < p.ttl {
			return p.key, nil
		}
	}

	key, err := p.wrapper.Unwrap(ctx, p.wrapped)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("%w: unwrapped key has %d bytes", ErrKeyUnavailable, len(key))
	}
	p.key = key
	p.fetchedAt = p.now()
	return p.key, nil
}

// LocalKeyWrapper wraps data keys with AES-GCM under a master key. It stands
// in for a cloud KMS behind KeyWrapper.
type LocalKeyWrapper struct {
	master []byte
}

func NewLocalKeyWrapper(encodedMaster string) (*LocalKeyWrapper, error) {
	key, err := DecodeKey(encodedMaster)
	if err != nil {
		return nil, err
	}
	return &LocalKeyWrapper{master: key}, nil
}

func (w *LocalKeyWrapper) Wrap(ctx context.Context, dataKey []byte) ([]byte, error) {
	aead, err := newGCM(w.master)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, dataKey, nil), nil
}

func (w *LocalKeyWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	if len(wrapped) < nonceSize+tagSize {
		return nil, ErrDecrypt
	}
	aead, err := newGCM(w.master)
	if err != nil {
		return nil, err
	}
	key, err := aead.Open(nil, wrapped[:nonceSize], wrapped[nonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return key, nil
}

// NewWrappedDataKey generates a random data key and returns it wrapped, base64
// encoded, ready for VAULT_WRAPPED_DATA_KEY.
func NewWrappedDataKey(ctx context.Context, wrapper KeyWrapper) (string, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", err
	}
	wrapped, err := wrapper.Wrap(ctx, key)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// DecodeKey accepts a 32-byte key as standard base64, unpadded base64 or hex.
func DecodeKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("vault key is empty")
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	if b, err := base64.RawStdEncoding.DecodeString(s); err == nil && len(b) == keySize {
		return b, nil
	}
	if len(s) == 2*keySize {
		if b, err := hex.DecodeString(s); err == nil {
			return b, nil
		}
	}
	return nil, fmt.Errorf("vault key must decode to %d bytes", keySize)
}
