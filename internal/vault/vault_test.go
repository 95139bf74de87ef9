package vault

import (
	"context"
	"encoding/base64"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vipul43/meetsync-worker/internal/syncerr"
)

func testKey(seed byte) string {
	raw := make([]byte, keySize)
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	keys, err := NewStaticKeyProvider(testKey(1))
	require.NoError(t, err)
	return New(keys)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	inputs := []string{
		"",
		"refresh-token-abc",
		"https://calendar.example.com/feed/private-3f9a.ics",
		"ünïcødé ✓ secret",
		string(make([]byte, 4096)),
	}
	for _, in := range inputs {
		blob, err := v.Encrypt(ctx, in)
		require.NoError(t, err)
		out, err := v.Decrypt(ctx, blob)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncrypt_BlobLayout(t *testing.T) {
	v := newTestVault(t)
	blob, err := v.Encrypt(context.Background(), "hello")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(blob)
	require.NoError(t, err)
	assert.Len(t, raw, nonceSize+tagSize+len("hello"))
}

func TestEncrypt_NonceRandomness(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		blob, err := v.Encrypt(ctx, "same input")
		require.NoError(t, err)
		assert.False(t, seen[blob], "ciphertext repeated")
		seen[blob] = true
	}
}

func TestDecrypt_DetectsTamper(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	blob, err := v.Encrypt(ctx, "top secret")
	require.NoError(t, err)
	raw, _ := base64.StdEncoding.DecodeString(blob)

	for _, idx := range []int{0, nonceSize, nonceSize + tagSize} {
		tampered := append([]byte(nil), raw...)
		tampered[idx] ^= 0x01
		out, err := v.Decrypt(ctx, base64.StdEncoding.EncodeToString(tampered))
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrDecrypt)
		assert.Equal(t, syncerr.KindEncryption, syncerr.KindOf(err))
		assert.Empty(t, out)
	}
}

func TestDecrypt_WrongKeyFailsClosed(t *testing.T) {
	ctx := context.Background()
	blob, err := newTestVault(t).Encrypt(ctx, "secret")
	require.NoError(t, err)

	other, err := NewStaticKeyProvider(testKey(99))
	require.NoError(t, err)
	out, err := New(other).Decrypt(ctx, blob)
	assert.ErrorIs(t, err, ErrDecrypt)
	assert.Empty(t, out)
}

func TestDecrypt_Malformed(t *testing.T) {
	v := newTestVault(t)
	for _, blob := range []string{"", "not base64!", base64.StdEncoding.EncodeToString([]byte("short"))} {
		_, err := v.Decrypt(context.Background(), blob)
		assert.ErrorIs(t, err, ErrDecrypt)
	}
}

func TestFingerprint(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", Fingerprint("abc"))
	assert.Equal(t, Fingerprint("x"), Fingerprint("x"))
	assert.NotEqual(t, Fingerprint("x"), Fingerprint("y"))
}

func TestOptionalHelpers(t *testing.T) {
	v := newTestVault(t)
	ctx := context.Background()

	blob, err := v.EncryptOptional(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, blob)

	blob, err = v.EncryptOptional(ctx, "tok")
	require.NoError(t, err)
	require.NotNil(t, blob)

	out, err := v.DecryptOptional(ctx, blob)
	require.NoError(t, err)
	assert.Equal(t, "tok", out)

	out, err = v.DecryptOptional(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, out)
}

type flakyWrapper struct {
	inner *LocalKeyWrapper
	down  atomic.Bool
	calls atomic.Int32
}

func (w *flakyWrapper) Wrap(ctx context.Context, key []byte) ([]byte, error) {
	return w.inner.Wrap(ctx, key)
}

func (w *flakyWrapper) Unwrap(ctx context.Context, wrapped []byte) ([]byte, error) {
	w.calls.Add(1)
	if w.down.Load() {
		return nil, errors.New("kms unreachable")
	}
	return w.inner.Unwrap(ctx, wrapped)
}

func TestEnvelopeKeyProvider_KMSOutage(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalKeyWrapper(testKey(7))
	require.NoError(t, err)
	wrapper := &flakyWrapper{inner: local}

	wrapped, err := NewWrappedDataKey(ctx, wrapper)
	require.NoError(t, err)

	provider, err := NewEnvelopeKeyProvider(wrapper, wrapped, time.Minute)
	require.NoError(t, err)
	clock := time.Date(2025, 8, 20, 10, 0, 0, 0, time.UTC)
	provider.now = func() time.Time { return clock }

	v := New(provider)
	blob, err := v.Encrypt(ctx, "refresh-token")
	require.NoError(t, err)

	// key service goes away and the freshness window lapses
	wrapper.down.Store(true)
	clock = clock.Add(2 * time.Minute)

	out, err := v.Decrypt(ctx, blob)
	require.NoError(t, err, "decrypt must keep working from the cached key")
	assert.Equal(t, "refresh-token", out)

	_, err = v.Encrypt(ctx, "new connect")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
	assert.Equal(t, syncerr.KindEncryption, syncerr.KindOf(err))

	wrapper.down.Store(false)
	_, err = v.Encrypt(ctx, "new connect")
	require.NoError(t, err)
}

func TestEnvelopeKeyProvider_ColdStartWithoutKMS(t *testing.T) {
	ctx := context.Background()
	local, err := NewLocalKeyWrapper(testKey(7))
	require.NoError(t, err)
	wrapper := &flakyWrapper{inner: local}
	wrapped, err := NewWrappedDataKey(ctx, wrapper)
	require.NoError(t, err)

	wrapper.down.Store(true)
	provider, err := NewEnvelopeKeyProvider(wrapper, wrapped, time.Minute)
	require.NoError(t, err)

	_, err = provider.DataKey(ctx, PurposeDecrypt)
	assert.ErrorIs(t, err, ErrKeyUnavailable)
}

func TestDecodeKey(t *testing.T) {
	raw := make([]byte, keySize)
	for i := range raw {
		raw[i] = byte(i)
	}

	for _, enc := range []string{
		base64.StdEncoding.EncodeToString(raw),
		base64.RawStdEncoding.EncodeToString(raw),
		"000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f",
	} {
		key, err := DecodeKey(enc)
		require.NoError(t, err, enc)
		assert.Equal(t, raw, key)
	}

	_, err := DecodeKey("")
	assert.Error(t, err)
	_, err = DecodeKey(base64.StdEncoding.EncodeToString([]byte("too short")))
	assert.Error(t, err)
}
