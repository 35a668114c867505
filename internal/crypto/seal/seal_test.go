package seal

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedReader returns the same byte forever.
type fixedReader byte

func (f fixedReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = byte(f)
	}

	return len(p), nil
}

func testKey(t *testing.T) []byte {
	t.Helper()

	key := make([]byte, KeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)

	return key
}

func TestNew_InvalidKey(t *testing.T) {
	tests := []struct {
		name string
		size int
	}{
		{"empty", 0},
		{"short", 16},
		{"long", 64},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(make([]byte, tt.size))
			assert.ErrorIs(t, err, ErrInvalidKey)
		})
	}
}

func TestSealOpen(t *testing.T) {
	key := testKey(t)

	tests := []struct {
		name      string
		scheme    Scheme
		plaintext []byte
		aad       []byte
	}{
		{"xchacha simple", SchemeXChaCha20, []byte(`{"sku":"A1"}`), []byte("k1")},
		{"xchacha empty", SchemeXChaCha20, []byte{}, nil},
		{"aes simple", SchemeAESGCM, []byte(`{"sku":"A1"}`), []byte("k1")},
		{"aes long", SchemeAESGCM, bytes.Repeat([]byte("x"), 10000), []byte("k2")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := New(key, WithScheme(tt.scheme))
			require.NoError(t, err)

			blob, err := c.Seal(tt.plaintext, tt.aad)
			require.NoError(t, err)

			scheme, ok := SchemeOf(blob)
			require.True(t, ok)
			assert.Equal(t, tt.scheme, scheme)

			got, err := c.Open(blob, tt.aad)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.plaintext, got))
		})
	}
}

func TestOpen_LegacySchemeWithDefaultCipher(t *testing.T) {
	key := testKey(t)

	legacy, err := New(key, WithScheme(SchemeAESGCM))
	require.NoError(t, err)

	blob, err := legacy.Seal([]byte("old"), nil)
	require.NoError(t, err)

	current, err := New(key)
	require.NoError(t, err)

	got, err := current.Open(blob, nil)
	require.NoError(t, err)
	assert.Equal(t, "old", string(got))
}

func TestSeal_FixedNonceIsDeterministic(t *testing.T) {
	key := testKey(t)

	a, err := Seal(key, []byte("hello"), []byte("aad"), fixedReader(7))
	require.NoError(t, err)

	b, err := Seal(key, []byte("hello"), []byte("aad"), fixedReader(7))
	require.NoError(t, err)

	assert.Equal(t, a, b)

	c, err := Seal(key, []byte("hello"), []byte("aad"), fixedReader(8))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestOpen_Failures(t *testing.T) {
	key := testKey(t)

	blob, err := Seal(key, []byte("payload"), []byte("aad"), nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		key     []byte
		blob    []byte
		aad     []byte
		wantErr error
	}{
		{"empty blob", key, nil, []byte("aad"), ErrAuthentication},
		{"truncated", key, blob[:10], []byte("aad"), ErrAuthentication},
		{"wrong aad", key, blob, []byte("other"), ErrAuthentication},
		{"wrong key", testKey(t), blob, []byte("aad"), ErrAuthentication},
		{"unknown scheme", key, append([]byte{0x7f}, blob[1:]...), []byte("aad"), ErrUnsupportedScheme},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Open(tt.key, tt.blob, tt.aad)
			assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestProperty_SealOpen(t *testing.T) {
	key := make([]byte, KeySize)
	_, _ = rand.Read(key)

	c, err := New(key)
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("open inverts seal", prop.ForAll(
		func(plaintext []byte, aad string) bool {
			blob, err := c.Seal(plaintext, []byte(aad))
			if err != nil {
				return false
			}

			got, err := c.Open(blob, []byte(aad))

			return err == nil && bytes.Equal(got, plaintext)
		},
		gen.SliceOf(gen.UInt8()),
		gen.AlphaString(),
	))

	properties.Property("any flipped bit is rejected", prop.ForAll(
		func(plaintext []byte, pos int, bit uint8) bool {
			blob, err := c.Seal(plaintext, nil)
			if err != nil {
				return false
			}

			// byte 0 is the scheme; flipping it is covered by the unknown scheme case
			i := 1 + pos%(len(blob)-1)
			blob[i] ^= 1 << (bit % 8)

			_, err = c.Open(blob, nil)

			return errors.Is(err, ErrAuthentication)
		},
		gen.SliceOf(gen.UInt8()),
		gen.IntRange(0, 1<<16),
		gen.UInt8(),
	))

	properties.TestingRun(t)
}
