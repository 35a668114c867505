// Package seal provides authenticated encryption for record bodies.
//
// A sealed blob is self-describing:
//
//	scheme (1) | nonce (scheme dependent) | ciphertext+tag
//
// SchemeXChaCha20 is written by default. SchemeAESGCM is still accepted
// on Open so that blobs written by older installations keep decrypting.
// Each scheme uses its own key, derived with HKDF-SHA256 from the caller's
// secret, so a key is never reused across two AEAD constructions.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Scheme identifies the AEAD construction of a sealed blob.
type Scheme byte

const (
	// SchemeAESGCM is AES-256-GCM with a 12 byte nonce.
	SchemeAESGCM Scheme = 0x01
	// SchemeXChaCha20 is XChaCha20-Poly1305 with a 24 byte nonce.
	SchemeXChaCha20 Scheme = 0x02

	// DefaultScheme is used by Seal unless overridden.
	DefaultScheme = SchemeXChaCha20

	// KeySize is the required length of the secret passed to New.
	KeySize = 32
)

// HKDF info strings, one per scheme
const (
	hkdfInfoAESGCM    = "tillsync-seal-aes256gcm-v1"
	hkdfInfoXChaCha20 = "tillsync-seal-xchacha20poly1305-v1"
)

var (
	// ErrAuthentication is returned when a blob cannot be authenticated.
	// Truncation, a wrong key, tampered bytes and mismatched associated
	// data are indistinguishable on purpose.
	ErrAuthentication = errors.New("authentication failed")

	// ErrUnsupportedScheme is returned when the blob's scheme byte is unknown.
	ErrUnsupportedScheme = errors.New("unsupported cipher scheme")

	// ErrInvalidKey is returned when the secret is not KeySize bytes.
	ErrInvalidKey = errors.New("invalid key size")
)

func (s Scheme) String() string {
	switch s {
	case SchemeAESGCM:
		return "aes-256-gcm"
	case SchemeXChaCha20:
		return "xchacha20-poly1305"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(s))
	}
}

// Cipher seals and opens blobs for a single secret.
// It is safe for concurrent use.
type Cipher struct {
	aeads  map[Scheme]cipher.AEAD
	scheme Scheme
	rand   io.Reader
}

// Option configures a Cipher.
type Option func(*Cipher)

// WithRand sets the nonce source. Defaults to crypto/rand.Reader.
// A nil reader keeps the default.
func WithRand(r io.Reader) Option {
	return func(c *Cipher) {
		if r != nil {
			c.rand = r
		}
	}
}

// WithScheme sets the scheme used by Seal.
func WithScheme(s Scheme) Option {
	return func(c *Cipher) {
		c.scheme = s
	}
}

// New creates a Cipher for secret.
func New(secret []byte, opts ...Option) (*Cipher, error) {
	if len(secret) != KeySize {
		return nil, fmt.Errorf("%w: got %d bytes, want %d", ErrInvalidKey, len(secret), KeySize)
	}

	c := &Cipher{
		aeads:  make(map[Scheme]cipher.AEAD, 2),
		scheme: DefaultScheme,
		rand:   rand.Reader,
	}

	for _, opt := range opts {
		opt(c)
	}

	aesKey, err := deriveKey(secret, hkdfInfoAESGCM)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(aesKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	c.aeads[SchemeAESGCM] = gcm

	xKey, err := deriveKey(secret, hkdfInfoXChaCha20)
	if err != nil {
		return nil, err
	}

	x, err := chacha20poly1305.NewX(xKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create XChaCha20-Poly1305: %w", err)
	}

	c.aeads[SchemeXChaCha20] = x

	if _, ok := c.aeads[c.scheme]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, c.scheme)
	}

	return c, nil
}

// Seal encrypts plaintext and binds it to aad.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	aead := c.aeads[c.scheme]

	nonceSize := aead.NonceSize()
	out := make([]byte, 1+nonceSize, 1+nonceSize+len(plaintext)+aead.Overhead())
	out[0] = byte(c.scheme)

	if _, err := io.ReadFull(c.rand, out[1:]); err != nil {
		return nil, fmt.Errorf("failed to read nonce: %w", err)
	}

	return aead.Seal(out, out[1:1+nonceSize], plaintext, aad), nil
}

// Open authenticates and decrypts a blob produced by Seal.
func (c *Cipher) Open(blob, aad []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, ErrAuthentication
	}

	scheme := Scheme(blob[0])

	aead, ok := c.aeads[scheme]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedScheme, scheme)
	}

	nonceSize := aead.NonceSize()
	if len(blob) < 1+nonceSize+aead.Overhead() {
		return nil, ErrAuthentication
	}

	plaintext, err := aead.Open(nil, blob[1:1+nonceSize], blob[1+nonceSize:], aad)
	if err != nil {
		return nil, ErrAuthentication
	}

	return plaintext, nil
}

// SchemeOf reports the scheme byte of a blob without authenticating it.
func SchemeOf(blob []byte) (Scheme, bool) {
	if len(blob) == 0 {
		return 0, false
	}

	return Scheme(blob[0]), true
}

// Seal is a one-shot helper around New and Cipher.Seal using the default scheme.
func Seal(key, plaintext, aad []byte, nonceSource io.Reader) ([]byte, error) {
	c, err := New(key, WithRand(nonceSource))
	if err != nil {
		return nil, err
	}

	return c.Seal(plaintext, aad)
}

// Open is a one-shot helper around New and Cipher.Open.
func Open(key, blob, aad []byte) ([]byte, error) {
	c, err := New(key)
	if err != nil {
		return nil, err
	}

	return c.Open(blob, aad)
}

func deriveKey(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	return key, nil
}
