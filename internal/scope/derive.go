package scope

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/inovacc/tillsync/internal/crypto/seal"
	"github.com/inovacc/tillsync/internal/relay"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// Key derivation constants. Changing any of them moves every business to a new scope.
const (
	argon2Time    = 1
	argon2Memory  = 64 * 1024 // 64 MB
	argon2Threads = 4
	argon2KeyLen  = 32

	keySize = 32

	scopeSalt = "tillsync/scope/v1"

	hkdfInfoSigning = "tillsync-scope-signing"
	hkdfInfoCipher  = "tillsync-scope-cipher"
	hkdfInfoKeyTag  = "tillsync-scope-keytag"
)

// Scope holds the keys derived from one company code.
type Scope struct {
	// Code is the normalized company code
	Code string

	// Topic is the hex x-only public key of SigningKey; relays index by it
	Topic string

	SigningKey *btcec.PrivateKey
	CipherKey  []byte
	KeyTagKey  []byte
}

// Derive computes the scope for a company code. It is pure and deterministic.
func Derive(code string) (*Scope, error) {
	norm, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}

	seed := argon2.IDKey([]byte(norm), []byte(scopeSalt), argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	defer zero(seed)

	signing, err := deriveWithHKDF(seed, hkdfInfoSigning)
	if err != nil {
		return nil, err
	}
	defer zero(signing)

	cipherKey, err := deriveWithHKDF(seed, hkdfInfoCipher)
	if err != nil {
		return nil, err
	}

	keyTagKey, err := deriveWithHKDF(seed, hkdfInfoKeyTag)
	if err != nil {
		return nil, err
	}

	priv, _ := btcec.PrivKeyFromBytes(signing)

	return &Scope{
		Code:       norm,
		Topic:      relay.PublicKeyHex(priv),
		SigningKey: priv,
		CipherKey:  cipherKey,
		KeyTagKey:  keyTagKey,
	}, nil
}

// KeyTag returns the opaque tag for a record key. Relays see only this value.
func (s *Scope) KeyTag(collection, id string) string {
	mac := hmac.New(sha256.New, s.KeyTagKey)
	mac.Write([]byte(collection + "/" + id))

	return hex.EncodeToString(mac.Sum(nil))
}

// Cipher returns a record cipher keyed for this scope.
func (s *Scope) Cipher(opts ...seal.Option) (*seal.Cipher, error) {
	return seal.New(s.CipherKey, opts...)
}

func deriveWithHKDF(secret []byte, info string) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, nil, []byte(info))

	key := make([]byte, keySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}

	return key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
