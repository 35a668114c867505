package scope

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcutil/base58"
	"github.com/inovacc/tillsync/internal/relay"
)

// ErrInvalidOwnerKey is returned when a stored owner key cannot be parsed.
var ErrInvalidOwnerKey = errors.New("invalid owner key")

// NewOwnerKey generates the owner's personal signing key.
func NewOwnerKey() (*btcec.PrivateKey, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate owner key: %w", err)
	}

	return priv, nil
}

// EncodeOwnerKey returns the base58 form used to persist the owner key.
func EncodeOwnerKey(priv *btcec.PrivateKey) string {
	return base58.Encode(priv.Serialize())
}

// DecodeOwnerKey parses a key produced by EncodeOwnerKey.
func DecodeOwnerKey(s string) (*btcec.PrivateKey, error) {
	raw := base58.Decode(s)
	if len(raw) != 32 {
		return nil, ErrInvalidOwnerKey
	}

	priv, _ := btcec.PrivKeyFromBytes(raw)

	return priv, nil
}

// OwnerPublicKey returns the hex x-only public key of the owner.
func OwnerPublicKey(priv *btcec.PrivateKey) string {
	return relay.PublicKeyHex(priv)
}

// ShortKey renders a public key for display, e.g. 3f9a…c21b.
func ShortKey(pubHex string) string {
	if _, err := hex.DecodeString(pubHex); err != nil || len(pubHex) < 16 {
		return pubHex
	}

	return pubHex[:8] + "…" + pubHex[len(pubHex)-8:]
}
