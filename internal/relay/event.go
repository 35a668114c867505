package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

var (
	// ErrInvalidID is returned when an event id is not the hash of its content.
	ErrInvalidID = errors.New("invalid event id")

	// ErrInvalidSignature is returned when an event signature does not verify.
	ErrInvalidSignature = errors.New("invalid event signature")
)

// Tag is a single event tag, e.g. ["t", "tillsync/record"].
type Tag []string

// Tags is the ordered list of tags on an event.
type Tags []Tag

// Value returns the first value of the first tag named name.
func (t Tags) Value(name string) string {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name {
			return tag[1]
		}
	}

	return ""
}

// Has reports whether a tag named name carries value.
func (t Tags) Has(name, value string) bool {
	for _, tag := range t {
		if len(tag) >= 2 && tag[0] == name && tag[1] == value {
			return true
		}
	}

	return false
}

// Event is a NIP-01 event.
type Event struct {
	ID        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      Tags   `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

// Serialize returns the canonical byte form that the event id is computed over:
// [0, pubkey, created_at, kind, tags, content], with no whitespace and
// strings escaped per NIP-01.
func (e *Event) Serialize() []byte {
	var buf bytes.Buffer

	buf.WriteString("[0,")
	writeString(&buf, e.PubKey)
	buf.WriteByte(',')
	buf.WriteString(strconv.FormatInt(e.CreatedAt, 10))
	buf.WriteByte(',')
	buf.WriteString(strconv.Itoa(e.Kind))
	buf.WriteString(",[")

	for i, tag := range e.Tags {
		if i > 0 {
			buf.WriteByte(',')
		}

		buf.WriteByte('[')

		for j, v := range tag {
			if j > 0 {
				buf.WriteByte(',')
			}

			writeString(&buf, v)
		}

		buf.WriteByte(']')
	}

	buf.WriteString("],")
	writeString(&buf, e.Content)
	buf.WriteByte(']')

	return buf.Bytes()
}

// writeString quotes s the way NIP-01 requires: only line feed, double
// quote, backslash, carriage return, tab, backspace and form feed are
// escaped. Everything else, U+2028 and U+2029 included, is written as is.
func writeString(buf *bytes.Buffer, s string) {
	buf.WriteByte('"')

	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '\n':
			buf.WriteString(`\n`)
		case '"':
			buf.WriteString(`\"`)
		case '\\':
			buf.WriteString(`\\`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		case '\b':
			buf.WriteString(`\b`)
		case '\f':
			buf.WriteString(`\f`)
		default:
			buf.WriteByte(c)
		}
	}

	buf.WriteByte('"')
}

// Hash returns the SHA-256 of the canonical serialization.
func (e *Event) Hash() [32]byte {
	return sha256.Sum256(e.Serialize())
}

// ComputeID returns the hex event id.
func (e *Event) ComputeID() string {
	h := e.Hash()
	return hex.EncodeToString(h[:])
}

// Sign sets PubKey, ID and Sig using a BIP-340 signature by priv.
func (e *Event) Sign(priv *btcec.PrivateKey) error {
	e.PubKey = PublicKeyHex(priv)
	if e.Tags == nil {
		e.Tags = Tags{}
	}

	h := e.Hash()

	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return fmt.Errorf("failed to sign event: %w", err)
	}

	e.ID = hex.EncodeToString(h[:])
	e.Sig = hex.EncodeToString(sig.Serialize())

	return nil
}

// Verify checks that the id matches the content and that the signature
// was produced by PubKey.
func (e *Event) Verify() error {
	h := e.Hash()
	if e.ID != hex.EncodeToString(h[:]) {
		return ErrInvalidID
	}

	pkBytes, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("%w: malformed pubkey", ErrInvalidSignature)
	}

	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sigBytes, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !sig.Verify(h[:], pub) {
		return ErrInvalidSignature
	}

	return nil
}

// PublicKeyHex returns the x-only public key of priv, hex encoded.
func PublicKeyHex(priv *btcec.PrivateKey) string {
	return hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey()))
}

// SignMessage returns a hex BIP-340 signature over sha256(msg).
func SignMessage(priv *btcec.PrivateKey, msg []byte) (string, error) {
	h := sha256.Sum256(msg)

	sig, err := schnorr.Sign(priv, h[:])
	if err != nil {
		return "", fmt.Errorf("failed to sign message: %w", err)
	}

	return hex.EncodeToString(sig.Serialize()), nil
}

// VerifyMessage checks a signature produced by SignMessage against a hex x-only public key.
func VerifyMessage(pubKeyHex string, msg []byte, sigHex string) error {
	pkBytes, err := hex.DecodeString(pubKeyHex)
	if err != nil {
		return fmt.Errorf("%w: malformed pubkey", ErrInvalidSignature)
	}

	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}

	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	h := sha256.Sum256(msg)
	if !sig.Verify(h[:], pub) {
		return ErrInvalidSignature
	}

	return nil
}
