package scope

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/base58"
)

const (
	// CodeLength is the number of significant characters in a company code.
	CodeLength = 12

	codeGroup = 4
)

// ErrInvalidCode is returned when a company code is malformed.
var ErrInvalidCode = errors.New("invalid company code")

// NewCode generates a random company code in display form.
func NewCode() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate company code: %w", err)
	}

	// the low-order base58 digits of a 128 bit number are close to uniform
	enc := base58.Encode(buf)

	return FormatCode(enc[len(enc)-CodeLength:])
}

// NormalizeCode strips separators and whitespace and validates the alphabet.
func NormalizeCode(code string) (string, error) {
	var b strings.Builder

	for _, r := range code {
		switch r {
		case '-', ' ', '\t', '\n', '\r':
			continue
		}

		b.WriteRune(r)
	}

	out := b.String()
	if len(out) != CodeLength {
		return "", fmt.Errorf("%w: want %d characters, got %d", ErrInvalidCode, CodeLength, len(out))
	}

	for i := range len(out) {
		// base58 decoding yields nothing for characters outside the alphabet
		if len(base58.Decode(out[i:i+1])) == 0 {
			return "", fmt.Errorf("%w: character %q is not allowed", ErrInvalidCode, out[i])
		}
	}

	return out, nil
}

// FormatCode returns the display form XXXX-XXXX-XXXX.
func FormatCode(code string) (string, error) {
	norm, err := NormalizeCode(code)
	if err != nil {
		return "", err
	}

	groups := make([]string, 0, CodeLength/codeGroup)
	for i := 0; i < CodeLength; i += codeGroup {
		groups = append(groups, norm[i:i+codeGroup])
	}

	return strings.Join(groups, "-"), nil
}
