package scope

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCode(t *testing.T) {
	seen := map[string]bool{}

	for range 50 {
		code, err := NewCode()
		require.NoError(t, err)

		assert.Len(t, code, 14)
		assert.Equal(t, 2, strings.Count(code, "-"))

		norm, err := NormalizeCode(code)
		require.NoError(t, err)
		assert.Len(t, norm, CodeLength)

		seen[norm] = true
	}

	assert.Len(t, seen, 50)
}

func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"display form", "abcd-EFGH-jkmn", "abcdEFGHjkmn", false},
		{"compact form", "abcdEFGHjkmn", "abcdEFGHjkmn", false},
		{"spaces", " abcd EFGH jkmn\n", "abcdEFGHjkmn", false},
		{"too short", "abcd-EFGH", "", true},
		{"too long", "abcd-EFGH-jkmn-p", "", true},
		{"zero not allowed", "0bcd-EFGH-jkmn", "", true},
		{"capital O not allowed", "Obcd-EFGH-jkmn", "", true},
		{"capital I not allowed", "Ibcd-EFGH-jkmn", "", true},
		{"lowercase l not allowed", "lbcd-EFGH-jkmn", "", true},
		{"punctuation", "ab!d-EFGH-jkmn", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizeCode(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCode)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatCode(t *testing.T) {
	got, err := FormatCode("abcdEFGHjkmn")
	require.NoError(t, err)
	assert.Equal(t, "abcd-EFGH-jkmn", got)
}

func TestQR(t *testing.T) {
	const code = "abcd-EFGH-jkmn"

	art, err := RenderQR(code)
	require.NoError(t, err)
	assert.NotEmpty(t, art)

	png, err := QRPNG(code, 256)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG"), png[:4])

	back, err := ParseQRPayload("tillsync:" + code)
	require.NoError(t, err)
	assert.Equal(t, "abcdEFGHjkmn", back)

	_, err = ParseQRPayload("otherapp:" + code)
	assert.ErrorIs(t, err, ErrInvalidCode)

	_, err = RenderQR("bad")
	assert.ErrorIs(t, err, ErrInvalidCode)
}
