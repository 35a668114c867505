package v1

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode_Record(t *testing.T) {
	deleted := time.UnixMilli(1700000000123).UTC()
	in := Record{
		Collection: "products",
		ID:         "p1",
		Payload:    json.RawMessage(`{"name": "bread", "tags": ["a", "b"]}`),
		Version:    Version{Wall: 1700000000000, Logical: 12, Device: "device-1"},
		DeletedAt:  &deleted,
	}

	s, err := Encode(in)
	require.NoError(t, err)
	assert.Equal(t, "products", s.GetFields()["collection"].GetStringValue())

	out, err := Decode[Record](s)
	require.NoError(t, err)
	assert.Equal(t, in.Version, out.Version)
	assert.Equal(t, `{"name":"bread","tags":["a","b"]}`, string(out.Payload))
	require.NotNil(t, out.DeletedAt)
	assert.True(t, deleted.Equal(*out.DeletedAt))
}

func TestDecode_Nil(t *testing.T) {
	_, err := Decode[Record](nil)
	assert.Error(t, err)
}

func TestEncode_RejectsNonObject(t *testing.T) {
	_, err := Encode([]string{"a"})
	assert.Error(t, err)
}
