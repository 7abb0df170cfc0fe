package ledger

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	addr, err := ParseAddress("11111111111111111111111111111111")
	require.NoError(t, err)
	assert.True(t, addr.IsZero())
	assert.Equal(t, "11111111111111111111111111111111", addr.String())

	_, err = ParseAddress("not-base58-0OIl")
	assert.Error(t, err)

	_, err = ParseAddress("3mJr7AoUXx2Wqd")
	assert.Error(t, err, "short keys must be rejected")
}

func TestAddressJSON(t *testing.T) {
	var a Address
	a[0] = 7
	a[31] = 200

	data, err := json.Marshal(map[string]Address{"owner": a})
	require.NoError(t, err)

	var decoded map[string]Address
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, a, decoded["owner"])
}

func TestAddressFromBytes(t *testing.T) {
	_, err := AddressFromBytes(make([]byte, 31))
	assert.Error(t, err)

	raw := make([]byte, AddressLength)
	raw[5] = 1
	a, err := AddressFromBytes(raw)
	require.NoError(t, err)
	assert.Equal(t, byte(1), a[5])
	assert.False(t, a.IsZero())
}
