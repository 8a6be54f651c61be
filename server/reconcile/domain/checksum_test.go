package domain

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChecksumIgnoresKeyOrderAndWhitespace(t *testing.T) {
	a, err := Checksum(json.RawMessage(`{"status":"scheduled","bay":2}`))
	require.NoError(t, err)
	b, err := Checksum(json.RawMessage("{ \"bay\": 2,\n \"status\": \"scheduled\" }"))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)

	c, err := Checksum(json.RawMessage(`{"status":"in_progress","bay":2}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, c)
}

func TestChecksumRejectsInvalidJSON(t *testing.T) {
	_, err := Checksum(json.RawMessage(`{"status":`))
	assert.Error(t, err)
}

func TestContentHashCoversTargetAndBase(t *testing.T) {
	payload := json.RawMessage(`{"status":"in_progress"}`)
	base, err := ContentHash(KindUpdate, "work_order", "wo-1", "c0", payload)
	require.NoError(t, err)

	same, err := ContentHash(KindUpdate, "work_order", "wo-1", "c0", json.RawMessage(`{ "status" : "in_progress" }`))
	require.NoError(t, err)
	assert.Equal(t, base, same)

	for name, args := range map[string][4]string{
		"kind":     {string(KindDelete), "work_order", "wo-1", "c0"},
		"type":     {string(KindUpdate), "vehicle", "wo-1", "c0"},
		"id":       {string(KindUpdate), "work_order", "wo-2", "c0"},
		"checksum": {string(KindUpdate), "work_order", "wo-1", "c1"},
	} {
		other, err := ContentHash(Kind(args[0]), args[1], args[2], args[3], payload)
		require.NoError(t, err)
		assert.NotEqual(t, base, other, name)
	}
}
