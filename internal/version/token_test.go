package version

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenStates(t *testing.T) {
	var zero Token
	assert.False(t, zero.IsKnown())
	assert.True(t, zero.Equal(Unsynced()))
	assert.Equal(t, "unsynced", zero.String())

	known := Known("sha256:abc")
	v, ok := known.Value()
	assert.True(t, ok)
	assert.Equal(t, "sha256:abc", v)
	assert.False(t, known.Equal(Unsynced()))

	assert.False(t, Known("").IsKnown(), "empty etag must not produce a known token")
}

func TestForContent(t *testing.T) {
	a := ForContent([]byte("hello"))
	b := ForContent([]byte("hello"))
	c := ForContent([]byte("hello!"))

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.Equal(t, "sha256:2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", a.String())
}

func TestTokenJSON(t *testing.T) {
	type payload struct {
		ETag Token `json:"etag"`
	}

	data, err := json.Marshal(payload{ETag: Known("sha256:1")})
	require.NoError(t, err)
	assert.JSONEq(t, `{"etag":"sha256:1"}`, string(data))

	data, err = json.Marshal(payload{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"etag":""}`, string(data))

	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"etag":""}`), &p))
	assert.False(t, p.ETag.IsKnown())
	require.NoError(t, json.Unmarshal([]byte(`{"etag":"sha256:2"}`), &p))
	assert.Equal(t, Known("sha256:2"), p.ETag)
}
