package secretstore

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMem(t *testing.T) *Store {
	t.Helper()
	s, err := Open(OpenOptions{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_SetGetDelete(t *testing.T) {
	s := openMem(t)

	_, ok, err := s.GetString("oauth.credential")
	require.NoError(t, err)
	assert.False(t, ok, "absent key is not an error")

	require.NoError(t, s.SetString("oauth.credential", `{"a":1}`))
	v, ok, err := s.GetString("oauth.credential")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, `{"a":1}`, v)

	require.NoError(t, s.Delete("oauth.credential"))
	_, ok, err = s.GetString("oauth.credential")
	require.NoError(t, err)
	assert.False(t, ok)

	// deleting twice is fine
	require.NoError(t, s.Delete("oauth.credential"))
}

func TestStore_EmptyValueIsFound(t *testing.T) {
	s := openMem(t)
	require.NoError(t, s.SetString("k", ""))
	v, ok, err := s.GetString("k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "", v)
}

func TestStore_EmptyKey(t *testing.T) {
	s := openMem(t)
	assert.Error(t, s.SetString("  ", "x"))
	_, _, err := s.GetString("")
	assert.Error(t, err)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(OpenOptions{})
	assert.Error(t, err)
}

func TestParseKey(t *testing.T) {
	k, err := ParseKey("")
	require.NoError(t, err)
	assert.Nil(t, k)

	hexKey := strings.Repeat("ab", 32)
	k, err = ParseKey("0x" + hexKey)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	b64 := base64.StdEncoding.EncodeToString(make([]byte, 32))
	k, err = ParseKey(b64)
	require.NoError(t, err)
	assert.Len(t, k, 32)

	_, err = ParseKey("abcd")
	assert.Error(t, err)
}
