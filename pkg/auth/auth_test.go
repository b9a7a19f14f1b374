package auth

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHandleIsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		h, err := NewHandle()
		require.NoError(t, err)
		assert.Len(t, h, 43)
		assert.False(t, seen[h], "handle reused")
		seen[h] = true
	}
}

func TestCheckBearer(t *testing.T) {
	assert.ErrorIs(t, CheckBearer("", "secret"), ErrMissingHeader)
	assert.ErrorIs(t, CheckBearer("Bearer wrong", "secret"), ErrInvalidToken)
	assert.ErrorIs(t, CheckBearer("bearer secret", "secret"), ErrInvalidToken)
	assert.ErrorIs(t, CheckBearer("Bearer secret ", "secret"), ErrInvalidToken)
	assert.ErrorIs(t, CheckBearer("Bearer ", ""), ErrInvalidToken)
	assert.NoError(t, CheckBearer("Bearer secret", "secret"))
}

func TestKeyVerifierPlain(t *testing.T) {
	v, err := NewKeyVerifier("key-1", "")
	require.NoError(t, err)
	assert.True(t, v.Enabled())
	assert.True(t, v.Verify("key-1"))
	assert.False(t, v.Verify("key-2"))
	assert.False(t, v.Verify(""))
}

func TestKeyVerifierHash(t *testing.T) {
	hash, err := HashKey("key-1")
	require.NoError(t, err)

	v, err := NewKeyVerifier("", hash)
	require.NoError(t, err)
	assert.True(t, v.Verify("key-1"))
	// Second check is served from the accepted-key memo
	assert.True(t, v.Verify("key-1"))
	assert.False(t, v.Verify("key-2"))

	_, err = NewKeyVerifier("", "not-a-bcrypt-hash")
	assert.Error(t, err)
}

func TestFileSource(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "secret.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"api_key":"abc"}`), 0600))
	rawPath := filepath.Join(dir, "secret.txt")
	require.NoError(t, os.WriteFile(rawPath, []byte("xyz\n"), 0600))

	v, err := FileSource{Path: jsonPath, Key: "api_key"}.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	_, err = FileSource{Path: jsonPath, Key: "missing"}.Secret(context.Background())
	assert.Error(t, err)

	v, err = FileSource{Path: rawPath}.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "xyz", v)
}

func TestEnvSource(t *testing.T) {
	t.Setenv("TASKGATE_TEST_SECRET", "from-env")
	v, err := EnvSource{Name: "TASKGATE_TEST_SECRET"}.Secret(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)

	_, err = EnvSource{Name: "TASKGATE_TEST_SECRET_UNSET"}.Secret(context.Background())
	assert.Error(t, err)
}

type flakySource struct {
	calls int32
	fail  int32
}

func (s *flakySource) Secret(ctx context.Context) (string, error) {
	n := atomic.AddInt32(&s.calls, 1)
	if n <= s.fail {
		return "", errors.New("secret service unavailable")
	}
	return "cached", nil
}

func TestSecretCacheMemoizes(t *testing.T) {
	src := &flakySource{fail: 1}
	cache := NewSecretCache(src)
	ctx := context.Background()

	_, err := cache.Get(ctx)
	assert.Error(t, err, "first lookup fails")

	for i := 0; i < 3; i++ {
		v, err := cache.Get(ctx)
		require.NoError(t, err)
		assert.Equal(t, "cached", v)
	}
	assert.Equal(t, int32(2), atomic.LoadInt32(&src.calls), "errors are not cached, successes are")
}
