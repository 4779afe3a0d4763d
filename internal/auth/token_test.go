package auth

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticToken(t *testing.T) {
	tok, err := StaticToken("  abc \n").Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	tok, err = StaticToken("").Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestFileTokenSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "token")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0o600))

	src, err := NewFileTokenSource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	ctx := context.Background()
	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "first", tok)

	var changes atomic.Int32
	unsubscribe := src.Subscribe(func(string) { changes.Add(1) })
	defer unsubscribe()

	t.Run("Rewrite", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte("second"), 0o600))
		assert.Eventually(t, func() bool {
			tok, _ := src.Token(ctx)
			return tok == "second"
		}, 2*time.Second, 10*time.Millisecond)
		assert.GreaterOrEqual(t, changes.Load(), int32(1))
	})

	t.Run("SignOut", func(t *testing.T) {
		require.NoError(t, os.Remove(path))
		assert.Eventually(t, func() bool {
			tok, _ := src.Token(ctx)
			return tok == ""
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("IgnoresSiblings", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "other"), []byte("x"), 0o600))
		time.Sleep(50 * time.Millisecond)
		tok, _ := src.Token(ctx)
		assert.Empty(t, tok)
	})

	assert.NoError(t, src.Close())
	assert.NoError(t, src.Close())
}

func TestFileTokenSource_MissingFile(t *testing.T) {
	src, err := NewFileTokenSource(filepath.Join(t.TempDir(), "absent"), nil)
	require.NoError(t, err)
	defer src.Close()

	tok, err := src.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tok)
}

func TestFileTokenSource_MissingDir(t *testing.T) {
	_, err := NewFileTokenSource(filepath.Join(t.TempDir(), "nope", "token"), nil)
	assert.Error(t, err)
}
