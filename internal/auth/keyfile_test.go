package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeJWKSFile(t *testing.T, path string, doc []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, doc, 0o600))
}

func TestFileKeySource_Load(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeJWKSFile(t, path, keys.jwksDoc)

	src, err := NewFileKeySource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Key(context.Background(), testKeyID, AlgRS256)
	assert.NoError(t, err)
}

func TestFileKeySource_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileKeySource(filepath.Join(t.TempDir(), "missing.json"), nil)
	assert.Error(t, err)
}

func TestFileKeySource_InvalidDocument(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jwks.json")
	writeJWKSFile(t, path, []byte("not json"))

	_, err := NewFileKeySource(path, nil)
	assert.Error(t, err)
}

func TestFileKeySource_ReloadsOnRotation(t *testing.T) {
	t.Parallel()

	oldKeys := newTestKeys(t)
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeJWKSFile(t, path, oldKeys.jwksDoc)

	src, err := NewFileKeySource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	// Rotate: replace the document with an empty key set and wait for the
	// watcher to pick it up.
	writeJWKSFile(t, path, []byte(`{"keys":[]}`))

	require.Eventually(t, func() bool {
		_, err := src.Key(context.Background(), testKeyID, AlgRS256)
		return err != nil
	}, 2*time.Second, 10*time.Millisecond, "rotated keys become effective without restart")
}

func TestFileKeySource_RejectsHMACLookups(t *testing.T) {
	t.Parallel()

	keys := newTestKeys(t)
	path := filepath.Join(t.TempDir(), "jwks.json")
	writeJWKSFile(t, path, keys.jwksDoc)

	src, err := NewFileKeySource(path, nil)
	require.NoError(t, err)
	defer src.Close()

	_, err = src.Key(context.Background(), "", AlgHS256)
	assert.ErrorIs(t, err, ErrKeyNotFound)
}
