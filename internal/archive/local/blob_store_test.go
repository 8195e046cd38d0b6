package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRequiresBaseDir(t *testing.T) {
	t.Parallel()

	_, err := New(Config{})
	require.Error(t, err)
}

func TestPutObjectWritesFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	uri, err := s.PutObject(context.Background(), "deadletter/job-1/2.html", "text/html", []byte("payload"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := os.ReadFile(filepath.Join(dir, "deadletter", "job-1", "2.html"))
	require.NoError(t, err)
	require.Equal(t, []byte("payload"), data)
}

func TestPutObjectRejectsTraversal(t *testing.T) {
	t.Parallel()

	s, err := New(Config{BaseDir: t.TempDir()})
	require.NoError(t, err)

	_, err = s.PutObject(context.Background(), "../escape.html", "text/html", []byte("x"))
	require.Error(t, err)
}

func TestNewCreatesMissingBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "nested", "archive")
	_, err := New(Config{BaseDir: dir})
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
