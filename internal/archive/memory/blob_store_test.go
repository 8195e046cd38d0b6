package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutObjectStoresCopy(t *testing.T) {
	t.Parallel()

	s := New()
	payload := []byte("<html>blocked</html>")
	uri, err := s.PutObject(context.Background(), "deadletter/job-1/3.html", "text/html", payload)
	require.NoError(t, err)
	require.Equal(t, "memory://deadletter/job-1/3.html", uri)

	payload[0] = 'X'
	stored, ok := s.Object("deadletter/job-1/3.html")
	require.True(t, ok)
	require.Equal(t, []byte("<html>blocked</html>"), stored)
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := New().PutObject(context.Background(), "", "text/html", []byte("x"))
	require.Error(t, err)
}
