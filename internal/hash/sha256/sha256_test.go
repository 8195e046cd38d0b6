package sha256

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHashScrapedPayload(t *testing.T) {
	t.Parallel()

	payload := []byte(`<html><head><title>Jane Doe | Staff Engineer</title></head><body><main>profile</main></body></html>`)

	h := New()
	digest, err := h.Hash(payload)
	require.NoError(t, err)
	require.Equal(t, "70b97e1ae0bcfac8128de77442536c6200772f6280f0a9e17e377b35bd377abe", digest)

	again, err := h.Hash(payload)
	require.NoError(t, err)
	require.Equal(t, digest, again)

	// The digest identifies the exact payload an attempt fetched, so
	// any byte difference must change it.
	trailing := append(append([]byte(nil), payload...), '\n')
	other, err := h.Hash(trailing)
	require.NoError(t, err)
	require.NotEqual(t, digest, other)
}
