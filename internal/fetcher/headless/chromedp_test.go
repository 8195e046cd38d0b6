package headless

import (
	"net/http"
	"testing"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNegativeParallelism(t *testing.T) {
	t.Parallel()

	_, err := New(Config{MaxParallel: -1})
	require.Error(t, err)
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	f, err := New(Config{})
	require.NoError(t, err)
	require.Nil(t, f.limiter, "zero MaxParallel means unbounded")
	require.Positive(t, f.cfg.NavigationTimeout)
	require.Positive(t, f.cfg.SettleDelay)

	f, err = New(Config{MaxParallel: 2})
	require.NoError(t, err)
	require.Equal(t, 2, cap(f.limiter))
}

func TestResponseMetaCapturesDocumentOnly(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()

	// Subresource responses must not overwrite the document's status.
	meta.captureEvent(&network.EventResponseReceived{
		Type:     network.ResourceTypeImage,
		Response: &network.Response{Status: 404},
	})
	status, _ := meta.snapshot()
	require.Equal(t, 0, status)

	meta.captureEvent(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 429,
			Headers: network.Headers{
				"Retry-After":  "120",
				"Content-Type": "text/html",
			},
		},
	})
	status, headers := meta.snapshot()
	require.Equal(t, 429, status)
	require.Equal(t, "120", headers.Get("Retry-After"))
	require.Equal(t, http.Header{
		"Retry-After":  []string{"120"},
		"Content-Type": []string{"text/html"},
	}, headers)
}
