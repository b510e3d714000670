package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPDownloader_WritesBodyAndReportsProgress(t *testing.T) {
	payload := []byte("fake model weights")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/small", r.URL.Path)
		w.Write(payload)
	}))
	defer server.Close()

	var lastDone, lastTotal int64
	download := HTTPDownloader(server.URL, server.Client())

	dest := filepath.Join(t.TempDir(), "small.downloading")
	err := download(context.Background(), "small", dest, func(done, total int64) {
		lastDone, lastTotal = done, total
	})
	require.NoError(t, err)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, content)
	assert.Equal(t, int64(len(payload)), lastDone)
	assert.Equal(t, int64(len(payload)), lastTotal)
}

func TestHTTPDownloader_ReturnsErrorOnNonOKStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	download := HTTPDownloader(server.URL, server.Client())
	dest := filepath.Join(t.TempDir(), "missing.downloading")
	err := download(context.Background(), "missing", dest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
