package fetch

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/civitai-fetch/internal/integrity"
	"github.com/tachyon-labs/civitai-fetch/internal/transport"
)

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

func TestRun_FreshDownloadVerifiesAndRenames(t *testing.T) {
	content := []byte("hello world, this is the file body")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(content)))
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "out", "file.bin")

	eng := New(srv.Client(), transport.DefaultConfig("test/1.0", ""), integrity.NewVerifier(dir))
	outcome, err := eng.Run(t.Context(), Request{
		TaskID: "task-1", URL: srv.URL, Destination: dest,
		DeclaredSize: int64(len(content)), DeclaredSHA256: sha256Hex(content),
	}, nil)
	require.NoError(t, err)
	require.False(t, outcome.Skipped)
	require.EqualValues(t, len(content), outcome.BytesMoved)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
	require.NoFileExists(t, dest+".tmp")
}

func TestRun_SkipsWhenFinalFileAlreadyMatches(t *testing.T) {
	content := []byte("already here")
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(dest, content, 0o644))

	eng := New(http.DefaultClient, transport.DefaultConfig("test/1.0", ""), integrity.NewVerifier(dir))
	outcome, err := eng.Run(t.Context(), Request{
		TaskID: "task-2", URL: "http://unused.invalid", Destination: dest,
		DeclaredSize: int64(len(content)), DeclaredSHA256: sha256Hex(content),
	}, nil)
	require.NoError(t, err)
	require.True(t, outcome.Skipped)
}

func TestRun_QuarantinesOnDigestMismatch(t *testing.T) {
	content := []byte("server content")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(content)
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")

	eng := New(srv.Client(), transport.DefaultConfig("test/1.0", ""), integrity.NewVerifier(dir))
	outcome, err := eng.Run(t.Context(), Request{
		TaskID: "task-3", URL: srv.URL, Destination: dest,
		DeclaredSize: int64(len(content)), DeclaredSHA256: "0000000000000000000000000000000000000000000000000000000000000000",
	}, nil)
	require.Error(t, err)
	require.True(t, outcome.Quarantined)
	require.FileExists(t, outcome.QuarantinePath)
	require.NoFileExists(t, dest)
}

func TestRun_ResumesPartialTempFile(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		if rangeHeader == "" {
			w.Write(content)
			return
		}
		var start int
		fmt.Sscanf(rangeHeader, "bytes=%d-", &start)
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, len(content)-1, len(content)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start:])
	}))
	defer srv.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(dest+".tmp", content[:10], 0o644))

	eng := New(srv.Client(), transport.DefaultConfig("test/1.0", ""), integrity.NewVerifier(dir))
	outcome, err := eng.Run(t.Context(), Request{
		TaskID: "task-4", URL: srv.URL, Destination: dest,
		DeclaredSize: int64(len(content)), DeclaredSHA256: sha256Hex(content),
	}, nil)
	require.NoError(t, err)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, got)
	_ = outcome
}
