package download_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/affggh/ab_update_engine/internal/download"
	"github.com/affggh/ab_update_engine/internal/paystate"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

type bufWriter struct{ buf bytes.Buffer }

func (w *bufWriter) WriteBytes(p []byte) error {
	_, err := w.buf.Write(p)
	return err
}

func TestFetchHappyPath(t *testing.T) {
	payload := bytes.Repeat([]byte("update-bytes-"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	sum := sha256.Sum256(payload)
	ps := paystate.New(prefs.NewMemoryStore())
	f := download.NewFetcher(ps, false)

	var out bufWriter
	err := f.Fetch(context.Background(), download.Target{
		URLs:         []string{srv.URL},
		ExpectedSize: uint64(len(payload)),
		ExpectedHash: sum[:],
	}, &out)

	require.NoError(t, err)
	require.Equal(t, payload, out.buf.Bytes())
}

func TestFetchFailsOnHashMismatch(t *testing.T) {
	payload := []byte("some bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer srv.Close()

	ps := paystate.New(prefs.NewMemoryStore())
	f := download.NewFetcher(ps, false)

	var out bufWriter
	err := f.Fetch(context.Background(), download.Target{
		URLs:         []string{srv.URL},
		ExpectedSize: uint64(len(payload)),
		ExpectedHash: bytes.Repeat([]byte{0xAB}, 32),
	}, &out)

	require.Error(t, err)
}

func TestFetchFailsOverToSecondURL(t *testing.T) {
	payload := []byte("fallback works")
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(payload)
	}))
	defer good.Close()

	sum := sha256.Sum256(payload)
	ps := paystate.New(prefs.NewMemoryStore())
	f := download.NewFetcher(ps, false)

	var out bufWriter
	err := f.Fetch(context.Background(), download.Target{
		URLs:         []string{bad.URL, good.URL},
		ExpectedSize: uint64(len(payload)),
		ExpectedHash: sum[:],
	}, &out)

	require.NoError(t, err)
	require.Equal(t, payload, out.buf.Bytes())
}
