package zip_test

import (
	"archive/zip"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	ziplocate "github.com/affggh/ab_update_engine/internal/zip"
)

func buildArchive(t *testing.T, method uint16, payload []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.CreateHeader(&zip.FileHeader{Name: "payload.bin", Method: method})
	require.NoError(t, err)
	_, err = w.Write(payload)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestOpenReadsStoredPayload(t *testing.T) {
	payload := bytes.Repeat([]byte("CrAUdata"), 100)
	raw := buildArchive(t, zip.Store, payload)

	r, err := ziplocate.Open(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	defer r.Close()

	require.Equal(t, int64(len(payload)), r.Size())

	got := make([]byte, len(payload))
	n, err := r.ReadAt(got, 0)
	require.NoError(t, err)
	require.Equal(t, len(payload), n)
	require.Equal(t, payload, got)
}

func TestOpenReadsDeflatedPayloadSequentially(t *testing.T) {
	payload := bytes.Repeat([]byte("compressible-bytes-"), 500)
	raw := buildArchive(t, zip.Deflate, payload)

	r, err := ziplocate.Open(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	defer r.Close()

	got, err := io.ReadAll(io.LimitReader(r, int64(len(payload))))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestReadAtReopensOnBackwardSeek(t *testing.T) {
	payload := bytes.Repeat([]byte("0123456789"), 200)
	raw := buildArchive(t, zip.Deflate, payload)

	r, err := ziplocate.Open(bytes.NewReader(raw), int64(len(raw)))
	require.NoError(t, err)
	defer r.Close()

	second := make([]byte, 10)
	_, err = r.ReadAt(second, 100)
	require.NoError(t, err)
	require.Equal(t, payload[100:110], second)

	first := make([]byte, 10)
	_, err = r.ReadAt(first, 0)
	require.NoError(t, err)
	require.Equal(t, payload[0:10], first)
}

func TestOpenRejectsArchiveWithoutPayload(t *testing.T) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("not-the-payload.txt")
	require.NoError(t, err)
	_, _ = w.Write([]byte("hello"))
	require.NoError(t, zw.Close())

	_, err = ziplocate.Open(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.ErrorIs(t, err, ziplocate.ErrPayloadNotFound)
}
