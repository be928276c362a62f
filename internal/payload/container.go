package payload

import (
	"bytes"
	"crypto/rsa"
	"fmt"
	"io"

	"github.com/affggh/ab_update_engine/internal/payload/metadata"
)

// Container is a parsed payload: header framing plus the decoded
// manifest, with BlobOffset marking where the operation data stream
// begins so callers can seek straight past the header/manifest/
// signature without re-reading them.
type Container struct {
	Header             HeaderInfo
	Manifest           *metadata.Manifest
	ManifestBytes      []byte
	MetadataSignature  []byte
	BlobOffset         int64 // absolute offset of the blob stream's first byte
}

// OpenContainer reads the header, manifest, and metadata signature from
// the start of r, verifying the signature when pub is non-nil or
// mandatory is true. r must be positioned at offset 0.
func OpenContainer(r io.Reader, pub *rsa.PublicKey, mandatory bool) (*Container, error) {
	hdr, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}

	manifestBytes := make([]byte, hdr.ManifestSize)
	if _, err := io.ReadFull(r, manifestBytes); err != nil {
		return nil, fmt.Errorf("payload: read manifest: %w", err)
	}

	var sig []byte
	if hdr.MetadataSigSize > 0 {
		sig = make([]byte, hdr.MetadataSigSize)
		if _, err := io.ReadFull(r, sig); err != nil {
			return nil, fmt.Errorf("payload: read metadata signature: %w", err)
		}
	}

	manifest, err := ParseManifest(manifestBytes)
	if err != nil {
		return nil, err
	}

	var headerBuf bytes.Buffer
	writeHeaderBytes(&headerBuf, hdr)
	headerAndManifest := append(headerBuf.Bytes(), manifestBytes...)

	if err := VerifyMetadataSignature(headerAndManifest, sig, pub, mandatory); err != nil {
		return nil, err
	}

	return &Container{
		Header:            hdr,
		Manifest:          manifest,
		ManifestBytes:     manifestBytes,
		MetadataSignature: sig,
		BlobOffset:        hdr.HeaderSize + int64(hdr.ManifestSize) + int64(hdr.MetadataSigSize),
	}, nil
}

// writeHeaderBytes re-serializes the header framing exactly as it
// appeared on the wire, since the metadata signature covers header
// bytes + manifest bytes verbatim.
func writeHeaderBytes(buf *bytes.Buffer, hdr HeaderInfo) {
	buf.WriteString(Magic)
	writeBE64(buf, hdr.Version)
	writeBE64(buf, hdr.ManifestSize)
	if hdr.Version == 2 {
		writeBE32(buf, hdr.MetadataSigSize)
	}
}

func writeBE64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b[:])
}

func writeBE32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	for i := 3; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	buf.Write(b[:])
}
