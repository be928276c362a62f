// Package payload implements the binary payload container codec (C3):
// header parsing, manifest decoding, and metadata-signature
// verification. Reading operation data from the stream is left to the
// applier (C7).
package payload

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/affggh/ab_update_engine/internal/payload/metadata"
)

// Magic is the fixed 4-byte prefix of every payload container.
const Magic = "CrAU"

// Errors mirror the ErrorCode families named in spec §7 (Payload
// integrity). internal/delta maps these to the flat ErrorCode enum.
var (
	ErrBadMagic                = errors.New("payload: invalid magic string")
	ErrUnsupportedMajorVersion = errors.New("payload: unsupported major version")
	ErrManifestParse           = errors.New("payload: manifest parse error")
	ErrMetadataSignatureBad    = errors.New("payload: metadata signature mismatch")
	ErrMetadataSignatureAbsent = errors.New("payload: metadata signature missing")
	ErrUnsupportedMinorVersion = errors.New("payload: unsupported minor version")
	ErrUnsupportedOperation    = errors.New("payload: unsupported operation type")
)

// HeaderInfo is the fixed-size framing that precedes the manifest.
type HeaderInfo struct {
	Version            uint64
	ManifestSize       uint64
	MetadataSigSize    uint32 // zero for major version 1, which has no framed signature
	HeaderSize         int64  // bytes consumed by the header itself
}

const (
	v1HeaderSize = 4 + 8 + 8          // magic + version + manifest_size
	v2HeaderSize = v1HeaderSize + 4   // + metadata_signature_size
)

// ParseHeader validates the magic and major version and reports how
// many header bytes the framing occupies, so callers can seek straight
// to the manifest.
func ParseHeader(r io.Reader) (HeaderInfo, error) {
	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return HeaderInfo{}, fmt.Errorf("payload: read magic: %w", err)
	}
	if !bytes.Equal(magic[:], []byte(Magic)) {
		return HeaderInfo{}, ErrBadMagic
	}

	var version uint64
	if err := binary.Read(r, binary.BigEndian, &version); err != nil {
		return HeaderInfo{}, fmt.Errorf("payload: read version: %w", err)
	}

	var manifestSize uint64
	if err := binary.Read(r, binary.BigEndian, &manifestSize); err != nil {
		return HeaderInfo{}, fmt.Errorf("payload: read manifest size: %w", err)
	}
	if manifestSize == 0 {
		return HeaderInfo{}, fmt.Errorf("payload: manifest length is zero")
	}

	switch version {
	case 1:
		return HeaderInfo{Version: version, ManifestSize: manifestSize, HeaderSize: v1HeaderSize}, nil
	case 2:
		var sigSize uint32
		if err := binary.Read(r, binary.BigEndian, &sigSize); err != nil {
			return HeaderInfo{}, fmt.Errorf("payload: read metadata signature size: %w", err)
		}
		return HeaderInfo{Version: version, ManifestSize: manifestSize, MetadataSigSize: sigSize, HeaderSize: v2HeaderSize}, nil
	default:
		return HeaderInfo{}, fmt.Errorf("%w: %d", ErrUnsupportedMajorVersion, version)
	}
}

// ParseManifest decodes the manifest bytes and validates that its minor
// version is one this build knows how to apply.
func ParseManifest(b []byte) (*metadata.Manifest, error) {
	m, err := metadata.UnmarshalManifest(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestParse, err)
	}
	if !metadata.SupportedMinorVersions[m.MinorVersion] {
		return nil, fmt.Errorf("%w: minor version %d", ErrUnsupportedMinorVersion, m.MinorVersion)
	}
	supported := metadata.SupportedOps()
	for _, p := range m.Partitions {
		for _, op := range p.Operations {
			if !supported[op.Type] {
				return nil, fmt.Errorf("%w: %s in partition %q", ErrUnsupportedOperation, op.Type, p.PartitionName)
			}
		}
	}
	return m, nil
}

// ParsePublicKey accepts a base64-encoded DER public key, either
// PKIX (SubjectPublicKeyInfo) or bare PKCS#1, matching the two forms
// Omaha responses have historically shipped in the "public_key_rsa"
// field.
func ParsePublicKey(b64 string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil, fmt.Errorf("payload: decode public key: %w", err)
	}
	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		if rsaPub, ok := pub.(*rsa.PublicKey); ok {
			return rsaPub, nil
		}
		return nil, fmt.Errorf("payload: public key is not RSA")
	}
	return x509.ParsePKCS1PublicKey(der)
}

// VerifyMetadataSignature checks the metadata signature (RSA PKCS1v15
// over SHA-256 of header+manifest bytes, per §4.3) against pub. A
// missing signature is only an error when mandatory is true; the
// caller is responsible for enforcing that per hash_checks_mandatory.
func VerifyMetadataSignature(headerAndManifest, signature []byte, pub *rsa.PublicKey, mandatory bool) error {
	if len(signature) == 0 {
		if mandatory {
			return ErrMetadataSignatureAbsent
		}
		return nil
	}
	if pub == nil {
		if mandatory {
			return ErrMetadataSignatureAbsent
		}
		return nil
	}
	digest := sha256.Sum256(headerAndManifest)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return fmt.Errorf("%w: %v", ErrMetadataSignatureBad, err)
	}
	return nil
}

// SignMetadata is the inverse of VerifyMetadataSignature, used by tests
// to construct well-formed fixtures.
func SignMetadata(headerAndManifest []byte, priv *rsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(headerAndManifest)
	return rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
}
