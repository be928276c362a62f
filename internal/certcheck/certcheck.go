// Package certcheck implements C10: detect update-server certificate
// rotation across requests without ever failing the TLS handshake over
// it. Grounded directly on common/certificate_checker.cc.
package certcheck

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"

	"github.com/affggh/ab_update_engine/internal/metrics"
	"github.com/affggh/ab_update_engine/internal/prefs"
)

// ServerToCheck identifies which logical server a chain was presented
// for, since the same process checks both the update-service endpoint
// and payload-download endpoints independently.
type ServerToCheck int

const (
	ServerUpdate ServerToCheck = iota
	ServerDownload
)

func (s ServerToCheck) String() string {
	if s == ServerUpdate {
		return "update"
	}
	return "download"
}

// Checker persists one digest per (server, depth) and reports rotation
// via a metrics.Sink, never failing verification itself.
type Checker struct {
	store  prefs.Store
	sink   metrics.Sink
	server ServerToCheck
}

// New constructs a Checker for one of the two logical servers.
func New(store prefs.Store, sink metrics.Sink, server ServerToCheck) *Checker {
	return &Checker{store: store, sink: sink, server: server}
}

func (c *Checker) key(depth int) string {
	return fmt.Sprintf("update-server-certificate-%s-%d", c.server, depth)
}

// CheckChain digests every certificate in chain (depth 0 = leaf) and
// compares to the persisted digest for (server, depth). First
// observation is recorded silently; a later change is recorded and
// reported via the metrics sink but never returned as an error.
func (c *Checker) CheckChain(chain []*x509.Certificate) {
	for depth, cert := range chain {
		digest := sha256.Sum256(cert.Raw)
		digestHex := hex.EncodeToString(digest[:])
		key := c.key(depth)

		stored, err := c.store.GetString(key)
		if err != nil {
			_ = c.store.SetString(key, digestHex)
			c.sink.ReportCertificateCheck(c.server.String(), metrics.CertValid)
			continue
		}
		if stored != digestHex {
			_ = c.store.SetString(key, digestHex)
			c.sink.ReportCertificateCheck(c.server.String(), metrics.CertValidChanged)
			continue
		}
		c.sink.ReportCertificateCheck(c.server.String(), metrics.CertValid)
	}
}

// VerifyConnectionState is meant to be installed as a
// tls.Config.VerifyConnection hook: it always returns nil (certificate
// rotation is expected, not a handshake failure) after recording the
// observation.
func (c *Checker) VerifyConnectionState(cs tls.ConnectionState) error {
	c.CheckChain(cs.PeerCertificates)
	return nil
}
