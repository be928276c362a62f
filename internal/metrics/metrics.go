// Package metrics defines the Sink collaborator named in spec §1
// ("metrics reporting (sink only)") plus the one concrete adapter the
// core ships, backed by github.com/prometheus/client_golang.
package metrics

// CertificateCheckResult mirrors certificate_checker.cc's UMA enum.
type CertificateCheckResult int

const (
	CertFailed CertificateCheckResult = iota
	CertValid
	CertValidChanged
)

// Sink is the narrow interface every core component reports through.
// The core never chooses a transport; it only calls Sink methods.
type Sink interface {
	ReportCertificateCheck(server string, result CertificateCheckResult)
	ReportUpdateCheckResult(status string)
	ReportDownloadBytes(source string, bytes int64)
	ReportAttemptResult(errorFamily string)
}

// NopSink discards every report; used by tests and by callers that
// haven't wired a real sink yet.
type NopSink struct{}

func (NopSink) ReportCertificateCheck(string, CertificateCheckResult) {}
func (NopSink) ReportUpdateCheckResult(string)                        {}
func (NopSink) ReportDownloadBytes(string, int64)                     {}
func (NopSink) ReportAttemptResult(string)                            {}
