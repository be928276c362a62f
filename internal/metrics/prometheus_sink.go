package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusSink is the one concrete Sink shipped with the core. It
// only exposes counters/gauges for scraping; it never pushes, keeping
// with §1's "metrics reporting ... sink only" boundary.
type PrometheusSink struct {
	certChecks      *prometheus.CounterVec
	updateChecks    *prometheus.CounterVec
	downloadedBytes *prometheus.CounterVec
	attemptResults  *prometheus.CounterVec
}

// NewPrometheusSink registers its metrics against reg and returns a
// ready-to-use Sink. Pass prometheus.NewRegistry() in tests to avoid
// colliding with the default global registry.
func NewPrometheusSink(reg prometheus.Registerer) *PrometheusSink {
	s := &PrometheusSink{
		certChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "update_engine",
			Name:      "certificate_check_total",
			Help:      "Update-server TLS certificate checks by server and result.",
		}, []string{"server", "result"}),
		updateChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "update_engine",
			Name:      "update_check_total",
			Help:      "Update checks by resulting status.",
		}, []string{"status"}),
		downloadedBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "update_engine",
			Name:      "downloaded_bytes_total",
			Help:      "Payload bytes downloaded by source.",
		}, []string{"source"}),
		attemptResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "update_engine",
			Name:      "attempt_result_total",
			Help:      "Update attempts by error family.",
		}, []string{"error_family"}),
	}
	reg.MustRegister(s.certChecks, s.updateChecks, s.downloadedBytes, s.attemptResults)
	return s
}

func (s *PrometheusSink) ReportCertificateCheck(server string, result CertificateCheckResult) {
	s.certChecks.WithLabelValues(server, certResultLabel(result)).Inc()
}

func (s *PrometheusSink) ReportUpdateCheckResult(status string) {
	s.updateChecks.WithLabelValues(status).Inc()
}

func (s *PrometheusSink) ReportDownloadBytes(source string, bytes int64) {
	s.downloadedBytes.WithLabelValues(source).Add(float64(bytes))
}

func (s *PrometheusSink) ReportAttemptResult(errorFamily string) {
	s.attemptResults.WithLabelValues(errorFamily).Inc()
}

func certResultLabel(r CertificateCheckResult) string {
	switch r {
	case CertValid:
		return "valid"
	case CertValidChanged:
		return "valid_changed"
	default:
		return "failed"
	}
}
