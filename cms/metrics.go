package cms

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	certsIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pvacms_certificates_issued_total",
			Help: "Certificates issued by the CMS, by result",
		},
		[]string{"result"},
	)

	certsRevoked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pvacms_certificates_revoked_total",
			Help: "Certificates revoked by the CMS",
		},
	)
)
