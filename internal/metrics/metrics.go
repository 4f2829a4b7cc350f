package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Métricas del subsistema. Viven en un paquete propio para que worker,
// rotation y ca no se importen entre sí sólo por instrumentación.

var (
	TransfersProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfers_processed_total",
		Help: "Transferencias llevadas a estado terminal por el worker",
	}, []string{"outcome"}) // approved | rejected | failed

	ClaimsReleased = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_worker_claims_released_total",
		Help: "Claims vencidos devueltos a pending",
	})

	WorkerPassLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_worker_pass_latency_ms",
		Help:    "Latencia de una pasada del worker en milisegundos",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	KeyRotations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_key_rotations_total",
		Help: "Rotaciones de claves por tipo y resultado",
	}, []string{"kind", "result"}) // kind: user | ca; result: rotated | skipped | failed

	DeprecatedKeysDeleted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_deprecated_keys_deleted_total",
		Help: "Pares de claves deprecados borrados tras el período de gracia",
	})

	CertificatesIssued = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ledger_certificates_issued_total",
		Help: "Certificados emitidos por la CA",
	})
)

// Register registra las métricas en el registry dado (o el default si nil).
func Register(reg prometheus.Registerer) error {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range []prometheus.Collector{
		TransfersProcessed, ClaimsReleased, WorkerPassLatency,
		KeyRotations, DeprecatedKeysDeleted, CertificatesIssued,
	} {
		if err := reg.Register(c); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	return nil
}
