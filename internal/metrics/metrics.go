// Package metrics exposes prometheus collectors for the client core.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Gateway metrics
	GatewayConnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_gateway_connects_total",
			Help: "Total number of gateway connections established",
		},
	)

	GatewayReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_gateway_reconnects_total",
			Help: "Total number of gateway reconnection attempts",
		},
	)

	EnvelopesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obscura_envelopes_processed_total",
			Help: "Total number of inbound envelopes by outcome",
		},
		[]string{"outcome"}, // acked, deferred, failed
	)

	// Message metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obscura_messages_sent_total",
			Help: "Total number of per-device envelopes dispatched",
		},
		[]string{"kind"}, // content, sent_sync, control
	)

	DecryptFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obscura_decrypt_failures_total",
			Help: "Total number of decrypt failures by error kind",
		},
		[]string{"kind"}, // no_session, decrypt, identity
	)

	SessionResets = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_session_resets_total",
			Help: "Total number of session resets initiated",
		},
	)

	// Pre-key metrics
	PreKeysRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "obscura_prekeys_remaining",
			Help: "Number of unused one-time prekeys remaining",
		},
	)

	PreKeysReplenished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_prekeys_replenished_total",
			Help: "Total number of prekey batches replenished",
		},
	)

	// Attachment metrics
	AttachmentChunksUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_attachment_chunks_uploaded_total",
			Help: "Total number of attachment chunks uploaded",
		},
	)

	AttachmentBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obscura_attachment_bytes_total",
			Help: "Total attachment plaintext bytes by direction",
		},
		[]string{"direction"}, // upload, download
	)

	AttachmentIntegrityFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_attachment_integrity_failures_total",
			Help: "Total number of attachment hash mismatches",
		},
	)

	// CRDT metrics
	ModelRecordsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obscura_model_records_applied_total",
			Help: "Total number of CRDT records applied by model",
		},
		[]string{"model", "result"}, // applied, superseded
	)

	RecordsCollected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "obscura_records_collected_total",
			Help: "Total number of records removed by TTL cleanup",
		},
		[]string{"model"},
	)

	MessagesMigrated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "obscura_messages_migrated_total",
			Help: "Total number of messages rebound to a learned conversation",
		},
	)
)

// Serve exposes the metrics endpoint on addr. Blocks; run in a goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(addr, mux)
}
