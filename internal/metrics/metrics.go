// Package metrics defines the application's Prometheus-style instruments.
// Updates are best-effort and never influence dispatch outcomes.
package metrics

import (
	"io"

	"github.com/VictoriaMetrics/metrics"
)

var (
	// Hub.
	ConnectionsActive   = metrics.NewCounter(`klaxon_ws_connections_active`)
	ConnectionsRejected = metrics.NewCounter(`klaxon_ws_connections_rejected_total`)
	MessagesSent        = metrics.NewCounter(`klaxon_ws_messages_sent_total`)
	MessagesRateLimited = metrics.NewCounter(`klaxon_ws_messages_rate_limited_total`)
	BroadcastsTotal     = metrics.NewCounter(`klaxon_ws_broadcasts_total`)

	// Dispatch.
	ChannelFailures = metrics.NewCounter(`klaxon_dispatch_channel_failures_total`)

	// REST throttling.
	RequestsThrottled = metrics.NewCounter(`klaxon_http_requests_throttled_total`)
)

// DispatchByStatus increments the per-status dispatch counter.
func DispatchByStatus(status string) {
	metrics.GetOrCreateCounter(`klaxon_dispatch_total{status="` + status + `"}`).Inc()
}

// WritePrometheus renders all registered metrics in Prometheus text
// format, including process metrics.
func WritePrometheus(w io.Writer) {
	metrics.WritePrometheus(w, true)
}
