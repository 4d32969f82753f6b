// Package metrics defines Prometheus metrics for the socket-transfer relay,
// its load balancer, health checker, and UDP forwarder pair.
// All helpers below encapsulate label normalization and consistent
// observation patterns so call sites stay one-liners.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// relaySessionsTotal counts finished relay sessions by outcome.
	// Labels:
	// - outcome: "ok" (spliced and closed normally) / "no_target" / "dial_failed"
	relaySessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_transfer_relay_sessions_total",
			Help: "Total TCP relay sessions by outcome",
		},
		[]string{"outcome"},
	)
	// relayActiveSessions tracks currently spliced connections.
	relayActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socket_transfer_relay_active_sessions",
			Help: "Number of currently active (spliced) relay sessions",
		},
	)
	// relayBytesTotal accumulates bytes moved in each direction across all sessions.
	// Labels:
	// - direction: "read" (client->target) / "written" (target->client)
	relayBytesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_transfer_relay_bytes_total",
			Help: "Total bytes relayed, by direction",
		},
		[]string{"direction"},
	)
	// balancerPicksTotal counts picks by strategy and target port.
	balancerPicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_transfer_balancer_picks_total",
			Help: "Total balancer picks by strategy and chosen target port",
		},
		[]string{"strategy", "target_port"},
	)
	// healthCheckResultsTotal counts probe outcomes by pass number.
	// Labels:
	// - pass: "1" or "2"
	// - result: "healthy" / "unhealthy"
	healthCheckResultsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_transfer_healthcheck_results_total",
			Help: "Total health-check probe outcomes by pass and result",
		},
		[]string{"pass", "result"},
	)
	// healthCheckTargetsGauge reports the registry size (healthy or not) as
	// of the start of the last health-check scan.
	healthCheckTargetsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "socket_transfer_targets",
			Help: "Current number of targets in the registry",
		},
	)
	// udpDatagramsTotal counts forwarded UDP datagrams by socket family and direction.
	udpDatagramsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "socket_transfer_udp_datagrams_total",
			Help: "Total UDP datagrams forwarded, by family and direction",
		},
		[]string{"family", "direction"},
	)
)

func init() {
	prometheus.MustRegister(
		relaySessionsTotal,
		relayActiveSessions,
		relayBytesTotal,
		balancerPicksTotal,
		healthCheckResultsTotal,
		healthCheckTargetsGauge,
		udpDatagramsTotal,
	)
}

// ---- relay helpers ----

// RelaySessionOutcome records the terminal outcome of one accepted connection.
func RelaySessionOutcome(outcome string) { relaySessionsTotal.WithLabelValues(outcome).Inc() }

// RelaySessionStarted marks one session as active; pair with RelaySessionEnded.
func RelaySessionStarted() { relayActiveSessions.Inc() }

// RelaySessionEnded marks one session as no longer active.
func RelaySessionEnded() { relayActiveSessions.Dec() }

// RelayBytesRead adds to the client->target byte counter.
func RelayBytesRead(n int64) { relayBytesTotal.WithLabelValues("read").Add(float64(n)) }

// RelayBytesWritten adds to the target->client byte counter.
func RelayBytesWritten(n int64) { relayBytesTotal.WithLabelValues("written").Add(float64(n)) }

// ---- balancer helpers ----

// BalancerPick records one selection made by the given strategy.
func BalancerPick(strategy string, targetPort int) {
	balancerPicksTotal.WithLabelValues(strategy, strconv.Itoa(targetPort)).Inc()
}

// ---- health-check helpers ----

// HealthCheckResult records one probe outcome for the given pass (1 or 2).
func HealthCheckResult(pass int, healthy bool) {
	result := "unhealthy"
	if healthy {
		result = "healthy"
	}
	healthCheckResultsTotal.WithLabelValues(strconv.Itoa(pass), result).Inc()
}

// SetTargetCount reports the current registry size.
func SetTargetCount(n int) { healthCheckTargetsGauge.Set(float64(n)) }

// ---- UDP helpers ----

// UDPDatagramForwarded records one datagram forwarded in the given direction
// ("inbound" = client->upstream, "outbound" = upstream->client) on the given
// socket family ("v4" or "v6").
func UDPDatagramForwarded(family, direction string) {
	udpDatagramsTotal.WithLabelValues(family, direction).Inc()
}
