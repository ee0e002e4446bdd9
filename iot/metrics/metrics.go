// Package metrics holds the Prometheus collectors of the device plane
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connections counts accepted and refused broker connections by result
	Connections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_connections_total",
			Help: "Broker connection attempts by result",
		},
		[]string{"result"},
	)

	// Sessions is the number of connected devices
	Sessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_sessions",
			Help: "Currently connected devices",
		},
	)

	// ACLDenied counts refused publish and subscribe actions
	ACLDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_acl_denied_total",
			Help: "Publish or subscribe actions refused by the topic policy",
		},
		[]string{"action"},
	)

	// RPCRequests counts device originated requests by method and response code
	RPCRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_rpc_requests_total",
			Help: "Device originated JSON-RPC requests",
		},
		[]string{"method", "code"},
	)

	// RPCCalls counts cloud originated calls by result
	RPCCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_rpc_calls_total",
			Help: "Cloud originated JSON-RPC calls by result",
		},
		[]string{"result"},
	)

	// RPCPending is the number of outstanding cloud originated calls
	RPCPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "iot_rpc_pending",
			Help: "Outstanding cloud originated calls",
		},
	)

	// CRLRotations counts listener rotations
	CRLRotations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "iot_crl_rotations_total",
			Help: "Broker listener rotations after CRL changes",
		},
	)

	// Certificates counts issued and revoked device certificates
	Certificates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iot_certificates_total",
			Help: "Device certificates by operation",
		},
		[]string{"op"},
	)
)

// Handler serves the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
