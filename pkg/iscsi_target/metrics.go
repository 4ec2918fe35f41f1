// Copyright 2018-present Network Optix, Inc. Licensed under MPL 2.0: www.mozilla.org/MPL/2.0/
package iscsi_target

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "iscsi_target"

var (
	pduReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pdu_received_total",
			Help:      "PDUs read from initiators by opcode.",
		},
		[]string{"opcode"},
	)
	pduSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pdu_sent_total",
			Help:      "PDUs written to initiators by opcode.",
		},
		[]string{"opcode"},
	)
	bytesReceived = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "received_bytes_total",
		Help:      "Header and data segment bytes read.",
	})
	bytesSent = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "sent_bytes_total",
		Help:      "Header and data segment bytes written.",
	})
	loginsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "logins_total",
			Help:      "Finished logins by result.",
		},
		[]string{"result"},
	)
	activeSessions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "active_sessions",
			Help:      "Sessions in full feature phase by type.",
		},
		[]string{"type"},
	)
	connectionsRefused = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "connections_refused_total",
		Help:      "Connections closed on accept because the session pool was full.",
	})
	scsiCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "scsi_commands_total",
			Help:      "SCSI commands executed by operation and status.",
		},
		[]string{"operation", "status"},
	)
)

// Collectors returns every metric of the package for registration.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		pduReceived,
		pduSent,
		bytesReceived,
		bytesSent,
		loginsTotal,
		activeSessions,
		connectionsRefused,
		scsiCommands,
	}
}

// RegisterMetrics registers the package metrics, tolerating a second
// registration of the same collectors.
func RegisterMetrics(registerer prometheus.Registerer) error {
	for _, collector := range Collectors() {
		if err := registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}
