package conn

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "h2stream_connections_active",
			Help: "Current number of open HTTP/2 connections",
		},
	)

	streamsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2stream_streams_opened_total",
			Help: "Total number of locally initiated streams",
		},
	)

	pingsSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2stream_pings_sent_total",
			Help: "Total number of PING frames initiated locally",
		},
	)

	goawayReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2stream_goaway_received_total",
			Help: "Total number of GOAWAY frames received",
		},
	)

	protocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2stream_protocol_errors_total",
			Help: "Protocol errors surfaced by the frame dispatcher, by code",
		},
		[]string{"code"},
	)
)
