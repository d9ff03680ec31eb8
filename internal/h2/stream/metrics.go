package stream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamStateTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2stream_stream_state_transitions_total",
			Help: "Total number of stream state transitions",
		},
		[]string{"from", "to"},
	)

	framesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2stream_frames_received_total",
			Help: "Total number of HTTP/2 frames dispatched, by type",
		},
		[]string{"type"},
	)

	framesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "h2stream_frames_sent_total",
			Help: "Total number of HTTP/2 frames written, by type",
		},
		[]string{"type"},
	)

	dataBytesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2stream_data_bytes_sent_total",
			Help: "Total DATA payload bytes written, including padding",
		},
	)

	dataBytesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2stream_data_bytes_received_total",
			Help: "Total DATA payload bytes received, including padding",
		},
	)

	flowControlStalls = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "h2stream_flow_control_stalls_total",
			Help: "Times a writer blocked waiting for flow-control credits",
		},
	)
)
