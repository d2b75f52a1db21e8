package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	NodesCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdgraph_nodes_created_total",
		Help: "Total number of graph nodes created, labelled by node kind.",
	}, []string{"kind"})

	NodeUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdgraph_node_updates_total",
		Help: "Total number of in-place node updates, labelled by kind and status.",
	}, []string{"kind", "status"})

	GraphTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdgraph_graph_transitions_total",
		Help: "Total number of lifecycle transitions, labelled by the state entered.",
	}, []string{"state"})

	GraphLaunches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdgraph_graph_launches_total",
		Help: "Total number of graph launches, labelled by status.",
	}, []string{"status"})

	ConstructionRollbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmdgraph_construction_rollbacks_total",
		Help: "Total number of composite constructions rolled back after a failure.",
	})

	ProgramRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdgraph_program_runs_total",
		Help: "Total number of program runs, labelled by status.",
	}, []string{"status"})

	ProgramRunDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cmdgraph_program_run_duration_ms",
		Help:    "End-to-end program run latency in milliseconds, including synchronization.",
		Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	})

	ProgramReloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmdgraph_program_reloads_total",
		Help: "Total number of program hot-reloads, labelled by status.",
	}, []string{"status"})

	StreamQueueUtilization = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmdgraph_stream_queue_utilization_ratio",
		Help: "Current stream queue utilization (0–1).",
	})

	DeviceMemoryUsed = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "cmdgraph_device_memory_used_bytes",
		Help: "Bytes of device memory currently allocated.",
	})
)
