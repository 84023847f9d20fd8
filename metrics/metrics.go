// Package metrics exposes prometheus collectors for the data plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Set groups the collectors a nexus engine reports into.
type Set struct {
	ReadOps      *prometheus.CounterVec
	WriteOps     *prometheus.CounterVec
	UnmapOps     *prometheus.CounterVec
	IOErrors     *prometheus.CounterVec
	BytesRead    *prometheus.CounterVec
	BytesWritten *prometheus.CounterVec

	ReplicaState    *prometheus.GaugeVec
	RebuildProgress *prometheus.GaugeVec
}

// New builds the collector set and registers it with reg. Passing nil
// registers nothing, which keeps tests free of global registry state.
func New(reg prometheus.Registerer) *Set {
	s := &Set{
		ReadOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_read_ops_total",
			Help: "Read commands completed per nexus.",
		}, []string{"nexus"}),
		WriteOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_write_ops_total",
			Help: "Write commands completed per nexus.",
		}, []string{"nexus"}),
		UnmapOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_unmap_ops_total",
			Help: "Unmap commands completed per nexus.",
		}, []string{"nexus"}),
		IOErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_io_errors_total",
			Help: "I/O commands failed back to the initiator per nexus.",
		}, []string{"nexus"}),
		BytesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_read_bytes_total",
			Help: "Bytes read per nexus.",
		}, []string{"nexus"}),
		BytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_written_bytes_total",
			Help: "Bytes written per nexus.",
		}, []string{"nexus"}),
		ReplicaState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_replica_state",
			Help: "Replica role per nexus member (0 active, 1 rebuilding, 2 faulted).",
		}, []string{"nexus", "replica"}),
		RebuildProgress: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "nexus_rebuild_progress_ratio",
			Help: "Fraction of blocks copied for an in-flight rebuild.",
		}, []string{"nexus", "replica"}),
	}
	if reg != nil {
		reg.MustRegister(
			s.ReadOps, s.WriteOps, s.UnmapOps, s.IOErrors,
			s.BytesRead, s.BytesWritten,
			s.ReplicaState, s.RebuildProgress,
		)
	}
	return s
}
