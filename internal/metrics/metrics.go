// Package metrics exposes the prometheus collectors instrumenting the
// sender and receiver sides of a backup/WAL-shipping session.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Set bundles the collectors used across a process lifetime. Callers
// register it against their own *prometheus.Registry (or
// prometheus.DefaultRegisterer) so multiple Sets never collide under
// test.
type Set struct {
	ArchiveBytesWritten prometheus.Counter
	ArchiveMembers       prometheus.Counter
	BatchesSent          prometheus.Counter
	WALBytesStreamed     prometheus.Counter
	WALSegmentsOpened    prometheus.Counter
	WALSegmentsClosed    prometheus.Counter
	WALSegmentsPartial   prometheus.Counter
}

// NewSet constructs a Set with the given namespace (e.g. "pgbackup" or
// "pgwalreceive") and registers it with reg.
func NewSet(reg prometheus.Registerer, namespace string) *Set {
	s := &Set{
		ArchiveBytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "archive_bytes_written_total",
			Help: "Total bytes written into tar archive members.",
		}),
		ArchiveMembers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "archive_members_total",
			Help: "Total archive members (files, directories, symlinks) emitted.",
		}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "batches_sent_total",
			Help: "Total per-storage-location batches sent.",
		}),
		WALBytesStreamed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wal_bytes_streamed_total",
			Help: "Total WAL payload bytes streamed.",
		}),
		WALSegmentsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wal_segments_opened_total",
			Help: "Total WAL segment files opened for writing.",
		}),
		WALSegmentsClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wal_segments_closed_total",
			Help: "Total WAL segment files fsync'd and closed at completion.",
		}),
		WALSegmentsPartial: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "wal_segments_partial_total",
			Help: "Total incomplete WAL segments renamed with a .partial suffix on resume.",
		}),
	}
	reg.MustRegister(
		s.ArchiveBytesWritten,
		s.ArchiveMembers,
		s.BatchesSent,
		s.WALBytesStreamed,
		s.WALSegmentsOpened,
		s.WALSegmentsClosed,
		s.WALSegmentsPartial,
	)
	return s
}
