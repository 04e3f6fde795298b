package notes

import "sync/atomic"

// Stats holds cheap in-process counters mirrored onto the health endpoint
// so an operator can see throughput without scraping Prometheus.
type Stats struct {
	processed atomic.Int64
	retries   atomic.Int64
	dlq       atomic.Int64
	errors    atomic.Int64
}

func (s *Stats) IncProcessed() { s.processed.Add(1) }
func (s *Stats) IncRetries()   { s.retries.Add(1) }
func (s *Stats) IncDLQ()       { s.dlq.Add(1) }
func (s *Stats) IncErrors()    { s.errors.Add(1) }

// Snapshot is a point-in-time copy of the counters, safe to serialize.
type Snapshot struct {
	Processed int64 `json:"processed"`
	Retries   int64 `json:"retries"`
	DLQ       int64 `json:"dlq"`
	Errors    int64 `json:"errors"`
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		Processed: s.processed.Load(),
		Retries:   s.retries.Load(),
		DLQ:       s.dlq.Load(),
		Errors:    s.errors.Load(),
	}
}
