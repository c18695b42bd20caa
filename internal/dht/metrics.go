package dht

import "time"

// Metrics receives the node's counters. The host installs a prometheus
// implementation; tests use AtomicMetrics. Calls come from several
// goroutines.
type Metrics interface {
	// IncRPC counts one outbound RPC by op name.
	IncRPC(op string, ok bool)
	ObserveLookup(kind string, queries int, duration time.Duration, ok bool)
	SetRoutingTableSize(n int)
	SetBucketOccupancy(bucket int, n int)
}

type NoopMetrics struct{}

func (NoopMetrics) IncRPC(string, bool)                            {}
func (NoopMetrics) ObserveLookup(string, int, time.Duration, bool) {}
func (NoopMetrics) SetRoutingTableSize(int)                        {}
func (NoopMetrics) SetBucketOccupancy(int, int)                    {}
