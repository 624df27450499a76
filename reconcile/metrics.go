package reconcile

import "sync/atomic"

// Metrics is the counter set both reconcilers expose. All fields are safe
// for concurrent read while a cycle is running.
type Metrics struct {
	lastChecked      atomic.Int64 // unix nanos of the most recent cycle start
	lastRunTime      atomic.Int64 // duration of the most recent cycle, nanos
	totalChecked     atomic.Int64
	totalUpdated     atomic.Int64
	totalTimeouts    atomic.Int64
	totalRateLimited atomic.Int64
	availablePermits atomic.Int64
}

// Snapshot is a point-in-time copy of Metrics for reporting.
type Snapshot struct {
	LastChecked      int64
	LastRunTimeNanos int64
	TotalChecked     int64
	TotalUpdated     int64
	TotalTimeouts    int64
	TotalRateLimited int64
	AvailablePermits int64
}

// Snapshot reads all counters without blocking a running cycle.
func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		LastChecked:      m.lastChecked.Load(),
		LastRunTimeNanos: m.lastRunTime.Load(),
		TotalChecked:     m.totalChecked.Load(),
		TotalUpdated:     m.totalUpdated.Load(),
		TotalTimeouts:    m.totalTimeouts.Load(),
		TotalRateLimited: m.totalRateLimited.Load(),
		AvailablePermits: m.availablePermits.Load(),
	}
}
