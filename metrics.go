package npurt

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks performance and operational statistics for an npurt
// device: model loads, start/stop transitions, and inference throughput.
type Metrics struct {
	// Operation counters
	InferOps atomic.Uint64 // Total Infer/InferPost calls
	LoadOps  atomic.Uint64 // Total Load calls
	StartOps atomic.Uint64 // Total Start calls
	StopOps  atomic.Uint64 // Total Stop calls

	// Volume counters
	InferRows atomic.Uint64 // Total input rows processed (padding rows excluded)
	LoadBytes atomic.Uint64 // Total artifact bytes loaded

	// Error counters
	InferErrors atomic.Uint64
	LoadErrors  atomic.Uint64
	StartErrors atomic.Uint64
	StopErrors  atomic.Uint64

	// Pipeline statistics
	InFlightTotal atomic.Uint64 // Cumulative in-flight depth samples
	InFlightCount atomic.Uint64 // Number of in-flight depth measurements
	MaxInFlight   atomic.Uint32 // Maximum observed in-flight depth

	// Performance tracking
	TotalLatencyNs atomic.Uint64 // Cumulative operation latency in nanoseconds
	OpCount        atomic.Uint64 // Total operations (for average latency calculation)

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of operations with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // Device manager start timestamp (UnixNano)
	StopTime  atomic.Int64 // Device manager stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance.
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordInfer records a completed inference (one infer_post/infer_wait pair
// or one synchronous infer call).
func (m *Metrics) RecordInfer(rows uint64, latencyNs uint64, success bool) {
	m.InferOps.Add(1)
	if success {
		m.InferRows.Add(rows)
	} else {
		m.InferErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordLoad records a model load.
func (m *Metrics) RecordLoad(bytes uint64, latencyNs uint64, success bool) {
	m.LoadOps.Add(1)
	if success {
		m.LoadBytes.Add(bytes)
	} else {
		m.LoadErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordStart records a model start transition on an execution group.
func (m *Metrics) RecordStart(latencyNs uint64, success bool) {
	m.StartOps.Add(1)
	if !success {
		m.StartErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordStop records a model stop transition on an execution group.
func (m *Metrics) RecordStop(latencyNs uint64, success bool) {
	m.StopOps.Add(1)
	if !success {
		m.StopErrors.Add(1)
	}
	m.recordLatency(latencyNs)
}

// RecordInFlightDepth records the current pipeline in-flight depth.
func (m *Metrics) RecordInFlightDepth(depth uint32) {
	m.InFlightTotal.Add(uint64(depth))
	m.InFlightCount.Add(1)

	for {
		current := m.MaxInFlight.Load()
		if depth <= current {
			break
		}
		if m.MaxInFlight.CompareAndSwap(current, depth) {
			break
		}
	}
}

// recordLatency records operation latency and updates the histogram.
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device manager as stopped.
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time snapshot of metrics.
type MetricsSnapshot struct {
	InferOps uint64
	LoadOps  uint64
	StartOps uint64
	StopOps  uint64

	InferRows uint64
	LoadBytes uint64

	InferErrors uint64
	LoadErrors  uint64
	StartErrors uint64
	StopErrors  uint64

	AvgInFlightDepth float64
	MaxInFlightDepth uint32

	AvgLatencyNs uint64
	UptimeNs     uint64

	LatencyP50Ns  uint64 // 50th percentile (median)
	LatencyP99Ns  uint64 // 99th percentile
	LatencyP999Ns uint64 // 99.9th percentile

	LatencyHistogram [numLatencyBuckets]uint64

	InferOpsPerSec float64
	InferRowsPerSec float64
	TotalOps        uint64
	ErrorRate       float64 // percentage of failed operations
}

// Snapshot creates a point-in-time snapshot of metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		InferOps:    m.InferOps.Load(),
		LoadOps:     m.LoadOps.Load(),
		StartOps:    m.StartOps.Load(),
		StopOps:     m.StopOps.Load(),
		InferRows:   m.InferRows.Load(),
		LoadBytes:   m.LoadBytes.Load(),
		InferErrors: m.InferErrors.Load(),
		LoadErrors:  m.LoadErrors.Load(),
		StartErrors: m.StartErrors.Load(),
		StopErrors:  m.StopErrors.Load(),
		MaxInFlightDepth: m.MaxInFlight.Load(),
	}

	snap.TotalOps = snap.InferOps + snap.LoadOps + snap.StartOps + snap.StopOps

	inFlightTotal := m.InFlightTotal.Load()
	inFlightCount := m.InFlightCount.Load()
	if inFlightCount > 0 {
		snap.AvgInFlightDepth = float64(inFlightTotal) / float64(inFlightCount)
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		uptimeSeconds := float64(snap.UptimeNs) / 1e9
		snap.InferOpsPerSec = float64(snap.InferOps) / uptimeSeconds
		snap.InferRowsPerSec = float64(snap.InferRows) / uptimeSeconds
	}

	totalErrors := snap.InferErrors + snap.LoadErrors + snap.StartErrors + snap.StopErrors
	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(totalErrors) / float64(snap.TotalOps) * 100.0
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing).
func (m *Metrics) Reset() {
	m.InferOps.Store(0)
	m.LoadOps.Store(0)
	m.StartOps.Store(0)
	m.StopOps.Store(0)
	m.InferRows.Store(0)
	m.LoadBytes.Store(0)
	m.InferErrors.Store(0)
	m.LoadErrors.Store(0)
	m.StartErrors.Store(0)
	m.StopErrors.Store(0)
	m.InFlightTotal.Store(0)
	m.InFlightCount.Store(0)
	m.MaxInFlight.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer lets callers plug in their own metrics collection in place of,
// or in addition to, the built-in Metrics.
type Observer interface {
	ObserveInfer(rows uint64, latencyNs uint64, success bool)
	ObserveLoad(bytes uint64, latencyNs uint64, success bool)
	ObserveStart(latencyNs uint64, success bool)
	ObserveStop(latencyNs uint64, success bool)
	ObserveInFlightDepth(depth uint32)
}

// NoOpObserver is a no-op implementation of Observer.
type NoOpObserver struct{}

func (NoOpObserver) ObserveInfer(uint64, uint64, bool)  {}
func (NoOpObserver) ObserveLoad(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveStart(uint64, bool)          {}
func (NoOpObserver) ObserveStop(uint64, bool)           {}
func (NoOpObserver) ObserveInFlightDepth(uint32)        {}

// MetricsObserver implements Observer on top of the built-in Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics.
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveInfer(rows uint64, latencyNs uint64, success bool) {
	o.metrics.RecordInfer(rows, latencyNs, success)
}

func (o *MetricsObserver) ObserveLoad(bytes uint64, latencyNs uint64, success bool) {
	o.metrics.RecordLoad(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveStart(latencyNs uint64, success bool) {
	o.metrics.RecordStart(latencyNs, success)
}

func (o *MetricsObserver) ObserveStop(latencyNs uint64, success bool) {
	o.metrics.RecordStop(latencyNs, success)
}

func (o *MetricsObserver) ObserveInFlightDepth(depth uint32) {
	o.metrics.RecordInFlightDepth(depth)
}

// Compile-time interface checks.
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)
