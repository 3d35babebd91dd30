// Package benchmark - Throughput and latency measurement of detection cascades
// over an image corpus.
package benchmark

import (
	"time"

	"github.com/nvr-ai/go-cropcheck/profiler"
)

// PerformanceMetrics captures detailed performance data
type PerformanceMetrics struct {
	Scenario        Scenario                  `json:"scenario"`
	Timestamp       time.Time                 `json:"timestamp"`
	TotalDuration   time.Duration             `json:"total_duration"`
	PrepareDuration time.Duration             `json:"prepare_duration"`
	AvgLatency      time.Duration             `json:"avg_latency"`
	MinLatency      time.Duration             `json:"min_latency"`
	MaxLatency      time.Duration             `json:"max_latency"`
	ImagesPerSecond float64                   `json:"images_per_second"`
	Terminal        int                       `json:"terminal"`
	Failed          int                       `json:"failed"`
	Errors          int                       `json:"errors"`
	ErrorRate       float64                   `json:"error_rate"`
	AvgAttempts     float64                   `json:"avg_attempts"`
	Labels          map[string]int            `json:"labels"`
	Stages          []profiler.OperationStats `json:"stages"`
	MemoryStats     MemoryMetrics             `json:"memory_stats"`
	CPUStats        CPUMetrics                `json:"cpu_stats"`
}

// MemoryMetrics captures memory usage statistics
type MemoryMetrics struct {
	AllocBytes      uint64 `json:"alloc_bytes"`
	TotalAllocBytes uint64 `json:"total_alloc_bytes"`
	SysBytes        uint64 `json:"sys_bytes"`
	NumGC           uint32 `json:"num_gc"`
	HeapAllocBytes  uint64 `json:"heap_alloc_bytes"`
	HeapSysBytes    uint64 `json:"heap_sys_bytes"`
}

// CPUMetrics captures CPU usage statistics
type CPUMetrics struct {
	NumCPU     int `json:"num_cpu"`
	GOMAXPROCS int `json:"gomaxprocs"`
}

// StageAvg returns the mean duration of the named profiler stage, or zero.
func (m PerformanceMetrics) StageAvg(name string) time.Duration {
	for _, s := range m.Stages {
		if s.Name == name {
			return s.Avg
		}
	}
	return 0
}
