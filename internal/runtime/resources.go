package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const resourceSampleInterval = time.Second

// resourceTracker samples coarse CPU and memory usage for unit stats. Samples
// are cached for resourceSampleInterval since reading memory stats stops the
// world.
type resourceTracker struct {
	mu             sync.Mutex
	samples        []metrics.Sample
	lastCPUSeconds float64
	lastSample     time.Time
	numCPU         float64
	cached         ResourceUsage
	interval       time.Duration
}

func newResourceTracker() *resourceTracker {
	return &resourceTracker{
		samples:  resourceSamples(),
		numCPU:   float64(runtime.NumCPU()),
		interval: resourceSampleInterval,
	}
}

func resourceSamples() []metrics.Sample {
	return []metrics.Sample{
		{Name: "/sched/cpu:seconds"},
		{Name: "/memory/classes/heap/objects:bytes"},
	}
}

func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if !r.lastSample.IsZero() && now.Sub(r.lastSample) < r.interval {
		r.cached.Goroutines = runtime.NumGoroutine()
		return r.cached
	}

	if len(r.samples) < 2 {
		r.samples = resourceSamples()
	}
	metrics.Read(r.samples)
	cpu := r.samples[0]
	haveCPU := cpu.Value.Kind() == metrics.KindFloat64
	var cpuSeconds float64
	if haveCPU {
		cpuSeconds = cpu.Value.Float64()
	}

	var cpuPercent float64
	if haveCPU && !r.lastSample.IsZero() {
		deltaCPU := cpuSeconds - r.lastCPUSeconds
		deltaWall := now.Sub(r.lastSample).Seconds()
		if deltaWall > 0 && r.numCPU > 0 {
			cpuPercent = (deltaCPU / deltaWall) / r.numCPU * 100
		}
	}
	if haveCPU {
		r.lastCPUSeconds = cpuSeconds
	}
	r.lastSample = now

	var heapBytes uint64
	if heap := r.samples[1]; heap.Value.Kind() == metrics.KindUint64 {
		heapBytes = heap.Value.Uint64()
	} else {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		heapBytes = mem.Alloc
	}

	r.cached = ResourceUsage{
		CPUPercent:  cpuPercent,
		MemoryBytes: heapBytes,
		Goroutines:  runtime.NumGoroutine(),
	}
	return r.cached
}
