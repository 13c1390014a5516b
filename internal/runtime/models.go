package runtime

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	errspkg "github.com/drblury/servicebus/internal/runtime/errors"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// UnprocessableMessageError wraps payloads that could not be decoded.
type UnprocessableMessageError struct {
	Payload []byte
	Err     error
}

func (e *UnprocessableMessageError) Error() string {
	return "unprocessable message: " + string(e.Payload) + " error: " + e.Err.Error()
}

func (e *UnprocessableMessageError) Unwrap() error { return e.Err }

// UnitStats is a point-in-time view of a unit's processing statistics.
type UnitStats struct {
	Endpoint            string    `json:"endpoint"`
	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	MessagesSent        uint64    `json:"messages_sent"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	Errors     ErrorBreakdown    `json:"errors"`
	Resource   ResourceUsage     `json:"resource"`
	Backlog    BacklogMetrics    `json:"backlog"`
}

// UnitInfo describes a registered unit.
type UnitInfo struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	Queue         string    `json:"queue"`
	Concurrency   int       `json:"concurrency"`
	Subscriptions []string  `json:"subscriptions"`
	Stats         UnitStats `json:"stats"`
}

type LatencyMetrics struct {
	AverageNs  int64 `json:"average_ns"`
	P50Ns      int64 `json:"p50_ns"`
	P95Ns      int64 `json:"p95_ns"`
	P99Ns      int64 `json:"p99_ns"`
	LastNs     int64 `json:"last_ns"`
	SampleSize int   `json:"sample_size"`
}

type ThroughputMetrics struct {
	CurrentRPS       float64 `json:"current_rps"`
	WindowSeconds    float64 `json:"window_seconds"`
	MessagesInWindow uint64  `json:"messages_in_window"`
	TotalMessages    uint64  `json:"total_messages"`
}

type ErrorBreakdown struct {
	Validation uint64 `json:"validation"`
	Handler    uint64 `json:"handler"`
	Transport  uint64 `json:"transport"`
	Downstream uint64 `json:"downstream"`
	Other      uint64 `json:"other"`
	LastError  string `json:"last_error,omitempty"`
}

type ResourceUsage struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes uint64  `json:"memory_bytes"`
	Goroutines  int     `json:"goroutines"`
}

// BacklogMetrics tracks gate usage. MaxInFlight never exceeds Concurrency.
type BacklogMetrics struct {
	Concurrency        int    `json:"concurrency"`
	InFlight           uint64 `json:"in_flight"`
	MaxInFlight        uint64 `json:"max_in_flight"`
	EstimatedLagMillis int64  `json:"estimated_lag_millis"`
}

type ErrorCategory string

const (
	ErrorCategoryNone       ErrorCategory = "none"
	ErrorCategoryValidation ErrorCategory = "validation"
	ErrorCategoryHandler    ErrorCategory = "handler"
	ErrorCategoryTransport  ErrorCategory = "transport"
	ErrorCategoryDownstream ErrorCategory = "downstream"
	ErrorCategoryOther      ErrorCategory = "other"
)

// ErrorClassifier assigns a failed message to a category in UnitStats.
type ErrorClassifier func(error) ErrorCategory

type unitStats struct {
	mu   sync.Mutex
	data UnitStats

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
	resourceSampler  *resourceTracker
}

func newUnitStats(endpoint string, concurrency int, sampler *resourceTracker) *unitStats {
	return &unitStats{
		data: UnitStats{
			Endpoint: endpoint,
			Backlog: BacklogMetrics{
				Concurrency:        concurrency,
				EstimatedLagMillis: -1,
			},
		},
		resourceSampler:  sampler,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

type invocationContext struct {
	lagMillis int64
}

func (s *unitStats) onMessageStart(env *Envelope) invocationContext {
	lag := int64(-1)
	if ts, ok := env.EnqueuedAt(); ok {
		lag = max(time.Since(ts).Milliseconds(), 0)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Backlog.InFlight++
	if s.data.Backlog.InFlight > s.data.Backlog.MaxInFlight {
		s.data.Backlog.MaxInFlight = s.data.Backlog.InFlight
	}
	return invocationContext{lagMillis: lag}
}

func (s *unitStats) onMessageFinish(ctx invocationContext, duration time.Duration, err error, classifier ErrorClassifier) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.data.Backlog.InFlight > 0 {
		s.data.Backlog.InFlight--
	}
	if ctx.lagMillis >= 0 {
		s.data.Backlog.EstimatedLagMillis = ctx.lagMillis
	}

	s.data.MessagesProcessed++
	if err != nil {
		s.data.MessagesFailed++
	}
	s.data.TotalProcessingTime += int64(duration)
	s.data.LastProcessedAt = time.Now().UTC()

	if s.latencyWindow != nil {
		s.latencyWindow.Add(duration)
		snapshot := s.latencyWindow.Snapshot()
		snapshot.LastNs = int64(duration)
		snapshot.AverageNs = s.data.TotalProcessingTime / int64(s.data.MessagesProcessed)
		s.data.Latency = snapshot
	}

	if s.throughputWindow != nil {
		snapshot := s.throughputWindow.AddAndSnapshot(time.Now())
		s.data.Throughput.CurrentRPS = snapshot.CurrentRPS
		s.data.Throughput.WindowSeconds = snapshot.WindowSeconds
		s.data.Throughput.MessagesInWindow = uint64(snapshot.Count)
	}
	s.data.Throughput.TotalMessages = s.data.MessagesProcessed

	if classifier == nil {
		classifier = defaultErrorClassifier
	}
	s.data.Errors.Record(classifier(err), err)

	if s.resourceSampler != nil {
		s.data.Resource = s.resourceSampler.Snapshot()
	}
}

func (s *unitStats) onSent(time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.MessagesSent++
}

// Snapshot returns a copy safe to hand out.
func (s *unitStats) Snapshot() UnitStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

func (e *ErrorBreakdown) Record(category ErrorCategory, err error) {
	switch category {
	case ErrorCategoryNone:
		if err == nil {
			return
		}
		e.Other++
	case ErrorCategoryValidation:
		e.Validation++
	case ErrorCategoryHandler:
		e.Handler++
	case ErrorCategoryTransport:
		e.Transport++
	case ErrorCategoryDownstream:
		e.Downstream++
	default:
		e.Other++
	}
	if err != nil {
		e.LastError = err.Error()
	}
}

type latencyWindow struct {
	samples []int64
	next    int
	filled  int
	last    int64
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = latencySampleSize
	}
	return &latencyWindow{samples: make([]int64, size)}
}

func (lw *latencyWindow) Add(d time.Duration) {
	if lw == nil || len(lw.samples) == 0 {
		return
	}
	lw.samples[lw.next] = int64(d)
	lw.last = int64(d)
	lw.next = (lw.next + 1) % len(lw.samples)
	if lw.filled < len(lw.samples) {
		lw.filled++
	}
}

func (lw *latencyWindow) Snapshot() LatencyMetrics {
	var metrics LatencyMetrics
	if lw == nil {
		return metrics
	}
	if lw.filled == 0 {
		metrics.LastNs = lw.last
		return metrics
	}
	samples := make([]int64, lw.filled)
	for i := 0; i < lw.filled; i++ {
		idx := lw.next - lw.filled + i
		if idx < 0 {
			idx += len(lw.samples)
		}
		samples[i] = lw.samples[idx]
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	metrics.SampleSize = lw.filled
	metrics.P50Ns = percentile(samples, 0.50)
	metrics.P95Ns = percentile(samples, 0.95)
	metrics.P99Ns = percentile(samples, 0.99)
	var sum int64
	for _, v := range samples {
		sum += v
	}
	metrics.AverageNs = sum / int64(len(samples))
	metrics.LastNs = lw.last
	return metrics
}

func percentile(samples []int64, quantile float64) int64 {
	if len(samples) == 0 {
		return 0
	}
	if quantile <= 0 {
		return samples[0]
	}
	if quantile >= 1 {
		return samples[len(samples)-1]
	}
	pos := quantile * float64(len(samples)-1)
	lower := int(math.Floor(pos))
	upper := int(math.Ceil(pos))
	if lower == upper {
		return samples[lower]
	}
	frac := pos - float64(lower)
	return samples[lower] + int64(float64(samples[upper]-samples[lower])*frac)
}

type throughputWindow struct {
	horizon time.Duration
	samples []time.Time
}

type throughputSnapshot struct {
	Count         int
	WindowSeconds float64
	CurrentRPS    float64
}

func newThroughputWindow(horizon time.Duration) *throughputWindow {
	return &throughputWindow{
		horizon: horizon,
		samples: make([]time.Time, 0, 64),
	}
}

func (tw *throughputWindow) AddAndSnapshot(now time.Time) throughputSnapshot {
	if tw == nil {
		return throughputSnapshot{}
	}
	tw.samples = append(tw.samples, now)
	tw.cleanup(now)
	return tw.snapshot(now)
}

func (tw *throughputWindow) cleanup(now time.Time) {
	if len(tw.samples) == 0 {
		return
	}
	cutoff := now.Add(-tw.horizon)
	idx := 0
	for idx < len(tw.samples) && tw.samples[idx].Before(cutoff) {
		idx++
	}
	if idx > 0 {
		copy(tw.samples, tw.samples[idx:])
		tw.samples = tw.samples[:len(tw.samples)-idx]
	}
}

func (tw *throughputWindow) snapshot(now time.Time) throughputSnapshot {
	if len(tw.samples) == 0 {
		return throughputSnapshot{}
	}
	span := now.Sub(tw.samples[0])
	if span <= 0 {
		span = time.Nanosecond
	}
	count := len(tw.samples)
	return throughputSnapshot{
		Count:         count,
		WindowSeconds: span.Seconds(),
		CurrentRPS:    float64(count) / span.Seconds(),
	}
}

func defaultErrorClassifier(err error) ErrorCategory {
	if err == nil {
		return ErrorCategoryNone
	}
	var unprocessable *UnprocessableMessageError
	if errors.As(err, &unprocessable) || errors.Is(err, errspkg.ErrUnknownMessageType) {
		return ErrorCategoryValidation
	}
	var routing *errspkg.RoutingError
	if errors.As(err, &routing) {
		return ErrorCategoryTransport
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ErrorCategoryDownstream
	}
	var handlerErr *errspkg.HandlerError
	if errors.As(err, &handlerErr) {
		return ErrorCategoryHandler
	}
	return ErrorCategoryOther
}
