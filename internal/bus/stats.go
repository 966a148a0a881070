package bus

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
)

const (
	latencySampleSize    = 256
	throughputWindowSize = time.Minute
)

// ListenerStats tracks processing outcomes for one listener. Snapshots are
// served on the introspection endpoint.
type ListenerStats struct {
	mu sync.Mutex

	identity string

	MessagesProcessed   uint64    `json:"messages_processed"`
	MessagesFailed      uint64    `json:"messages_failed"`
	SpoofAttempts       uint64    `json:"spoof_attempts"`
	TotalProcessingTime int64     `json:"total_processing_time_ns"`
	LastProcessedAt     time.Time `json:"last_processed_at"`

	Latency    LatencyMetrics    `json:"latency"`
	Throughput ThroughputMetrics `json:"throughput"`
	LastError  string            `json:"last_error,omitempty"`

	latencyWindow    *latencyWindow
	throughputWindow *throughputWindow
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

// ListenerInfo is the introspection view of one registration.
type ListenerInfo struct {
	Identity    string         `json:"identity"`
	Description string         `json:"description,omitempty"`
	Kinds       []string       `json:"kinds"`
	Broadcast   bool           `json:"broadcast"`
	Agent       bool           `json:"agent"`
	Stats       *ListenerStats `json:"stats"`
}

func newListenerStats(identity string) *ListenerStats {
	return &ListenerStats{
		identity:         identity,
		latencyWindow:    newLatencyWindow(latencySampleSize),
		throughputWindow: newThroughputWindow(throughputWindowSize),
	}
}

func (s *ListenerStats) record(duration time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.MessagesProcessed++
	if err != nil {
		s.MessagesFailed++
		s.LastError = err.Error()
	}
	s.TotalProcessingTime += int64(duration)
	s.LastProcessedAt = time.Now().UTC()

	s.latencyWindow.Add(duration)
	snapshot := s.latencyWindow.Snapshot()
	snapshot.LastNs = int64(duration)
	if s.MessagesProcessed > 0 {
		snapshot.AverageNs = s.TotalProcessingTime / int64(s.MessagesProcessed)
	}
	s.Latency = snapshot

	tp := s.throughputWindow.AddAndSnapshot(time.Now())
	s.Throughput.CurrentRPS = tp.CurrentRPS
	s.Throughput.WindowSeconds = tp.WindowSeconds
	s.Throughput.MessagesInWindow = uint64(tp.Count)
	s.Throughput.TotalMessages = s.MessagesProcessed
}

func (s *ListenerStats) recordSpoof() {
	s.mu.Lock()
	s.SpoofAttempts++
	s.mu.Unlock()
}

func (s *ListenerStats) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type Alias ListenerStats
	return sonic.Marshal((*Alias)(s))
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
	if lw == nil || lw.filled == 0 {
		if lw != nil {
			metrics.LastNs = lw.last
		}
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
