package metrics

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

var (
	analysisStartedTotal   atomic.Uint64
	analysisCompletedTotal atomic.Uint64
	analysisFailedTotal    atomic.Uint64
	analysisCancelledTotal atomic.Uint64

	enqueueFailedTotal atomic.Uint64
	enqueueRetryTotal  atomic.Uint64

	parametersCacheHitTotal  atomic.Uint64
	parametersCacheMissTotal atomic.Uint64

	tasksReceivedTotal           atomic.Uint64
	tasksDeletedUnrecoverableTot atomic.Uint64
	tasksRedeliveredTotal        atomic.Uint64

	sweptJobsTotal atomic.Uint64

	analysisDuration = newHistogram([]float64{1000, 5000, 15000, 30000, 60000, 120000, 300000, 600000})
)

// IncAnalysisStarted increments the started counter.
func IncAnalysisStarted() { analysisStartedTotal.Add(1) }

// IncAnalysisCompleted increments the completed counter.
func IncAnalysisCompleted() { analysisCompletedTotal.Add(1) }

// IncAnalysisFailed increments the failed counter.
func IncAnalysisFailed() { analysisFailedTotal.Add(1) }

// IncAnalysisCancelled increments the cancelled counter.
func IncAnalysisCancelled() { analysisCancelledTotal.Add(1) }

// IncEnqueueFailed counts enqueue calls that failed after all retries.
func IncEnqueueFailed() { enqueueFailedTotal.Add(1) }

// IncEnqueueRetry counts individual enqueue retry attempts.
func IncEnqueueRetry() { enqueueRetryTotal.Add(1) }

// IncParametersCacheHit counts parameter cache hits.
func IncParametersCacheHit() { parametersCacheHitTotal.Add(1) }

// IncParametersCacheMiss counts parameter cache misses.
func IncParametersCacheMiss() { parametersCacheMissTotal.Add(1) }

// IncTasksReceived counts task deliveries picked up by a worker.
func IncTasksReceived() { tasksReceivedTotal.Add(1) }

// IncTasksDeletedUnrecoverable counts deliveries dropped as undecodable.
func IncTasksDeletedUnrecoverable() { tasksDeletedUnrecoverableTot.Add(1) }

// IncTasksRedelivered counts deliveries left for redelivery.
func IncTasksRedelivered() { tasksRedeliveredTotal.Add(1) }

// AddSweptJobs counts jobs moved to a terminal state by the sweeper.
func AddSweptJobs(n int) {
	if n > 0 {
		sweptJobsTotal.Add(uint64(n))
	}
}

// ObserveAnalysisDuration records the wall time of one analysis execution.
func ObserveAnalysisDuration(d time.Duration) {
	value := float64(d) / float64(time.Millisecond)
	if value < 0 {
		value = 0
	}
	analysisDuration.Observe(value)
}

// Handler exposes metrics in Prometheus text format.
func Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Content-Type", "text/plain; version=0.0.4")
		c.String(http.StatusOK, Render())
	}
}

// Render renders metrics in Prometheus text format.
func Render() string {
	var buf bytes.Buffer
	writeCounter(&buf, "analysis_started_total", "Total analyses accepted and enqueued", analysisStartedTotal.Load())
	writeCounter(&buf, "analysis_completed_total", "Total analyses completed", analysisCompletedTotal.Load())
	writeCounter(&buf, "analysis_failed_total", "Total analyses failed", analysisFailedTotal.Load())
	writeCounter(&buf, "analysis_cancelled_total", "Total analyses cancelled", analysisCancelledTotal.Load())
	writeCounter(&buf, "task_enqueue_failed_total", "Enqueue calls that failed after retries", enqueueFailedTotal.Load())
	writeCounter(&buf, "task_enqueue_retry_total", "Enqueue retry attempts", enqueueRetryTotal.Load())
	writeCounter(&buf, "parameters_cache_hit_total", "Parameter cache hits", parametersCacheHitTotal.Load())
	writeCounter(&buf, "parameters_cache_miss_total", "Parameter cache misses", parametersCacheMissTotal.Load())
	writeCounter(&buf, "task_received_total", "Task deliveries received by workers", tasksReceivedTotal.Load())
	writeCounter(&buf, "task_deleted_unrecoverable_total", "Task deliveries dropped as unrecoverable", tasksDeletedUnrecoverableTot.Load())
	writeCounter(&buf, "task_redelivered_total", "Task deliveries left for redelivery", tasksRedeliveredTotal.Load())
	writeCounter(&buf, "analysis_swept_total", "Jobs failed by the stale-job sweeper", sweptJobsTotal.Load())
	writeHistogram(&buf, "analysis_duration_ms", "Analysis execution duration in milliseconds", analysisDuration.Snapshot())
	return buf.String()
}

type histogram struct {
	mu      sync.Mutex
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

type histogramSnapshot struct {
	buckets []float64
	counts  []uint64
	sum     float64
	count   uint64
}

func newHistogram(buckets []float64) *histogram {
	return &histogram{
		buckets: buckets,
		counts:  make([]uint64, len(buckets)),
	}
}

func (h *histogram) Observe(value float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += value
	for i, bound := range h.buckets {
		if value <= bound {
			h.counts[i]++
			break
		}
	}
}

func (h *histogram) Snapshot() histogramSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return histogramSnapshot{
		buckets: append([]float64(nil), h.buckets...),
		counts:  append([]uint64(nil), h.counts...),
		sum:     h.sum,
		count:   h.count,
	}
}

func writeCounter(buf *bytes.Buffer, name, help string, value uint64) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s counter\n", name)
	fmt.Fprintf(buf, "%s %d\n", name, value)
}

// counts hold per-bucket observations; the exposition format wants them cumulative.
func writeHistogram(buf *bytes.Buffer, name, help string, snap histogramSnapshot) {
	fmt.Fprintf(buf, "# HELP %s %s\n", name, help)
	fmt.Fprintf(buf, "# TYPE %s histogram\n", name)
	var cumulative uint64
	for i, bound := range snap.buckets {
		cumulative += snap.counts[i]
		fmt.Fprintf(buf, "%s_bucket{le=\"%s\"} %d\n", name, formatFloat(bound), cumulative)
	}
	fmt.Fprintf(buf, "%s_bucket{le=\"+Inf\"} %d\n", name, snap.count)
	fmt.Fprintf(buf, "%s_sum %s\n", name, formatFloat(snap.sum))
	fmt.Fprintf(buf, "%s_count %d\n", name, snap.count)
}

func formatFloat(value float64) string {
	if value == float64(int64(value)) {
		return strconv.FormatInt(int64(value), 10)
	}
	return strconv.FormatFloat(value, 'f', -1, 64)
}
