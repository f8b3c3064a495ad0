package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"mailsweep/internal/models"
)

var (
	// Counters for task outcomes exposed on /metrics.
	tasksSucceeded uint64
	tasksFailed    uint64

	// Histogram buckets for task execution latency (seconds). Extract
	// tasks dominate the upper buckets because of page fetch time.
	taskLatencyBuckets = []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	// Counts per bucket; last slot holds the +Inf bucket.
	taskLatencyCounts = make([]uint64, len(taskLatencyBuckets)+1)
	// Sum and count are used by Prometheus histogram quantiles.
	taskLatencySumNs uint64
	taskLatencyCount uint64
)

// observeTask feeds loop outcomes into the metrics; wired as the loop's
// Observer.
func observeTask(_ models.TaskType, ok bool, took time.Duration) {
	if ok {
		atomic.AddUint64(&tasksSucceeded, 1)
	} else {
		atomic.AddUint64(&tasksFailed, 1)
	}
	if took <= 0 {
		return
	}
	seconds := took.Seconds()
	bucketIndex := len(taskLatencyBuckets)
	for i, bound := range taskLatencyBuckets {
		if seconds <= bound {
			bucketIndex = i
			break
		}
	}
	atomic.AddUint64(&taskLatencyCounts[bucketIndex], 1)
	atomic.AddUint64(&taskLatencySumNs, uint64(took.Nanoseconds()))
	atomic.AddUint64(&taskLatencyCount, 1)
}

func startMetricsServer(ctx context.Context, addr string, workerType models.TaskType, workerID string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		handleMetrics(w, r, workerType, workerID)
	})

	server := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("metrics shutdown error: %v", err)
		}
	}()

	go func() {
		log.Printf("metrics listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("metrics server error: %v", err)
		}
	}()
}

func handleMetrics(w http.ResponseWriter, r *http.Request, workerType models.TaskType, workerID string) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)

	body := fmt.Sprintf(
		"mailsweep_worker_up{type=\"%s\",worker=\"%s\"} 1\n"+
			"mailsweep_worker_tasks_succeeded_total %d\n"+
			"mailsweep_worker_tasks_failed_total %d\n",
		workerType, escapeMetricLabel(workerID),
		atomic.LoadUint64(&tasksSucceeded),
		atomic.LoadUint64(&tasksFailed),
	)

	var histogram strings.Builder
	histogram.WriteString("# HELP mailsweep_worker_task_latency_seconds Task execution latency.\n")
	histogram.WriteString("# TYPE mailsweep_worker_task_latency_seconds histogram\n")
	appendHistogram(&histogram, "mailsweep_worker_task_latency_seconds", taskLatencyBuckets,
		taskLatencyCounts, &taskLatencySumNs, &taskLatencyCount, "%.2f")

	_, _ = w.Write([]byte(body + histogram.String()))
}

// escapeMetricLabel escapes backslash and double quote for Prometheus label values.
func escapeMetricLabel(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	return strings.ReplaceAll(s, "\"", "\\\"")
}

// appendHistogram writes a Prometheus histogram (buckets, +Inf, sum, count) to sb.
// counts must have len(buckets)+1 elements; leFmt formats bucket bounds (e.g. "%.2f").
func appendHistogram(sb *strings.Builder, name string, buckets []float64, counts []uint64, sumNs, count *uint64, leFmt string) {
	var cumulative uint64
	for i, bound := range buckets {
		cumulative += atomic.LoadUint64(&counts[i])
		sb.WriteString(fmt.Sprintf("%s_bucket{le=\"%s\"} %d\n", name, fmt.Sprintf(leFmt, bound), cumulative))
	}
	cumulative += atomic.LoadUint64(&counts[len(buckets)])
	sb.WriteString(fmt.Sprintf("%s_bucket{le=\"+Inf\"} %d\n", name, cumulative))
	sumSeconds := float64(atomic.LoadUint64(sumNs)) / float64(time.Second)
	sb.WriteString(fmt.Sprintf("%s_sum %.6f\n", name, sumSeconds))
	sb.WriteString(fmt.Sprintf("%s_count %d\n", name, atomic.LoadUint64(count)))
}
