package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	segkafka "github.com/segmentio/kafka-go"

	"mailsweep/common"
	"mailsweep/internal/bloom"
	"mailsweep/internal/emails"
	"mailsweep/internal/jobs"
	"mailsweep/internal/kafka"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/store"
)

var (
	// Counters for store-writer throughput exposed on /metrics.
	// received: messages fetched from Kafka; duplicates: dropped by the
	// bloom filter or the unique index; failed: storage write errors.
	storeWriterReceived   uint64
	storeWriterInserted   uint64
	storeWriterDuplicates uint64
	storeWriterFailed     uint64
)

// sink is the single owner of the bloom filter and both stores. All
// dedup state mutations funnel through it, one message at a time.
type sink struct {
	extractor *emails.Extractor
	seen      *bloom.Filter
	emails    *store.EmailStore
	batch     *store.BatchedStore
	jobs      jobs.Store
	// policy re-checks job completion after each counter bump. The
	// counter only moves here, after the Kafka hop, so a job's final
	// task can evaluate before its emails are counted; without this
	// check such a job would stay running forever.
	policy *jobs.CompletionPolicy
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	emailsTopic := common.GetEnv("KAFKA_EMAILS_TOPIC", "mailsweep.emails")
	groupID := common.GetEnv("KAFKA_GROUP_ID", "mailsweep-store-writer")
	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	dbPath := common.GetEnv("DB_PATH", "mailsweep.db")
	batchPath := common.GetEnv("BATCH_PATH", "mailsweep.accepted.log")
	batchThreshold := common.ParseInt(common.GetEnv("BATCH_THRESHOLD", "0"), 0)
	bloomPath := common.GetEnv("BLOOM_PATH", "mailsweep.bloom")
	bloomExpected := common.ParseInt(common.GetEnv("BLOOM_EXPECTED", "1000000"), 1000000)
	bloomFPRate := common.ParseFloat(common.GetEnv("BLOOM_FP_RATE", "0.01"), 0.01)
	bloomSaveInterval := common.ParseDuration(common.GetEnv("BLOOM_SAVE_INTERVAL", "1m"), time.Minute)
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9091")

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("failed to close redis client: %v", err)
		}
	}()

	emailStore, err := store.OpenEmailStore(dbPath)
	if err != nil {
		log.Fatalf("failed to open email store: %v", err)
	}
	defer func() {
		if err := emailStore.Close(); err != nil {
			log.Printf("failed to close email store: %v", err)
		}
	}()

	batch, err := store.OpenBatchedStore(batchPath, batchThreshold)
	if err != nil {
		log.Fatalf("failed to open batched store: %v", err)
	}
	defer func() {
		if err := batch.Close(); err != nil {
			log.Printf("failed to close batched store: %v", err)
		}
	}()

	seen := bloom.New(bloomPath, bloomExpected, bloomFPRate)
	if err := seen.Load(); err != nil {
		log.Printf("failed to load bloom filter, starting empty: %v", err)
	}
	defer func() {
		if err := seen.Save(); err != nil {
			log.Printf("failed to save bloom filter: %v", err)
		}
	}()

	jobStore := jobs.NewRedisStore(client, "")
	taskQueue := queue.NewRedisQueue(client, "")
	s := &sink{
		extractor: emails.New(),
		seen:      seen,
		emails:    emailStore,
		batch:     batch,
		jobs:      jobStore,
		policy:    jobs.NewCompletionPolicy(jobStore, taskQueue),
	}

	reader := segkafka.NewReader(segkafka.ReaderConfig{
		Brokers: []string{broker},
		Topic:   emailsTopic,
		GroupID: groupID,
	})
	defer func() {
		if err := reader.Close(); err != nil {
			log.Printf("reader close error: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if metricsAddr != "" {
		startMetricsServer(ctx, metricsAddr)
	}

	go saveLoop(ctx, seen, bloomSaveInterval)
	consumeEmails(ctx, reader, s)
}

// saveLoop periodically snapshots the bloom filter so worker-side
// read-only copies and restarts stay close to current.
func saveLoop(ctx context.Context, seen *bloom.Filter, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := seen.Save(); err != nil {
				log.Printf("bloom save error: %v", err)
			}
		}
	}
}

func consumeEmails(ctx context.Context, reader kafka.MessageReader, s *sink) {
	for {
		msg, err := reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("emails fetch error: %v", err)
			time.Sleep(500 * time.Millisecond)
			continue
		}

		atomic.AddUint64(&storeWriterReceived, 1)
		commit, err := s.process(ctx, msg.Value)
		if err != nil {
			atomic.AddUint64(&storeWriterFailed, 1)
			log.Printf("emails write error: %v", err)
		}
		if !commit {
			// Left uncommitted so the message is redelivered once
			// storage recovers; the unique index absorbs the replay.
			continue
		}

		if err := reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("emails commit error: %v", err)
		}
	}
}

// process handles one message. commit is false only for storage errors,
// where redelivery can succeed; malformed and duplicate messages are
// dropped for good.
func (s *sink) process(ctx context.Context, payload []byte) (commit bool, err error) {
	var e models.Email
	if err := json.Unmarshal(payload, &e); err != nil {
		log.Printf("dropping malformed email message: %v", err)
		return true, nil
	}

	fingerprint, ok := s.extractor.Fingerprint(e.Email)
	if !ok {
		log.Printf("dropping invalid address %q for job %s", e.Email, e.JobID)
		return true, nil
	}
	if s.seen.Contains(fingerprint) {
		atomic.AddUint64(&storeWriterDuplicates, 1)
		return true, nil
	}

	inserted, err := s.emails.Insert(ctx, e)
	if err != nil {
		return false, fmt.Errorf("insert %s for job %s: %w", e.Email, e.JobID, err)
	}
	if !inserted {
		// Same address already stored for this job under a different
		// fingerprint path; count as a dedup hit and move on.
		atomic.AddUint64(&storeWriterDuplicates, 1)
		s.seen.Add(fingerprint)
		return true, nil
	}

	s.seen.Add(fingerprint)
	if err := s.batch.Append(fingerprint, e.Domain); err != nil {
		log.Printf("batched store append error: %v", err)
	}
	if _, err := s.jobs.IncrementTotalEmails(ctx, e.JobID, 1); err != nil {
		log.Printf("failed to bump total for job %s: %v", e.JobID, err)
	} else if s.policy != nil {
		if _, err := s.policy.Evaluate(ctx, e.JobID); err != nil {
			log.Printf("completion check for job %s: %v", e.JobID, err)
		}
	}
	atomic.AddUint64(&storeWriterInserted, 1)
	return true, nil
}

func startMetricsServer(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", handleMetrics)

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

func handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	body := fmt.Sprintf(
		"mailsweep_store_writer_up 1\n"+
			"mailsweep_store_writer_received_total %d\n"+
			"mailsweep_store_writer_inserted_total %d\n"+
			"mailsweep_store_writer_duplicates_total %d\n"+
			"mailsweep_store_writer_failed_total %d\n",
		atomic.LoadUint64(&storeWriterReceived),
		atomic.LoadUint64(&storeWriterInserted),
		atomic.LoadUint64(&storeWriterDuplicates),
		atomic.LoadUint64(&storeWriterFailed),
	)
	_, _ = w.Write([]byte(body))
}
