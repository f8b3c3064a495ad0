package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"mailsweep/common"
	"mailsweep/internal/bloom"
	"mailsweep/internal/emails"
	"mailsweep/internal/fetch"
	"mailsweep/internal/jobs"
	"mailsweep/internal/kafka"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/registry"
	"mailsweep/internal/search"
	"mailsweep/internal/worker"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	workerType := models.TaskType(common.GetEnv("WORKER_TYPE", ""))
	if !workerType.Valid() {
		log.Fatalf("WORKER_TYPE must be one of discover, extract, generate; got %q", workerType)
	}
	workerID := common.GetEnv("WORKER_ID", defaultWorkerID(workerType))

	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	broker := common.GetEnv("KAFKA_BROKER", "localhost:9092")
	emailsTopic := common.GetEnv("KAFKA_EMAILS_TOPIC", "mailsweep.emails")
	metricsAddr := common.GetEnv("METRICS_ADDR", ":9090")

	maxTasks := common.ParseInt(common.GetEnv("MAX_TASKS", "50"), 50)
	idleSleep := common.ParseDuration(common.GetEnv("IDLE_SLEEP", "2s"), 0)
	maxIdlePolls := common.ParseInt(common.GetEnv("MAX_IDLE_POLLS", "3"), 3)
	lease := common.ParseDuration(common.GetEnv("LEASE", "5m"), 0)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := client.Close(); err != nil {
			log.Printf("failed to close redis client: %v", err)
		}
	}()

	taskQueue := queue.NewRedisQueue(client, "")
	jobStore := jobs.NewRedisStore(client, "")
	reg := registry.NewRedisRegistry(client, "", 0)
	policy := jobs.NewCompletionPolicy(jobStore, taskQueue)

	producer := kafka.NewProducer(broker, emailsTopic)
	defer func() {
		if err := producer.Close(); err != nil {
			log.Printf("failed to close producer: %v", err)
		}
	}()

	var stage worker.Stage
	switch workerType {
	case models.TaskDiscover:
		endpoint := common.GetEnv("SEARCH_API_URL", "")
		if endpoint == "" {
			log.Fatal("SEARCH_API_URL is required for discover workers")
		}
		provider := search.NewClient(endpoint, common.GetEnv("SEARCH_API_KEY", ""))
		stage = worker.NewDiscoverStage(provider, taskQueue)
	case models.TaskExtract:
		cfg := fetch.DefaultConfig()
		cfg.MaxInFlight = common.ParseInt(common.GetEnv("MAX_IN_FLIGHT", "0"), cfg.MaxInFlight)
		cfg.RequestsPerSecond = common.ParseFloat(common.GetEnv("FETCH_RPS", "0"), cfg.RequestsPerSecond)
		fetcher := fetch.New(cfg)

		// The snapshot may trail the store-writer's live filter; missed
		// duplicates are caught again downstream.
		var seen *bloom.Filter
		if bloomPath := common.GetEnv("BLOOM_PATH", ""); bloomPath != "" {
			seen = bloom.New(bloomPath, 1, 0.01)
			if err := seen.Load(); err != nil {
				log.Printf("failed to load bloom snapshot from %s: %v", bloomPath, err)
				seen = nil
			}
		}

		stage = worker.NewExtractStage(fetcher, emails.New(), seen, producer, taskQueue, jobStore, policy)
	case models.TaskGenerate:
		stage = worker.NewGenerateStage(emails.New(), producer, jobStore, policy)
	}

	startMetricsServer(ctx, metricsAddr, workerType, workerID)

	loop := worker.NewLoop(taskQueue, reg, stage, worker.Config{
		WorkerID:     workerID,
		Lease:        lease,
		MaxTasks:     maxTasks,
		IdleSleep:    idleSleep,
		MaxIdlePolls: maxIdlePolls,
		Observer:     observeTask,
	})

	log.Printf("%s worker %s starting", workerType, workerID)
	processed, err := loop.Run(ctx)
	if err != nil {
		log.Printf("%s worker %s exiting after %d tasks: %v", workerType, workerID, processed, err)
		os.Exit(1)
	}
	log.Printf("%s worker %s done, %d tasks processed", workerType, workerID, processed)
}

func defaultWorkerID(typ models.TaskType) string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	suffix, _, _ := strings.Cut(uuid.New().String(), "-")
	return string(typ) + "-" + host + "-" + suffix
}
