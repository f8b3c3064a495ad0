package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mailsweep/common"
	"mailsweep/internal/models"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	workerBin := common.GetEnv("WORKER_BIN", "./worker")
	restartDelay := common.ParseDuration(common.GetEnv("RESTART_DELAY", "2s"), 2*time.Second)

	pool := map[models.TaskType]int{
		models.TaskDiscover: common.ParseInt(common.GetEnv("DISCOVER_WORKERS", "1"), 1),
		models.TaskExtract:  common.ParseInt(common.GetEnv("EXTRACT_WORKERS", "4"), 4),
		models.TaskGenerate: common.ParseInt(common.GetEnv("GENERATE_WORKERS", "1"), 1),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for typ, count := range pool {
		for i := 0; i < count; i++ {
			wg.Add(1)
			go func(typ models.TaskType, slot int) {
				defer wg.Done()
				supervise(ctx, workerBin, typ, slot, restartDelay)
			}(typ, i)
		}
	}

	log.Printf("supervisor running %d discover, %d extract, %d generate workers",
		pool[models.TaskDiscover], pool[models.TaskExtract], pool[models.TaskGenerate])
	wg.Wait()
	log.Printf("supervisor done")
}

// supervise runs one worker slot, respawning the process whenever it
// exits, until ctx is cancelled. Worker processes exit on their own
// after MAX_TASKS tasks or an idle queue, so respawn is the normal path,
// not just crash recovery.
func supervise(ctx context.Context, bin string, typ models.TaskType, slot int, restartDelay time.Duration) {
	workerID := fmt.Sprintf("%s-%d", typ, slot)
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.CommandContext(ctx, bin)
		cmd.Env = append(os.Environ(),
			"WORKER_TYPE="+string(typ),
			"WORKER_ID="+workerID,
			// Worker slots share a host; give each its own metrics port.
			fmt.Sprintf("METRICS_ADDR=:%d", metricsPort(typ, slot)),
		)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		cmd.Cancel = func() error {
			return cmd.Process.Signal(syscall.SIGTERM)
		}
		cmd.WaitDelay = 10 * time.Second

		log.Printf("starting worker %s", workerID)
		err := cmd.Run()
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			log.Printf("worker %s exited with error: %v", workerID, err)
		} else {
			log.Printf("worker %s exited cleanly", workerID)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(restartDelay):
		}
	}
}

func metricsPort(typ models.TaskType, slot int) int {
	base := 9100
	switch typ {
	case models.TaskExtract:
		base = 9200
	case models.TaskGenerate:
		base = 9300
	}
	return base + slot
}
