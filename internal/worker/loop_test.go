package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/worker"
)

// stubStage executes tasks with a pluggable function.
type stubStage struct {
	typ models.TaskType
	fn  func(ctx context.Context, task models.Task) error
}

func (s *stubStage) Type() models.TaskType { return s.typ }

func (s *stubStage) Execute(ctx context.Context, task models.Task) error {
	if s.fn == nil {
		return nil
	}
	return s.fn(ctx, task)
}

// memHeartbeats collects worker status reports.
type memHeartbeats struct {
	mu      sync.Mutex
	reports []models.WorkerStatus
}

func (h *memHeartbeats) SetStatus(_ context.Context, status models.WorkerStatus) error {
	h.mu.Lock()
	h.reports = append(h.reports, status)
	h.mu.Unlock()
	return nil
}

func (h *memHeartbeats) states() []models.WorkerState {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]models.WorkerState, len(h.reports))
	for i, r := range h.reports {
		out[i] = r.Status
	}
	return out
}

func enqueueN(t *testing.T, q *queue.MemoryQueue, jobID string, typ models.TaskType, n int) []models.Task {
	t.Helper()
	tasks := make([]models.Task, n)
	for i := range tasks {
		task, err := models.NewTask(jobID, typ, models.ExtractPayload{URL: "https://bigco.com"})
		if err != nil {
			t.Fatalf("NewTask returned error: %v", err)
		}
		if err := q.Enqueue(context.Background(), task); err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
		tasks[i] = task
	}
	return tasks
}

func TestLoopStopsAtMaxTasks(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueueN(t, q, "job-1", models.TaskExtract, 5)

	loop := worker.NewLoop(q, nil, &stubStage{typ: models.TaskExtract}, worker.Config{
		WorkerID:  "w1",
		MaxTasks:  3,
		IdleSleep: time.Millisecond,
	})
	processed, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if processed != 3 {
		t.Fatalf("expected 3 tasks processed, got %d", processed)
	}

	counts, err := q.Counts(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts[models.TaskCompleted] != 3 || counts[models.TaskPending] != 2 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestLoopExitsAfterIdlePolls(t *testing.T) {
	q := queue.NewMemoryQueue()
	loop := worker.NewLoop(q, nil, &stubStage{typ: models.TaskExtract}, worker.Config{
		WorkerID:     "w1",
		IdleSleep:    time.Millisecond,
		MaxIdlePolls: 2,
	})

	done := make(chan struct{})
	var processed int
	var err error
	go func() {
		processed, err = loop.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not exit on an empty queue")
	}
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected 0 tasks processed, got %d", processed)
	}
}

func TestLoopMarksFailedTaskWithError(t *testing.T) {
	q := queue.NewMemoryQueue()
	tasks := enqueueN(t, q, "job-1", models.TaskExtract, 1)

	stage := &stubStage{typ: models.TaskExtract, fn: func(context.Context, models.Task) error {
		return errors.New("page refused connection")
	}}
	loop := worker.NewLoop(q, nil, stage, worker.Config{WorkerID: "w1", MaxTasks: 1})
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	got, ok := q.Task(tasks[0].ID)
	if !ok {
		t.Fatal("task disappeared")
	}
	if got.Status != models.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if got.ErrorMessage != "page refused connection" {
		t.Fatalf("expected error retained, got %q", got.ErrorMessage)
	}
}

func TestLoopConvertsPanicToFailure(t *testing.T) {
	q := queue.NewMemoryQueue()
	tasks := enqueueN(t, q, "job-1", models.TaskExtract, 1)

	stage := &stubStage{typ: models.TaskExtract, fn: func(context.Context, models.Task) error {
		panic("nil dereference in page parsing")
	}}
	loop := worker.NewLoop(q, nil, stage, worker.Config{WorkerID: "w1", MaxTasks: 1})
	processed, err := loop.Run(context.Background())
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("expected the loop to survive the panic, processed %d", processed)
	}

	got, _ := q.Task(tasks[0].ID)
	if got.Status != models.TaskFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
}

func TestLoopReportsHeartbeats(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueueN(t, q, "job-1", models.TaskExtract, 1)

	hb := &memHeartbeats{}
	loop := worker.NewLoop(q, hb, &stubStage{typ: models.TaskExtract}, worker.Config{
		WorkerID:     "w1",
		IdleSleep:    time.Millisecond,
		MaxIdlePolls: 1,
	})
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	states := hb.states()
	if len(states) == 0 {
		t.Fatal("expected heartbeat reports")
	}
	var sawActive bool
	for _, s := range states {
		if s == models.WorkerActive {
			sawActive = true
		}
	}
	if !sawActive {
		t.Fatalf("expected an active heartbeat, got %v", states)
	}
	if states[len(states)-1] != models.WorkerStopped {
		t.Fatalf("expected a final stopped heartbeat, got %v", states)
	}
}

func TestLoopObserverSeesOutcomes(t *testing.T) {
	q := queue.NewMemoryQueue()
	enqueueN(t, q, "job-1", models.TaskExtract, 2)

	calls := 0
	fail := true
	stage := &stubStage{typ: models.TaskExtract, fn: func(context.Context, models.Task) error {
		if fail {
			fail = false
			return errors.New("first one fails")
		}
		return nil
	}}
	var outcomes []bool
	loop := worker.NewLoop(q, nil, stage, worker.Config{
		WorkerID: "w1",
		MaxTasks: 2,
		Observer: func(typ models.TaskType, ok bool, took time.Duration) {
			calls++
			outcomes = append(outcomes, ok)
			if typ != models.TaskExtract {
				t.Errorf("observer saw type %s", typ)
			}
		},
	})
	if _, err := loop.Run(context.Background()); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 observer calls, got %d", calls)
	}
	if outcomes[0] || !outcomes[1] {
		t.Fatalf("expected [false true], got %v", outcomes)
	}
}

func TestLoopStopsOnContextCancel(t *testing.T) {
	q := queue.NewMemoryQueue()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := worker.NewLoop(q, nil, &stubStage{typ: models.TaskExtract}, worker.Config{WorkerID: "w1"})
	processed, err := loop.Run(ctx)
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if processed != 0 {
		t.Fatalf("expected no work under a cancelled context, got %d", processed)
	}
}
