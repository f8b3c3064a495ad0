package worker_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang/mock/gomock"

	"mailsweep/internal/emails"
	"mailsweep/internal/jobs"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/search"
	"mailsweep/internal/worker"
	"mailsweep/mocks"
)

// memJobStore is a mutex-guarded job store for wiring whole pipelines
// in one process.
type memJobStore struct {
	mu   sync.Mutex
	jobs map[string]models.Job
}

func newMemJobStore() *memJobStore {
	return &memJobStore{jobs: make(map[string]models.Job)}
}

func (s *memJobStore) Create(_ context.Context, job models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *memJobStore) Get(_ context.Context, id string) (models.Job, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *memJobStore) List(_ context.Context) ([]models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	return out, nil
}

func (s *memJobStore) SetStatus(_ context.Context, id string, status models.JobStatus, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("job %s not found", id)
	}
	job.Status = status
	if !completedAt.IsZero() {
		job.CompletedAt = completedAt
	}
	s.jobs[id] = job
	return nil
}

func (s *memJobStore) IncrementTotalEmails(_ context.Context, id string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return 0, fmt.Errorf("job %s not found", id)
	}
	job.TotalEmails += delta
	s.jobs[id] = job
	return job.TotalEmails, nil
}

func (s *memJobStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

// countingProducer stands in for the Kafka hop and the store-writer,
// counting each published email into the job store immediately.
type countingProducer struct {
	mu      sync.Mutex
	jobs    *memJobStore
	records []models.Email
}

func (p *countingProducer) WriteEmail(ctx context.Context, e models.Email) error {
	p.mu.Lock()
	p.records = append(p.records, e)
	p.mu.Unlock()
	_, err := p.jobs.IncrementTotalEmails(ctx, e.JobID, 1)
	return err
}

func (p *countingProducer) published() []models.Email {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Email(nil), p.records...)
}

// The full bounded-job run: one discover task fans out into three
// extract tasks, the first two pages supply five emails between them,
// and hitting the target completes the job and cancels the third page
// before it is ever fetched.
func TestPipelineCompletesBoundedJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	ctx := context.Background()

	srvA := servePage(t, "<p>sales@clinic-a.com info@clinic-a.com ceo@clinic-a.com</p>")
	srvB := servePage(t, "<p>hello@clinic-b.com team@clinic-b.com</p>")
	srvC := servePage(t, "<p>never@clinic-c.com</p>")

	jobStore := newMemJobStore()
	if err := jobStore.Create(ctx, models.Job{
		ID:               "job-1",
		Niche:            []string{"dentist"},
		Country:          "us",
		Status:           models.JobRunning,
		TargetEmailCount: 5,
	}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	producer := &countingProducer{jobs: jobStore}

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().
		Search(gomock.Any(), "dentist in United States", search.Options{Country: "us", ResultType: search.ResultWeb}).
		Return([]search.Result{
			{URL: srvA.URL, Title: "Clinic A"},
			{URL: srvB.URL, Title: "Clinic B"},
			{URL: srvC.URL, Title: "Clinic C"},
		}, nil)

	if err := q.Enqueue(ctx, discoverTask(t)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	discoverLoop := worker.NewLoop(q, nil, worker.NewDiscoverStage(provider, q, search.ResultWeb), worker.Config{
		WorkerID:     "discover-1",
		MaxTasks:     1,
		IdleSleep:    time.Millisecond,
		MaxIdlePolls: 1,
	})
	if n, err := discoverLoop.Run(ctx); err != nil || n != 1 {
		t.Fatalf("discover loop processed %d tasks, err %v", n, err)
	}

	extractStage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)
	extractLoop := worker.NewLoop(q, nil, extractStage, worker.Config{
		WorkerID:     "extract-1",
		IdleSleep:    time.Millisecond,
		MaxIdlePolls: 1,
	})
	n, err := extractLoop.Run(ctx)
	if err != nil {
		t.Fatalf("extract loop returned error: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected the third page skipped, processed %d tasks", n)
	}

	job, ok, err := jobStore.Get(ctx, "job-1")
	if err != nil || !ok {
		t.Fatalf("Get returned ok=%v err=%v", ok, err)
	}
	if job.Status != models.JobCompleted {
		t.Fatalf("expected job completed, got %s", job.Status)
	}
	if job.TotalEmails != 5 {
		t.Fatalf("expected 5 emails counted, got %d", job.TotalEmails)
	}
	if job.CompletedAt.IsZero() {
		t.Fatal("expected completion timestamp set")
	}

	counts, err := q.Counts(ctx, "job-1")
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts[models.TaskCompleted] != 3 {
		t.Fatalf("expected discover plus two extract tasks completed, got %v", counts)
	}
	if counts[models.TaskCancelled] != 1 || counts[models.TaskPending] != 0 {
		t.Fatalf("expected the last extract task cancelled, got %v", counts)
	}

	records := producer.published()
	if len(records) != 5 {
		t.Fatalf("expected 5 emails published, got %v", records)
	}
	for _, e := range records {
		if e.Source != models.SourceExtracted || e.JobID != "job-1" {
			t.Fatalf("unexpected record: %+v", e)
		}
		if strings.HasSuffix(e.Email, "@clinic-c.com") {
			t.Fatalf("expected nothing from the cancelled page, got %s", e.Email)
		}
	}
}

// A page with no addresses chains into a generate task; the generate
// loop evaluates the candidates and the unbounded job keeps running.
func TestPipelineChainsGenerateForEmptyPages(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)
	ctx := context.Background()

	srv := servePage(t, "<p>opening hours and a map, nothing else</p>")

	jobStore := newMemJobStore()
	if err := jobStore.Create(ctx, models.Job{
		ID:      "job-1",
		Niche:   []string{"dentist"},
		Country: "us",
		Status:  models.JobRunning,
	}); err != nil {
		t.Fatalf("Create returned error: %v", err)
	}

	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	producer := &countingProducer{jobs: jobStore}

	provider := mocks.NewMockProvider(ctrl)
	provider.EXPECT().
		Search(gomock.Any(), "dentist in United States", search.Options{Country: "us", ResultType: search.ResultWeb}).
		Return([]search.Result{{URL: srv.URL, Title: "Clinic A"}}, nil)

	if err := q.Enqueue(ctx, discoverTask(t)); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	for _, stage := range []worker.Stage{
		worker.NewDiscoverStage(provider, q, search.ResultWeb),
		worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy),
		worker.NewGenerateStage(emails.New(), producer, jobStore, policy),
	} {
		loop := worker.NewLoop(q, nil, stage, worker.Config{
			WorkerID:     string(stage.Type()) + "-1",
			IdleSleep:    time.Millisecond,
			MaxIdlePolls: 1,
		})
		if n, err := loop.Run(ctx); err != nil || n != 1 {
			t.Fatalf("%s loop processed %d tasks, err %v", stage.Type(), n, err)
		}
	}

	counts, err := q.Counts(ctx, "job-1")
	if err != nil {
		t.Fatalf("Counts returned error: %v", err)
	}
	if counts[models.TaskCompleted] != 3 || counts[models.TaskPending] != 0 {
		t.Fatalf("expected all three stages completed, got %v", counts)
	}

	// The page host is a bare IP, so every synthesized candidate fails
	// format validation and nothing is published.
	if records := producer.published(); len(records) != 0 {
		t.Fatalf("expected no publishable candidates, got %v", records)
	}
	job, _, err := jobStore.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get returned error: %v", err)
	}
	if job.Status != models.JobRunning {
		t.Fatalf("expected unbounded job still running, got %s", job.Status)
	}
}
