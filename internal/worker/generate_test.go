package worker_test

import (
	"context"
	"testing"

	"github.com/golang/mock/gomock"

	"mailsweep/internal/emails"
	"mailsweep/internal/jobs"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/worker"
	"mailsweep/mocks"
)

func generateTask(t *testing.T, domain string) models.Task {
	t.Helper()
	task, err := models.NewTask("job-1", models.TaskGenerate, models.GeneratePayload{
		Domain:      domain,
		CompanyName: "Big Co",
		Niche:       "dentist",
	})
	if err != nil {
		t.Fatalf("NewTask returned error: %v", err)
	}
	return task
}

func TestGeneratePublishesCandidates(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	jobStore := mocks.NewMockJobStore(ctrl)
	// Once for the stage, once for the completion policy.
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobRunning,
	}, true, nil).Times(2)

	producer := mocks.NewMockEmailProducer(ctrl)
	sink := &published{}
	expectPublished(producer, sink)

	policy := jobs.NewCompletionPolicy(jobStore, queue.NewMemoryQueue())
	stage := worker.NewGenerateStage(emails.New(), producer, jobStore, policy)

	if err := stage.Execute(context.Background(), generateTask(t, "bigco.com")); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	got := make(map[string]models.Email)
	for _, e := range sink.records {
		got[e.Email] = e
	}
	for _, want := range []string{"info@bigco.com", "contact@bigco.com", "sales@bigco.com", "big-co@bigco.com", "info@big-co.bigco.com"} {
		e, ok := got[want]
		if !ok {
			t.Fatalf("expected %s published, got %v", want, got)
		}
		if e.Source != models.SourceGenerated || e.Type != models.EmailTypeDomain {
			t.Fatalf("unexpected record for %s: %+v", want, e)
		}
	}
}

func TestGenerateSkipsFakeDomain(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobRunning,
	}, true, nil).Times(2)

	producer := mocks.NewMockEmailProducer(ctrl)
	policy := jobs.NewCompletionPolicy(jobStore, queue.NewMemoryQueue())
	stage := worker.NewGenerateStage(emails.New(), producer, jobStore, policy)

	// No WriteEmail expectations: publishing would fail the test.
	if err := stage.Execute(context.Background(), generateTask(t, "example.com")); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}

func TestGenerateSkipsWhenJobRejectsDomainType(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:         "job-1",
		Status:     models.JobRunning,
		EmailTypes: []models.EmailType{models.EmailTypeExecutive},
	}, true, nil).Times(2)

	producer := mocks.NewMockEmailProducer(ctrl)
	policy := jobs.NewCompletionPolicy(jobStore, queue.NewMemoryQueue())
	stage := worker.NewGenerateStage(emails.New(), producer, jobStore, policy)

	if err := stage.Execute(context.Background(), generateTask(t, "bigco.com")); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}

func TestGenerateSkipsTerminalJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobCompleted,
	}, true, nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	policy := jobs.NewCompletionPolicy(jobStore, queue.NewMemoryQueue())
	stage := worker.NewGenerateStage(emails.New(), producer, jobStore, policy)

	if err := stage.Execute(context.Background(), generateTask(t, "bigco.com")); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}
