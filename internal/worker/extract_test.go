package worker_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/golang/mock/gomock"

	"mailsweep/internal/emails"
	"mailsweep/internal/fetch"
	"mailsweep/internal/jobs"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/worker"
	"mailsweep/mocks"
)

func extractTask(t *testing.T, url string) models.Task {
	t.Helper()
	task, err := models.NewTask("job-1", models.TaskExtract, models.ExtractPayload{
		URL:         url,
		CompanyName: "Big Co",
		Niche:       "dentist",
	})
	if err != nil {
		t.Fatalf("NewTask returned error: %v", err)
	}
	return task
}

func servePage(t *testing.T, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body>"+body+strings.Repeat("<p>padding</p>", 200)+"</body></html>")
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testFetcher() *fetch.Fetcher {
	return fetch.New(fetch.Config{RequestsPerSecond: 10000})
}

// published collects emails written through the mock producer.
type published struct {
	mu      sync.Mutex
	records []models.Email
}

func expectPublished(producer *mocks.MockEmailProducer, sink *published) {
	producer.EXPECT().
		WriteEmail(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e models.Email) error {
			sink.mu.Lock()
			sink.records = append(sink.records, e)
			sink.mu.Unlock()
			return nil
		}).
		AnyTimes()
}

func TestExtractPublishesFoundEmails(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	srv := servePage(t, `
		<p>Reach us at sales at bigco dot com for info</p>
		<p>Our CEO: ceo@bigco.com</p>
		<a href="mailto:Contact@BigCo.com">contact</a>
		<p>demo@example.com is a placeholder</p>`)

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobRunning,
	}, true, nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	sink := &published{}
	expectPublished(producer, sink)

	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	stage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)

	if err := stage.Execute(context.Background(), extractTask(t, srv.URL)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	got := make(map[string]models.Email)
	for _, e := range sink.records {
		got[e.Email] = e
	}
	for _, want := range []string{"sales@bigco.com", "ceo@bigco.com", "contact@bigco.com"} {
		e, ok := got[want]
		if !ok {
			t.Fatalf("expected %s published, got %v", want, got)
		}
		if e.Source != models.SourceExtracted || e.JobID != "job-1" || e.CompanyName != "Big Co" {
			t.Fatalf("unexpected record for %s: %+v", want, e)
		}
	}
	if _, ok := got["demo@example.com"]; ok {
		t.Fatal("expected fake-domain address filtered")
	}
	if got["ceo@bigco.com"].Type != models.EmailTypeExecutive {
		t.Fatalf("expected ceo classified executive, got %s", got["ceo@bigco.com"].Type)
	}

	// Emails were found, so no generate task follows.
	if tasks := q.TasksByJob("job-1"); len(tasks) != 0 {
		t.Fatalf("expected no follow-up tasks, got %v", tasks)
	}
}

func TestExtractEnqueuesGenerateWhenNothingFound(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	srv := servePage(t, "<p>pretty pictures, no contact details</p>")

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobRunning,
	}, true, nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	stage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)

	if err := stage.Execute(context.Background(), extractTask(t, srv.URL)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	tasks := q.TasksByJob("job-1")
	if len(tasks) != 1 || tasks[0].Type != models.TaskGenerate {
		t.Fatalf("expected one generate task, got %v", tasks)
	}
	payload, err := tasks[0].GeneratePayload()
	if err != nil {
		t.Fatalf("GeneratePayload returned error: %v", err)
	}
	if payload.Domain != "127.0.0.1" {
		t.Fatalf("expected the page host as domain, got %q", payload.Domain)
	}
	if payload.CompanyName != "Big Co" || payload.Niche != "dentist" {
		t.Fatalf("expected company and niche carried through, got %+v", payload)
	}
}

func TestExtractRespectsEmailTypeFilter(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	srv := servePage(t, "<p>ceo@bigco.com and info@bigco.com and jane@gmail.com</p>")

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:         "job-1",
		Status:     models.JobRunning,
		EmailTypes: []models.EmailType{models.EmailTypeExecutive},
	}, true, nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	sink := &published{}
	expectPublished(producer, sink)

	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	stage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)

	if err := stage.Execute(context.Background(), extractTask(t, srv.URL)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if len(sink.records) != 1 || sink.records[0].Email != "ceo@bigco.com" {
		t.Fatalf("expected only the executive address, got %v", sink.records)
	}
}

func TestExtractSkipsTerminalJob(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobStopped,
	}, true, nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)

	// No server: a terminal job must return before any fetch happens.
	stage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)
	if err := stage.Execute(context.Background(), extractTask(t, "http://127.0.0.1:1/unreachable")); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}

func TestExtractFailsOnFetchError(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	jobStore := mocks.NewMockJobStore(ctrl)
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(models.Job{
		ID:     "job-1",
		Status: models.JobRunning,
	}, true, nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	stage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)

	err := stage.Execute(context.Background(), extractTask(t, srv.URL))
	if err == nil {
		t.Fatal("expected fetch failure surfaced")
	}
	if !strings.Contains(err.Error(), "403") {
		t.Fatalf("expected the status in the error, got %v", err)
	}
}

func TestExtractBoundedJobTriggersCompletion(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	srv := servePage(t, "<p>info@bigco.com</p>")

	job := models.Job{
		ID:               "job-1",
		Status:           models.JobRunning,
		TargetEmailCount: 5,
		TotalEmails:      5,
	}
	jobStore := mocks.NewMockJobStore(ctrl)
	// Loaded once by the stage and once by the completion policy.
	jobStore.EXPECT().Get(gomock.Any(), "job-1").Return(job, true, nil).Times(2)
	jobStore.EXPECT().SetStatus(gomock.Any(), "job-1", models.JobCompleted, gomock.Any()).Return(nil)

	producer := mocks.NewMockEmailProducer(ctrl)
	sink := &published{}
	expectPublished(producer, sink)

	q := queue.NewMemoryQueue()
	policy := jobs.NewCompletionPolicy(jobStore, q)
	stage := worker.NewExtractStage(testFetcher(), emails.New(), nil, producer, q, jobStore, policy)

	if err := stage.Execute(context.Background(), extractTask(t, srv.URL)); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
}
