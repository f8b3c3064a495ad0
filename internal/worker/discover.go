package worker

import (
	"context"
	"fmt"
	"log"
	"net/url"

	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/search"
)

// DiscoverStage turns a search query into extract tasks, one per result
// URL across the configured result types.
type DiscoverStage struct {
	provider    search.Provider
	queue       queue.TaskQueue
	resultTypes []search.ResultType
}

// NewDiscoverStage wires the stage; passing no result types defaults to
// web, news, and places.
func NewDiscoverStage(provider search.Provider, q queue.TaskQueue, resultTypes ...search.ResultType) *DiscoverStage {
	if len(resultTypes) == 0 {
		resultTypes = []search.ResultType{search.ResultWeb, search.ResultNews, search.ResultPlaces}
	}
	return &DiscoverStage{provider: provider, queue: q, resultTypes: resultTypes}
}

// Type implements Stage.
func (s *DiscoverStage) Type() models.TaskType { return models.TaskDiscover }

// Execute runs the query once per result type and enqueues one extract
// task per valid, previously unseen URL. A provider error fails the task
// and raises an operator alert, since it likely affects every following
// discover task too.
func (s *DiscoverStage) Execute(ctx context.Context, task models.Task) error {
	payload, err := task.DiscoverPayload()
	if err != nil {
		return err
	}

	enqueued := 0
	seen := make(map[string]struct{})
	for _, rt := range s.resultTypes {
		results, err := s.provider.Search(ctx, payload.Query, search.Options{
			Country:    payload.Country,
			ResultType: rt,
		})
		if err != nil {
			log.Printf("ALERT: search provider failure for query %q (%s): %v, check API credentials and quota", payload.Query, rt, err)
			return fmt.Errorf("search provider (%s): %w", rt, err)
		}
		for _, r := range results {
			if !validPageURL(r.URL) {
				continue
			}
			if _, dup := seen[r.URL]; dup {
				continue
			}
			seen[r.URL] = struct{}{}
			extract, err := models.NewTask(task.JobID, models.TaskExtract, models.ExtractPayload{
				URL:         r.URL,
				CompanyName: r.Title,
				Niche:       payload.Niche,
			})
			if err != nil {
				return err
			}
			if err := s.queue.Enqueue(ctx, extract); err != nil {
				return err
			}
			enqueued++
		}
	}

	if enqueued == 0 {
		// Zero results is not a hard failure, but operators need to see
		// it: it usually means bad API credentials or a too-narrow query.
		log.Printf("ALERT: query %q returned no URLs across %d result types", payload.Query, len(s.resultTypes))
	} else {
		log.Printf("discover job=%s query=%q enqueued=%d extract tasks", task.JobID, payload.Query, enqueued)
	}
	return nil
}

// validPageURL accepts syntactically valid absolute http(s) URLs only;
// liveness is the extract stage's problem.
func validPageURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
