package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"mailsweep/internal/bloom"
	"mailsweep/internal/emails"
	"mailsweep/internal/fetch"
	"mailsweep/internal/jobs"
	"mailsweep/internal/kafka"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
)

// ExtractStage fetches one page, pulls and validates its emails, and
// publishes the accepted ones. Pages that yield nothing get a generate
// task for their domain.
type ExtractStage struct {
	fetcher   *fetch.Fetcher
	extractor *emails.Extractor
	// seen is a read-only bloom snapshot loaded at worker start; nil
	// when no snapshot exists. Staleness is fine: the store-writer's
	// uniqueness constraint is the second line of defense.
	seen     *bloom.Filter
	producer kafka.EmailProducer
	queue    queue.TaskQueue
	jobs     jobs.Store
	policy   *jobs.CompletionPolicy
}

// NewExtractStage wires the stage; seen may be nil.
func NewExtractStage(
	fetcher *fetch.Fetcher,
	extractor *emails.Extractor,
	seen *bloom.Filter,
	producer kafka.EmailProducer,
	q queue.TaskQueue,
	jobStore jobs.Store,
	policy *jobs.CompletionPolicy,
) *ExtractStage {
	return &ExtractStage{
		fetcher:   fetcher,
		extractor: extractor,
		seen:      seen,
		producer:  producer,
		queue:     q,
		jobs:      jobStore,
		policy:    policy,
	}
}

// Type implements Stage.
func (s *ExtractStage) Type() models.TaskType { return models.TaskExtract }

// Execute fetches the payload URL and processes its content. Fetch and
// page-filter failures fail the task with the reason retained; rejected
// email candidates are filtered silently.
func (s *ExtractStage) Execute(ctx context.Context, task models.Task) error {
	payload, err := task.ExtractPayload()
	if err != nil {
		return err
	}

	job, ok, err := s.jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok || job.Status.Terminal() {
		// Job deleted or finished while this task sat in the queue.
		return nil
	}

	res := s.fetcher.Fetch(ctx, payload.URL)
	if !res.Success {
		if res.Err != nil {
			return res.Err
		}
		return fmt.Errorf("fetch %s: status %d", payload.URL, res.StatusCode)
	}

	text, mailtos := emails.PageText(res.Body)
	found := s.extractor.Extract(emails.Deobfuscate(text))
	for _, addr := range mailtos {
		if emails.IsValid(addr) && !s.extractor.IsFakeDomain(emails.Domain(addr)) && !contains(found, addr) {
			found = append(found, addr)
		}
	}

	accepted := 0
	for _, addr := range found {
		fingerprint, ok := s.extractor.Fingerprint(addr)
		if !ok {
			continue
		}
		if s.seen != nil && s.seen.Contains(fingerprint) {
			continue
		}
		emailType := emails.Classify(addr)
		if !job.WantsType(emailType) {
			continue
		}
		record := models.Email{
			JobID:       task.JobID,
			Email:       addr,
			Domain:      emails.Domain(addr),
			Type:        emailType,
			Source:      models.SourceExtracted,
			CompanyName: payload.CompanyName,
			CreatedAt:   time.Now().UTC(),
		}
		if err := s.producer.WriteEmail(ctx, record); err != nil {
			return fmt.Errorf("publish email: %w", err)
		}
		accepted++
	}
	log.Printf("extract job=%s url=%s found=%d accepted=%d", task.JobID, payload.URL, len(found), accepted)

	if len(found) == 0 {
		if domain := emails.RegistrableDomain(payload.URL); domain != "" {
			generate, err := models.NewTask(task.JobID, models.TaskGenerate, models.GeneratePayload{
				Domain:      domain,
				CompanyName: payload.CompanyName,
				Niche:       payload.Niche,
			})
			if err != nil {
				return err
			}
			if err := s.queue.Enqueue(ctx, generate); err != nil {
				return err
			}
		}
	}

	// Bounded jobs get an early completion check so hitting the target
	// mid-extract cancels the remaining queue promptly.
	if job.Bounded() {
		if _, err := s.policy.Evaluate(ctx, task.JobID); err != nil {
			log.Printf("completion check for job %s: %v", task.JobID, err)
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
