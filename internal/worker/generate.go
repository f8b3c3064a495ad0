package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"mailsweep/internal/emails"
	"mailsweep/internal/jobs"
	"mailsweep/internal/kafka"
	"mailsweep/internal/models"
)

// GenerateStage synthesizes pattern-based addresses for a domain that
// yielded no natural emails, then runs the completion policy. It is the
// last stage per discovered domain, which makes it the natural place to
// detect a finished job.
type GenerateStage struct {
	extractor *emails.Extractor
	producer  kafka.EmailProducer
	jobs      jobs.Store
	policy    *jobs.CompletionPolicy
}

// NewGenerateStage wires the stage.
func NewGenerateStage(extractor *emails.Extractor, producer kafka.EmailProducer, jobStore jobs.Store, policy *jobs.CompletionPolicy) *GenerateStage {
	return &GenerateStage{extractor: extractor, producer: producer, jobs: jobStore, policy: policy}
}

// Type implements Stage.
func (s *GenerateStage) Type() models.TaskType { return models.TaskGenerate }

// Execute publishes every candidate that passes format validation; all
// generated addresses are type=domain, so jobs filtering that type out
// skip straight to the completion check.
func (s *GenerateStage) Execute(ctx context.Context, task models.Task) error {
	payload, err := task.GeneratePayload()
	if err != nil {
		return err
	}

	job, ok, err := s.jobs.Get(ctx, task.JobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if !ok || job.Status.Terminal() {
		return nil
	}

	published := 0
	if job.WantsType(models.EmailTypeDomain) && !s.extractor.IsFakeDomain(payload.Domain) {
		for _, candidate := range emails.Candidates(payload.Domain, payload.CompanyName) {
			if !emails.IsValid(candidate) {
				continue
			}
			record := models.Email{
				JobID:       task.JobID,
				Email:       candidate,
				Domain:      emails.Domain(candidate),
				Type:        models.EmailTypeDomain,
				Source:      models.SourceGenerated,
				CompanyName: payload.CompanyName,
				CreatedAt:   time.Now().UTC(),
			}
			if err := s.producer.WriteEmail(ctx, record); err != nil {
				return fmt.Errorf("publish email: %w", err)
			}
			published++
		}
	}
	log.Printf("generate job=%s domain=%s published=%d candidates", task.JobID, payload.Domain, published)

	if _, err := s.policy.Evaluate(ctx, task.JobID); err != nil {
		log.Printf("completion check for job %s: %v", task.JobID, err)
	}
	return nil
}
