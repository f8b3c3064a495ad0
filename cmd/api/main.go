package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/xuri/excelize/v2"

	"mailsweep/common"
	"mailsweep/internal/jobs"
	"mailsweep/internal/models"
	"mailsweep/internal/queue"
	"mailsweep/internal/registry"
	"mailsweep/internal/store"
)

type server struct {
	jobs     jobs.Store
	queue    queue.TaskQueue
	emails   *store.EmailStore
	registry *registry.RedisRegistry

	jobsCreated   atomic.Int64
	jobsStopped   atomic.Int64
	jobsDeleted   atomic.Int64
	exportsServed atomic.Int64
}

func newServer(jobStore jobs.Store, q queue.TaskQueue, emails *store.EmailStore, reg *registry.RedisRegistry) *server {
	return &server{
		jobs:     jobStore,
		queue:    q,
		emails:   emails,
		registry: reg,
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file loaded: %v", err)
	}

	redisAddr := common.GetEnv("REDIS_ADDR", "localhost:6379")
	dbPath := common.GetEnv("DB_PATH", "mailsweep.db")
	addr := common.GetEnv("LISTEN_ADDR", ":8080")

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

	srv := newServer(
		jobs.NewRedisStore(client, ""),
		queue.NewRedisQueue(client, ""),
		emailStore,
		registry.NewRedisRegistry(client, "", 0),
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/jobs", srv.handleJobs)
	mux.HandleFunc("/jobs/", srv.handleJob)
	mux.HandleFunc("/workers", srv.handleWorkers)
	mux.HandleFunc("/metrics", srv.handleMetrics)

	log.Printf("api listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatal(err)
	}
}

// createJobRequest is the POST /jobs body.
type createJobRequest struct {
	Name             string             `json:"name"`
	Niche            []string           `json:"niche"`
	Country          string             `json:"country"`
	EmailTypes       []models.EmailType `json:"email_types,omitempty"`
	SpeedMode        models.SpeedMode   `json:"speed_mode,omitempty"`
	TargetEmailCount int                `json:"target_email_count,omitempty"`
	TimeLimitMinutes int                `json:"time_limit_minutes,omitempty"`
}

// handleJobs creates a job or lists all jobs.
//
// Methods: POST, GET
// Path:    /jobs
// Example:
//
//	curl -X POST http://localhost:8080/jobs -d '{"name":"dentists","niche":["dentist"],"country":"us","target_email_count":100}'
//	curl http://localhost:8080/jobs
func (s *server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createJob(w, r)
	case http.MethodGet:
		s.listJobs(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if len(req.Niche) == 0 {
		http.Error(w, "missing niche", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Country) == "" {
		http.Error(w, "missing country", http.StatusBadRequest)
		return
	}
	if req.TargetEmailCount < 0 || req.TimeLimitMinutes < 0 {
		http.Error(w, "limits must be non-negative", http.StatusBadRequest)
		return
	}
	for _, t := range req.EmailTypes {
		switch t {
		case models.EmailTypeDomain, models.EmailTypeExecutive, models.EmailTypePersonal:
		default:
			http.Error(w, fmt.Sprintf("unknown email type %q", t), http.StatusBadRequest)
			return
		}
	}
	if req.SpeedMode == "" {
		req.SpeedMode = models.SpeedNormal
	}

	now := time.Now().UTC()
	job := models.Job{
		ID:               uuid.New().String(),
		Name:             req.Name,
		Niche:            req.Niche,
		Country:          strings.ToLower(strings.TrimSpace(req.Country)),
		EmailTypes:       req.EmailTypes,
		SpeedMode:        req.SpeedMode,
		Status:           models.JobRunning,
		CreatedAt:        now,
		TargetEmailCount: req.TargetEmailCount,
		TimeLimitMinutes: req.TimeLimitMinutes,
	}
	if req.TimeLimitMinutes > 0 {
		job.Deadline = now.Add(time.Duration(req.TimeLimitMinutes) * time.Minute)
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.jobs.Create(ctx, job); err != nil {
		log.Printf("failed to create job: %v", err)
		http.Error(w, "failed to create job", http.StatusBadGateway)
		return
	}

	// One discover task per niche keyword, queried against the
	// human-readable country name.
	country := countryName(job.Country)
	for _, keyword := range job.Niche {
		query := fmt.Sprintf("%s in %s", keyword, country)
		task, err := models.NewTask(job.ID, models.TaskDiscover, models.DiscoverPayload{
			Query:   query,
			Country: job.Country,
			Niche:   keyword,
		})
		if err != nil {
			log.Printf("failed to build discover task: %v", err)
			http.Error(w, "failed to enqueue job", http.StatusInternalServerError)
			return
		}
		if err := s.queue.Enqueue(ctx, task); err != nil {
			log.Printf("failed to enqueue discover task: %v", err)
			http.Error(w, "failed to enqueue job", http.StatusBadGateway)
			return
		}
	}

	s.jobsCreated.Add(1)
	writeJSON(w, job, http.StatusAccepted)
}

func (s *server) listJobs(w http.ResponseWriter, r *http.Request) {
	all, err := s.jobs.List(r.Context())
	if err != nil {
		log.Printf("failed to list jobs: %v", err)
		http.Error(w, "failed to list jobs", http.StatusBadGateway)
		return
	}
	if all == nil {
		all = []models.Job{}
	}
	writeJSON(w, all, http.StatusOK)
}

// handleJob routes /jobs/{id}, /jobs/{id}/stop and /jobs/{id}/export.
//
// Examples:
//
//	curl http://localhost:8080/jobs/5f0c
//	curl -X POST http://localhost:8080/jobs/5f0c/stop
//	curl -X DELETE http://localhost:8080/jobs/5f0c
//	curl "http://localhost:8080/jobs/5f0c/export?format=csv&type=executive"
func (s *server) handleJob(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	switch action {
	case "":
		switch r.Method {
		case http.MethodGet:
			s.getJob(w, r, id)
		case http.MethodDelete:
			s.deleteJob(w, r, id)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	case "stop":
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.stopJob(w, r, id)
	case "export":
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.exportJob(w, r, id)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// jobDetail is the GET /jobs/{id} response: the job plus live task
// tallies from the queue.
type jobDetail struct {
	models.Job
	TaskCounts map[models.TaskStatus]int `json:"task_counts"`
}

func (s *server) getJob(w http.ResponseWriter, r *http.Request, id string) {
	job, ok, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		log.Printf("failed to load job %s: %v", id, err)
		http.Error(w, "failed to load job", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	counts, err := s.queue.Counts(r.Context(), id)
	if err != nil {
		log.Printf("failed to count tasks for job %s: %v", id, err)
		http.Error(w, "failed to count tasks", http.StatusBadGateway)
		return
	}

	writeJSON(w, jobDetail{Job: job, TaskCounts: counts}, http.StatusOK)
}

func (s *server) stopJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	job, ok, err := s.jobs.Get(ctx, id)
	if err != nil {
		log.Printf("failed to load job %s: %v", id, err)
		http.Error(w, "failed to load job", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if job.Status.Terminal() {
		writeJSON(w, job, http.StatusOK)
		return
	}

	now := time.Now().UTC()
	if err := s.jobs.SetStatus(ctx, id, models.JobStopped, now); err != nil {
		log.Printf("failed to stop job %s: %v", id, err)
		http.Error(w, "failed to stop job", http.StatusBadGateway)
		return
	}
	cancelled, err := s.queue.CancelPending(ctx, id)
	if err != nil {
		// The job is already terminal; stages skip its tasks anyway.
		log.Printf("failed to cancel pending tasks for job %s: %v", id, err)
	} else {
		log.Printf("stopped job %s, cancelled %d pending tasks", id, cancelled)
	}

	job.Status = models.JobStopped
	job.CompletedAt = now
	s.jobsStopped.Add(1)
	writeJSON(w, job, http.StatusOK)
}

func (s *server) deleteJob(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()

	_, ok, err := s.jobs.Get(ctx, id)
	if err != nil {
		log.Printf("failed to load job %s: %v", id, err)
		http.Error(w, "failed to load job", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if err := s.queue.DeleteJobTasks(ctx, id); err != nil {
		log.Printf("failed to delete tasks for job %s: %v", id, err)
		http.Error(w, "failed to delete job tasks", http.StatusBadGateway)
		return
	}
	if err := s.emails.DeleteByJob(ctx, id); err != nil {
		log.Printf("failed to delete emails for job %s: %v", id, err)
		http.Error(w, "failed to delete job emails", http.StatusBadGateway)
		return
	}
	if err := s.jobs.Delete(ctx, id); err != nil {
		log.Printf("failed to delete job %s: %v", id, err)
		http.Error(w, "failed to delete job", http.StatusBadGateway)
		return
	}

	s.jobsDeleted.Add(1)
	w.WriteHeader(http.StatusNoContent)
}

var exportHeader = []string{"email", "domain", "type", "source", "company_name", "created_at"}

func (s *server) exportJob(w http.ResponseWriter, r *http.Request, id string) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "csv"
	}
	filter := store.ListFilter{
		Type:   models.EmailType(r.URL.Query().Get("type")),
		Domain: strings.ToLower(r.URL.Query().Get("domain")),
	}

	_, ok, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		log.Printf("failed to load job %s: %v", id, err)
		http.Error(w, "failed to load job", http.StatusBadGateway)
		return
	}
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	rows, err := s.emails.ListByJob(r.Context(), id, filter)
	if err != nil {
		log.Printf("failed to list emails for job %s: %v", id, err)
		http.Error(w, "failed to list emails", http.StatusBadGateway)
		return
	}

	switch format {
	case "csv":
		err = exportCSV(w, id, rows)
	case "json":
		if rows == nil {
			rows = []models.Email{}
		}
		writeJSON(w, rows, http.StatusOK)
	case "xlsx":
		err = exportXLSX(w, id, rows)
	default:
		http.Error(w, fmt.Sprintf("unknown format %q", format), http.StatusBadRequest)
		return
	}
	if err != nil {
		log.Printf("failed to export job %s as %s: %v", id, format, err)
		return
	}
	s.exportsServed.Add(1)
}

func exportCSV(w http.ResponseWriter, jobID string, rows []models.Email) error {
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".csv"))
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, e := range rows {
		record := []string{
			e.Email,
			e.Domain,
			string(e.Type),
			string(e.Source),
			e.CompanyName,
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func exportXLSX(w http.ResponseWriter, jobID string, rows []models.Email) error {
	f := excelize.NewFile()
	defer func() {
		if err := f.Close(); err != nil {
			log.Printf("failed to close xlsx file: %v", err)
		}
	}()

	const sheet = "Emails"
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return err
	}
	for col, name := range exportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, cell, name); err != nil {
			return err
		}
	}
	for i, e := range rows {
		values := []any{
			e.Email,
			e.Domain,
			string(e.Type),
			string(e.Source),
			e.CompanyName,
			e.CreatedAt.UTC().Format(time.RFC3339),
		}
		for col, v := range values {
			cell, err := excelize.CoordinatesToCellName(col+1, i+2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, v); err != nil {
				return err
			}
		}
	}

	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", jobID+".xlsx"))
	return f.Write(w)
}

// handleWorkers lists live worker heartbeats.
//
// Method: GET
// Path:   /workers
// Example:
//
//	curl http://localhost:8080/workers
func (s *server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	workers, err := s.registry.List(r.Context())
	if err != nil {
		log.Printf("failed to list workers: %v", err)
		http.Error(w, "failed to list workers", http.StatusBadGateway)
		return
	}
	if workers == nil {
		workers = []models.WorkerStatus{}
	}
	writeJSON(w, workers, http.StatusOK)
}

// handleMetrics exposes a minimal Prometheus-compatible endpoint.
//
// Method: GET
// Path:   /metrics
// Example:
//
//	curl http://localhost:8080/metrics
func (s *server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var b strings.Builder
	b.WriteString("mailsweep_api_up 1\n")
	b.WriteString("mailsweep_api_jobs_created_total " + strconv.FormatInt(s.jobsCreated.Load(), 10) + "\n")
	b.WriteString("mailsweep_api_jobs_stopped_total " + strconv.FormatInt(s.jobsStopped.Load(), 10) + "\n")
	b.WriteString("mailsweep_api_jobs_deleted_total " + strconv.FormatInt(s.jobsDeleted.Load(), 10) + "\n")
	b.WriteString("mailsweep_api_exports_served_total " + strconv.FormatInt(s.exportsServed.Load(), 10) + "\n")

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}

func writeJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

// countryNames covers the codes the search provider localizes for;
// unknown codes fall back to the raw value in the query text.
var countryNames = map[string]string{
	"us": "United States",
	"gb": "United Kingdom",
	"uk": "United Kingdom",
	"ca": "Canada",
	"au": "Australia",
	"de": "Germany",
	"fr": "France",
	"es": "Spain",
	"it": "Italy",
	"nl": "Netherlands",
	"se": "Sweden",
	"no": "Norway",
	"dk": "Denmark",
	"in": "India",
	"sg": "Singapore",
	"ae": "United Arab Emirates",
	"br": "Brazil",
	"mx": "Mexico",
	"jp": "Japan",
	"nz": "New Zealand",
}

func countryName(code string) string {
	if name, ok := countryNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}
