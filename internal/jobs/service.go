package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/dataforseo"
	"github.com/rankforge/keytrack/internal/db"
)

// Service runs queued jobs on a bounded worker pool.
type Service struct {
	runner    *Runner
	queue     chan uint
	workers   int
	timeout   time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	isRunning bool
}

// Config holds job service configuration
type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

// DefaultConfig returns default job service configuration
func DefaultConfig() *Config {
	return &Config{
		Workers:   5,
		QueueSize: 200,
		Timeout:   5 * time.Minute,
	}
}

// NewService creates a new job service
func NewService(dbConn *gorm.DB, caller dataforseo.Caller, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Service{
		runner:  &Runner{DB: dbConn, Caller: caller},
		queue:   make(chan uint, config.QueueSize),
		workers: config.Workers,
		timeout: config.Timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Runner exposes the underlying runner for synchronous execution paths.
func (s *Service) Runner() *Runner {
	return s.runner
}

// Start starts the job service
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("job service is already running")
	}

	s.isRunning = true

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker(i)
	}

	log.Printf("Job service started with %d workers", s.workers)
	return nil
}

// Stop stops the job service gracefully
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.isRunning = false
	s.cancel()
	close(s.queue)

	s.wg.Wait()

	log.Println("Job service stopped")
	return nil
}

// Enqueue creates a job row and queues it for processing. The returned job
// carries the reference clients poll on.
func (s *Service) Enqueue(userID, projectID uint, stage db.JobStage, params interface{}) (*db.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return nil, fmt.Errorf("job service is not running")
	}

	metadata, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job params: %w", err)
	}

	job := db.Job{
		Reference: uuid.NewString(),
		UserID:    userID,
		ProjectID: projectID,
		Status:    db.JobQueued,
		Stage:     stage,
		Metadata:  string(metadata),
		CreatedAt: time.Now(),
	}
	if err := s.runner.DB.Create(&job).Error; err != nil {
		return nil, err
	}

	select {
	case s.queue <- job.ID:
		return &job, nil
	default:
		s.failJob(&job, fmt.Errorf("queue is full"))
		return nil, fmt.Errorf("queue is full")
	}
}

// worker processes jobs from the queue
func (s *Service) worker(id int) {
	defer s.wg.Done()

	log.Printf("Job worker %d started", id)

	for {
		select {
		case jobID, ok := <-s.queue:
			if !ok {
				log.Printf("Job worker %d shutting down", id)
				return
			}
			s.processJob(jobID)
		case <-s.ctx.Done():
			log.Printf("Job worker %d shutting down", id)
			return
		}
	}
}

// processJob runs a single job to completion
func (s *Service) processJob(id uint) {
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()

	var job db.Job
	if err := s.runner.DB.First(&job, id).Error; err != nil {
		log.Printf("Failed to load job %d: %v", id, err)
		return
	}
	if job.Status != db.JobQueued {
		log.Printf("Job %d is not queued: %s", id, job.Status)
		return
	}

	startedAt := time.Now()
	updates := map[string]interface{}{"status": db.JobRunning, "started_at": startedAt}
	if err := s.runner.DB.Model(&job).Updates(updates).Error; err != nil {
		log.Printf("Failed to mark job %d running: %v", id, err)
		return
	}

	cost, err := s.dispatch(ctx, &job)
	if err != nil {
		log.Printf("Job %d (%s) failed: %v", id, job.Stage, err)
		s.failJob(&job, err)
		return
	}

	completedAt := time.Now()
	done := map[string]interface{}{
		"status":          db.JobCompleted,
		"progress":        100,
		"cost_so_far_usd": cost,
		"completed_at":    completedAt,
	}
	if err := s.runner.DB.Model(&job).Updates(done).Error; err != nil {
		log.Printf("Failed to mark job %d completed: %v", id, err)
		return
	}

	log.Printf("Job %d (%s) completed in %s, cost $%.4f", id, job.Stage, completedAt.Sub(startedAt), cost)
}

// dispatch routes a job to its stage runner and returns the accrued cost.
func (s *Service) dispatch(ctx context.Context, job *db.Job) (float64, error) {
	switch job.Stage {
	case db.StageDiscovery:
		var params DiscoveryParams
		if err := json.Unmarshal([]byte(job.Metadata), &params); err != nil {
			return 0, fmt.Errorf("invalid discovery params: %w", err)
		}
		result, err := s.runner.RunDiscovery(ctx, job.UserID, job.ProjectID, params)
		if err != nil {
			return 0, err
		}
		return result.CostUsd, nil

	case db.StageEnrichment:
		var params EnrichParams
		if err := json.Unmarshal([]byte(job.Metadata), &params); err != nil {
			return 0, fmt.Errorf("invalid enrichment params: %w", err)
		}
		return s.runEnrichment(ctx, job, params)

	case db.StageBulkKD:
		var params BulkKDParams
		if err := json.Unmarshal([]byte(job.Metadata), &params); err != nil {
			return 0, fmt.Errorf("invalid bulk difficulty params: %w", err)
		}
		result, err := s.runner.RunBulkKD(ctx, job.UserID, job.ProjectID, params)
		if err != nil {
			return 0, err
		}
		return result.CostUsd, nil

	case db.StageSerp:
		var params SerpParams
		if err := json.Unmarshal([]byte(job.Metadata), &params); err != nil {
			return 0, fmt.Errorf("invalid SERP params: %w", err)
		}
		result, err := s.runner.RunSerp(ctx, job.UserID, job.ProjectID, params)
		if err != nil {
			return 0, err
		}
		return result.CostUsd, nil

	case db.StageBacklinks:
		var params BacklinksParams
		if err := json.Unmarshal([]byte(job.Metadata), &params); err != nil {
			return 0, fmt.Errorf("invalid backlinks params: %w", err)
		}
		result, err := s.runner.RunBacklinks(ctx, job.UserID, job.ProjectID, params)
		if err != nil {
			return 0, err
		}
		return result.CostUsd, nil

	case db.StageDifficulty:
		var params DifficultyParams
		if err := json.Unmarshal([]byte(job.Metadata), &params); err != nil {
			return 0, fmt.Errorf("invalid difficulty params: %w", err)
		}
		if _, err := s.runner.RunDifficulty(ctx, params); err != nil {
			return 0, err
		}
		return 0, nil

	default:
		return 0, fmt.Errorf("unknown job stage %q", job.Stage)
	}
}

// EnrichParams drive a per-keyword overview sweep across a keyword batch.
type EnrichParams struct {
	Keywords     []string `json:"keywords"`
	SeType       string   `json:"se_type"`
	LocationCode int      `json:"location_code"`
	LanguageCode string   `json:"language_code"`
	Device       string   `json:"device"`
}

// runEnrichment fetches overview metrics for each keyword in turn, updating
// progress and cost as it goes. One keyword failing fails the job; already
// accrued spend stays recorded on the ledger.
func (s *Service) runEnrichment(ctx context.Context, job *db.Job, params EnrichParams) (float64, error) {
	if len(params.Keywords) == 0 {
		return 0, fmt.Errorf("no keywords to enrich")
	}

	var total float64
	for i, keyword := range params.Keywords {
		result, err := s.runner.RunOverview(ctx, job.UserID, job.ProjectID, OverviewParams{
			Keyword:      keyword,
			SeType:       params.SeType,
			LocationCode: params.LocationCode,
			LanguageCode: params.LanguageCode,
			Device:       params.Device,
		})
		if err != nil {
			return total, err
		}
		total += result.CostUsd

		progress := (i + 1) * 100 / len(params.Keywords)
		updates := map[string]interface{}{"progress": progress, "cost_so_far_usd": total}
		if err := s.runner.DB.Model(job).Updates(updates).Error; err != nil {
			log.Printf("Failed to update job %d progress: %v", job.ID, err)
		}
	}
	return total, nil
}

func (s *Service) failJob(job *db.Job, cause error) {
	completedAt := time.Now()
	updates := map[string]interface{}{
		"status":       db.JobFailed,
		"error":        cause.Error(),
		"completed_at": completedAt,
	}
	if err := s.runner.DB.Model(job).Updates(updates).Error; err != nil {
		log.Printf("Failed to mark job %d failed: %v", job.ID, err)
	}
}

// GetJobByReference loads a job by its client-facing reference.
func GetJobByReference(dbConn *gorm.DB, userID uint, reference string) (*db.Job, error) {
	var job db.Job
	if err := dbConn.Where("reference = ? AND user_id = ?", reference, userID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ListJobsByProject returns a project's jobs, newest first.
func ListJobsByProject(dbConn *gorm.DB, projectID uint, limit int) ([]db.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	var jobList []db.Job
	err := dbConn.Where("project_id = ?", projectID).Order("created_at DESC").Limit(limit).Find(&jobList).Error
	return jobList, err
}
