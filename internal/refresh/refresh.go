// Package refresh sweeps tracked keywords on a fixed interval and queues
// the fetch and compute jobs whose data has gone stale. The sweep itself
// never talks to the provider; it only enqueues work.
package refresh

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/jobs"
	"github.com/rankforge/keytrack/internal/service"
)

// DefaultInterval is the sweep cadence.
const DefaultInterval = 15 * time.Minute

// difficultyFactsProbe is how many top organic URLs are checked for facts
// before a difficulty job is worth queueing.
const difficultyFactsProbe = 3

// Summary reports what one sweep did. Processed counts every tracked
// keyword examined, whether or not any job was queued for it.
type Summary struct {
	Processed            int `json:"processed"`
	SerpJobsQueued       int `json:"serp_jobs_queued"`
	BacklinkJobsQueued   int `json:"backlink_jobs_queued"`
	DifficultyJobsQueued int `json:"difficulty_jobs_queued"`
}

// Queuer is the job-enqueue surface the scheduler needs; the jobs service
// satisfies it.
type Queuer interface {
	Enqueue(userID, projectID uint, stage db.JobStage, params interface{}) (*db.Job, error)
}

// Scheduler periodically re-queues stale work for tracked keywords.
type Scheduler struct {
	db        *gorm.DB
	queue     Queuer
	interval  time.Duration
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// NewScheduler creates a refresh scheduler. A zero interval falls back to
// the default cadence.
func NewScheduler(dbConn *gorm.DB, queue Queuer, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		db:       dbConn,
		queue:    queue,
		interval: interval,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start starts the periodic sweep loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("refresh scheduler is already running")
	}
	s.isRunning = true

	s.wg.Add(1)
	go s.loop()

	log.Printf("Refresh scheduler started, interval %s", s.interval)
	return nil
}

// Stop stops the sweep loop gracefully
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}
	s.isRunning = false
	s.cancel()
	s.wg.Wait()

	log.Println("Refresh scheduler stopped")
	return nil
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			summary, err := s.Run(time.Now())
			if err != nil {
				log.Printf("Refresh sweep failed: %v", err)
				continue
			}
			if summary.SerpJobsQueued+summary.BacklinkJobsQueued+summary.DifficultyJobsQueued > 0 {
				log.Printf("Refresh sweep: %d tracked, %d SERP, %d backlinks, %d difficulty jobs queued",
					summary.Processed, summary.SerpJobsQueued, summary.BacklinkJobsQueued, summary.DifficultyJobsQueued)
			}
		case <-s.ctx.Done():
			return
		}
	}
}

// Run performs one sweep over all tracked keywords with SERP tracking
// enabled and queues whatever work is due at the given instant. Keywords
// that fail to queue are logged and skipped, never aborting the sweep.
func (s *Scheduler) Run(now time.Time) (*Summary, error) {
	tracked, err := service.TrackedKeywordsWithSerp(s.db)
	if err != nil {
		return nil, err
	}

	summary := &Summary{}
	for _, tk := range tracked {
		summary.Processed++
		if err := s.refreshOne(&tk, now, summary); err != nil {
			log.Printf("Refresh of tracked keyword %d failed: %v", tk.ID, err)
		}
	}
	return summary, nil
}

func (s *Scheduler) refreshOne(tk *db.TrackedKeyword, now time.Time, summary *Summary) error {
	keyword, err := service.GetKeywordByID(s.db, tk.KeywordID)
	if err != nil {
		return err
	}
	kwContext, err := service.GetKeywordContextByID(s.db, tk.ContextID)
	if err != nil {
		return err
	}

	snapshot, err := service.LatestSerpSnapshot(s.db, tk.KeywordID, tk.ContextID)
	if err != nil {
		return err
	}

	if snapshot == nil || !snapshot.StaleAt.After(now) {
		_, err := s.queue.Enqueue(tk.UserID, tk.ProjectID, db.StageSerp, jobs.SerpParams{
			Keyword:      keyword.Text,
			SeType:       kwContext.SeType,
			LocationCode: kwContext.LocationCode,
			LanguageCode: kwContext.LanguageCode,
			Device:       kwContext.Device,
		})
		if err != nil {
			return err
		}
		summary.SerpJobsQueued++
	}
	if snapshot == nil {
		// Nothing to evaluate backlinks or difficulty against yet.
		return nil
	}

	topURLIDs := service.DecodeIDList(snapshot.TopOrganicURLIDs)
	if len(topURLIDs) == 0 {
		return nil
	}
	topURLs, err := service.GetURLsByIDs(s.db, topURLIDs)
	if err != nil {
		return err
	}

	if tk.FetchBacklinks && len(topURLs) > 0 {
		stale, err := s.staleBacklinkTargets(topURLs, now)
		if err != nil {
			return err
		}
		if len(stale) > 0 {
			_, err := s.queue.Enqueue(tk.UserID, tk.ProjectID, db.StageBacklinks, jobs.BacklinksParams{
				TargetType: "url",
				Targets:    stale,
			})
			if err != nil {
				return err
			}
			summary.BacklinkJobsQueued++
		}
	}

	if due, err := s.difficultyDue(snapshot, topURLs, now); err != nil {
		return err
	} else if due {
		_, err := s.queue.Enqueue(tk.UserID, tk.ProjectID, db.StageDifficulty, jobs.DifficultyParams{
			KeywordID: tk.KeywordID,
			ContextID: tk.ContextID,
		})
		if err != nil {
			return err
		}
		summary.DifficultyJobsQueued++
	}
	return nil
}

// staleBacklinkTargets returns the top organic URLs whose latest facts are
// stale or absent.
func (s *Scheduler) staleBacklinkTargets(urls []db.URL, now time.Time) ([]string, error) {
	var stale []string
	for _, u := range urls {
		facts, err := service.LatestURLBacklinkFacts(s.db, u.ID)
		if err != nil {
			return nil, err
		}
		if facts == nil || !facts.StaleAt.After(now) {
			stale = append(stale, u.URL)
		}
	}
	return stale, nil
}

// difficultyDue reports whether a difficulty recompute is worth queueing:
// the derived result is stale or absent, and at least one of the top three
// organic URLs has backlink facts on record.
func (s *Scheduler) difficultyDue(snapshot *db.SerpSnapshot, topURLs []db.URL, now time.Time) (bool, error) {
	existing, err := service.LatestDifficultyForSerpSnapshot(s.db, snapshot.ID)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.StaleAt.After(now) {
		return false, nil
	}

	probe := topURLs
	if len(probe) > difficultyFactsProbe {
		probe = probe[:difficultyFactsProbe]
	}
	for _, u := range probe {
		facts, err := service.LatestURLBacklinkFacts(s.db, u.ID)
		if err != nil {
			return false, err
		}
		if facts != nil {
			return true, nil
		}
	}
	return false, nil
}
