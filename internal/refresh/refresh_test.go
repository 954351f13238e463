package refresh

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/jobs"
	"github.com/rankforge/keytrack/internal/service"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return conn
}

type queuedJob struct {
	stage  db.JobStage
	params interface{}
}

type fakeQueuer struct {
	queued []queuedJob
}

func (f *fakeQueuer) Enqueue(userID, projectID uint, stage db.JobStage, params interface{}) (*db.Job, error) {
	f.queued = append(f.queued, queuedJob{stage: stage, params: params})
	return &db.Job{ID: uint(len(f.queued)), Stage: stage}, nil
}

func (f *fakeQueuer) stages() map[db.JobStage]int {
	counts := map[db.JobStage]int{}
	for _, q := range f.queued {
		counts[q.stage]++
	}
	return counts
}

func seedTracked(t *testing.T, conn *gorm.DB, serpDaily, backlinks bool) *db.TrackedKeyword {
	t.Helper()
	keyword, err := service.UpsertKeyword(conn, "best running shoes")
	if err != nil {
		t.Fatalf("upsert keyword: %v", err)
	}
	kwContext, err := service.UpsertKeywordContext(conn, "google", 2840, "en", "desktop")
	if err != nil {
		t.Fatalf("upsert context: %v", err)
	}
	tracked, err := service.TrackKeyword(conn, 1, 1, keyword.ID, kwContext.ID, service.TrackingOptions{
		RefreshKeywordMetrics: true,
		TrackSerpDaily:        serpDaily,
		FetchBacklinks:        backlinks,
	})
	if err != nil {
		t.Fatalf("track keyword: %v", err)
	}
	return tracked
}

func seedFreshSerp(t *testing.T, conn *gorm.DB, tk *db.TrackedKeyword, now time.Time, urlIDs []uint) *db.SerpSnapshot {
	t.Helper()
	snapshot := &db.SerpSnapshot{
		UserID:           tk.UserID,
		ProjectID:        tk.ProjectID,
		APICallID:        1,
		KeywordID:        tk.KeywordID,
		ContextID:        tk.ContextID,
		FetchedAt:        now.Add(-time.Hour),
		StaleAt:          now.Add(23 * time.Hour),
		SeType:           "google",
		TopOrganicURLIDs: service.EncodeIDList(urlIDs),
	}
	if err := conn.Create(snapshot).Error; err != nil {
		t.Fatalf("seed serp snapshot: %v", err)
	}
	return snapshot
}

func seedStaleSerp(t *testing.T, conn *gorm.DB, tk *db.TrackedKeyword, now time.Time, urlIDs []uint) *db.SerpSnapshot {
	t.Helper()
	snapshot := &db.SerpSnapshot{
		UserID:           tk.UserID,
		ProjectID:        tk.ProjectID,
		APICallID:        1,
		KeywordID:        tk.KeywordID,
		ContextID:        tk.ContextID,
		FetchedAt:        now.Add(-25 * time.Hour),
		StaleAt:          now.Add(-time.Hour),
		SeType:           "google",
		TopOrganicURLIDs: service.EncodeIDList(urlIDs),
	}
	if err := conn.Create(snapshot).Error; err != nil {
		t.Fatalf("seed serp snapshot: %v", err)
	}
	return snapshot
}

func seedURL(t *testing.T, conn *gorm.DB, raw string) *db.URL {
	t.Helper()
	domain, err := service.UpsertDomain(conn, "example.com")
	if err != nil {
		t.Fatalf("upsert domain: %v", err)
	}
	u, err := service.UpsertURL(conn, raw, domain.ID)
	if err != nil {
		t.Fatalf("upsert url: %v", err)
	}
	return u
}

func seedURLFacts(t *testing.T, conn *gorm.DB, urlID uint, staleAt time.Time) {
	t.Helper()
	facts := db.URLBacklinkFacts{
		BacklinkSnapshotID: 1,
		APICallID:          1,
		URLID:              urlID,
		FetchedAt:          staleAt.Add(-7 * 24 * time.Hour),
		StaleAt:            staleAt,
	}
	if err := conn.Create(&facts).Error; err != nil {
		t.Fatalf("seed url facts: %v", err)
	}
}

func TestSweepQueuesSerpWhenAbsent(t *testing.T) {
	conn := openTestDB(t)
	seedTracked(t, conn, true, false)
	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)

	summary, err := scheduler.Run(time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 1 || summary.SerpJobsQueued != 1 {
		t.Fatalf("summary = %+v, want 1 processed, 1 SERP job", summary)
	}
	if summary.BacklinkJobsQueued != 0 || summary.DifficultyJobsQueued != 0 {
		t.Fatalf("nothing downstream should queue before a SERP snapshot exists: %+v", summary)
	}

	params, ok := queue.queued[0].params.(jobs.SerpParams)
	if !ok || params.Keyword != "best running shoes" {
		t.Fatalf("unexpected SERP params: %#v", queue.queued[0].params)
	}
}

func TestSweepSkipsFreshSerp(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now()
	tk := seedTracked(t, conn, true, false)
	seedFreshSerp(t, conn, tk, now, nil)
	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)

	summary, err := scheduler.Run(now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.SerpJobsQueued != 0 {
		t.Fatalf("fresh snapshot should not requeue SERP: %+v", summary)
	}
}

func TestBacklinksRequireSerpTracking(t *testing.T) {
	conn := openTestDB(t)
	// fetchBacklinks on, trackSerpDaily off: the sweep must never see it.
	seedTracked(t, conn, false, true)
	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)

	summary, err := scheduler.Run(time.Now())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("processed = %d, want 0", summary.Processed)
	}
	if len(queue.queued) != 0 {
		t.Fatalf("queued = %v, want none", queue.stages())
	}
}

func TestBacklinksQueuedForStaleFacts(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now()
	tk := seedTracked(t, conn, true, true)
	u := seedURL(t, conn, "https://example.com/post")
	seedFreshSerp(t, conn, tk, now, []uint{u.ID})
	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)

	summary, err := scheduler.Run(now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.BacklinkJobsQueued != 1 {
		t.Fatalf("backlink jobs = %d, want 1", summary.BacklinkJobsQueued)
	}
	// No URL has facts yet, so a difficulty recompute would just error.
	if summary.DifficultyJobsQueued != 0 {
		t.Fatalf("difficulty jobs = %d, want 0", summary.DifficultyJobsQueued)
	}

	params, ok := queue.queued[0].params.(jobs.BacklinksParams)
	if !ok || params.TargetType != "url" || len(params.Targets) != 1 {
		t.Fatalf("unexpected backlink params: %#v", queue.queued[0].params)
	}
}

func TestStaleSerpStillEvaluatesDownstream(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now()
	tk := seedTracked(t, conn, true, true)
	u := seedURL(t, conn, "https://example.com/post")
	seedStaleSerp(t, conn, tk, now, []uint{u.ID})
	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)

	summary, err := scheduler.Run(now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// The three decisions are independent: a stale SERP snapshot requeues
	// the SERP fetch and still drives the backlink decision off the
	// existing snapshot in the same sweep.
	if summary.SerpJobsQueued != 1 {
		t.Fatalf("serp jobs = %d, want 1", summary.SerpJobsQueued)
	}
	if summary.BacklinkJobsQueued != 1 {
		t.Fatalf("backlink jobs = %d, want 1", summary.BacklinkJobsQueued)
	}
	if summary.DifficultyJobsQueued != 0 {
		t.Fatalf("difficulty jobs = %d, want 0 (no facts on record)", summary.DifficultyJobsQueued)
	}

	stages := queue.stages()
	if stages[db.StageSerp] != 1 || stages[db.StageBacklinks] != 1 {
		t.Fatalf("queued stages = %v, want one SERP and one backlinks job", stages)
	}
}

func TestDifficultyQueuedOnceFactsExist(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now()
	tk := seedTracked(t, conn, true, true)
	u := seedURL(t, conn, "https://example.com/post")
	seedFreshSerp(t, conn, tk, now, []uint{u.ID})
	seedURLFacts(t, conn, u.ID, now.Add(6*24*time.Hour))
	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)

	summary, err := scheduler.Run(now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.BacklinkJobsQueued != 0 {
		t.Fatalf("fresh facts should not requeue backlinks: %+v", summary)
	}
	if summary.DifficultyJobsQueued != 1 {
		t.Fatalf("difficulty jobs = %d, want 1", summary.DifficultyJobsQueued)
	}
}

func TestDifficultyNotRequeuedWhileFresh(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now()
	tk := seedTracked(t, conn, true, true)
	u := seedURL(t, conn, "https://example.com/post")
	snapshot := seedFreshSerp(t, conn, tk, now, []uint{u.ID})
	seedURLFacts(t, conn, u.ID, now.Add(6*24*time.Hour))

	existing := db.KeywordDifficulty{
		UserID:         tk.UserID,
		ProjectID:      tk.ProjectID,
		KeywordID:      tk.KeywordID,
		ContextID:      tk.ContextID,
		SerpSnapshotID: snapshot.ID,
		ComputedAt:     now.Add(-time.Hour),
		StaleAt:        now.Add(23 * time.Hour),
		Difficulty:     50,
	}
	if err := conn.Create(&existing).Error; err != nil {
		t.Fatalf("seed difficulty: %v", err)
	}

	queue := &fakeQueuer{}
	scheduler := NewScheduler(conn, queue, 0)
	summary, err := scheduler.Run(now)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if summary.DifficultyJobsQueued != 0 {
		t.Fatalf("difficulty jobs = %d, want 0", summary.DifficultyJobsQueued)
	}
}
