package api

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/jobs"
)

// ResearchRunRequest starts keyword discovery from one or more seeds.
type ResearchRunRequest struct {
	Seeds        []string `json:"seeds" binding:"required,min=1,max=10"`
	SeType       string   `json:"se_type"`
	LocationCode int      `json:"location_code"`
	LanguageCode string   `json:"language_code"`
	Device       string   `json:"device"`
	Limit        int      `json:"limit" binding:"max=1000"`
}

// EnrichRequest fetches overview metrics for selected keywords.
type EnrichRequest struct {
	Keywords     []string `json:"keywords" binding:"required,min=1,max=100"`
	SeType       string   `json:"se_type"`
	LocationCode int      `json:"location_code"`
	LanguageCode string   `json:"language_code"`
	Device       string   `json:"device"`
}

// BulkDifficultyRequest fetches provider difficulty for a keyword batch.
type BulkDifficultyRequest struct {
	Keywords     []string `json:"keywords" binding:"required,min=1,max=1000"`
	SeType       string   `json:"se_type"`
	LocationCode int      `json:"location_code"`
	LanguageCode string   `json:"language_code"`
	Device       string   `json:"device"`
}

// JobRef is the client-facing handle of one queued job.
type JobRef struct {
	Reference string `json:"reference"`
	Stage     string `json:"stage"`
	Status    string `json:"status"`
}

func jobRef(job *db.Job) JobRef {
	return JobRef{Reference: job.Reference, Stage: string(job.Stage), Status: string(job.Status)}
}

// StartResearchHandler queues a suggestions and a related-keywords
// discovery job per seed keyword.
func StartResearchHandler(dbConn *gorm.DB, jobService *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		var req ResearchRunRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Printf("Research run validation error: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid research request",
				"details": err.Error(),
			})
			return
		}

		var queued []JobRef
		for _, seed := range req.Seeds {
			seed = strings.TrimSpace(seed)
			if seed == "" {
				continue
			}
			for _, method := range []string{jobs.DiscoverySuggestions, jobs.DiscoveryRelated} {
				job, err := jobService.Enqueue(project.UserID, project.ID, db.StageDiscovery, jobs.DiscoveryParams{
					Method:       method,
					Seed:         seed,
					SeType:       req.SeType,
					LocationCode: req.LocationCode,
					LanguageCode: req.LanguageCode,
					Device:       req.Device,
					Limit:        req.Limit,
				})
				if err != nil {
					log.Printf("Failed to queue %s discovery for %q: %v", method, seed, err)
					c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue discovery job"})
					return
				}
				queued = append(queued, jobRef(job))
			}
		}
		if len(queued) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "No usable seed keywords"})
			return
		}

		log.Printf("Queued %d discovery jobs for project %d", len(queued), project.ID)
		c.JSON(http.StatusAccepted, gin.H{"jobs": queued})
	}
}

// EnrichHandler queues an overview-enrichment job for selected keywords.
func EnrichHandler(dbConn *gorm.DB, jobService *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		var req EnrichRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid enrich request",
				"details": err.Error(),
			})
			return
		}

		job, err := jobService.Enqueue(project.UserID, project.ID, db.StageEnrichment, jobs.EnrichParams{
			Keywords:     req.Keywords,
			SeType:       req.SeType,
			LocationCode: req.LocationCode,
			LanguageCode: req.LanguageCode,
			Device:       req.Device,
		})
		if err != nil {
			log.Printf("Failed to queue enrichment job: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue enrichment job"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"job": jobRef(job)})
	}
}

// BulkDifficultyHandler queues a provider bulk keyword-difficulty job.
func BulkDifficultyHandler(dbConn *gorm.DB, jobService *jobs.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		var req BulkDifficultyRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid bulk difficulty request",
				"details": err.Error(),
			})
			return
		}

		job, err := jobService.Enqueue(project.UserID, project.ID, db.StageBulkKD, jobs.BulkKDParams{
			Keywords:     req.Keywords,
			SeType:       req.SeType,
			LocationCode: req.LocationCode,
			LanguageCode: req.LanguageCode,
			Device:       req.Device,
		})
		if err != nil {
			log.Printf("Failed to queue bulk difficulty job: %v", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue bulk difficulty job"})
			return
		}

		c.JSON(http.StatusAccepted, gin.H{"job": jobRef(job)})
	}
}

// researchResultRow is one keyword snapshot row joined with its keyword.
type researchResultRow struct {
	db.KeywordSnapshot
	KeywordText string `json:"keyword"`
	Freshness   string `json:"freshness"`
}

// ResearchResultsHandler lists a project's keyword snapshots with
// freshness labels, paginated, searchable and sortable.
func ResearchResultsHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		page, size := pagination(c)

		sort := c.DefaultQuery("sort", "fetched_at desc")
		allowedSorts := map[string]bool{
			"fetched_at desc":    true,
			"fetched_at asc":     true,
			"search_volume desc": true,
			"search_volume asc":  true,
		}
		if !allowedSorts[sort] {
			sort = "fetched_at desc"
		}

		search := strings.TrimSpace(c.Query("q"))
		source := strings.TrimSpace(c.Query("source"))

		query := dbConn.Model(&db.KeywordSnapshot{}).
			Joins("JOIN keywords ON keywords.id = keyword_snapshots.keyword_id").
			Where("keyword_snapshots.project_id = ?", project.ID)

		if search != "" {
			query = query.Where("keywords.text LIKE ?", "%"+search+"%")
		}
		if source != "" {
			query = query.Where("keyword_snapshots.source = ?", source)
		}

		var total int64
		if err := query.Count(&total).Error; err != nil {
			log.Printf("Failed to count research results: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		offset := (page - 1) * size
		pages := int((total + int64(size) - 1) / int64(size))

		var rows []researchResultRow
		err := query.
			Select("keyword_snapshots.*, keywords.text AS keyword_text").
			Order("keyword_snapshots." + sort).
			Limit(size).Offset(offset).
			Scan(&rows).Error
		if err != nil {
			log.Printf("Failed to fetch research results: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		now := time.Now()
		for i := range rows {
			if rows[i].StaleAt.After(now) {
				rows[i].Freshness = "fresh"
			} else {
				rows[i].Freshness = "stale"
			}
		}

		c.JSON(http.StatusOK, PaginatedResponse{
			Data:  rows,
			Page:  page,
			Size:  size,
			Total: total,
			Pages: pages,
		})
	}
}
