package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/middleware"
	"github.com/rankforge/keytrack/internal/service"
)

// TrackKeywordRequest adds one keyword to a project's tracked set.
type TrackKeywordRequest struct {
	Keyword               string `json:"keyword" binding:"required,min=1,max=500"`
	SeType                string `json:"se_type"`
	LocationCode          int    `json:"location_code"`
	LanguageCode          string `json:"language_code"`
	Device                string `json:"device"`
	RefreshKeywordMetrics *bool  `json:"refresh_keyword_metrics"`
	TrackSerpDaily        bool   `json:"track_serp_daily"`
	FetchBacklinks        bool   `json:"fetch_backlinks"`
}

// TrackingOptionsRequest updates the refresh toggles of a tracked keyword.
type TrackingOptionsRequest struct {
	RefreshKeywordMetrics bool `json:"refresh_keyword_metrics"`
	TrackSerpDaily        bool `json:"track_serp_daily"`
	FetchBacklinks        bool `json:"fetch_backlinks"`
}

// TrackedKeywordResponse joins a tracked keyword with its latest data.
type TrackedKeywordResponse struct {
	Tracked    db.TrackedKeyword     `json:"tracked"`
	Keyword    *db.Keyword           `json:"keyword,omitempty"`
	Context    *db.KeywordContext    `json:"context,omitempty"`
	Snapshot   *db.KeywordSnapshot   `json:"snapshot,omitempty"`
	Serp       *db.SerpSnapshot      `json:"serp,omitempty"`
	Difficulty *db.KeywordDifficulty `json:"difficulty,omitempty"`
}

func contextDefaults(project *db.Project, seType string, locationCode int, languageCode, device string) (string, int, string, string) {
	if languageCode == "" && project.DefaultLanguage != "" {
		languageCode = project.DefaultLanguage
	}
	return seType, locationCode, languageCode, device
}

// TrackKeywordHandler adds a keyword to a project. Re-adding the same
// (keyword, context) pair returns the existing row.
func TrackKeywordHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		var req TrackKeywordRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Printf("Track keyword validation error: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid track request",
				"details": err.Error(),
			})
			return
		}

		keyword, err := service.UpsertKeyword(dbConn, req.Keyword)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		seType, locationCode, languageCode, device := contextDefaults(project, req.SeType, req.LocationCode, req.LanguageCode, req.Device)
		if seType == "" {
			seType = "google"
		}
		if locationCode == 0 {
			locationCode = 2840
		}
		if languageCode == "" {
			languageCode = "en"
		}
		if device == "" {
			device = "desktop"
		}
		kwContext, err := service.UpsertKeywordContext(dbConn, seType, locationCode, languageCode, device)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		refreshMetrics := true
		if req.RefreshKeywordMetrics != nil {
			refreshMetrics = *req.RefreshKeywordMetrics
		}
		tracked, err := service.TrackKeyword(dbConn, project.UserID, project.ID, keyword.ID, kwContext.ID, service.TrackingOptions{
			RefreshKeywordMetrics: refreshMetrics,
			TrackSerpDaily:        req.TrackSerpDaily,
			FetchBacklinks:        req.FetchBacklinks,
		})
		if err != nil {
			log.Printf("Failed to track keyword %q: %v", req.Keyword, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to track keyword"})
			return
		}

		log.Printf("Tracking keyword %d in project %d", keyword.ID, project.ID)
		c.JSON(http.StatusCreated, tracked)
	}
}

// ListTrackedKeywordsHandler lists a project's tracked keywords joined
// with their latest snapshot, SERP snapshot and computed difficulty.
func ListTrackedKeywordsHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		trackedList, err := service.ListTrackedByProject(dbConn, project.ID)
		if err != nil {
			log.Printf("Failed to list tracked keywords: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		responses := make([]TrackedKeywordResponse, 0, len(trackedList))
		for _, tracked := range trackedList {
			resp := TrackedKeywordResponse{Tracked: tracked}

			if keyword, err := service.GetKeywordByID(dbConn, tracked.KeywordID); err == nil {
				resp.Keyword = keyword
			}
			if kwContext, err := service.GetKeywordContextByID(dbConn, tracked.ContextID); err == nil {
				resp.Context = kwContext
			}
			if snapshot, err := service.LatestKeywordSnapshot(dbConn, tracked.KeywordID, tracked.ContextID); err == nil {
				resp.Snapshot = snapshot
			}
			if serp, err := service.LatestSerpSnapshot(dbConn, tracked.KeywordID, tracked.ContextID); err == nil {
				resp.Serp = serp
			}
			if difficulty, err := service.LatestDifficultyForKeyword(dbConn, tracked.KeywordID, tracked.ContextID); err == nil {
				resp.Difficulty = difficulty
			}

			responses = append(responses, resp)
		}

		c.JSON(http.StatusOK, gin.H{"data": responses})
	}
}

// UpdateTrackingHandler updates the refresh toggles of a tracked keyword
func UpdateTrackingHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.GetUserFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		id, err := strconv.ParseUint(c.Param("id"), 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid tracked keyword ID"})
			return
		}

		var req TrackingOptionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid tracking options",
				"details": err.Error(),
			})
			return
		}

		tracked, err := service.SetTrackingOptions(dbConn, uint(id), user.UserID, service.TrackingOptions{
			RefreshKeywordMetrics: req.RefreshKeywordMetrics,
			TrackSerpDaily:        req.TrackSerpDaily,
			FetchBacklinks:        req.FetchBacklinks,
		})
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "Tracked keyword not found"})
				return
			}
			log.Printf("Failed to update tracking options for %d: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update tracking options"})
			return
		}

		c.JSON(http.StatusOK, tracked)
	}
}
