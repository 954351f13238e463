package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/service"
)

// SerpItemResponse joins one SERP result row with the latest backlink
// facts on record for its URL and domain.
type SerpItemResponse struct {
	Item        db.SerpItem             `json:"item"`
	URLFacts    *db.URLBacklinkFacts    `json:"url_facts,omitempty"`
	DomainFacts *db.DomainBacklinkFacts `json:"domain_facts,omitempty"`
}

// KeywordDetailResponse is the one-call keyword overview: entity, context,
// latest metrics snapshot, latest SERP snapshot and latest difficulty.
type KeywordDetailResponse struct {
	Keyword    *db.Keyword           `json:"keyword"`
	Context    *db.KeywordContext    `json:"context"`
	Snapshot   *db.KeywordSnapshot   `json:"snapshot,omitempty"`
	Serp       *db.SerpSnapshot      `json:"serp,omitempty"`
	Difficulty *db.KeywordDifficulty `json:"difficulty,omitempty"`
}

func parseIDParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return uint(id), true
}

func contextIDQuery(c *gin.Context) (uint, bool) {
	contextID, err := strconv.ParseUint(c.Query("context_id"), 10, 32)
	if err != nil || contextID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "context_id query parameter required"})
		return 0, false
	}
	return uint(contextID), true
}

// ListSerpSnapshotsHandler lists SERP snapshots for a keyword and context,
// newest first.
func ListSerpSnapshotsHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		keywordID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		contextID, ok := contextIDQuery(c)
		if !ok {
			return
		}

		page, size := pagination(c)

		query := dbConn.Model(&db.SerpSnapshot{}).
			Where("keyword_id = ? AND context_id = ?", keywordID, contextID)

		var total int64
		if err := query.Count(&total).Error; err != nil {
			log.Printf("Failed to count SERP snapshots: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		var snapshots []db.SerpSnapshot
		err := query.Order("fetched_at DESC").Limit(size).Offset((page - 1) * size).Find(&snapshots).Error
		if err != nil {
			log.Printf("Failed to fetch SERP snapshots: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusOK, PaginatedResponse{
			Data:  snapshots,
			Page:  page,
			Size:  size,
			Total: total,
			Pages: int((total + int64(size) - 1) / int64(size)),
		})
	}
}

// GetSerpItemsHandler returns the result rows of one SERP snapshot with
// backlink facts attached where they exist.
func GetSerpItemsHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		snapshotID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}

		var snapshot db.SerpSnapshot
		if err := dbConn.First(&snapshot, snapshotID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "SERP snapshot not found"})
				return
			}
			log.Printf("Failed to fetch SERP snapshot %d: %v", snapshotID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		var items []db.SerpItem
		err := dbConn.Where("serp_snapshot_id = ?", snapshotID).
			Order("rank_absolute ASC").Find(&items).Error
		if err != nil {
			log.Printf("Failed to fetch SERP items: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		responses := make([]SerpItemResponse, 0, len(items))
		for _, item := range items {
			resp := SerpItemResponse{Item: item}
			if item.URLID != nil {
				if facts, err := service.LatestURLBacklinkFacts(dbConn, *item.URLID); err == nil {
					resp.URLFacts = facts
				}
			}
			if item.DomainID != nil {
				if facts, err := service.LatestDomainBacklinkFacts(dbConn, *item.DomainID); err == nil {
					resp.DomainFacts = facts
				}
			}
			responses = append(responses, resp)
		}

		c.JSON(http.StatusOK, gin.H{
			"snapshot": snapshot,
			"items":    responses,
		})
	}
}

// KeywordDetailHandler returns a keyword with its latest snapshot, SERP
// and difficulty for one context in a single response.
func KeywordDetailHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		keywordID, ok := parseIDParam(c, "id")
		if !ok {
			return
		}
		contextID, ok := contextIDQuery(c)
		if !ok {
			return
		}

		keyword, err := service.GetKeywordByID(dbConn, keywordID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "Keyword not found"})
				return
			}
			log.Printf("Failed to fetch keyword %d: %v", keywordID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		kwContext, err := service.GetKeywordContextByID(dbConn, contextID)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "Keyword context not found"})
				return
			}
			log.Printf("Failed to fetch context %d: %v", contextID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		detail := KeywordDetailResponse{Keyword: keyword, Context: kwContext}
		if snapshot, err := service.LatestKeywordSnapshot(dbConn, keywordID, contextID); err == nil {
			detail.Snapshot = snapshot
		}
		if serp, err := service.LatestSerpSnapshot(dbConn, keywordID, contextID); err == nil {
			detail.Serp = serp
		}
		if difficulty, err := service.LatestDifficultyForKeyword(dbConn, keywordID, contextID); err == nil {
			detail.Difficulty = difficulty
		}

		c.JSON(http.StatusOK, detail)
	}
}
