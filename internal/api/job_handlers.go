package api

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/jobs"
	"github.com/rankforge/keytrack/internal/middleware"
)

// GetJobHandler returns one job by its reference for status polling
func GetJobHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.GetUserFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		reference := c.Param("reference")
		if reference == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Job reference required"})
			return
		}

		job, err := jobs.GetJobByReference(dbConn, user.UserID, reference)
		if err != nil {
			if err == gorm.ErrRecordNotFound {
				c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
				return
			}
			log.Printf("Failed to fetch job %s: %v", reference, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusOK, job)
	}
}

// ListProjectJobsHandler lists a project's jobs, newest first
func ListProjectJobsHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
		if err != nil || limit < 1 || limit > 200 {
			limit = 50
		}

		jobList, err := jobs.ListJobsByProject(dbConn, project.ID, limit)
		if err != nil {
			log.Printf("Failed to list jobs for project %d: %v", project.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": jobList})
	}
}
