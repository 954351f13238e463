package api

import (
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/middleware"
)

// PaginatedResponse represents a paginated response
type PaginatedResponse struct {
	Data  interface{} `json:"data"`
	Page  int         `json:"page"`
	Size  int         `json:"size"`
	Total int64       `json:"total"`
	Pages int         `json:"pages"`
}

// ProjectRequest represents a project create/update payload
type ProjectRequest struct {
	Name            string `json:"name" binding:"required,min=1,max=200"`
	Description     string `json:"description" binding:"max=1000"`
	URL             string `json:"url" binding:"max=768"`
	DefaultRegion   string `json:"default_region" binding:"max=20"`
	DefaultLanguage string `json:"default_language" binding:"max=10"`
}

// pagination parses page/size query parameters with sane defaults.
func pagination(c *gin.Context) (page, size int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	size, err = strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil || size < 1 || size > 100 {
		size = 10
	}
	return page, size
}

// projectForUser loads the project in the :id route param and verifies the
// authenticated user owns it. On failure the response is already written.
func projectForUser(dbConn *gorm.DB, c *gin.Context) (*db.Project, bool) {
	user, ok := middleware.GetUserFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
		return nil, false
	}

	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid project ID"})
		return nil, false
	}

	var project db.Project
	if err := dbConn.First(&project, uint(id)).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			c.JSON(http.StatusNotFound, gin.H{"error": "Project not found"})
			return nil, false
		}
		log.Printf("Failed to fetch project %d: %v", id, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}

	if project.UserID != user.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Project belongs to another user"})
		return nil, false
	}
	return &project, true
}

// CreateProjectHandler handles project creation
func CreateProjectHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.GetUserFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		var req ProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			log.Printf("Project validation error: %v", err)
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid project payload",
				"details": err.Error(),
			})
			return
		}

		project := db.Project{
			UserID:          user.UserID,
			Name:            strings.TrimSpace(req.Name),
			Description:     req.Description,
			URL:             req.URL,
			DefaultRegion:   req.DefaultRegion,
			DefaultLanguage: req.DefaultLanguage,
		}
		if err := dbConn.Create(&project).Error; err != nil {
			log.Printf("Failed to create project: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to save project"})
			return
		}

		log.Printf("Created project %q (ID: %d) for user %d", project.Name, project.ID, user.UserID)
		c.JSON(http.StatusCreated, project)
	}
}

// ListProjectsHandler handles project listing for the authenticated user
func ListProjectsHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		user, ok := middleware.GetUserFromContext(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		var projects []db.Project
		err := dbConn.Where("user_id = ?", user.UserID).Order("created_at DESC").Find(&projects).Error
		if err != nil {
			log.Printf("Failed to list projects: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}

		c.JSON(http.StatusOK, gin.H{"data": projects})
	}
}

// GetProjectHandler handles retrieving a single project
func GetProjectHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}
		c.JSON(http.StatusOK, project)
	}
}

// UpdateProjectHandler handles project updates
func UpdateProjectHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		var req ProjectRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "Invalid project payload",
				"details": err.Error(),
			})
			return
		}

		updates := map[string]interface{}{
			"name":             strings.TrimSpace(req.Name),
			"description":      req.Description,
			"url":              req.URL,
			"default_region":   req.DefaultRegion,
			"default_language": req.DefaultLanguage,
		}
		if err := dbConn.Model(project).Updates(updates).Error; err != nil {
			log.Printf("Failed to update project %d: %v", project.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update project"})
			return
		}

		c.JSON(http.StatusOK, project)
	}
}

// DeleteProjectHandler handles project deletion
func DeleteProjectHandler(dbConn *gorm.DB) gin.HandlerFunc {
	return func(c *gin.Context) {
		project, ok := projectForUser(dbConn, c)
		if !ok {
			return
		}

		if err := dbConn.Delete(project).Error; err != nil {
			log.Printf("Failed to delete project %d: %v", project.ID, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete project"})
			return
		}

		log.Printf("Deleted project %d", project.ID)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
