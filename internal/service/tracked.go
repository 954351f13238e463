package service

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
)

// TrackingOptions are the per-keyword refresh toggles.
type TrackingOptions struct {
	RefreshKeywordMetrics bool
	TrackSerpDaily        bool
	FetchBacklinks        bool
}

// TrackKeyword binds a (keyword, context) pair to a project. Adding an
// already-tracked pair returns the existing row unchanged.
func TrackKeyword(dbConn *gorm.DB, userID, projectID, keywordID, contextID uint, opts TrackingOptions) (*db.TrackedKeyword, error) {
	var existing db.TrackedKeyword
	err := dbConn.
		Where("project_id = ? AND keyword_id = ? AND context_id = ?", projectID, keywordID, contextID).
		First(&existing).Error
	if err == nil {
		return &existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	tracked := db.TrackedKeyword{
		UserID:                userID,
		ProjectID:             projectID,
		KeywordID:             keywordID,
		ContextID:             contextID,
		RefreshKeywordMetrics: opts.RefreshKeywordMetrics,
		TrackSerpDaily:        opts.TrackSerpDaily,
		FetchBacklinks:        opts.FetchBacklinks,
		CreatedAt:             time.Now(),
	}
	if err := dbConn.Create(&tracked).Error; err != nil {
		return nil, err
	}
	return &tracked, nil
}

// SetTrackingOptions updates the refresh toggles on a tracked keyword.
func SetTrackingOptions(dbConn *gorm.DB, trackedID, userID uint, opts TrackingOptions) (*db.TrackedKeyword, error) {
	var tracked db.TrackedKeyword
	if err := dbConn.Where("id = ? AND user_id = ?", trackedID, userID).First(&tracked).Error; err != nil {
		return nil, err
	}

	updates := map[string]interface{}{
		"refresh_keyword_metrics": opts.RefreshKeywordMetrics,
		"track_serp_daily":        opts.TrackSerpDaily,
		"fetch_backlinks":         opts.FetchBacklinks,
	}
	if err := dbConn.Model(&tracked).Updates(updates).Error; err != nil {
		return nil, err
	}
	return &tracked, nil
}

// ListTrackedByProject returns all tracked keywords for a project.
func ListTrackedByProject(dbConn *gorm.DB, projectID uint) ([]db.TrackedKeyword, error) {
	var tracked []db.TrackedKeyword
	err := dbConn.Where("project_id = ?", projectID).Order("created_at ASC").Find(&tracked).Error
	return tracked, err
}
