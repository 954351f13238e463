package service

import (
	"errors"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
)

// LatestKeywordSnapshot returns the most recent keyword-metrics snapshot
// for a (keyword, context) pair across all sources, or nil.
func LatestKeywordSnapshot(dbConn *gorm.DB, keywordID, contextID uint) (*db.KeywordSnapshot, error) {
	var snapshot db.KeywordSnapshot
	err := dbConn.
		Where("keyword_id = ? AND context_id = ?", keywordID, contextID).
		Order("fetched_at DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// LatestSerpSnapshot returns the most recent SERP snapshot for a
// (keyword, context) pair, or nil. Failed fetches never supersede it.
func LatestSerpSnapshot(dbConn *gorm.DB, keywordID, contextID uint) (*db.SerpSnapshot, error) {
	var snapshot db.SerpSnapshot
	err := dbConn.
		Where("keyword_id = ? AND context_id = ?", keywordID, contextID).
		Order("fetched_at DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// BacklinkSnapshotByAPICall finds the snapshot produced by a given ledger
// row, used to resolve duplicate-hash skips to existing data.
func BacklinkSnapshotByAPICall(dbConn *gorm.DB, apiCallID uint) (*db.BacklinkSnapshot, error) {
	var snapshot db.BacklinkSnapshot
	err := dbConn.Where("api_call_id = ?", apiCallID).First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// LatestURLBacklinkFacts returns the most recent backlink facts for a URL,
// or nil when the URL has never been fetched.
func LatestURLBacklinkFacts(dbConn *gorm.DB, urlID uint) (*db.URLBacklinkFacts, error) {
	var facts db.URLBacklinkFacts
	err := dbConn.
		Where("url_id = ?", urlID).
		Order("fetched_at DESC").
		First(&facts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &facts, nil
}

// LatestDomainBacklinkFacts returns the most recent backlink facts for a
// domain, or nil.
func LatestDomainBacklinkFacts(dbConn *gorm.DB, domainID uint) (*db.DomainBacklinkFacts, error) {
	var facts db.DomainBacklinkFacts
	err := dbConn.
		Where("domain_id = ?", domainID).
		Order("fetched_at DESC").
		First(&facts).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &facts, nil
}

// LatestDifficultyForSerpSnapshot returns the newest computed difficulty
// derived from a SERP snapshot, or nil.
func LatestDifficultyForSerpSnapshot(dbConn *gorm.DB, serpSnapshotID uint) (*db.KeywordDifficulty, error) {
	var result db.KeywordDifficulty
	err := dbConn.
		Where("serp_snapshot_id = ?", serpSnapshotID).
		Order("computed_at DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// LatestDifficultyForKeyword returns the newest computed difficulty for a
// (keyword, context) pair, or nil.
func LatestDifficultyForKeyword(dbConn *gorm.DB, keywordID, contextID uint) (*db.KeywordDifficulty, error) {
	var result db.KeywordDifficulty
	err := dbConn.
		Where("keyword_id = ? AND context_id = ?", keywordID, contextID).
		Order("computed_at DESC").
		First(&result).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// TrackedKeywordsWithSerp returns all tracked keywords that have daily
// SERP tracking enabled; the refresh sweep iterates over these.
func TrackedKeywordsWithSerp(dbConn *gorm.DB) ([]db.TrackedKeyword, error) {
	var tracked []db.TrackedKeyword
	err := dbConn.Where("track_serp_daily = ?", true).Find(&tracked).Error
	return tracked, err
}
