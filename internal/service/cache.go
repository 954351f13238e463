package service

import (
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
)

// TTLs per snapshot family. A snapshot is fresh while staleAt > now,
// strictly: at exactly staleAt it is already stale.
const (
	KeywordMetricsTTL = 7 * 24 * time.Hour
	SerpTTL           = 24 * time.Hour
	BacklinksTTL      = 7 * 24 * time.Hour
	DifficultyTTL     = 24 * time.Hour
)

// CacheResult is the outcome of a freshness check.
type CacheResult struct {
	Fresh      bool
	SnapshotID uint
	APICallID  uint
}

// CheckKeywordSnapshotCache reports whether a fresh keyword-metrics
// snapshot exists for the (keyword, context, source) key. Read-only.
func CheckKeywordSnapshotCache(dbConn *gorm.DB, keywordID, contextID uint, source string, now time.Time) (*CacheResult, error) {
	var snapshot db.KeywordSnapshot
	err := dbConn.
		Where("keyword_id = ? AND context_id = ? AND source = ?", keywordID, contextID, source).
		Order("fetched_at DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &CacheResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	if snapshot.StaleAt.After(now) {
		return &CacheResult{Fresh: true, SnapshotID: snapshot.ID, APICallID: snapshot.APICallID}, nil
	}
	return &CacheResult{}, nil
}

// CheckSerpSnapshotCache reports whether a fresh SERP snapshot exists for
// the (keyword, context) key.
func CheckSerpSnapshotCache(dbConn *gorm.DB, keywordID, contextID uint, now time.Time) (*CacheResult, error) {
	var snapshot db.SerpSnapshot
	err := dbConn.
		Where("keyword_id = ? AND context_id = ?", keywordID, contextID).
		Order("fetched_at DESC").
		First(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &CacheResult{}, nil
	}
	if err != nil {
		return nil, err
	}

	if snapshot.StaleAt.After(now) {
		return &CacheResult{Fresh: true, SnapshotID: snapshot.ID, APICallID: snapshot.APICallID}, nil
	}
	return &CacheResult{}, nil
}

// CheckDuplicateRequest returns the ID of the most recent ledger row for a
// request hash when that row is still inside the TTL window, 0 otherwise.
// This guards billing independently of snapshot freshness: a duplicate
// request within the window must not trigger a second paid call even when
// no cached snapshot pointer exists yet.
func CheckDuplicateRequest(dbConn *gorm.DB, requestHash string, ttl time.Duration, now time.Time) (uint, error) {
	var call db.APICall
	err := dbConn.
		Where("request_hash = ?", requestHash).
		Order("requested_at DESC").
		First(&call).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	if call.RequestedAt.Add(ttl).After(now) {
		return call.ID, nil
	}
	return 0, nil
}
