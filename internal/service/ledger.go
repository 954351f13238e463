package service

import (
	"time"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
)

// ProviderName is the only external data provider this system talks to.
const ProviderName = "dataforseo"

// RecordAPICall appends one row to the external call ledger. Rows are never
// updated or deleted; failures are recorded with CostUsd = 0 and the error
// message filled in (the provider's per-attempt billing semantics are
// unknown, so spend on failed calls is conservatively recorded as zero).
func RecordAPICall(dbConn *gorm.DB, call *db.APICall) (uint, error) {
	if call.Provider == "" {
		call.Provider = ProviderName
	}
	if call.Currency == "" {
		call.Currency = "USD"
	}
	if call.RequestedAt.IsZero() {
		call.RequestedAt = time.Now()
	}

	if err := dbConn.Create(call).Error; err != nil {
		return 0, err
	}
	return call.ID, nil
}

// ProjectSpend sums the recorded cost of all ledger rows for a project.
func ProjectSpend(dbConn *gorm.DB, projectID uint) (float64, error) {
	var total float64
	err := dbConn.Model(&db.APICall{}).
		Where("project_id = ?", projectID).
		Select("COALESCE(SUM(cost_usd), 0)").
		Scan(&total).Error
	return total, err
}

// ListAPICalls returns ledger rows for a project, most recent first.
func ListAPICalls(dbConn *gorm.DB, projectID uint, limit, offset int) ([]db.APICall, int64, error) {
	query := dbConn.Model(&db.APICall{}).Where("project_id = ?", projectID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var calls []db.APICall
	err := query.Order("requested_at DESC").Limit(limit).Offset(offset).Find(&calls).Error
	return calls, total, err
}
