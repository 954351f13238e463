package service

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rankforge/keytrack/internal/db"
)

var schemePrefix = regexp.MustCompile(`^https?://`)

// NormalizeKeyword reduces keyword text to its canonical identity.
func NormalizeKeyword(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// NormalizeDomain reduces a domain to its canonical identity: lowercased,
// trimmed, scheme and trailing slash stripped.
func NormalizeDomain(domain string) string {
	norm := strings.ToLower(strings.TrimSpace(domain))
	norm = schemePrefix.ReplaceAllString(norm, "")
	return strings.TrimSuffix(norm, "/")
}

// NormalizeURL reduces a URL to its canonical identity.
func NormalizeURL(rawURL string) string {
	return strings.ToLower(strings.TrimSpace(rawURL))
}

// UpsertKeyword looks up a keyword by normalized text and inserts it when
// absent. Calling twice with equivalent raw input never creates a second
// row; the unique index on norm backs this up under concurrency.
func UpsertKeyword(dbConn *gorm.DB, text string) (*db.Keyword, error) {
	norm := NormalizeKeyword(text)
	if norm == "" {
		return nil, fmt.Errorf("keyword text cannot be empty")
	}

	keyword := db.Keyword{Text: text, Norm: norm, CreatedAt: time.Now()}
	err := dbConn.Clauses(clause.OnConflict{DoNothing: true}).
		Where(db.Keyword{Norm: norm}).
		FirstOrCreate(&keyword).Error
	if err != nil {
		return nil, err
	}
	if keyword.ID == 0 {
		// Lost the insert race; the winner's row is the canonical one.
		if err := dbConn.Where("norm = ?", norm).First(&keyword).Error; err != nil {
			return nil, err
		}
	}
	return &keyword, nil
}

// UpsertDomain upserts a canonical domain entity.
func UpsertDomain(dbConn *gorm.DB, domain string) (*db.Domain, error) {
	norm := NormalizeDomain(domain)
	if norm == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	entity := db.Domain{Domain: domain, DomainNorm: norm, CreatedAt: time.Now()}
	err := dbConn.Clauses(clause.OnConflict{DoNothing: true}).
		Where(db.Domain{DomainNorm: norm}).
		FirstOrCreate(&entity).Error
	if err != nil {
		return nil, err
	}
	if entity.ID == 0 {
		if err := dbConn.Where("domain_norm = ?", norm).First(&entity).Error; err != nil {
			return nil, err
		}
	}
	return &entity, nil
}

// UpsertURL upserts a canonical URL entity. DomainID is recorded as a weak
// reference on first insert only.
func UpsertURL(dbConn *gorm.DB, rawURL string, domainID uint) (*db.URL, error) {
	norm := NormalizeURL(rawURL)
	if norm == "" {
		return nil, fmt.Errorf("url cannot be empty")
	}

	entity := db.URL{URL: rawURL, URLNorm: norm, DomainID: domainID, CreatedAt: time.Now()}
	err := dbConn.Clauses(clause.OnConflict{DoNothing: true}).
		Where(db.URL{URLNorm: norm}).
		FirstOrCreate(&entity).Error
	if err != nil {
		return nil, err
	}
	if entity.ID == 0 {
		if err := dbConn.Where("url_norm = ?", norm).First(&entity).Error; err != nil {
			return nil, err
		}
	}
	return &entity, nil
}

// UpsertKeywordContext upserts a canonical (engine, location, language,
// device) tuple.
func UpsertKeywordContext(dbConn *gorm.DB, seType string, locationCode int, languageCode, device string) (*db.KeywordContext, error) {
	if seType == "" || languageCode == "" {
		return nil, fmt.Errorf("search engine type and language code are required")
	}

	context := db.KeywordContext{
		SeType:       seType,
		LocationCode: locationCode,
		LanguageCode: languageCode,
		Device:       device,
		CreatedAt:    time.Now(),
	}
	err := dbConn.Clauses(clause.OnConflict{DoNothing: true}).
		Where("se_type = ? AND location_code = ? AND language_code = ? AND device = ?",
			seType, locationCode, languageCode, device).
		FirstOrCreate(&context).Error
	if err != nil {
		return nil, err
	}
	if context.ID == 0 {
		err := dbConn.Where("se_type = ? AND location_code = ? AND language_code = ? AND device = ?",
			seType, locationCode, languageCode, device).First(&context).Error
		if err != nil {
			return nil, err
		}
	}
	return &context, nil
}

// GetKeywordByID retrieves a keyword by ID
func GetKeywordByID(dbConn *gorm.DB, id uint) (*db.Keyword, error) {
	var keyword db.Keyword
	if err := dbConn.First(&keyword, id).Error; err != nil {
		return nil, err
	}
	return &keyword, nil
}

// GetKeywordContextByID retrieves a keyword context by ID
func GetKeywordContextByID(dbConn *gorm.DB, id uint) (*db.KeywordContext, error) {
	var context db.KeywordContext
	if err := dbConn.First(&context, id).Error; err != nil {
		return nil, err
	}
	return &context, nil
}

// GetURLsByIDs retrieves URL entities preserving the given order.
func GetURLsByIDs(dbConn *gorm.DB, ids []uint) ([]db.URL, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	var urls []db.URL
	if err := dbConn.Where("id IN ?", ids).Find(&urls).Error; err != nil {
		return nil, err
	}

	byID := make(map[uint]db.URL, len(urls))
	for _, u := range urls {
		byID[u.ID] = u
	}

	ordered := make([]db.URL, 0, len(ids))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			ordered = append(ordered, u)
		}
	}
	return ordered, nil
}
