// Package jobs executes fetch and compute work units. Every provider call
// goes through the same pipeline: cache check, duplicate-request check,
// external call, ledger write, snapshot write. Skipped calls (cache-fresh
// or duplicate within the TTL window) write no ledger row.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/dataforseo"
	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/difficulty"
	"github.com/rankforge/keytrack/internal/fingerprint"
	"github.com/rankforge/keytrack/internal/service"
)

// Discovery methods accepted by RunDiscovery.
const (
	DiscoverySuggestions = "suggestions"
	DiscoveryRelated     = "related"
)

var ErrUnknownDiscoveryMethod = errors.New("unknown discovery method")

// Runner executes individual fetch and compute operations against the
// database and the injected provider client.
type Runner struct {
	DB     *gorm.DB
	Caller dataforseo.Caller
}

// callSpec describes one prospective provider call.
type callSpec struct {
	userID    uint
	projectID uint
	method    string
	payload   interface{}
	dedupTTL  time.Duration
}

// callOutcome is the result of the dedup-call-ledger part of the pipeline.
// Exactly one of duplicateOf or apiCallID is set on success.
type callOutcome struct {
	result      *dataforseo.CallResult
	apiCallID   uint
	duplicateOf uint
	costUsd     float64
}

// callProvider runs the duplicate check, dispatches the call, and appends
// the ledger row. A failed call still gets a ledger row, with cost zero and
// the error recorded; the ledger is the audit trail for dispatched calls,
// not for skipped ones.
func (r *Runner) callProvider(ctx context.Context, spec callSpec) (*callOutcome, error) {
	endpoint, err := dataforseo.Endpoint(spec.method)
	if err != nil {
		return nil, err
	}
	hash, err := fingerprint.Compute(endpoint, spec.payload)
	if err != nil {
		return nil, err
	}

	dupID, err := service.CheckDuplicateRequest(r.DB, hash, spec.dedupTTL, time.Now())
	if err != nil {
		return nil, err
	}
	if dupID != 0 {
		log.Printf("Duplicate request %s within TTL, reusing call %d", spec.method, dupID)
		return &callOutcome{duplicateOf: dupID}, nil
	}

	canonical, err := fingerprint.Canonicalize(spec.payload)
	if err != nil {
		return nil, err
	}

	requestedAt := time.Now()
	result, callErr := r.Caller.Call(ctx, spec.method, spec.payload)
	responseAt := time.Now()
	durationMs := responseAt.Sub(requestedAt).Milliseconds()

	call := &db.APICall{
		UserID:         spec.userID,
		ProjectID:      spec.projectID,
		Endpoint:       endpoint,
		Method:         http.MethodPost,
		RequestHash:    hash,
		RequestPayload: canonical,
		RequestedAt:    requestedAt,
		ResponseAt:     &responseAt,
		DurationMs:     &durationMs,
	}

	if callErr != nil {
		call.CostUsd = 0
		call.Error = callErr.Error()
		var apiErr *dataforseo.APIError
		if errors.As(callErr, &apiErr) {
			status := apiErr.Status
			call.HTTPStatus = &status
		}
		if _, err := service.RecordAPICall(r.DB, call); err != nil {
			log.Printf("Failed to record failed provider call: %v", err)
		}
		return &callOutcome{apiCallID: call.ID}, callErr
	}

	httpOK := http.StatusOK
	call.HTTPStatus = &httpOK
	call.ProviderStatusCode = &result.StatusCode
	call.ProviderStatusMessage = result.StatusMessage
	call.CostUsd = result.CostUsd
	call.TasksCount = &result.TasksCount
	call.TasksCostUsd = encodeCosts(result.TasksCostUsd)

	if _, err := service.RecordAPICall(r.DB, call); err != nil {
		return nil, fmt.Errorf("failed to record provider call: %w", err)
	}

	return &callOutcome{result: result, apiCallID: call.ID, costUsd: result.CostUsd}, nil
}

func encodeCosts(costs []float64) string {
	if costs == nil {
		costs = []float64{}
	}
	raw, err := json.Marshal(costs)
	if err != nil {
		return "[]"
	}
	return string(raw)
}

// DiscoveryParams drive a keyword discovery run from one seed keyword.
type DiscoveryParams struct {
	Method       string `json:"method"` // "suggestions" | "related"
	Seed         string `json:"seed"`
	SeType       string `json:"se_type"`
	LocationCode int    `json:"location_code"`
	LanguageCode string `json:"language_code"`
	Device       string `json:"device"`
	Limit        int    `json:"limit"`
}

// DiscoveryResult reports what a discovery run produced.
type DiscoveryResult struct {
	Skipped       bool
	APICallID     uint
	SeedKeywordID uint
	ContextID     uint
	KeywordIDs    []uint
	CostUsd       float64
}

// RunDiscovery expands a seed keyword via the suggestions or related
// endpoint, upserts every discovered keyword, and writes a metrics snapshot
// plus an origin edge per keyword. A fresh snapshot for the seed from the
// same source, or a duplicate request hash, skips the paid call entirely.
func (r *Runner) RunDiscovery(ctx context.Context, userID, projectID uint, p DiscoveryParams) (*DiscoveryResult, error) {
	var method, source, originMethod string
	switch p.Method {
	case DiscoverySuggestions:
		method = dataforseo.MethodKeywordSuggestions
		source = db.SourceKeywordSuggestions
		originMethod = DiscoverySuggestions
	case DiscoveryRelated:
		method = dataforseo.MethodRelatedKeywords
		source = db.SourceRelatedKeywords
		originMethod = DiscoveryRelated
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDiscoveryMethod, p.Method)
	}

	seed, err := service.UpsertKeyword(r.DB, p.Seed)
	if err != nil {
		return nil, err
	}
	kwContext, err := upsertContext(r.DB, p.SeType, p.LocationCode, p.LanguageCode, p.Device)
	if err != nil {
		return nil, err
	}

	cached, err := service.CheckKeywordSnapshotCache(r.DB, seed.ID, kwContext.ID, source, time.Now())
	if err != nil {
		return nil, err
	}
	if cached.Fresh {
		return &DiscoveryResult{Skipped: true, APICallID: cached.APICallID, SeedKeywordID: seed.ID, ContextID: kwContext.ID}, nil
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 100
	}
	payload := []map[string]interface{}{{
		"keyword":              service.NormalizeKeyword(p.Seed),
		"location_code":        kwContext.LocationCode,
		"language_code":        kwContext.LanguageCode,
		"limit":                limit,
		"include_seed_keyword": true,
		"include_serp_info":    true,
	}}

	outcome, err := r.callProvider(ctx, callSpec{
		userID:    userID,
		projectID: projectID,
		method:    method,
		payload:   payload,
		dedupTTL:  service.KeywordMetricsTTL,
	})
	if err != nil {
		return nil, err
	}
	if outcome.duplicateOf != 0 {
		return &DiscoveryResult{Skipped: true, APICallID: outcome.duplicateOf, SeedKeywordID: seed.ID, ContextID: kwContext.ID}, nil
	}

	items, err := dataforseo.ParseKeywordItems(outcome.result.Data)
	if err != nil {
		return nil, err
	}

	fetchedAt := time.Now()
	result := &DiscoveryResult{
		APICallID:     outcome.apiCallID,
		SeedKeywordID: seed.ID,
		ContextID:     kwContext.ID,
		CostUsd:       outcome.costUsd,
	}
	for _, item := range items {
		keyword, err := service.UpsertKeyword(r.DB, item.Keyword)
		if err != nil {
			log.Printf("Failed to upsert discovered keyword %q: %v", item.Keyword, err)
			continue
		}
		result.KeywordIDs = append(result.KeywordIDs, keyword.ID)

		snapshot := snapshotFromItem(&item, userID, projectID, outcome.apiCallID, keyword.ID, kwContext.ID, source, fetchedAt)
		if err := r.DB.Create(snapshot).Error; err != nil {
			return nil, fmt.Errorf("failed to write keyword snapshot: %w", err)
		}

		if keyword.ID != seed.ID {
			origin := db.KeywordOrigin{
				SeedKeywordID:    seed.ID,
				DerivedKeywordID: keyword.ID,
				Method:           originMethod,
				FetchedAt:        fetchedAt,
			}
			if err := r.DB.Create(&origin).Error; err != nil {
				return nil, fmt.Errorf("failed to write keyword origin: %w", err)
			}
		}
	}
	return result, nil
}

// OverviewParams drive a single-keyword overview fetch.
type OverviewParams struct {
	Keyword      string `json:"keyword"`
	SeType       string `json:"se_type"`
	LocationCode int    `json:"location_code"`
	LanguageCode string `json:"language_code"`
	Device       string `json:"device"`
}

// OverviewResult reports one overview fetch.
type OverviewResult struct {
	Skipped    bool
	APICallID  uint
	KeywordID  uint
	ContextID  uint
	SnapshotID uint
	CostUsd    float64
}

// RunOverview fetches full metrics for one keyword. A fresh overview
// snapshot short-circuits before any billing-relevant work.
func (r *Runner) RunOverview(ctx context.Context, userID, projectID uint, p OverviewParams) (*OverviewResult, error) {
	keyword, err := service.UpsertKeyword(r.DB, p.Keyword)
	if err != nil {
		return nil, err
	}
	kwContext, err := upsertContext(r.DB, p.SeType, p.LocationCode, p.LanguageCode, p.Device)
	if err != nil {
		return nil, err
	}

	cached, err := service.CheckKeywordSnapshotCache(r.DB, keyword.ID, kwContext.ID, db.SourceKeywordOverview, time.Now())
	if err != nil {
		return nil, err
	}
	if cached.Fresh {
		return &OverviewResult{
			Skipped:    true,
			APICallID:  cached.APICallID,
			KeywordID:  keyword.ID,
			ContextID:  kwContext.ID,
			SnapshotID: cached.SnapshotID,
		}, nil
	}

	payload := []map[string]interface{}{{
		"keywords":          []string{keyword.Norm},
		"location_code":     kwContext.LocationCode,
		"language_code":     kwContext.LanguageCode,
		"include_serp_info": true,
	}}

	outcome, err := r.callProvider(ctx, callSpec{
		userID:    userID,
		projectID: projectID,
		method:    dataforseo.MethodKeywordOverview,
		payload:   payload,
		dedupTTL:  service.KeywordMetricsTTL,
	})
	if err != nil {
		return nil, err
	}
	if outcome.duplicateOf != 0 {
		return &OverviewResult{Skipped: true, APICallID: outcome.duplicateOf, KeywordID: keyword.ID, ContextID: kwContext.ID}, nil
	}

	item, err := dataforseo.ParseKeywordOverview(outcome.result.Data)
	if err != nil {
		return nil, err
	}

	snapshot := snapshotFromItem(item, userID, projectID, outcome.apiCallID, keyword.ID, kwContext.ID, db.SourceKeywordOverview, time.Now())
	if err := r.DB.Create(snapshot).Error; err != nil {
		return nil, fmt.Errorf("failed to write keyword snapshot: %w", err)
	}

	return &OverviewResult{
		APICallID:  outcome.apiCallID,
		KeywordID:  keyword.ID,
		ContextID:  kwContext.ID,
		SnapshotID: snapshot.ID,
		CostUsd:    outcome.costUsd,
	}, nil
}

// BulkKDParams drive a bulk keyword-difficulty fetch for up to 1000
// keywords per call.
type BulkKDParams struct {
	Keywords     []string `json:"keywords"`
	SeType       string   `json:"se_type"`
	LocationCode int      `json:"location_code"`
	LanguageCode string   `json:"language_code"`
	Device       string   `json:"device"`
}

// BulkKDResult reports one bulk difficulty fetch.
type BulkKDResult struct {
	Skipped    bool
	APICallID  uint
	ContextID  uint
	KeywordIDs []uint
	CostUsd    float64
}

// RunBulkKD fetches provider-reported difficulty for a keyword batch.
// Keywords that already have a fresh bulk-difficulty snapshot are filtered
// out before the call; an entirely-fresh batch skips the call.
func (r *Runner) RunBulkKD(ctx context.Context, userID, projectID uint, p BulkKDParams) (*BulkKDResult, error) {
	kwContext, err := upsertContext(r.DB, p.SeType, p.LocationCode, p.LanguageCode, p.Device)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var stale []string
	keywordIDs := make(map[string]uint, len(p.Keywords))
	for _, text := range p.Keywords {
		keyword, err := service.UpsertKeyword(r.DB, text)
		if err != nil {
			return nil, err
		}
		keywordIDs[keyword.Norm] = keyword.ID

		cached, err := service.CheckKeywordSnapshotCache(r.DB, keyword.ID, kwContext.ID, db.SourceBulkKeywordDifficulty, now)
		if err != nil {
			return nil, err
		}
		if !cached.Fresh {
			stale = append(stale, keyword.Norm)
		}
	}
	if len(stale) == 0 {
		return &BulkKDResult{Skipped: true, ContextID: kwContext.ID}, nil
	}

	payload := []map[string]interface{}{{
		"keywords":      stale,
		"location_code": kwContext.LocationCode,
		"language_code": kwContext.LanguageCode,
	}}

	outcome, err := r.callProvider(ctx, callSpec{
		userID:    userID,
		projectID: projectID,
		method:    dataforseo.MethodBulkKeywordDifficulty,
		payload:   payload,
		dedupTTL:  service.KeywordMetricsTTL,
	})
	if err != nil {
		return nil, err
	}
	if outcome.duplicateOf != 0 {
		return &BulkKDResult{Skipped: true, APICallID: outcome.duplicateOf, ContextID: kwContext.ID}, nil
	}

	items, err := dataforseo.ParseKeywordItems(outcome.result.Data)
	if err != nil {
		return nil, err
	}

	fetchedAt := time.Now()
	result := &BulkKDResult{APICallID: outcome.apiCallID, ContextID: kwContext.ID, CostUsd: outcome.costUsd}
	for _, item := range items {
		keywordID, ok := keywordIDs[service.NormalizeKeyword(item.Keyword)]
		if !ok {
			keyword, err := service.UpsertKeyword(r.DB, item.Keyword)
			if err != nil {
				continue
			}
			keywordID = keyword.ID
		}
		result.KeywordIDs = append(result.KeywordIDs, keywordID)

		snapshot := snapshotFromItem(&item, userID, projectID, outcome.apiCallID, keywordID, kwContext.ID, db.SourceBulkKeywordDifficulty, fetchedAt)
		if err := r.DB.Create(snapshot).Error; err != nil {
			return nil, fmt.Errorf("failed to write keyword snapshot: %w", err)
		}
	}
	return result, nil
}

// snapshotFromItem maps a provider keyword row onto an immutable snapshot.
func snapshotFromItem(item *dataforseo.KeywordItem, userID, projectID, apiCallID, keywordID, contextID uint, source string, fetchedAt time.Time) *db.KeywordSnapshot {
	snapshot := &db.KeywordSnapshot{
		UserID:    userID,
		ProjectID: projectID,
		APICallID: apiCallID,
		KeywordID: keywordID,
		ContextID: contextID,
		Source:    source,
		FetchedAt: fetchedAt,
		StaleAt:   fetchedAt.Add(service.KeywordMetricsTTL),
		RawJSON:   string(item.Raw),
	}

	if info := item.KeywordInfo; info != nil {
		snapshot.SearchVolume = info.SearchVolume
		snapshot.Cpc = info.Cpc
		snapshot.Competition = info.Competition
		snapshot.CompetitionLevel = info.CompetitionLevel
		snapshot.Bid = info.Bid()
		if len(info.MonthlySearches) > 0 {
			if raw, err := json.Marshal(info.MonthlySearches); err == nil {
				snapshot.MonthlySearches = string(raw)
			}
		}
	}
	if props := item.KeywordProperties; props != nil {
		snapshot.ProviderDifficulty = props.KeywordDifficulty
		snapshot.CoreKeyword = props.CoreKeyword
		snapshot.WordsCount = props.WordsCount
	}
	if item.KeywordDifficulty != nil {
		// bulk difficulty endpoint reports KD at the top level
		snapshot.ProviderDifficulty = item.KeywordDifficulty
	}
	if serp := item.SerpInfo; serp != nil {
		snapshot.SerpResultsCount = serp.ResultsCount
		if len(serp.SerpItemTypes) > 0 {
			if raw, err := json.Marshal(serp.SerpItemTypes); err == nil {
				snapshot.SerpItemTypes = string(raw)
			}
		}
	}
	if avg := item.AvgBacklinksInfo; avg != nil {
		snapshot.AvgBacklinks = avg.Backlinks
		snapshot.AvgReferringDomains = avg.ReferringDomains
		snapshot.AvgRank = avg.Rank
	}
	if intent := item.SearchIntentInfo; intent != nil {
		snapshot.MainIntent = intent.MainIntent
	}
	return snapshot
}

func upsertContext(dbConn *gorm.DB, seType string, locationCode int, languageCode, device string) (*db.KeywordContext, error) {
	if seType == "" {
		seType = "google"
	}
	if locationCode == 0 {
		locationCode = 2840 // United States
	}
	if languageCode == "" {
		languageCode = "en"
	}
	if device == "" {
		device = "desktop"
	}
	return service.UpsertKeywordContext(dbConn, seType, locationCode, languageCode, device)
}

// SerpParams drive one SERP fetch for a (keyword, context) pair.
type SerpParams struct {
	Keyword      string `json:"keyword"`
	SeType       string `json:"se_type"`
	LocationCode int    `json:"location_code"`
	LanguageCode string `json:"language_code"`
	Device       string `json:"device"`
	Depth        int    `json:"depth"`
}

// SerpFetchResult reports one SERP fetch.
type SerpFetchResult struct {
	Skipped    bool
	APICallID  uint
	KeywordID  uint
	ContextID  uint
	SnapshotID uint
	CostUsd    float64
}

// topOrganicLimit caps how many organic results feed the top-URL lists.
const topOrganicLimit = 10

// RunSerp fetches the live SERP for a keyword, upserts the domain and URL
// of every organic result, and stores the snapshot with its item rows and
// top-organic ID lists.
func (r *Runner) RunSerp(ctx context.Context, userID, projectID uint, p SerpParams) (*SerpFetchResult, error) {
	keyword, err := service.UpsertKeyword(r.DB, p.Keyword)
	if err != nil {
		return nil, err
	}
	kwContext, err := upsertContext(r.DB, p.SeType, p.LocationCode, p.LanguageCode, p.Device)
	if err != nil {
		return nil, err
	}

	cached, err := service.CheckSerpSnapshotCache(r.DB, keyword.ID, kwContext.ID, time.Now())
	if err != nil {
		return nil, err
	}
	if cached.Fresh {
		return &SerpFetchResult{
			Skipped:    true,
			APICallID:  cached.APICallID,
			KeywordID:  keyword.ID,
			ContextID:  kwContext.ID,
			SnapshotID: cached.SnapshotID,
		}, nil
	}

	depth := p.Depth
	if depth <= 0 {
		depth = 20
	}
	payload := []map[string]interface{}{{
		"keyword":       keyword.Norm,
		"location_code": kwContext.LocationCode,
		"language_code": kwContext.LanguageCode,
		"device":        kwContext.Device,
		"depth":         depth,
	}}

	outcome, err := r.callProvider(ctx, callSpec{
		userID:    userID,
		projectID: projectID,
		method:    dataforseo.MethodSerpOrganic,
		payload:   payload,
		dedupTTL:  service.SerpTTL,
	})
	if err != nil {
		return nil, err
	}
	if outcome.duplicateOf != 0 {
		return &SerpFetchResult{Skipped: true, APICallID: outcome.duplicateOf, KeywordID: keyword.ID, ContextID: kwContext.ID}, nil
	}

	parsed, err := dataforseo.ParseSerpResult(outcome.result.Data)
	if err != nil {
		return nil, err
	}

	fetchedAt := time.Now()
	snapshot := &db.SerpSnapshot{
		UserID:       userID,
		ProjectID:    projectID,
		APICallID:    outcome.apiCallID,
		KeywordID:    keyword.ID,
		ContextID:    kwContext.ID,
		FetchedAt:    fetchedAt,
		StaleAt:      fetchedAt.Add(service.SerpTTL),
		SeType:       kwContext.SeType,
		SeDomain:     parsed.SeDomain,
		LocationCode: kwContext.LocationCode,
		LanguageCode: kwContext.LanguageCode,
		Device:       kwContext.Device,
		ResultsCount: parsed.SeResultsCount,
		ItemsCount:   parsed.ItemsCount,
		PagesCount:   parsed.PagesCount,
		RawJSON:      string(parsed.Raw),
	}
	if err := r.DB.Create(snapshot).Error; err != nil {
		return nil, fmt.Errorf("failed to write SERP snapshot: %w", err)
	}

	var (
		topDomainIDs  []uint
		topURLIDs     []uint
		typesPresent  []string
		typeSeen      = map[string]bool{}
		topDomainSeen = map[uint]bool{}
	)
	for _, item := range parsed.Items {
		if item.Type != "" && !typeSeen[item.Type] {
			typeSeen[item.Type] = true
			typesPresent = append(typesPresent, item.Type)
		}

		row := db.SerpItem{
			SerpSnapshotID:    snapshot.ID,
			APICallID:         outcome.apiCallID,
			Type:              item.Type,
			RankGroup:         item.RankGroup,
			RankAbsolute:      item.RankAbsolute,
			Page:              item.Page,
			Domain:            item.Domain,
			URL:               item.URL,
			Title:             item.Title,
			Description:       item.Description,
			Breadcrumb:        item.Breadcrumb,
			WebsiteName:       item.WebsiteName,
			IsFeaturedSnippet: item.IsFeaturedSnippet,
			IsVideo:           item.IsVideo,
			IsImage:           item.IsImage,
			IsMalicious:       item.IsMalicious,
			Payload:           string(item.Raw),
		}

		if item.Type == "organic" && item.Domain != "" {
			domain, err := service.UpsertDomain(r.DB, item.Domain)
			if err != nil {
				return nil, err
			}
			row.DomainID = &domain.ID

			if item.URL != "" {
				urlEntity, err := service.UpsertURL(r.DB, item.URL, domain.ID)
				if err != nil {
					return nil, err
				}
				row.URLID = &urlEntity.ID

				if item.RankGroup != nil && *item.RankGroup <= topOrganicLimit && len(topURLIDs) < topOrganicLimit {
					topURLIDs = append(topURLIDs, urlEntity.ID)
					if !topDomainSeen[domain.ID] {
						topDomainSeen[domain.ID] = true
						topDomainIDs = append(topDomainIDs, domain.ID)
					}
				}
			}
		}

		if err := r.DB.Create(&row).Error; err != nil {
			return nil, fmt.Errorf("failed to write SERP item: %w", err)
		}
	}

	typesJSON, _ := json.Marshal(typesPresent)
	updates := map[string]interface{}{
		"serp_item_types_present": string(typesJSON),
		"top_organic_domain_ids":  service.EncodeIDList(topDomainIDs),
		"top_organic_url_ids":     service.EncodeIDList(topURLIDs),
	}
	if err := r.DB.Model(&db.SerpSnapshot{}).Where("id = ?", snapshot.ID).Updates(updates).Error; err != nil {
		return nil, fmt.Errorf("failed to finalize SERP snapshot: %w", err)
	}

	return &SerpFetchResult{
		APICallID:  outcome.apiCallID,
		KeywordID:  keyword.ID,
		ContextID:  kwContext.ID,
		SnapshotID: snapshot.ID,
		CostUsd:    outcome.costUsd,
	}, nil
}

// BacklinksParams drive one bulk backlink-summary fetch.
type BacklinksParams struct {
	TargetType string   `json:"target_type"` // "url" | "domain"
	Targets    []string `json:"targets"`
}

// BacklinksResult reports one backlinks fetch.
type BacklinksResult struct {
	Skipped    bool
	APICallID  uint
	SnapshotID uint
	FactCount  int
	CostUsd    float64
}

// RunBacklinks fetches backlink summaries for a batch of URL or domain
// targets. Targets whose latest facts are still fresh are filtered out
// before the call; an entirely-fresh batch skips the call.
func (r *Runner) RunBacklinks(ctx context.Context, userID, projectID uint, p BacklinksParams) (*BacklinksResult, error) {
	if p.TargetType != "url" && p.TargetType != "domain" {
		return nil, fmt.Errorf("unknown backlink target type %q", p.TargetType)
	}
	if len(p.Targets) == 0 {
		return nil, fmt.Errorf("no backlink targets given")
	}

	now := time.Now()
	var stale []string
	for _, target := range p.Targets {
		fresh, err := r.backlinkTargetFresh(target, p.TargetType, now)
		if err != nil {
			return nil, err
		}
		if !fresh {
			stale = append(stale, target)
		}
	}
	if len(stale) == 0 {
		return &BacklinksResult{Skipped: true}, nil
	}

	payload := []map[string]interface{}{{
		"targets": stale,
	}}

	outcome, err := r.callProvider(ctx, callSpec{
		userID:    userID,
		projectID: projectID,
		method:    dataforseo.MethodBacklinksBulkPages,
		payload:   payload,
		dedupTTL:  service.BacklinksTTL,
	})
	if err != nil {
		return nil, err
	}
	if outcome.duplicateOf != 0 {
		skipped := &BacklinksResult{Skipped: true, APICallID: outcome.duplicateOf}
		prior, err := service.BacklinkSnapshotByAPICall(r.DB, outcome.duplicateOf)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			skipped.SnapshotID = prior.ID
		}
		return skipped, nil
	}

	targets, err := dataforseo.ParseBacklinkTargets(outcome.result.Data)
	if err != nil {
		return nil, err
	}

	fetchedAt := time.Now()
	snapshot := &db.BacklinkSnapshot{
		UserID:      userID,
		ProjectID:   projectID,
		APICallID:   outcome.apiCallID,
		FetchedAt:   fetchedAt,
		StaleAt:     fetchedAt.Add(service.BacklinksTTL),
		TargetType:  p.TargetType,
		TargetCount: len(targets),
	}
	if err := r.DB.Create(snapshot).Error; err != nil {
		return nil, fmt.Errorf("failed to write backlink snapshot: %w", err)
	}

	result := &BacklinksResult{APICallID: outcome.apiCallID, SnapshotID: snapshot.ID, CostUsd: outcome.costUsd}
	for _, target := range targets {
		if target.Metrics == nil {
			continue
		}
		if err := r.writeBacklinkFacts(snapshot, target, p.TargetType, fetchedAt, outcome.apiCallID); err != nil {
			return nil, err
		}
		result.FactCount++
	}
	return result, nil
}

func (r *Runner) backlinkTargetFresh(target, targetType string, now time.Time) (bool, error) {
	if targetType == "domain" {
		var domain db.Domain
		err := r.DB.Where("domain_norm = ?", service.NormalizeDomain(target)).First(&domain).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		facts, err := service.LatestDomainBacklinkFacts(r.DB, domain.ID)
		if err != nil {
			return false, err
		}
		return facts != nil && facts.StaleAt.After(now), nil
	}

	var urlEntity db.URL
	err := r.DB.Where("url_norm = ?", service.NormalizeURL(target)).First(&urlEntity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	facts, err := service.LatestURLBacklinkFacts(r.DB, urlEntity.ID)
	if err != nil {
		return false, err
	}
	return facts != nil && facts.StaleAt.After(now), nil
}

func (r *Runner) writeBacklinkFacts(snapshot *db.BacklinkSnapshot, target dataforseo.BacklinkTarget, targetType string, fetchedAt time.Time, apiCallID uint) error {
	m := target.Metrics
	staleAt := fetchedAt.Add(service.BacklinksTTL)

	if targetType == "domain" {
		domain, err := service.UpsertDomain(r.DB, target.Target.URL)
		if err != nil {
			return err
		}
		facts := db.DomainBacklinkFacts{
			BacklinkSnapshotID:   snapshot.ID,
			APICallID:            apiCallID,
			DomainID:             domain.ID,
			FetchedAt:            fetchedAt,
			StaleAt:              staleAt,
			Rank:                 m.Rank,
			MainDomainRank:       m.MainDomainRank,
			Backlinks:            m.Backlinks,
			DofollowBacklinks:    m.DofollowBacklinks,
			NofollowBacklinks:    m.NofollowBacklinks,
			ReferringDomains:     m.ReferringDomains,
			ReferringMainDomains: m.ReferringMainDomains,
			ReferringPages:       m.ReferringPages,
			BrokenBacklinks:      m.BrokenBacklinks,
			BrokenPages:          m.BrokenPages,
			SpamScore:            m.BacklinksSpamScore,
			FirstSeen:            m.FirstSeen,
		}
		return r.DB.Create(&facts).Error
	}

	domain, err := service.UpsertDomain(r.DB, target.Target.URL)
	if err != nil {
		return err
	}
	urlEntity, err := service.UpsertURL(r.DB, target.Target.URL, domain.ID)
	if err != nil {
		return err
	}
	facts := db.URLBacklinkFacts{
		BacklinkSnapshotID:   snapshot.ID,
		APICallID:            apiCallID,
		URLID:                urlEntity.ID,
		DomainID:             &domain.ID,
		FetchedAt:            fetchedAt,
		StaleAt:              staleAt,
		Rank:                 m.Rank,
		MainDomainRank:       m.MainDomainRank,
		Backlinks:            m.Backlinks,
		DofollowBacklinks:    m.DofollowBacklinks,
		NofollowBacklinks:    m.NofollowBacklinks,
		ReferringDomains:     m.ReferringDomains,
		ReferringMainDomains: m.ReferringMainDomains,
		ReferringPages:       m.ReferringPages,
		BrokenBacklinks:      m.BrokenBacklinks,
		BrokenPages:          m.BrokenPages,
		SpamScore:            m.BacklinksSpamScore,
		FirstSeen:            m.FirstSeen,
	}
	return r.DB.Create(&facts).Error
}

// DifficultyParams drive one difficulty computation.
type DifficultyParams struct {
	KeywordID uint `json:"keyword_id"`
	ContextID uint `json:"context_id"`
}

// DifficultyResult reports one difficulty computation.
type DifficultyResult struct {
	Skipped    bool
	Difficulty int
	ResultID   uint
}

var ErrNoSerpSnapshot = errors.New("no SERP snapshot to compute difficulty from")

// RunDifficulty computes difficulty from the latest SERP snapshot for a
// (keyword, context) pair. A fresh existing result short-circuits; no
// provider call is involved.
func (r *Runner) RunDifficulty(_ context.Context, p DifficultyParams) (*DifficultyResult, error) {
	snapshot, err := service.LatestSerpSnapshot(r.DB, p.KeywordID, p.ContextID)
	if err != nil {
		return nil, err
	}
	if snapshot == nil {
		return nil, ErrNoSerpSnapshot
	}

	existing, err := service.LatestDifficultyForSerpSnapshot(r.DB, snapshot.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.StaleAt.After(time.Now()) {
		return &DifficultyResult{Skipped: true, Difficulty: existing.Difficulty, ResultID: existing.ID}, nil
	}

	result, err := difficulty.Compute(r.DB, snapshot.ID)
	if err != nil {
		return nil, err
	}
	return &DifficultyResult{Difficulty: result.Difficulty, ResultID: result.ID}, nil
}
