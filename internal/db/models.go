package db

import "time"

type JobStatus string

const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

type JobStage string

const (
	StageDiscovery  JobStage = "discovery"
	StageBulkKD     JobStage = "bulk_kd"
	StageEnrichment JobStage = "enrichment"
	StageSerp       JobStage = "serp"
	StageBacklinks  JobStage = "backlinks"
	StageDifficulty JobStage = "difficulty"
)

// Source tags for keyword metric snapshots.
const (
	SourceKeywordSuggestions    = "labs_keyword_suggestions"
	SourceRelatedKeywords       = "labs_related_keywords"
	SourceKeywordOverview       = "labs_keyword_overview"
	SourceBulkKeywordDifficulty = "bulk_keyword_difficulty"
)

// User represents an authenticated user
type User struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	Username  string    `gorm:"uniqueIndex;not null;size:100" json:"username"`
	Password  string    `gorm:"not null;size:255" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Project groups tracked keywords and spend for one site
type Project struct {
	ID              uint      `gorm:"primaryKey" json:"id"`
	UserID          uint      `gorm:"index;not null" json:"user_id"`
	Name            string    `gorm:"not null;size:200" json:"name"`
	Description     string    `gorm:"size:1000" json:"description"`
	URL             string    `gorm:"size:768" json:"url"`
	DefaultRegion   string    `gorm:"size:20" json:"default_region"`
	DefaultLanguage string    `gorm:"size:10" json:"default_language"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
	User            User      `gorm:"foreignKey:UserID" json:"-"`
}

// Keyword is a canonical keyword entity. Identity is the normalized text;
// the unique index makes concurrent upserts of a brand-new keyword safe.
type Keyword struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Text      string    `gorm:"not null;size:500" json:"text"`
	Norm      string    `gorm:"uniqueIndex;not null;size:500" json:"norm"`
	CreatedAt time.Time `json:"created_at"`
}

// KeywordContext is a canonical (engine, location, language, device) tuple.
type KeywordContext struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	SeType       string    `gorm:"uniqueIndex:idx_context_tuple;not null;size:50" json:"se_type"`
	LocationCode int       `gorm:"uniqueIndex:idx_context_tuple;not null" json:"location_code"`
	LanguageCode string    `gorm:"uniqueIndex:idx_context_tuple;not null;size:10" json:"language_code"`
	Device       string    `gorm:"uniqueIndex:idx_context_tuple;size:20" json:"device"`
	CreatedAt    time.Time `json:"created_at"`
}

// Domain is a canonical domain entity keyed by normalized host.
type Domain struct {
	ID         uint      `gorm:"primaryKey" json:"id"`
	Domain     string    `gorm:"not null;size:500" json:"domain"`
	DomainNorm string    `gorm:"uniqueIndex;not null;size:500" json:"domain_norm"`
	CreatedAt  time.Time `json:"created_at"`
}

// URL is a canonical URL entity. DomainID is a weak reference, not ownership.
type URL struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	URL       string    `gorm:"not null;size:768" json:"url"`
	URLNorm   string    `gorm:"uniqueIndex;not null;size:768" json:"url_norm"`
	DomainID  uint      `gorm:"index" json:"domain_id"`
	CreatedAt time.Time `json:"created_at"`
}

// TrackedKeyword binds a (keyword, context) pair to a project with
// independent refresh toggles.
type TrackedKeyword struct {
	ID                    uint      `gorm:"primaryKey" json:"id"`
	UserID                uint      `gorm:"index;not null" json:"user_id"`
	ProjectID             uint      `gorm:"uniqueIndex:idx_tracked_tuple;not null" json:"project_id"`
	KeywordID             uint      `gorm:"uniqueIndex:idx_tracked_tuple;not null" json:"keyword_id"`
	ContextID             uint      `gorm:"uniqueIndex:idx_tracked_tuple;not null" json:"context_id"`
	RefreshKeywordMetrics bool      `gorm:"not null;default:true" json:"refresh_keyword_metrics"` // 7d cadence
	TrackSerpDaily        bool      `gorm:"index;not null;default:false" json:"track_serp_daily"` // 24h cadence
	FetchBacklinks        bool      `gorm:"not null;default:false" json:"fetch_backlinks"`        // 7d cadence, requires SERP tracking
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// APICall is one row in the append-only external call ledger. A row is
// written for every dispatched attempt, success or failure; skipped calls
// (cache-fresh or duplicate hash) write nothing. RequestHash is indexed but
// deliberately not unique: retries at different times may share it, and the
// most recent row within TTL governs dedup.
type APICall struct {
	ID                    uint       `gorm:"primaryKey" json:"id"`
	UserID                uint       `gorm:"index;not null" json:"user_id"`
	ProjectID             uint       `gorm:"index:idx_apicall_project_time" json:"project_id"`
	Provider              string     `gorm:"not null;size:50" json:"provider"`
	Endpoint              string     `gorm:"not null;size:255" json:"endpoint"`
	Method                string     `gorm:"not null;size:10" json:"method"`
	RequestHash           string     `gorm:"index;not null;size:64" json:"request_hash"`
	RequestPayload        string     `gorm:"type:text" json:"request_payload"` // canonical JSON
	RequestedAt           time.Time  `gorm:"index:idx_apicall_project_time;not null" json:"requested_at"`
	ResponseAt            *time.Time `json:"response_at"`
	DurationMs            *int64     `json:"duration_ms"`
	HTTPStatus            *int       `json:"http_status"`
	ProviderStatusCode    *int       `json:"provider_status_code"`
	ProviderStatusMessage string     `gorm:"size:500" json:"provider_status_message"`
	Currency              string     `gorm:"not null;size:3;default:'USD'" json:"currency"`
	CostUsd               float64    `gorm:"not null" json:"cost_usd"`
	TasksCount            *int       `json:"tasks_count"`
	TasksCostUsd          string     `gorm:"type:text" json:"tasks_cost_usd"` // JSON: [0.01,0.01]
	Error                 string     `gorm:"type:text" json:"error"`
}

// KeywordSnapshot captures keyword metrics from one fetch. Immutable once
// written; a refresh writes a new row, never updates an old one.
type KeywordSnapshot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	ProjectID uint      `gorm:"index:idx_kwsnap_project_time" json:"project_id"`
	APICallID uint      `gorm:"index;not null" json:"api_call_id"`
	KeywordID uint      `gorm:"index:idx_kwsnap_key;not null" json:"keyword_id"`
	ContextID uint      `gorm:"index:idx_kwsnap_key;not null" json:"context_id"`
	Source    string    `gorm:"index:idx_kwsnap_key;not null;size:50" json:"source"`
	FetchedAt time.Time `gorm:"index:idx_kwsnap_project_time;not null" json:"fetched_at"`
	StaleAt   time.Time `gorm:"index;not null" json:"stale_at"`

	SearchVolume     *int64   `json:"search_volume"`
	Cpc              *float64 `json:"cpc"`
	Competition      *float64 `json:"competition"`
	CompetitionLevel string   `gorm:"size:20" json:"competition_level"`
	Bid              *float64 `json:"bid"`
	MonthlySearches  string   `gorm:"type:text" json:"monthly_searches"` // JSON: [{"year":..,"month":..,"search_volume":..}]

	ProviderDifficulty *int   `json:"provider_difficulty"` // provider-reported 0-100 KD
	CoreKeyword        string `gorm:"size:500" json:"core_keyword"`
	WordsCount         *int   `json:"words_count"`

	SerpItemTypes    string `gorm:"type:text" json:"serp_item_types"` // JSON: ["organic","people_also_ask"]
	SerpResultsCount *int64 `json:"serp_results_count"`

	AvgBacklinks        *float64 `json:"avg_backlinks"`
	AvgReferringDomains *float64 `json:"avg_referring_domains"`
	AvgRank             *float64 `json:"avg_rank"`

	MainIntent string `gorm:"size:50" json:"main_intent"`

	RawJSON string `gorm:"type:mediumtext" json:"-"`
}

// KeywordOrigin records that a keyword was discovered from a seed keyword
// via a discovery method ("suggestions" or "related").
type KeywordOrigin struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	SeedKeywordID    uint      `gorm:"index;not null" json:"seed_keyword_id"`
	DerivedKeywordID uint      `gorm:"index;not null" json:"derived_keyword_id"`
	Method           string    `gorm:"not null;size:20" json:"method"`
	FetchedAt        time.Time `gorm:"not null" json:"fetched_at"`
}

// SerpSnapshot captures one SERP fetch for a (keyword, context) pair.
type SerpSnapshot struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index" json:"user_id"`
	ProjectID uint      `gorm:"index" json:"project_id"`
	APICallID uint      `gorm:"index;not null" json:"api_call_id"`
	KeywordID uint      `gorm:"index:idx_serpsnap_key;not null" json:"keyword_id"`
	ContextID uint      `gorm:"index:idx_serpsnap_key;not null" json:"context_id"`
	FetchedAt time.Time `gorm:"index:idx_serpsnap_key;not null" json:"fetched_at"`
	StaleAt   time.Time `gorm:"index;not null" json:"stale_at"`

	SeType       string `gorm:"not null;size:50" json:"se_type"`
	SeDomain     string `gorm:"size:100" json:"se_domain"`
	LocationCode int    `json:"location_code"`
	LanguageCode string `gorm:"size:10" json:"language_code"`
	Device       string `gorm:"size:20" json:"device"`

	ResultsCount *int64 `json:"results_count"`
	ItemsCount   *int   `json:"items_count"`
	PagesCount   *int   `json:"pages_count"`

	SerpItemTypesPresent string `gorm:"type:text" json:"serp_item_types_present"` // JSON: ["organic",...]
	TopOrganicDomainIDs  string `gorm:"type:text" json:"top_organic_domain_ids"`  // JSON: [1,2,3]
	TopOrganicURLIDs     string `gorm:"type:text" json:"top_organic_url_ids"`     // JSON: [1,2,3]

	RawJSON string `gorm:"type:mediumtext" json:"-"`
}

// SerpItem is one result row inside a SERP snapshot.
type SerpItem struct {
	ID             uint   `gorm:"primaryKey" json:"id"`
	SerpSnapshotID uint   `gorm:"index:idx_serpitem_snapshot_rank;not null" json:"serp_snapshot_id"`
	APICallID      uint   `gorm:"not null" json:"api_call_id"`
	Type           string `gorm:"not null;size:50" json:"type"`
	RankGroup      *int   `json:"rank_group"`
	RankAbsolute   *int   `gorm:"index:idx_serpitem_snapshot_rank" json:"rank_absolute"`
	Page           *int   `json:"page"`
	DomainID       *uint  `gorm:"index" json:"domain_id"`
	URLID          *uint  `gorm:"index" json:"url_id"`
	Domain         string `gorm:"size:500" json:"domain"`
	URL            string `gorm:"size:768" json:"url"`
	Title          string `gorm:"size:1000" json:"title"`
	Description    string `gorm:"type:text" json:"description"`
	Breadcrumb     string `gorm:"size:1000" json:"breadcrumb"`
	WebsiteName    string `gorm:"size:500" json:"website_name"`

	IsFeaturedSnippet bool `json:"is_featured_snippet"`
	IsVideo           bool `json:"is_video"`
	IsImage           bool `json:"is_image"`
	IsMalicious       bool `json:"is_malicious"`

	Payload string `gorm:"type:text" json:"-"` // type-specific provider fields
}

// BacklinkSnapshot is the parent record of one backlinks fetch.
type BacklinkSnapshot struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"index" json:"user_id"`
	ProjectID   uint      `gorm:"index:idx_blsnap_project_time" json:"project_id"`
	APICallID   uint      `gorm:"index;not null" json:"api_call_id"`
	FetchedAt   time.Time `gorm:"index:idx_blsnap_project_time;not null" json:"fetched_at"`
	StaleAt     time.Time `gorm:"index;not null" json:"stale_at"`
	TargetType  string    `gorm:"not null;size:20" json:"target_type"` // "url" | "domain"
	TargetCount int       `gorm:"not null" json:"target_count"`
	RawJSON     string    `gorm:"type:mediumtext" json:"-"`
}

// URLBacklinkFacts holds backlink metrics for one URL from one fetch.
// Optional provider fields are pointers so absent and zero stay distinct.
type URLBacklinkFacts struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	BacklinkSnapshotID uint      `gorm:"index;not null" json:"backlink_snapshot_id"`
	APICallID          uint      `gorm:"not null" json:"api_call_id"`
	URLID              uint      `gorm:"index:idx_urlfacts_url_time;not null" json:"url_id"`
	DomainID           *uint     `gorm:"index" json:"domain_id"`
	FetchedAt          time.Time `gorm:"index:idx_urlfacts_url_time;not null" json:"fetched_at"`
	StaleAt            time.Time `gorm:"index;not null" json:"stale_at"`

	Rank                 *int     `json:"rank"`
	MainDomainRank       *int     `json:"main_domain_rank"`
	Backlinks            *int64   `json:"backlinks"`
	DofollowBacklinks    *int64   `json:"dofollow_backlinks"`
	NofollowBacklinks    *int64   `json:"nofollow_backlinks"`
	ReferringDomains     *int64   `json:"referring_domains"`
	ReferringMainDomains *int64   `json:"referring_main_domains"`
	ReferringPages       *int64   `json:"referring_pages"`
	BrokenBacklinks      *int64   `json:"broken_backlinks"`
	BrokenPages          *int64   `json:"broken_pages"`
	SpamScore            *float64 `json:"spam_score"`
	FirstSeen            string   `gorm:"size:50" json:"first_seen"`
}

// DomainBacklinkFacts mirrors URLBacklinkFacts at domain granularity.
type DomainBacklinkFacts struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	BacklinkSnapshotID uint      `gorm:"index;not null" json:"backlink_snapshot_id"`
	APICallID          uint      `gorm:"not null" json:"api_call_id"`
	DomainID           uint      `gorm:"index:idx_domfacts_domain_time;not null" json:"domain_id"`
	FetchedAt          time.Time `gorm:"index:idx_domfacts_domain_time;not null" json:"fetched_at"`
	StaleAt            time.Time `gorm:"index;not null" json:"stale_at"`

	Rank                 *int     `json:"rank"`
	MainDomainRank       *int     `json:"main_domain_rank"`
	Backlinks            *int64   `json:"backlinks"`
	DofollowBacklinks    *int64   `json:"dofollow_backlinks"`
	NofollowBacklinks    *int64   `json:"nofollow_backlinks"`
	ReferringDomains     *int64   `json:"referring_domains"`
	ReferringMainDomains *int64   `json:"referring_main_domains"`
	ReferringPages       *int64   `json:"referring_pages"`
	BrokenBacklinks      *int64   `json:"broken_backlinks"`
	BrokenPages          *int64   `json:"broken_pages"`
	SpamScore            *float64 `json:"spam_score"`
	FirstSeen            string   `gorm:"size:50" json:"first_seen"`
}

// KeywordDifficulty is a computed difficulty result derived from one SERP
// snapshot plus the backlink facts consulted at computation time.
type KeywordDifficulty struct {
	ID             uint      `gorm:"primaryKey" json:"id"`
	UserID         uint      `gorm:"index" json:"user_id"`
	ProjectID      uint      `gorm:"index" json:"project_id"`
	KeywordID      uint      `gorm:"index:idx_kd_key;not null" json:"keyword_id"`
	ContextID      uint      `gorm:"index:idx_kd_key;not null" json:"context_id"`
	SerpSnapshotID uint      `gorm:"index;not null" json:"serp_snapshot_id"`
	ComputedAt     time.Time `gorm:"index:idx_kd_key;not null" json:"computed_at"`
	StaleAt        time.Time `gorm:"index;not null" json:"stale_at"`

	Difficulty           int      `gorm:"not null" json:"difficulty"` // 0-100
	MedianURLStrength    float64  `gorm:"not null" json:"median_url_strength"`
	MedianDomainStrength *float64 `json:"median_domain_strength"`

	TopOrganicURLIDs  string `gorm:"type:text" json:"top_organic_url_ids"`  // JSON: [1,2,3]
	UsedURLFactIDs    string `gorm:"type:text" json:"used_url_fact_ids"`    // JSON: [1,2,3]
	UsedDomainFactIDs string `gorm:"type:text" json:"used_domain_fact_ids"` // JSON: [1,2,3]
	Stats             string `gorm:"type:text" json:"stats"`                // JSON diagnostics
}

// Job tracks one queued unit of fetch/compute work.
type Job struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Reference    string     `gorm:"uniqueIndex;not null;size:36" json:"reference"`
	UserID       uint       `gorm:"index;not null" json:"user_id"`
	ProjectID    uint       `gorm:"index:idx_job_project_status" json:"project_id"`
	Status       JobStatus  `gorm:"index:idx_job_project_status;not null;default:'queued'" json:"status"`
	Stage        JobStage   `gorm:"not null;size:20" json:"stage"`
	Progress     int        `gorm:"not null;default:0" json:"progress"`
	Error        string     `gorm:"type:text" json:"error"`
	CostSoFarUsd float64    `gorm:"not null;default:0" json:"cost_so_far_usd"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at"`
	CompletedAt  *time.Time `json:"completed_at"`
	Metadata     string     `gorm:"type:text" json:"metadata"` // JSON
}
