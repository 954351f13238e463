package dataforseo

import (
	"encoding/json"
	"fmt"
)

// Envelope is the provider's response wrapper. Every endpoint returns the
// same outer shape: overall status plus a list of billed tasks.
type Envelope struct {
	StatusCode    int    `json:"status_code"`
	StatusMessage string `json:"status_message"`
	Tasks         []Task `json:"tasks"`
}

// Task is one billed unit of work inside a response envelope.
type Task struct {
	Cost          float64           `json:"cost"`
	StatusCode    int               `json:"status_code"`
	StatusMessage string            `json:"status_message"`
	Result        []json.RawMessage `json:"result"`
}

// MonthlySearch is one month of historical search volume.
type MonthlySearch struct {
	Year         int   `json:"year"`
	Month        int   `json:"month"`
	SearchVolume int64 `json:"search_volume"`
}

// KeywordInfo carries volume and bid metrics for one keyword.
type KeywordInfo struct {
	SearchVolume     *int64          `json:"search_volume"`
	Cpc              *float64        `json:"cpc"`
	Competition      *float64        `json:"competition"`
	CompetitionLevel string          `json:"competition_level"`
	HighTopOfPageBid *float64        `json:"high_top_of_page_bid"`
	LowTopOfPageBid  *float64        `json:"low_top_of_page_bid"`
	MonthlySearches  []MonthlySearch `json:"monthly_searches"`
}

// Bid returns the preferred page bid field when one is present.
func (k *KeywordInfo) Bid() *float64 {
	if k.HighTopOfPageBid != nil {
		return k.HighTopOfPageBid
	}
	return k.LowTopOfPageBid
}

type KeywordProperties struct {
	CoreKeyword       string `json:"core_keyword"`
	KeywordDifficulty *int   `json:"keyword_difficulty"`
	WordsCount        *int   `json:"words_count"`
}

type SerpInfo struct {
	SerpItemTypes []string `json:"serp_item_types"`
	ResultsCount  *int64   `json:"se_results_count"`
}

type AvgBacklinksInfo struct {
	Backlinks        *float64 `json:"backlinks"`
	ReferringDomains *float64 `json:"referring_domains"`
	Rank             *float64 `json:"rank"`
}

type SearchIntentInfo struct {
	MainIntent string `json:"main_intent"`
}

// KeywordItem is one keyword row from a Labs endpoint. All sub-objects are
// optional throughout the provider schema.
type KeywordItem struct {
	Keyword           string             `json:"keyword"`
	KeywordInfo       *KeywordInfo       `json:"keyword_info"`
	KeywordProperties *KeywordProperties `json:"keyword_properties"`
	SerpInfo          *SerpInfo          `json:"serp_info"`
	AvgBacklinksInfo  *AvgBacklinksInfo  `json:"avg_backlinks_info"`
	SearchIntentInfo  *SearchIntentInfo  `json:"search_intent_info"`
	KeywordDifficulty *int               `json:"keyword_difficulty"` // bulk KD endpoint

	Raw json.RawMessage `json:"-"`
}

func (k *KeywordItem) UnmarshalJSON(data []byte) error {
	type alias KeywordItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*k = KeywordItem(a)
	k.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// Some Labs endpoints wrap the keyword under related_keywords-style rows:
// {"keyword_data": {...}}. relatedItem covers that shape.
type relatedItem struct {
	KeywordData *KeywordItem `json:"keyword_data"`
}

type keywordResultPage struct {
	Items []json.RawMessage `json:"items"`
}

// ParseKeywordItems extracts keyword rows from a suggestions, related or
// bulk-difficulty response. Rows it cannot interpret are skipped rather
// than failing the whole batch; a response with no tasks at all is
// malformed.
func ParseKeywordItems(envelope *Envelope) ([]KeywordItem, error) {
	page, err := firstResult(envelope)
	if err != nil {
		return nil, err
	}

	var parsed keywordResultPage
	if err := json.Unmarshal(page, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	items := make([]KeywordItem, 0, len(parsed.Items))
	for _, raw := range parsed.Items {
		var item KeywordItem
		if err := json.Unmarshal(raw, &item); err != nil {
			continue
		}
		if item.Keyword == "" {
			// related_keywords nests the row under keyword_data
			var rel relatedItem
			if err := json.Unmarshal(raw, &rel); err == nil && rel.KeywordData != nil && rel.KeywordData.Keyword != "" {
				item = *rel.KeywordData
			} else {
				continue
			}
		}
		items = append(items, item)
	}
	return items, nil
}

// ParseKeywordOverview extracts the single keyword row of an overview
// response. Overview responses carry the row directly in result[0].
func ParseKeywordOverview(envelope *Envelope) (*KeywordItem, error) {
	page, err := firstResult(envelope)
	if err != nil {
		return nil, err
	}

	// Some accounts receive the row wrapped in an items list.
	var parsed keywordResultPage
	if err := json.Unmarshal(page, &parsed); err == nil && len(parsed.Items) > 0 {
		var item KeywordItem
		if err := json.Unmarshal(parsed.Items[0], &item); err == nil && item.Keyword != "" {
			return &item, nil
		}
	}

	var item KeywordItem
	if err := json.Unmarshal(page, &item); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if item.Keyword == "" {
		return nil, fmt.Errorf("%w: overview result has no keyword", ErrMalformedResponse)
	}
	return &item, nil
}

// SerpResultItem is one result row of a SERP page.
type SerpResultItem struct {
	Type              string `json:"type"`
	RankGroup         *int   `json:"rank_group"`
	RankAbsolute      *int   `json:"rank_absolute"`
	Page              *int   `json:"page"`
	Domain            string `json:"domain"`
	URL               string `json:"url"`
	Title             string `json:"title"`
	Description       string `json:"description"`
	Breadcrumb        string `json:"breadcrumb"`
	WebsiteName       string `json:"website_name"`
	IsFeaturedSnippet bool   `json:"is_featured_snippet"`
	IsVideo           bool   `json:"is_video"`
	IsImage           bool   `json:"is_image"`
	IsMalicious       bool   `json:"is_malicious"`

	Raw json.RawMessage `json:"-"`
}

func (s *SerpResultItem) UnmarshalJSON(data []byte) error {
	type alias SerpResultItem
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*s = SerpResultItem(a)
	s.Raw = append(json.RawMessage(nil), data...)
	return nil
}

// SerpResult is the parsed page of one SERP fetch.
type SerpResult struct {
	SeDomain       string           `json:"se_domain"`
	ItemsCount     *int             `json:"items_count"`
	PagesCount     *int             `json:"pages_count"`
	SeResultsCount *int64           `json:"se_results_count"`
	Items          []SerpResultItem `json:"items"`

	Raw json.RawMessage `json:"-"`
}

// ParseSerpResult extracts the result page from a SERP response.
func ParseSerpResult(envelope *Envelope) (*SerpResult, error) {
	page, err := firstResult(envelope)
	if err != nil {
		return nil, err
	}

	var result SerpResult
	if err := json.Unmarshal(page, &result); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	result.Raw = append(json.RawMessage(nil), page...)
	return &result, nil
}

// BacklinkMetrics is the backlink summary the provider reports per target.
type BacklinkMetrics struct {
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
	BacklinksSpamScore   *float64 `json:"backlinks_spam_score"`
	FirstSeen            string   `json:"first_seen"`
}

// BacklinkTarget is one target's metrics from a bulk pages summary call.
type BacklinkTarget struct {
	Target struct {
		URL string `json:"url"`
	} `json:"target"`
	Metrics *BacklinkMetrics `json:"metrics"`
}

// ParseBacklinkTargets extracts per-target metrics from a bulk pages
// summary response. Targets without a URL are skipped.
func ParseBacklinkTargets(envelope *Envelope) ([]BacklinkTarget, error) {
	if len(envelope.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks in response", ErrMalformedResponse)
	}

	targets := make([]BacklinkTarget, 0, len(envelope.Tasks[0].Result))
	for _, raw := range envelope.Tasks[0].Result {
		var target BacklinkTarget
		if err := json.Unmarshal(raw, &target); err != nil {
			continue
		}
		if target.Target.URL == "" {
			continue
		}
		targets = append(targets, target)
	}
	return targets, nil
}

func firstResult(envelope *Envelope) (json.RawMessage, error) {
	if len(envelope.Tasks) == 0 {
		return nil, fmt.Errorf("%w: no tasks in response", ErrMalformedResponse)
	}
	if len(envelope.Tasks[0].Result) == 0 {
		return nil, fmt.Errorf("%w: task has no result", ErrMalformedResponse)
	}
	return envelope.Tasks[0].Result[0], nil
}
