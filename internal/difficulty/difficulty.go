// Package difficulty computes a 0-100 keyword difficulty score from a SERP
// snapshot and the backlink facts on record for its top organic results.
package difficulty

import (
	"encoding/json"
	"errors"
	"math"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/service"
)

// Strength weights. Hardcoded for now; per-project weights are a product
// decision that has not been made.
const (
	weightReferringDomains = 1.0
	weightBacklinks        = 0.8
	weightRank             = 0.5
	weightMainDomainRank   = 0.6
	weightSpamScore        = 0.3
)

// topOrganicCount bounds how many organic results feed the score.
const topOrganicCount = 10

var (
	ErrNoOrganicResults = errors.New("no organic results in SERP snapshot")
	ErrNoBacklinkData   = errors.New("no backlink facts on record for top organic URLs")
)

// Signals are the backlink metrics feeding one URL's strength. Counts
// default to zero when the provider omitted them; rank fields stay nil
// when absent so that a legitimate zero still contributes.
type Signals struct {
	ReferringDomains int64
	Backlinks        int64
	Rank             *int
	MainDomainRank   *int
	SpamScore        *float64
}

// Strength computes the weighted log-scaled strength of one URL or domain.
// Zero counts pass through ln(0+1)=0, never ln(0).
func Strength(s Signals) float64 {
	score := weightReferringDomains*math.Log(float64(s.ReferringDomains)+1) +
		weightBacklinks*math.Log(float64(s.Backlinks)+1)
	if s.Rank != nil {
		score += weightRank * float64(*s.Rank) / 1000
	}
	if s.MainDomainRank != nil {
		score += weightMainDomainRank * float64(*s.MainDomainRank) / 1000
	}
	if s.SpamScore != nil {
		score -= weightSpamScore * *s.SpamScore
	}
	return score
}

// Median returns the median of values; even-count lists average the two
// middle values.
func Median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}

// Scale min-max normalizes a median strength against the min/max observed
// in the same URL set and maps it onto [0,100]. No variance means no
// signal either way, so the score defaults to the exact middle.
func Scale(median, min, max float64) float64 {
	if max == min {
		return 50
	}
	normalized := (median - min) / (max - min)
	return math.Max(0, math.Min(100, normalized*100))
}

func signalsFromURLFacts(facts *db.URLBacklinkFacts) Signals {
	s := Signals{
		Rank:           facts.Rank,
		MainDomainRank: facts.MainDomainRank,
		SpamScore:      facts.SpamScore,
	}
	if facts.ReferringDomains != nil {
		s.ReferringDomains = *facts.ReferringDomains
	}
	if facts.Backlinks != nil {
		s.Backlinks = *facts.Backlinks
	}
	return s
}

func signalsFromDomainFacts(facts *db.DomainBacklinkFacts) Signals {
	s := Signals{
		Rank:           facts.Rank,
		MainDomainRank: facts.MainDomainRank,
		SpamScore:      facts.SpamScore,
	}
	if facts.ReferringDomains != nil {
		s.ReferringDomains = *facts.ReferringDomains
	}
	if facts.Backlinks != nil {
		s.Backlinks = *facts.Backlinks
	}
	return s
}

type stats struct {
	URLCount           int     `json:"url_count"`
	BacklinkFactsCount int     `json:"backlink_facts_count"`
	DomainFactsCount   int     `json:"domain_facts_count"`
	MinStrength        float64 `json:"min_strength"`
	MaxStrength        float64 `json:"max_strength"`
}

// Compute derives and persists a difficulty result for one SERP snapshot.
// URLs without backlink facts count as strength 0 in the distribution;
// the computation only fails when no top organic URL has any facts at all.
func Compute(dbConn *gorm.DB, serpSnapshotID uint) (*db.KeywordDifficulty, error) {
	var snapshot db.SerpSnapshot
	if err := dbConn.First(&snapshot, serpSnapshotID).Error; err != nil {
		return nil, err
	}

	var items []db.SerpItem
	err := dbConn.
		Where("serp_snapshot_id = ? AND type = ? AND rank_absolute IS NOT NULL", serpSnapshotID, "organic").
		Order("rank_absolute ASC").
		Limit(topOrganicCount).
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoOrganicResults
	}

	var (
		strengths  []float64
		urlIDs     []uint
		urlFactIDs []uint
	)
	for _, item := range items {
		if item.URLID == nil {
			continue
		}
		urlIDs = append(urlIDs, *item.URLID)

		facts, err := service.LatestURLBacklinkFacts(dbConn, *item.URLID)
		if err != nil {
			return nil, err
		}
		if facts == nil {
			// Still counts toward the distribution, pulling the median down.
			strengths = append(strengths, 0)
			continue
		}
		urlFactIDs = append(urlFactIDs, facts.ID)
		strengths = append(strengths, Strength(signalsFromURLFacts(facts)))
	}

	if len(strengths) == 0 {
		return nil, ErrNoOrganicResults
	}
	if len(urlFactIDs) == 0 {
		return nil, ErrNoBacklinkData
	}

	median := Median(strengths)
	minStrength, maxStrength := strengths[0], strengths[0]
	for _, s := range strengths[1:] {
		minStrength = math.Min(minStrength, s)
		maxStrength = math.Max(maxStrength, s)
	}
	score := int(math.Round(Scale(median, minStrength, maxStrength)))

	// Domain-level median is diagnostic only; URLs without domain facts
	// are simply not represented here.
	var (
		domainStrengths []float64
		domainFactIDs   []uint
	)
	for _, item := range items {
		if item.DomainID == nil {
			continue
		}
		facts, err := service.LatestDomainBacklinkFacts(dbConn, *item.DomainID)
		if err != nil {
			return nil, err
		}
		if facts == nil {
			continue
		}
		domainFactIDs = append(domainFactIDs, facts.ID)
		domainStrengths = append(domainStrengths, Strength(signalsFromDomainFacts(facts)))
	}

	var medianDomainStrength *float64
	if len(domainStrengths) > 0 {
		sort.Float64s(domainStrengths)
		m := domainStrengths[len(domainStrengths)/2]
		medianDomainStrength = &m
	}

	statsJSON, _ := json.Marshal(stats{
		URLCount:           len(urlIDs),
		BacklinkFactsCount: len(urlFactIDs),
		DomainFactsCount:   len(domainFactIDs),
		MinStrength:        minStrength,
		MaxStrength:        maxStrength,
	})

	computedAt := time.Now()
	result := &db.KeywordDifficulty{
		UserID:               snapshot.UserID,
		ProjectID:            snapshot.ProjectID,
		KeywordID:            snapshot.KeywordID,
		ContextID:            snapshot.ContextID,
		SerpSnapshotID:       snapshot.ID,
		ComputedAt:           computedAt,
		StaleAt:              computedAt.Add(service.DifficultyTTL),
		Difficulty:           score,
		MedianURLStrength:    median,
		MedianDomainStrength: medianDomainStrength,
		TopOrganicURLIDs:     service.EncodeIDList(urlIDs),
		UsedURLFactIDs:       service.EncodeIDList(urlFactIDs),
		UsedDomainFactIDs:    service.EncodeIDList(domainFactIDs),
		Stats:                string(statsJSON),
	}
	if err := dbConn.Create(result).Error; err != nil {
		return nil, err
	}
	return result, nil
}
