package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rankforge/keytrack/internal/dataforseo"
	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/service"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })
	return conn
}

// fakeCaller satisfies dataforseo.Caller without any network traffic.
// When envelopes is non-empty, each call consumes the next one; otherwise
// every call answers with envelope.
type fakeCaller struct {
	calls       int
	lastMethod  string
	lastPayload interface{}
	envelope    string
	envelopes   []string
	err         error
}

func (f *fakeCaller) Call(_ context.Context, method string, payload interface{}) (*dataforseo.CallResult, error) {
	f.calls++
	f.lastMethod = method
	f.lastPayload = payload
	if f.err != nil {
		return nil, f.err
	}

	body := f.envelope
	if len(f.envelopes) > 0 {
		body = f.envelopes[0]
		f.envelopes = f.envelopes[1:]
	}

	var envelope dataforseo.Envelope
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return nil, err
	}
	result := &dataforseo.CallResult{
		Data:          &envelope,
		TasksCount:    len(envelope.Tasks),
		StatusCode:    envelope.StatusCode,
		StatusMessage: envelope.StatusMessage,
	}
	for _, task := range envelope.Tasks {
		result.CostUsd += task.Cost
		result.TasksCostUsd = append(result.TasksCostUsd, task.Cost)
	}
	return result, nil
}

const overviewEnvelope = `{
	"status_code": 20000,
	"status_message": "Ok.",
	"tasks": [{
		"cost": 0.05,
		"status_code": 20000,
		"result": [{
			"keyword": "best running shoes",
			"keyword_info": {"search_volume": 12000, "cpc": 1.4},
			"keyword_properties": {"keyword_difficulty": 62}
		}]
	}]
}`

const suggestionsEnvelope = `{
	"status_code": 20000,
	"status_message": "Ok.",
	"tasks": [{
		"cost": 0.02,
		"status_code": 20000,
		"result": [{
			"items": [
				{"keyword": "trail running shoes", "keyword_info": {"search_volume": 4000}},
				{"keyword": "running shoes for flat feet", "keyword_info": {"search_volume": 900}}
			]
		}]
	}]
}`

const serpEnvelope = `{
	"status_code": 20000,
	"status_message": "Ok.",
	"tasks": [{
		"cost": 0.003,
		"status_code": 20000,
		"result": [{
			"se_domain": "google.com",
			"items_count": 4,
			"se_results_count": 1000000,
			"items": [
				{"type": "organic", "rank_group": 1, "rank_absolute": 1, "domain": "runnersworld.com", "url": "https://runnersworld.com/best-shoes"},
				{"type": "people_also_ask", "rank_absolute": 2},
				{"type": "organic", "rank_group": 2, "rank_absolute": 3, "domain": "nike.com", "url": "https://nike.com/running"},
				{"type": "organic", "rank_group": 3, "rank_absolute": 4, "domain": "rei.com", "url": "https://rei.com/c/running-shoes"}
			]
		}]
	}]
}`

const sharedDomainSerpEnvelope = `{
	"status_code": 20000,
	"status_message": "Ok.",
	"tasks": [{
		"cost": 0.003,
		"status_code": 20000,
		"result": [{
			"se_domain": "google.com",
			"items_count": 3,
			"se_results_count": 500000,
			"items": [
				{"type": "organic", "rank_group": 1, "rank_absolute": 1, "domain": "runnersworld.com", "url": "https://runnersworld.com/best-shoes"},
				{"type": "organic", "rank_group": 2, "rank_absolute": 2, "domain": "runnersworld.com", "url": "https://runnersworld.com/trail-shoes"},
				{"type": "organic", "rank_group": 3, "rank_absolute": 3, "domain": "nike.com", "url": "https://nike.com/running"}
			]
		}]
	}]
}`

const bulkKDEnvelopeAB = `{
	"status_code": 20000,
	"status_message": "Ok.",
	"tasks": [{
		"cost": 0.01,
		"status_code": 20000,
		"result": [{
			"items": [
				{"keyword": "keyword a", "keyword_difficulty": 35},
				{"keyword": "keyword b", "keyword_difficulty": 58}
			]
		}]
	}]
}`

const bulkKDEnvelopeC = `{
	"status_code": 20000,
	"status_message": "Ok.",
	"tasks": [{
		"cost": 0.01,
		"status_code": 20000,
		"result": [{
			"items": [
				{"keyword": "keyword c", "keyword_difficulty": 41}
			]
		}]
	}]
}`

func ledgerCount(t *testing.T, conn *gorm.DB) int64 {
	t.Helper()
	var count int64
	if err := conn.Model(&db.APICall{}).Count(&count).Error; err != nil {
		t.Fatalf("count ledger rows: %v", err)
	}
	return count
}

func TestOverviewBillsOnceWithinTTL(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelope: overviewEnvelope}
	runner := &Runner{DB: conn, Caller: caller}
	params := OverviewParams{Keyword: "Best Running Shoes", LanguageCode: "en"}

	first, err := runner.RunOverview(context.Background(), 1, 1, params)
	if err != nil {
		t.Fatalf("first RunOverview: %v", err)
	}
	if first.Skipped {
		t.Fatal("first run should not be skipped")
	}
	if first.CostUsd != 0.05 {
		t.Fatalf("CostUsd = %v, want 0.05", first.CostUsd)
	}

	second, err := runner.RunOverview(context.Background(), 1, 1, params)
	if err != nil {
		t.Fatalf("second RunOverview: %v", err)
	}
	if !second.Skipped {
		t.Fatal("second run within TTL should be skipped")
	}
	if caller.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", caller.calls)
	}
	if count := ledgerCount(t, conn); count != 1 {
		t.Fatalf("ledger rows = %d, want 1 (skips must not be billed)", count)
	}
}

func TestFailedCallWritesZeroCostLedgerRow(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{err: &dataforseo.APIError{Status: 500, Message: "internal error"}}
	runner := &Runner{DB: conn, Caller: caller}

	_, err := runner.RunOverview(context.Background(), 1, 1, OverviewParams{Keyword: "anything"})
	if err == nil {
		t.Fatal("expected call error")
	}

	var call db.APICall
	if err := conn.First(&call).Error; err != nil {
		t.Fatalf("expected one ledger row: %v", err)
	}
	if call.CostUsd != 0 {
		t.Fatalf("failed call CostUsd = %v, want 0", call.CostUsd)
	}
	if call.Error == "" {
		t.Fatal("failed call should record the error message")
	}
	if call.HTTPStatus == nil || *call.HTTPStatus != 500 {
		t.Fatalf("HTTPStatus = %v, want 500", call.HTTPStatus)
	}
}

func TestDuplicateHashSkipsSecondCall(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelope: suggestionsEnvelope}
	runner := &Runner{DB: conn, Caller: caller}
	params := DiscoveryParams{Method: DiscoverySuggestions, Seed: "running shoes"}

	first, err := runner.RunDiscovery(context.Background(), 1, 1, params)
	if err != nil {
		t.Fatalf("first RunDiscovery: %v", err)
	}
	if first.Skipped {
		t.Fatal("first run should not be skipped")
	}

	// The response carries no row for the seed itself, so no cache hit is
	// possible; the duplicate request hash alone must block the second call.
	second, err := runner.RunDiscovery(context.Background(), 1, 1, params)
	if err != nil {
		t.Fatalf("second RunDiscovery: %v", err)
	}
	if !second.Skipped {
		t.Fatal("duplicate request should be skipped")
	}
	if second.APICallID != first.APICallID {
		t.Fatalf("skip should reference call %d, got %d", first.APICallID, second.APICallID)
	}
	if caller.calls != 1 {
		t.Fatalf("provider calls = %d, want 1", caller.calls)
	}
	if count := ledgerCount(t, conn); count != 1 {
		t.Fatalf("ledger rows = %d, want 1", count)
	}
}

func TestDiscoveryWritesSnapshotsAndOrigins(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelope: suggestionsEnvelope}
	runner := &Runner{DB: conn, Caller: caller}

	result, err := runner.RunDiscovery(context.Background(), 1, 1, DiscoveryParams{
		Method: DiscoverySuggestions,
		Seed:   "running shoes",
	})
	if err != nil {
		t.Fatalf("RunDiscovery: %v", err)
	}
	if len(result.KeywordIDs) != 2 {
		t.Fatalf("discovered keywords = %d, want 2", len(result.KeywordIDs))
	}

	var snapshots int64
	conn.Model(&db.KeywordSnapshot{}).Where("source = ?", db.SourceKeywordSuggestions).Count(&snapshots)
	if snapshots != 2 {
		t.Fatalf("snapshots = %d, want 2", snapshots)
	}

	var origins []db.KeywordOrigin
	if err := conn.Find(&origins).Error; err != nil {
		t.Fatalf("load origins: %v", err)
	}
	if len(origins) != 2 {
		t.Fatalf("origins = %d, want 2", len(origins))
	}
	for _, origin := range origins {
		if origin.SeedKeywordID != result.SeedKeywordID {
			t.Fatalf("origin seed = %d, want %d", origin.SeedKeywordID, result.SeedKeywordID)
		}
		if origin.Method != DiscoverySuggestions {
			t.Fatalf("origin method = %q", origin.Method)
		}
	}
}

func TestSerpPersistsItemsAndTopOrganic(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelope: serpEnvelope}
	runner := &Runner{DB: conn, Caller: caller}

	result, err := runner.RunSerp(context.Background(), 1, 1, SerpParams{Keyword: "best running shoes"})
	if err != nil {
		t.Fatalf("RunSerp: %v", err)
	}
	if result.Skipped {
		t.Fatal("first SERP fetch should not be skipped")
	}

	var items int64
	conn.Model(&db.SerpItem{}).Where("serp_snapshot_id = ?", result.SnapshotID).Count(&items)
	if items != 4 {
		t.Fatalf("serp items = %d, want 4", items)
	}

	var snapshot db.SerpSnapshot
	if err := conn.First(&snapshot, result.SnapshotID).Error; err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if got := service.DecodeIDList(snapshot.TopOrganicURLIDs); len(got) != 3 {
		t.Fatalf("top organic urls = %v, want 3 ids", got)
	}
	if got := service.DecodeIDList(snapshot.TopOrganicDomainIDs); len(got) != 3 {
		t.Fatalf("top organic domains = %v, want 3 ids", got)
	}

	var domains int64
	conn.Model(&db.Domain{}).Count(&domains)
	if domains != 3 {
		t.Fatalf("domains = %d, want 3", domains)
	}

	// Same request again inside the SERP TTL: cache-fresh, no new billing.
	second, err := runner.RunSerp(context.Background(), 1, 1, SerpParams{Keyword: "best running shoes"})
	if err != nil {
		t.Fatalf("second RunSerp: %v", err)
	}
	if !second.Skipped || second.SnapshotID != result.SnapshotID {
		t.Fatalf("second fetch should reuse snapshot %d, got %+v", result.SnapshotID, second)
	}
	if count := ledgerCount(t, conn); count != 1 {
		t.Fatalf("ledger rows = %d, want 1", count)
	}
}

func TestSerpTopDomainsDeduplicated(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelope: sharedDomainSerpEnvelope}
	runner := &Runner{DB: conn, Caller: caller}

	result, err := runner.RunSerp(context.Background(), 1, 1, SerpParams{Keyword: "trail running shoes"})
	if err != nil {
		t.Fatalf("RunSerp: %v", err)
	}

	var snapshot db.SerpSnapshot
	if err := conn.First(&snapshot, result.SnapshotID).Error; err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if got := service.DecodeIDList(snapshot.TopOrganicURLIDs); len(got) != 3 {
		t.Fatalf("top organic urls = %v, want 3 ids", got)
	}

	// Two results share a domain: the domain list holds each ID once.
	domainIDs := service.DecodeIDList(snapshot.TopOrganicDomainIDs)
	if len(domainIDs) != 2 {
		t.Fatalf("top organic domains = %v, want 2 unique ids", domainIDs)
	}
	seen := map[uint]bool{}
	for _, id := range domainIDs {
		if seen[id] {
			t.Fatalf("domain id %d appears twice in %v", id, domainIDs)
		}
		seen[id] = true
	}
}

func TestBulkKDFiltersFreshKeywords(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelopes: []string{bulkKDEnvelopeAB, bulkKDEnvelopeC}}
	runner := &Runner{DB: conn, Caller: caller}

	first, err := runner.RunBulkKD(context.Background(), 1, 1, BulkKDParams{Keywords: []string{"keyword a", "keyword b"}})
	if err != nil {
		t.Fatalf("first RunBulkKD: %v", err)
	}
	if first.Skipped {
		t.Fatal("first batch should dispatch")
	}

	// Fresh snapshots now exist for a and b; only c should reach the payload.
	_, err = runner.RunBulkKD(context.Background(), 1, 1, BulkKDParams{Keywords: []string{"keyword a", "keyword b", "keyword c"}})
	if err != nil {
		t.Fatalf("second RunBulkKD: %v", err)
	}
	if caller.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", caller.calls)
	}

	payload, ok := caller.lastPayload.([]map[string]interface{})
	if !ok || len(payload) != 1 {
		t.Fatalf("unexpected payload shape: %#v", caller.lastPayload)
	}
	keywords, ok := payload[0]["keywords"].([]string)
	if !ok || len(keywords) != 1 || keywords[0] != "keyword c" {
		t.Fatalf("second payload keywords = %v, want [keyword c]", payload[0]["keywords"])
	}

	// All three fresh: the whole batch is a skip, no call, no ledger row.
	third, err := runner.RunBulkKD(context.Background(), 1, 1, BulkKDParams{Keywords: []string{"keyword a", "keyword c"}})
	if err != nil {
		t.Fatalf("third RunBulkKD: %v", err)
	}
	if !third.Skipped {
		t.Fatal("fully-fresh batch should skip")
	}
	if caller.calls != 2 {
		t.Fatalf("provider calls = %d, want 2", caller.calls)
	}
}

func TestRunDifficultyWithoutSerpSnapshot(t *testing.T) {
	conn := openTestDB(t)
	runner := &Runner{DB: conn, Caller: &fakeCaller{}}

	_, err := runner.RunDifficulty(context.Background(), DifficultyParams{KeywordID: 1, ContextID: 1})
	if !errors.Is(err, ErrNoSerpSnapshot) {
		t.Fatalf("RunDifficulty = %v, want ErrNoSerpSnapshot", err)
	}
}

func TestDiscoveryRejectsUnknownMethod(t *testing.T) {
	conn := openTestDB(t)
	caller := &fakeCaller{envelope: suggestionsEnvelope}
	runner := &Runner{DB: conn, Caller: caller}

	_, err := runner.RunDiscovery(context.Background(), 1, 1, DiscoveryParams{Method: "sideways", Seed: "x"})
	if !errors.Is(err, ErrUnknownDiscoveryMethod) {
		t.Fatalf("RunDiscovery = %v, want ErrUnknownDiscoveryMethod", err)
	}
	if caller.calls != 0 {
		t.Fatalf("provider calls = %d, want 0", caller.calls)
	}
}
