package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/middleware"
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

// asUser stands in for the JWT middleware in handler tests.
func asUser(userID uint) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set("user", middleware.UserContext{UserID: userID, Username: "tester"})
		c.Next()
	}
}

func seedUser(t *testing.T, conn *gorm.DB, username, password string) *db.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := db.User{Username: username, Password: string(hash)}
	if err := conn.Create(&user).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return &user
}

func postJSON(t *testing.T, router *gin.Engine, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestLoginHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn := openTestDB(t)
	seedUser(t, conn, "alice", "secret123")

	router := gin.New()
	router.POST("/auth/login", LoginHandler(conn))

	w := postJSON(t, router, "/auth/login", LoginRequest{Username: "alice", Password: "secret123"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d, body %s", w.Code, w.Body.String())
	}
	var resp LoginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" || resp.Username != "alice" {
		t.Fatalf("unexpected login response: %+v", resp)
	}

	w = postJSON(t, router, "/auth/login", LoginRequest{Username: "alice", Password: "wrongpass"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password status = %d, want 401", w.Code)
	}

	w = postJSON(t, router, "/auth/login", LoginRequest{Username: "nobody", Password: "secret123"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown user status = %d, want 401", w.Code)
	}
}

func TestProjectOwnership(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn := openTestDB(t)

	owned := db.Project{UserID: 1, Name: "Mine"}
	if err := conn.Create(&owned).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	foreign := db.Project{UserID: 2, Name: "Theirs"}
	if err := conn.Create(&foreign).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}

	router := gin.New()
	router.GET("/projects/:id", asUser(1), GetProjectHandler(conn))

	req := httptest.NewRequest(http.MethodGet, "/projects/1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("own project status = %d, want 200", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/2", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Fatalf("foreign project status = %d, want 403", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/projects/99", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing project status = %d, want 404", w.Code)
	}
}

func TestCreateAndListProjects(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn := openTestDB(t)

	router := gin.New()
	router.POST("/projects", asUser(1), CreateProjectHandler(conn))
	router.GET("/projects", asUser(1), ListProjectsHandler(conn))

	w := postJSON(t, router, "/projects", ProjectRequest{Name: "Shoes Site", DefaultLanguage: "en"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest(http.MethodGet, "/projects", nil)
	lw := httptest.NewRecorder()
	router.ServeHTTP(lw, req)
	if lw.Code != http.StatusOK {
		t.Fatalf("list status = %d", lw.Code)
	}
	var resp struct {
		Data []db.Project `json:"data"`
	}
	if err := json.Unmarshal(lw.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(resp.Data) != 1 || resp.Data[0].Name != "Shoes Site" {
		t.Fatalf("unexpected projects: %+v", resp.Data)
	}
}

func TestTrackKeywordEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn := openTestDB(t)

	project := db.Project{UserID: 1, Name: "Mine", DefaultLanguage: "de"}
	if err := conn.Create(&project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}

	router := gin.New()
	router.POST("/projects/:id/keywords", asUser(1), TrackKeywordHandler(conn))

	w := postJSON(t, router, "/projects/1/keywords", TrackKeywordRequest{
		Keyword:        "laufschuhe",
		TrackSerpDaily: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("track status = %d, body %s", w.Code, w.Body.String())
	}

	var tracked db.TrackedKeyword
	if err := conn.First(&tracked).Error; err != nil {
		t.Fatalf("load tracked: %v", err)
	}
	if !tracked.TrackSerpDaily || !tracked.RefreshKeywordMetrics {
		t.Fatalf("unexpected toggles: %+v", tracked)
	}

	// Project default language fills the context when the request omits it.
	kwContext, err := service.GetKeywordContextByID(conn, tracked.ContextID)
	if err != nil {
		t.Fatalf("load context: %v", err)
	}
	if kwContext.LanguageCode != "de" {
		t.Fatalf("language = %q, want de (project default)", kwContext.LanguageCode)
	}
}

func TestProjectSpendEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	conn := openTestDB(t)

	project := db.Project{UserID: 1, Name: "Mine"}
	if err := conn.Create(&project).Error; err != nil {
		t.Fatalf("seed project: %v", err)
	}
	for _, cost := range []float64{0.05, 0.02} {
		_, err := service.RecordAPICall(conn, &db.APICall{
			UserID: 1, ProjectID: project.ID,
			Endpoint: "serp/google/organic/live/advanced", Method: "POST",
			RequestHash: "h", CostUsd: cost,
		})
		if err != nil {
			t.Fatalf("seed ledger: %v", err)
		}
	}

	router := gin.New()
	router.GET("/projects/:id/spend", asUser(1), ProjectSpendHandler(conn))

	req := httptest.NewRequest(http.MethodGet, "/projects/1/spend", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("spend status = %d", w.Code)
	}

	var resp struct {
		TotalCostUsd float64 `json:"total_cost_usd"`
		Calls        struct {
			Total int64 `json:"total"`
		} `json:"calls"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode spend: %v", err)
	}
	if resp.Calls.Total != 2 {
		t.Fatalf("call count = %d, want 2", resp.Calls.Total)
	}
	if resp.TotalCostUsd < 0.069 || resp.TotalCostUsd > 0.071 {
		t.Fatalf("total = %v, want ~0.07", resp.TotalCostUsd)
	}
}
