package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/rankforge/keytrack/internal/api"
	"github.com/rankforge/keytrack/internal/dataforseo"
	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/jobs"
	"github.com/rankforge/keytrack/internal/middleware"
	"github.com/rankforge/keytrack/internal/refresh"
)

// Config holds application configuration
type Config struct {
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// NewConfig creates a new configuration from environment variables
func NewConfig() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	return &Config{
		Port:            port,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := NewConfig()

	log.Println("Initializing database...")
	dbConn, err := db.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	log.Println("Database initialized successfully")

	providerConfig, err := dataforseo.NewConfig()
	if err != nil {
		log.Fatalf("Failed to configure provider client: %v", err)
	}
	provider := dataforseo.NewClient(providerConfig)

	log.Println("Starting job service...")
	jobService := jobs.NewService(dbConn, provider, nil)
	if err := jobService.Start(); err != nil {
		log.Fatalf("Failed to start job service: %v", err)
	}

	log.Println("Starting refresh scheduler...")
	scheduler := refresh.NewScheduler(dbConn, jobService, refresh.DefaultInterval)
	if err := scheduler.Start(); err != nil {
		log.Fatalf("Failed to start refresh scheduler: %v", err)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Logger())
	r.Use(gin.Recovery())
	r.Use(middleware.CORS())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "healthy",
			"timestamp": time.Now().UTC(),
			"service":   "keytrack",
		})
	})

	r.POST("/auth/login", api.LoginHandler(dbConn))

	authorized := r.Group("/")
	authorized.Use(middleware.JWTRequired())
	{
		authorized.POST("/projects", api.CreateProjectHandler(dbConn))
		authorized.GET("/projects", api.ListProjectsHandler(dbConn))
		authorized.GET("/projects/:id", api.GetProjectHandler(dbConn))
		authorized.PUT("/projects/:id", api.UpdateProjectHandler(dbConn))
		authorized.DELETE("/projects/:id", api.DeleteProjectHandler(dbConn))

		authorized.POST("/projects/:id/research/runs", api.StartResearchHandler(dbConn, jobService))
		authorized.POST("/projects/:id/research/enrich", api.EnrichHandler(dbConn, jobService))
		authorized.POST("/projects/:id/research/bulk-difficulty", api.BulkDifficultyHandler(dbConn, jobService))
		authorized.GET("/projects/:id/research/results", api.ResearchResultsHandler(dbConn))

		authorized.POST("/projects/:id/keywords", api.TrackKeywordHandler(dbConn))
		authorized.GET("/projects/:id/keywords", api.ListTrackedKeywordsHandler(dbConn))
		authorized.PATCH("/tracked/:id", api.UpdateTrackingHandler(dbConn))

		authorized.GET("/keywords/:id/serp", api.ListSerpSnapshotsHandler(dbConn))
		authorized.GET("/keywords/:id/detail", api.KeywordDetailHandler(dbConn))
		authorized.GET("/serp/:id/items", api.GetSerpItemsHandler(dbConn))

		authorized.GET("/projects/:id/spend", api.ProjectSpendHandler(dbConn))
		authorized.GET("/projects/:id/jobs", api.ListProjectJobsHandler(dbConn))
		authorized.GET("/jobs/:reference", api.GetJobHandler(dbConn))
	}

	srv := &http.Server{
		Addr:         ":" + config.Port,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}

	go func() {
		log.Printf("Starting server on port %s", config.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	if err := scheduler.Stop(); err != nil {
		log.Printf("Failed to stop refresh scheduler: %v", err)
	}
	if err := jobService.Stop(); err != nil {
		log.Printf("Failed to stop job service: %v", err)
	}

	log.Println("Server exited")
}
