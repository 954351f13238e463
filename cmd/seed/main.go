package main

import (
	"flag"
	"log"

	"github.com/joho/godotenv"

	"github.com/rankforge/keytrack/internal/db"
	"github.com/rankforge/keytrack/internal/service"
)

// SeedConfig holds seed configuration
type SeedConfig struct {
	Username    string
	Password    string
	ProjectName string
	Force       bool
}

// NewSeedConfig creates a new seed configuration
func NewSeedConfig() *SeedConfig {
	username := flag.String("username", "admin", "Admin username")
	password := flag.String("password", "adminpass", "Admin password")
	projectName := flag.String("project", "Demo Project", "Demo project name")
	force := flag.Bool("force", false, "Force recreation of admin user")

	flag.Parse()

	return &SeedConfig{
		Username:    *username,
		Password:    *password,
		ProjectName: *projectName,
		Force:       *force,
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	config := NewSeedConfig()

	if config.Username == "" {
		log.Fatal("Username cannot be empty")
	}
	if config.Password == "" {
		log.Fatal("Password cannot be empty")
	}
	if len(config.Password) < 6 {
		log.Fatal("Password must be at least 6 characters long")
	}

	log.Println("Starting database seeding...")

	dbConn, err := db.InitDB()
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}

	adminUser, created, err := service.EnsureUser(dbConn, config.Username, config.Password, config.Force)
	if err != nil {
		log.Fatalf("Failed to ensure admin user: %v", err)
	}
	if !created {
		log.Printf("Admin user '%s' already exists. Use -force flag to recreate.", config.Username)
		return
	}
	log.Printf("Successfully created admin user: %s", config.Username)

	demoProject := db.Project{
		UserID:          adminUser.ID,
		Name:            config.ProjectName,
		Description:     "Seeded demo project",
		DefaultRegion:   "us",
		DefaultLanguage: "en",
	}
	if err := dbConn.Create(&demoProject).Error; err != nil {
		log.Fatalf("Failed to create demo project: %v", err)
	}
	log.Printf("Created demo project %q (ID: %d)", demoProject.Name, demoProject.ID)

	log.Println("Database seeding completed successfully")
}
