package db

import "gorm.io/gorm"

// runMigrations performs database migrations. Ordering matters only for
// readability; AutoMigrate resolves each table independently.
func runMigrations(db *gorm.DB) error {
	return db.AutoMigrate(
		&User{},
		&Project{},
		&Keyword{},
		&KeywordContext{},
		&Domain{},
		&URL{},
		&TrackedKeyword{},
		&APICall{},
		&KeywordSnapshot{},
		&KeywordOrigin{},
		&SerpSnapshot{},
		&SerpItem{},
		&BacklinkSnapshot{},
		&URLBacklinkFacts{},
		&DomainBacklinkFacts{},
		&KeywordDifficulty{},
		&Job{},
	)
}
