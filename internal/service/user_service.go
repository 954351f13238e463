package service

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/rankforge/keytrack/internal/db"
)

// EnsureUser creates a user with a bcrypt-hashed password. An existing user
// with the same username is left untouched unless replace is set, in which
// case it is deleted and recreated. The second return reports whether a
// user was created.
func EnsureUser(dbConn *gorm.DB, username, password string, replace bool) (*db.User, bool, error) {
	if username == "" || password == "" {
		return nil, false, fmt.Errorf("username and password cannot be empty")
	}
	if len(password) < 6 {
		return nil, false, fmt.Errorf("password must be at least 6 characters long")
	}

	var existing db.User
	err := dbConn.Where("username = ?", username).First(&existing).Error
	if err == nil {
		if !replace {
			return &existing, false, nil
		}
		if err := dbConn.Delete(&existing).Error; err != nil {
			return nil, false, fmt.Errorf("failed to delete existing user: %w", err)
		}
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, false, fmt.Errorf("failed to hash password: %w", err)
	}

	user := db.User{
		Username: username,
		Password: string(hash),
	}
	if err := dbConn.Create(&user).Error; err != nil {
		return nil, false, err
	}
	return &user, true, nil
}

// GetUserByUsername retrieves a user by username
func GetUserByUsername(dbConn *gorm.DB, username string) (*db.User, error) {
	var user db.User
	err := dbConn.Where("username = ?", username).First(&user).Error
	if err != nil {
		return nil, err
	}
	return &user, nil
}
