package models

import (
	"time"

	"gorm.io/gorm"
)

// Role represents a user role
type Role string

const (
	// RoleAdmin represents an admin user
	RoleAdmin Role = "admin"
	// RoleUser represents a regular user
	RoleUser Role = "user"
)

// User represents an operator account. Operations record the acting user's
// id for attribution; system-initiated operations carry no user.
type User struct {
	ID        uint           `json:"id" gorm:"primaryKey"`
	Email     string         `json:"email" gorm:"unique;not null"`
	Password  string         `json:"-" gorm:"not null"` // Password is never returned in JSON
	Name      string         `json:"name"`
	Role      Role           `json:"role" gorm:"size:16;default:user"`
	LastLogin *time.Time     `json:"last_login,omitempty"`
	Active    bool           `json:"active" gorm:"default:true"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`
}

// IsAdmin checks if a user is an admin
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
