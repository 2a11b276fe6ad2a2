// Package domain contains core domain types for the MedQuery application.
package domain

import (
	"time"
)

// User represents a registered account.
type User struct {
	Email        string    `json:"email" db:"email"`
	PasswordHash string    `json:"-" db:"password_hash"`
	Name         string    `json:"name" db:"name"`
	IsDoctor     bool      `json:"is_doctor" db:"is_doctor"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Role returns the audience the assistant writes for.
func (u *User) Role() string {
	if u.IsDoctor {
		return "doctor"
	}
	return "patient"
}
