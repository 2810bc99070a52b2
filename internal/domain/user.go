// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const MaxUserNameLen = 36

var (
	ErrUserNameTooLong = errors.New("user name too long")
	ErrUserNameEmpty   = errors.New("user name empty")
)

type UserID string

// User is the ephemeral local identity. The ID is regenerated for every
// session and never persisted or reused.
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
}

// NewUser is a tiny helper to avoid ad-hoc struct literals in adapters.
func NewUser(name string) (*User, error) {
	if len(name) == 0 {
		return nil, ErrUserNameEmpty
	}
	if len(name) > MaxUserNameLen {
		return nil, ErrUserNameTooLong
	}
	return &User{ID: UserID(uuid.NewString()), Name: name}, nil
}
