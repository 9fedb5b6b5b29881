package models

import "time"

// Role is the permission tier of a user.
type Role string

const (
	RoleUser    Role = "user"
	RoleCouncil Role = "council"
	RoleAdmin   Role = "admin"
)

type User struct {
	ID          string
	UserName    string
	Role        Role
	GitHubLogin *string
	CreatedAt   time.Time
}

// ForkOwner is a user with a linked fork of the shared repository.
type ForkOwner struct {
	UserID      string
	GitHubLogin string
}
