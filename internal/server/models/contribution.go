// Package models defines server-side data models persisted in the database.
package models

import (
	"encoding/json"
	"time"
)

// Contribution is one uploaded texture file revision and its review state.
type Contribution struct {
	ID         string
	OwnerID    string
	CoAuthors  []string
	TargetID   *string
	Resolution Resolution
	Hash       string
	Locator    string
	Filename   string
	Metadata   json.RawMessage
	Status     Status
	PollID     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsOwner reports whether userID owns c.
func (c *Contribution) IsOwner(userID string) bool {
	return c.OwnerID == userID
}

// IsCoAuthor reports whether userID is listed as a co-author of c.
func (c *Contribution) IsCoAuthor(userID string) bool {
	for _, id := range c.CoAuthors {
		if id == userID {
			return true
		}
	}
	return false
}

// ContributionFilter narrows contribution listings. Zero values match all.
type ContributionFilter struct {
	Resolution Resolution
	Status     Status
}
