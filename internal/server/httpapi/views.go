package httpapi

import (
	"encoding/json"
	"time"

	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

type contributionView struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	CoAuthors  []string          `json:"co_authors"`
	TargetID   *string           `json:"target_id"`
	Resolution models.Resolution `json:"resolution"`
	Hash       string            `json:"hash"`
	Filename   string            `json:"filename"`
	Metadata   json.RawMessage   `json:"metadata,omitempty"`
	Status     models.Status     `json:"status"`
	PollID     string            `json:"poll_id"`
	HasContent bool              `json:"has_content"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

func viewOf(c *models.Contribution) contributionView {
	coAuthors := c.CoAuthors
	if coAuthors == nil {
		coAuthors = []string{}
	}
	return contributionView{
		ID:         c.ID,
		OwnerID:    c.OwnerID,
		CoAuthors:  coAuthors,
		TargetID:   c.TargetID,
		Resolution: c.Resolution,
		Hash:       c.Hash,
		Filename:   c.Filename,
		Metadata:   c.Metadata,
		Status:     c.Status,
		PollID:     c.PollID,
		HasContent: c.Locator != "",
		CreatedAt:  c.CreatedAt,
		UpdatedAt:  c.UpdatedAt,
	}
}

func viewsOf(list []*models.Contribution) []contributionView {
	out := make([]contributionView, 0, len(list))
	for _, c := range list {
		out = append(out, viewOf(c))
	}
	return out
}

type uploadResultView struct {
	Filename     string            `json:"filename"`
	Contribution *contributionView `json:"contribution,omitempty"`
	Error        *APIError         `json:"error,omitempty"`
}

type pendingView struct {
	Contribution contributionView `json:"contribution"`
	Up           int              `json:"up"`
	Down         int              `json:"down"`
	Electorate   int              `json:"electorate"`
	MyVote       models.Choice    `json:"my_vote"`
}

func pendingViewOf(p services.PendingContribution) pendingView {
	return pendingView{
		Contribution: viewOf(p.Contribution),
		Up:           p.Tally.Up,
		Down:         p.Tally.Down,
		Electorate:   p.Electorate,
		MyVote:       p.MyVote,
	}
}

type reconcileView struct {
	Active    []contributionView     `json:"active"`
	Archived  []string               `json:"archived"`
	Restored  []string               `json:"restored"`
	Created   []string               `json:"created"`
	Unmatched []services.SkippedFile `json:"unmatched"`
}

func nonNil(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func reconcileViewOf(r *services.ReconcileResult) reconcileView {
	unmatched := r.Unmatched
	if unmatched == nil {
		unmatched = []services.SkippedFile{}
	}
	return reconcileView{
		Active:    viewsOf(r.Active),
		Archived:  nonNil(r.Archived),
		Restored:  nonNil(r.Restored),
		Created:   nonNil(r.Created),
		Unmatched: unmatched,
	}
}
