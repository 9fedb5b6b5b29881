package models

import (
	"fmt"

	"github.com/dmitrijs2005/texcouncil/internal/common"
)

// Status is the lifecycle state of a contribution.
type Status string

const (
	StatusDraft    Status = "draft"
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
	StatusArchived Status = "archived"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusPending, StatusAccepted, StatusRejected, StatusArchived:
		return true
	}
	return false
}

// Active reports whether a contribution in this status takes part in
// content deduplication. Archived contributions do not.
func (s Status) Active() bool {
	return s != StatusArchived
}

// Event drives a status transition.
type Event string

const (
	EventSubmit          Event = "submit"
	EventEdit            Event = "edit"
	EventAccept          Event = "accept"
	EventReject          Event = "reject"
	EventExternalRemoved Event = "external_removed"
	EventExternalPresent Event = "external_present"
)

var transitions = map[Event]map[Status]Status{
	EventSubmit: {
		StatusDraft: StatusPending,
	},
	EventEdit: {
		StatusDraft:    StatusDraft,
		StatusRejected: StatusDraft,
	},
	EventAccept: {
		StatusPending: StatusAccepted,
	},
	EventReject: {
		StatusPending: StatusRejected,
	},
	EventExternalRemoved: {
		StatusAccepted: StatusArchived,
		StatusRejected: StatusArchived,
	},
	EventExternalPresent: {
		StatusArchived: StatusAccepted,
	},
}

// Advance returns the status reached from s on event e, or an error wrapping
// common.ErrInvalidTransition when the event is not allowed in s.
//
// Precondition checks that need more than the status (a target is required
// to submit) are the caller's job.
func Advance(s Status, e Event) (Status, error) {
	next, ok := transitions[e][s]
	if !ok {
		return s, fmt.Errorf("%w: %s on %s", common.ErrInvalidTransition, e, s)
	}
	return next, nil
}

// Can reports whether event e is allowed in status s.
func Can(s Status, e Event) bool {
	_, err := Advance(s, e)
	return err == nil
}
