package models

// Choice is a council member's stance on a pending contribution.
// ChoiceNone withdraws a previous vote.
type Choice string

const (
	ChoiceUp   Choice = "up"
	ChoiceDown Choice = "down"
	ChoiceNone Choice = "none"
)

// ParseChoice validates s.
func ParseChoice(s string) (Choice, bool) {
	switch c := Choice(s); c {
	case ChoiceUp, ChoiceDown, ChoiceNone:
		return c, true
	}
	return "", false
}

// Poll holds the council votes of one contribution. A voter appears in at
// most one of the two lists.
type Poll struct {
	ID        string
	Upvotes   []string
	Downvotes []string
}

// Tally counts the votes of a poll.
type Tally struct {
	Up   int
	Down int
}

// Tally returns the vote counts of p.
func (p *Poll) Tally() Tally {
	return Tally{Up: len(p.Upvotes), Down: len(p.Downvotes)}
}

// Decide resolves a poll given the number of council members entitled to
// vote. It returns the final status and true once every member has voted;
// ties accept. With an empty electorate no decision is ever made.
func Decide(t Tally, electorate int) (Status, bool) {
	if electorate <= 0 || t.Up+t.Down != electorate {
		return "", false
	}
	if t.Up >= t.Down {
		return StatusAccepted, true
	}
	return StatusRejected, true
}
