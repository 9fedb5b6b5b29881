package models

// ExternalFileRecord is one file of a contributor's fork as reported by the
// git host. Hash is the git blob id, comparable with Contribution.Hash.
type ExternalFileRecord struct {
	Path string
	Hash string
	Size int64
}

// ForkState describes where a contributor's fork is in its lifecycle.
type ForkState string

const (
	ForkAbsent  ForkState = "absent"
	ForkPending ForkState = "pending"
	ForkReady   ForkState = "ready"
	ForkFailed  ForkState = "failed"
)

// ForkInfo is the externally visible state of a contributor's fork.
type ForkInfo struct {
	Login string    `json:"login"`
	State ForkState `json:"state"`
	URL   string    `json:"url,omitempty"`
	Error string    `json:"error,omitempty"`
}
