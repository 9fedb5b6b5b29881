package models

import "time"

// Texture is a catalogue entry: a named texture of the shared repository that
// contributions target. Hash and Locator are set when the catalogue holds a
// reference image (e.g. one extracted from a mod archive).
type Texture struct {
	ID        string
	Name      string
	Hash      *string
	Locator   *string
	Width     int
	Height    int
	Aliases   []string
	CreatedAt time.Time
}

// Mod is a mod known from an ingested archive.
type Mod struct {
	ID         string
	Identifier string
	Name       string
}

// ModVersion is one ingested release of a Mod.
type ModVersion struct {
	ID      string
	ModID   string
	Version string
}

// ExtractedMetadata is what ingestion learned about one mod declared in an
// archive.
type ExtractedMetadata struct {
	Identifier  string   `json:"identifier"`
	Name        string   `json:"name"`
	Version     string   `json:"version"`
	Description string   `json:"description,omitempty"`
	Authors     []string `json:"authors,omitempty"`
	ModID       string   `json:"mod_id"`
	VersionID   string   `json:"version_id"`
	// Heuristic is set when no manifest was found and the identity was
	// inferred from the archive file name.
	Heuristic bool              `json:"heuristic"`
	Textures  []IngestedTexture `json:"textures"`
}

// IngestedTexture reports what happened to one image of an archive.
type IngestedTexture struct {
	TextureID string `json:"texture_id"`
	Name      string `json:"name"`
	Hash      string `json:"hash"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	// Outcome is one of "created", "updated", "existing" or "aliased".
	Outcome string `json:"outcome"`
}

const (
	IngestCreated  = "created"
	IngestUpdated  = "updated"
	IngestExisting = "existing"
	IngestAliased  = "aliased"
)
