package models

// Resolution is a texture size tier; each one maps to a branch of the shared
// texture repository.
type Resolution string

const (
	Resolution32x Resolution = "32x"
	Resolution64x Resolution = "64x"
)

// Resolutions lists every supported resolution.
var Resolutions = []Resolution{Resolution32x, Resolution64x}

// ParseResolution validates s.
func ParseResolution(s string) (Resolution, bool) {
	for _, r := range Resolutions {
		if string(r) == s {
			return r, true
		}
	}
	return "", false
}
