package modarchive

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
)

// manifestKeys names the fields of one manifest format. Authors lists the
// keys tried in order; the first that yields a name wins.
type manifestKeys struct {
	id, name, version, description string
	authors                        []string
}

var (
	modsTOMLKeys = manifestKeys{id: "modId", name: "displayName", version: "version", description: "description", authors: []string{"authors"}}
	fabricKeys   = manifestKeys{id: "id", name: "name", version: "version", description: "description", authors: []string{"authors"}}
	mcModKeys    = manifestKeys{id: "modid", name: "name", version: "version", description: "description", authors: []string{"authorList", "authors"}}
)

var errNotObject = errors.New("manifest is not an object")

// parseModsTOML and the JSON parsers decode into generic values and coerce
// every field on its own, so one field of an unexpected type degrades to a
// default instead of failing the document.
func parseModsTOML(raw []byte) ([]Manifest, error) {
	var doc map[string]any
	if err := toml.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	items, _ := doc["mods"].([]any)
	return fromEntries(items, modsTOMLKeys), nil
}

func parseFabricJSON(raw []byte) ([]Manifest, error) {
	doc, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	entry, ok := doc.(map[string]any)
	if !ok {
		return nil, errNotObject
	}
	return []Manifest{manifestFrom(entry, fabricKeys)}, nil
}

// parseMCModInfo accepts both the bare array form and the
// {"modListVersion": 2, "modList": [...]} form, with comments and trailing
// commas tolerated.
func parseMCModInfo(raw []byte) ([]Manifest, error) {
	doc, err := decodeJSON(raw)
	if err != nil {
		return nil, err
	}
	switch v := doc.(type) {
	case []any:
		return fromEntries(v, mcModKeys), nil
	case map[string]any:
		items, _ := v["modList"].([]any)
		return fromEntries(items, mcModKeys), nil
	default:
		return nil, errNotObject
	}
}

func decodeJSON(raw []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(raw)))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// fromEntries converts the object items of a mod list; anything else in the
// list is dropped.
func fromEntries(items []any, keys manifestKeys) []Manifest {
	out := make([]Manifest, 0, len(items))
	for _, item := range items {
		if entry, ok := item.(map[string]any); ok {
			out = append(out, manifestFrom(entry, keys))
		}
	}
	return out
}

func manifestFrom(entry map[string]any, keys manifestKeys) Manifest {
	m := Manifest{
		Identifier:  scalar(entry[keys.id]),
		Name:        scalar(entry[keys.name]),
		Version:     scalar(entry[keys.version]),
		Description: scalar(entry[keys.description]),
	}
	for _, k := range keys.authors {
		if authors := authorList(entry[k]); len(authors) > 0 {
			m.Authors = authors
			break
		}
	}
	return m
}

// scalar renders a manifest value as text. Numbers and booleans are
// stringified; tables, lists and nulls become "".
func scalar(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case json.Number:
		return x.String()
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case map[string]any, []any, nil:
		return ""
	case fmt.Stringer:
		return x.String()
	default:
		return ""
	}
}

// authorList accepts a comma separated string, a single scalar, or a list of
// names and {"name": ...} objects.
func authorList(v any) []string {
	var out []string
	add := func(name string) {
		if name = strings.TrimSpace(name); name != "" {
			out = append(out, name)
		}
	}
	switch a := v.(type) {
	case string:
		for _, part := range strings.Split(a, ",") {
			add(part)
		}
	case []any:
		for _, item := range a {
			if person, ok := item.(map[string]any); ok {
				add(scalar(person["name"]))
				continue
			}
			add(scalar(item))
		}
	default:
		add(scalar(a))
	}
	return out
}

// SanitizeVersion maps empty and templated (${...}) versions to
// UnknownVersion.
func SanitizeVersion(v string) string {
	v = strings.TrimSpace(v)
	if v == "" || strings.Contains(v, "${") {
		return UnknownVersion
	}
	return v
}

func sanitize(mods []Manifest) []Manifest {
	out := make([]Manifest, 0, len(mods))
	for _, m := range mods {
		m.Identifier = strings.ToLower(strings.TrimSpace(m.Identifier))
		if m.Identifier == "" || strings.Contains(m.Identifier, "${") {
			continue
		}
		m.Version = SanitizeVersion(m.Version)
		m.Name = strings.TrimSpace(m.Name)
		if m.Name == "" || strings.Contains(m.Name, "${") {
			m.Name = m.Identifier
		}
		m.Description = strings.TrimSpace(m.Description)
		out = append(out, m)
	}
	return out
}

var filenamePattern = regexp.MustCompile(`^(.+?)[-_+](?:mc|v)?(\d.*)$`)

// FromFilename infers a mod identifier and version from an archive file
// name such as "create-1.20.1-0.5.1.jar". Without a recognizable version
// the whole base name is the identifier and the version is UnknownVersion.
func FromFilename(name string) (identifier, version string) {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	base = strings.TrimSuffix(base, path.Ext(base))
	base = strings.TrimSpace(base)
	if base == "" || base == "." || base == "/" {
		return "", UnknownVersion
	}

	if m := filenamePattern.FindStringSubmatch(base); m != nil {
		return strings.ToLower(m[1]), SanitizeVersion(m[2])
	}
	return strings.ToLower(base), UnknownVersion
}
