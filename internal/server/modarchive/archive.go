// Package modarchive reads mod archives (JAR files): the mods they declare
// and the images they embed.
package modarchive

import (
	"bytes"
	"fmt"
	"image"
	_ "image/png"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/dmitrijs2005/texcouncil/internal/common"
)

// MaxEntryBytes bounds the uncompressed size of any single archive entry
// that is read into memory.
const MaxEntryBytes = 16 << 20

// UnknownVersion replaces missing or templated versions.
const UnknownVersion = "unknown"

var imageExtensions = map[string]bool{".png": true, ".bmp": true, ".webp": true}

// Manifest is one mod declared by an archive.
type Manifest struct {
	Identifier  string
	Name        string
	Version     string
	Description string
	Authors     []string
}

// Image is an embedded image file.
type Image struct {
	// Path is the entry path inside the archive.
	Path string
	// Namespace is the asset namespace ("assets/<ns>/..."), empty when the
	// image lives outside assets/.
	Namespace string
	// Name is the catalogue name of the image (see TextureName).
	Name string
	Data []byte
}

// Archive is the parsed content of a mod archive.
type Archive struct {
	Mods []Manifest
	// Heuristic is true when no manifest was found and the single mod was
	// inferred from the archive file name.
	Heuristic bool
	Images    []Image
}

// Parse reads a mod archive. archiveName is only used when the archive
// carries no manifest. Items of a manifest without an identifier are
// skipped. A file that is not a zip archive is a validation error.
func Parse(archiveName string, data []byte) (*Archive, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s is not a zip archive: %v", common.ErrValidation, archiveName, err)
	}

	result := &Archive{}
	var manifestSeen bool

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := strings.TrimPrefix(f.Name, "/")

		switch name {
		case "META-INF/mods.toml", "META-INF/neoforge.mods.toml":
			raw, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			mods, err := parseModsTOML(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", common.ErrValidation, name, err)
			}
			manifestSeen = true
			result.Mods = append(result.Mods, mods...)
			continue
		case "fabric.mod.json", "quilt.mod.json":
			raw, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			mods, err := parseFabricJSON(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", common.ErrValidation, name, err)
			}
			manifestSeen = true
			result.Mods = append(result.Mods, mods...)
			continue
		case "mcmod.info":
			raw, err := readEntry(f)
			if err != nil {
				return nil, err
			}
			mods, err := parseMCModInfo(raw)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", common.ErrValidation, name, err)
			}
			manifestSeen = true
			result.Mods = append(result.Mods, mods...)
			continue
		}

		if !imageExtensions[strings.ToLower(path.Ext(name))] {
			continue
		}
		raw, err := readEntry(f)
		if err != nil {
			return nil, err
		}
		ns, texName := TextureName(name)
		result.Images = append(result.Images, Image{Path: name, Namespace: ns, Name: texName, Data: raw})
	}

	result.Mods = sanitize(result.Mods)
	if !manifestSeen {
		id, version := FromFilename(archiveName)
		if id != "" {
			result.Heuristic = true
			result.Mods = []Manifest{{Identifier: id, Name: id, Version: version}}
		}
	}

	for i := range result.Images {
		img := &result.Images[i]
		if img.Namespace == "" && len(result.Mods) > 0 {
			img.Name = result.Mods[0].Identifier + ":" + img.Name
		}
	}
	return result, nil
}

func readEntry(f *zip.File) ([]byte, error) {
	if f.UncompressedSize64 > MaxEntryBytes {
		return nil, fmt.Errorf("%w: entry %s exceeds %d bytes", common.ErrValidation, f.Name, MaxEntryBytes)
	}
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", common.ErrValidation, f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, MaxEntryBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", common.ErrValidation, f.Name, err)
	}
	if len(data) > MaxEntryBytes {
		return nil, fmt.Errorf("%w: entry %s exceeds %d bytes", common.ErrValidation, f.Name, MaxEntryBytes)
	}
	return data, nil
}

// TextureName derives the catalogue name of an asset path. For
// "assets/<ns>/textures/<rest>.<ext>" it returns ns and "<ns>:<rest>".
// Any other path yields an empty namespace and the path without extension.
func TextureName(p string) (namespace, name string) {
	p = strings.TrimPrefix(path.Clean("/"+p), "/")
	trimmed := strings.TrimSuffix(p, path.Ext(p))

	parts := strings.SplitN(trimmed, "/", 4)
	if len(parts) == 4 && parts[0] == "assets" && parts[2] == "textures" && parts[1] != "" && parts[3] != "" {
		return parts[1], parts[1] + ":" + parts[3]
	}
	return "", trimmed
}

// Dimensions decodes only the header of an image.
func Dimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}
