package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/dbx"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/metrics"
	"github.com/dmitrijs2005/texcouncil/internal/server/modarchive"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/texcouncil/internal/server/repositories/textures"
	"github.com/dmitrijs2005/texcouncil/internal/server/storage"
)

// Ingestor imports mod archives into the texture catalogue.
type Ingestor struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	content     *storage.ContentStore
	log         logging.Logger
	metrics     *metrics.Metrics
}

func NewIngestor(db *sql.DB, rm repomanager.RepositoryManager, content *storage.ContentStore, log logging.Logger, m *metrics.Metrics) *Ingestor {
	return &Ingestor{
		db:          db,
		repomanager: rm,
		content:     content,
		log:         log.With("module", "ingest"),
		metrics:     m,
	}
}

type preparedImage struct {
	modarchive.Image
	hash          string
	locator       string
	width, height int
}

// Ingest reads a mod archive, records the mods and versions it declares and
// adds its images to the texture catalogue, one ExtractedMetadata per mod.
//
// Images are deduplicated by content hash: a known image is not stored
// again, the existing texture only gains the archive's name as an alias.
// Manifest fields are sanitized item by item instead of failing the archive.
func (s *Ingestor) Ingest(ctx context.Context, actor auth.Actor, archiveName string, data []byte) ([]models.ExtractedMetadata, error) {
	if actor.ID == "" {
		return nil, common.ErrorUnauthorized
	}
	if !actor.IsAdmin() {
		return nil, common.ErrForbidden
	}

	archive, err := modarchive.Parse(archiveName, data)
	if err != nil {
		return nil, err
	}
	if len(archive.Mods) == 0 {
		return nil, fmt.Errorf("%w: %s declares no mod and its name gives no identifier", common.ErrValidation, archiveName)
	}

	images, err := s.prepare(ctx, archive.Images)
	if err != nil {
		return nil, err
	}

	metas := make([]models.ExtractedMetadata, len(archive.Mods))
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		mods := s.repomanager.Mods(tx)
		catalogue := s.repomanager.Textures(tx)

		for i, m := range archive.Mods {
			mod := &models.Mod{Identifier: m.Identifier, Name: m.Name}
			if err := mods.UpsertMod(ctx, mod); err != nil {
				return err
			}
			version := &models.ModVersion{ModID: mod.ID, Version: m.Version}
			if err := mods.UpsertVersion(ctx, version); err != nil {
				return err
			}
			metas[i] = models.ExtractedMetadata{
				Identifier:  m.Identifier,
				Name:        m.Name,
				Version:     m.Version,
				Description: m.Description,
				Authors:     m.Authors,
				ModID:       mod.ID,
				VersionID:   version.ID,
				Heuristic:   archive.Heuristic,
				Textures:    []models.IngestedTexture{},
			}
		}

		for _, img := range images {
			ingested, err := s.upsertTexture(ctx, catalogue, img)
			if err != nil {
				return fmt.Errorf("error ingesting %s: %w", img.Path, err)
			}
			for _, i := range owners(archive.Mods, img.Namespace) {
				if err := mods.LinkTexture(ctx, metas[i].VersionID, ingested.TextureID); err != nil {
					return err
				}
				metas[i].Textures = append(metas[i].Textures, ingested)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, meta := range metas {
		for _, t := range meta.Textures {
			s.metrics.ModTextureIngested(t.Outcome)
		}
		s.log.Info(ctx, "mod ingested", "identifier", meta.Identifier, "version", meta.Version,
			"textures", len(meta.Textures), "heuristic", meta.Heuristic)
	}
	return metas, nil
}

// prepare hashes and measures every image and stores the ones whose content
// the catalogue does not hold yet. Undecodable images are skipped.
func (s *Ingestor) prepare(ctx context.Context, images []modarchive.Image) ([]preparedImage, error) {
	catalogue := s.repomanager.Textures(s.db)
	out := make([]preparedImage, 0, len(images))
	for _, img := range images {
		w, h, err := modarchive.Dimensions(img.Data)
		if err != nil {
			s.log.Warn(ctx, "skipping undecodable image", "path", img.Path, "error", err)
			continue
		}
		p := preparedImage{Image: img, hash: s.content.Hash(img.Data), width: w, height: h}

		_, err = catalogue.GetByHash(ctx, p.hash)
		switch {
		case err == nil:
		case errors.Is(err, common.ErrNotFound):
			if p.locator, _, err = s.content.Store(ctx, img.Data, img.Path); err != nil {
				return nil, err
			}
		default:
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func (s *Ingestor) upsertTexture(ctx context.Context, catalogue textures.Repository, img preparedImage) (models.IngestedTexture, error) {
	out := models.IngestedTexture{Name: img.Name, Hash: img.hash, Width: img.width, Height: img.height}

	existing, err := catalogue.GetByHash(ctx, img.hash)
	switch {
	case err == nil:
		out.TextureID = existing.ID
		out.Outcome = models.IngestExisting
		if existing.Name != img.Name && !contains(existing.Aliases, img.Name) {
			added, err := catalogue.AddAlias(ctx, existing.ID, img.Name)
			if err != nil {
				return out, err
			}
			if added {
				out.Outcome = models.IngestAliased
			}
		}
		return out, nil
	case !errors.Is(err, common.ErrNotFound):
		return out, err
	}

	if img.locator == "" {
		// Another ingestion removed or changed the texture between prepare
		// and now; the image was never stored.
		return out, fmt.Errorf("%w: texture %s changed during ingestion", common.ErrStorage, img.hash)
	}

	hash, locator := img.hash, img.locator
	named, err := catalogue.FindByName(ctx, img.Name)
	switch {
	case err == nil:
		named.Hash, named.Locator = &hash, &locator
		named.Width, named.Height = img.width, img.height
		if err := catalogue.SetImage(ctx, named); err != nil {
			return out, err
		}
		out.TextureID = named.ID
		out.Outcome = models.IngestUpdated
	case errors.Is(err, common.ErrNotFound):
		t := &models.Texture{Name: img.Name, Hash: &hash, Locator: &locator, Width: img.width, Height: img.height}
		if err := catalogue.Insert(ctx, t); err != nil {
			return out, err
		}
		out.TextureID = t.ID
		out.Outcome = models.IngestCreated
	default:
		return out, err
	}
	return out, nil
}

// owners returns the indexes of the mods an image belongs to: the mod whose
// identifier is the image's asset namespace, or every mod of the archive.
func owners(mods []modarchive.Manifest, namespace string) []int {
	for i, m := range mods {
		if namespace != "" && m.Identifier == namespace {
			return []int{i}
		}
	}
	all := make([]int, len(mods))
	for i := range mods {
		all[i] = i
	}
	return all
}

func contains(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
