package httpapi

import (
	"context"
	"fmt"
	"io"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
)

type Ingestor interface {
	Ingest(ctx context.Context, actor auth.Actor, archiveName string, data []byte) ([]models.ExtractedMetadata, error)
}

type ModHandler struct {
	log             logging.Logger
	ingestor        Ingestor
	maxArchiveBytes int64
}

func NewModHandler(log logging.Logger, ing Ingestor, maxArchiveBytes int64) *ModHandler {
	return &ModHandler{log: log.With("handler", "mods"), ingestor: ing, maxArchiveBytes: maxArchiveBytes}
}

// Ingest reads the multipart "archive" field and imports it.
func (h *ModHandler) Ingest(c *gin.Context) {
	fh, err := c.FormFile("archive")
	if err != nil {
		RespondBadRequest(c, "missing_archive", err)
		return
	}
	if h.maxArchiveBytes > 0 && fh.Size > h.maxArchiveBytes {
		RespondError(c, h.log, fmt.Errorf("%w: archive exceeds %d bytes", common.ErrValidation, h.maxArchiveBytes))
		return
	}

	f, err := fh.Open()
	if err != nil {
		RespondBadRequest(c, "unreadable_archive", err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		RespondBadRequest(c, "unreadable_archive", err)
		return
	}

	metas, err := h.ingestor.Ingest(c.Request.Context(), actorOf(c), path.Base(fh.Filename), data)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, gin.H{"mods": metas})
}
