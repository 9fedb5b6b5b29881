package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"path"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

type ContributionService interface {
	CreateDrafts(ctx context.Context, actor auth.Actor, uploads []services.Upload, resolution models.Resolution) []services.UploadResult
	List(ctx context.Context, actor auth.Actor, filter models.ContributionFilter) ([]*models.Contribution, error)
	Get(ctx context.Context, actor auth.Actor, id string) (*models.Contribution, error)
	Content(ctx context.Context, actor auth.Actor, id string) (*models.Contribution, []byte, error)
	AttachTarget(ctx context.Context, actor auth.Actor, id string, req services.AttachRequest) (*models.Contribution, error)
	Submit(ctx context.Context, actor auth.Actor, ids []string) (*services.SubmitResult, error)
	Delete(ctx context.Context, actor auth.Actor, ids []string) (*services.DeleteResult, error)
	ListPending(ctx context.Context, actor auth.Actor) ([]services.PendingContribution, error)
}

type VoteService interface {
	CastVote(ctx context.Context, actor auth.Actor, contributionID string, choice models.Choice) (*services.VoteResult, error)
}

type ContributionHandler struct {
	log            logging.Logger
	contributions  ContributionService
	votes          VoteService
	maxUploadBytes int64
}

func NewContributionHandler(log logging.Logger, cs ContributionService, vs VoteService, maxUploadBytes int64) *ContributionHandler {
	return &ContributionHandler{
		log:            log.With("handler", "contributions"),
		contributions:  cs,
		votes:          vs,
		maxUploadBytes: maxUploadBytes,
	}
}

// Upload handles a multipart form with one or more "files" and a
// "resolution". Each file is reported on its own.
func (h *ContributionHandler) Upload(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		RespondBadRequest(c, "invalid_multipart_form", err)
		return
	}

	resolution, ok := models.ParseResolution(firstValue(form, "resolution"))
	if !ok {
		RespondBadRequest(c, "invalid_resolution", fmt.Errorf("resolution must be one of %v", models.Resolutions))
		return
	}

	headers := form.File["files"]
	if len(headers) == 0 {
		RespondBadRequest(c, "no_files", nil)
		return
	}

	uploads := make([]services.Upload, 0, len(headers))
	for _, fh := range headers {
		data, err := h.readPart(fh)
		if err != nil {
			RespondBadRequest(c, "unreadable_file", err)
			return
		}
		uploads = append(uploads, services.Upload{Filename: path.Base(fh.Filename), Data: data})
	}

	results := h.contributions.CreateDrafts(c.Request.Context(), actorOf(c), uploads, resolution)
	out := make([]uploadResultView, 0, len(results))
	for _, r := range results {
		v := uploadResultView{Filename: r.Filename}
		if r.Err != nil {
			status, apiErr := classify(r.Err)
			if status >= http.StatusInternalServerError {
				h.log.Error(c.Request.Context(), "upload failed", "filename", r.Filename, "error", r.Err)
			}
			v.Error = &apiErr
		} else {
			cv := viewOf(r.Contribution)
			v.Contribution = &cv
		}
		out = append(out, v)
	}
	RespondOK(c, gin.H{"results": out})
}

// readPart reads one uploaded file, keeping at most one byte past the limit
// so oversized files still fail validation in the service.
func (h *ContributionHandler) readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if h.maxUploadBytes > 0 {
		r = io.LimitReader(f, h.maxUploadBytes+1)
	}
	return io.ReadAll(r)
}

func firstValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (h *ContributionHandler) List(c *gin.Context) {
	filter := models.ContributionFilter{
		Resolution: models.Resolution(c.Query("resolution")),
		Status:     models.Status(c.Query("status")),
	}
	list, err := h.contributions.List(c.Request.Context(), actorOf(c), filter)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, gin.H{"contributions": viewsOf(list)})
}

func (h *ContributionHandler) Get(c *gin.Context) {
	contribution, err := h.contributions.Get(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, viewOf(contribution))
}

// Content streams the stored file of a contribution.
func (h *ContributionHandler) Content(c *gin.Context) {
	contribution, data, err := h.contributions.Content(c.Request.Context(), actorOf(c), c.Param("id"))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	contentType := mime.TypeByExtension(path.Ext(contribution.Filename))
	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": contribution.Filename}))
	c.Header("ETag", `"`+contribution.Hash+`"`)
	c.Data(http.StatusOK, contentType, data)
}

type attachRequest struct {
	TargetID  string          `json:"target_id"`
	CoAuthors []string        `json:"co_authors"`
	Metadata  json.RawMessage `json:"metadata"`
}

// Attach edits a draft (or rejected) contribution.
func (h *ContributionHandler) Attach(c *gin.Context) {
	var req attachRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid_body", err)
		return
	}
	contribution, err := h.contributions.AttachTarget(c.Request.Context(), actorOf(c), c.Param("id"), services.AttachRequest{
		TargetID:  req.TargetID,
		CoAuthors: req.CoAuthors,
		Metadata:  req.Metadata,
	})
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, viewOf(contribution))
}

type idsRequest struct {
	IDs []string `json:"ids"`
}

func (h *ContributionHandler) bindIDs(c *gin.Context) ([]string, bool) {
	var req idsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid_body", err)
		return nil, false
	}
	if len(req.IDs) == 0 {
		RespondError(c, h.log, fmt.Errorf("%w: ids are required", common.ErrValidation))
		return nil, false
	}
	return req.IDs, true
}

func (h *ContributionHandler) Submit(c *gin.Context) {
	ids, ok := h.bindIDs(c)
	if !ok {
		return
	}
	res, err := h.contributions.Submit(c.Request.Context(), actorOf(c), ids)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, gin.H{"submitted": nonNil(res.Submitted), "skipped": nonNil(res.Skipped)})
}

func (h *ContributionHandler) Delete(c *gin.Context) {
	ids, ok := h.bindIDs(c)
	if !ok {
		return
	}
	res, err := h.contributions.Delete(c.Request.Context(), actorOf(c), ids)
	switch {
	case err == nil:
	case res != nil && errors.Is(err, common.ErrStorage):
		// Records are gone; only blob cleanup failed.
		h.log.Warn(c.Request.Context(), "contribution files not fully removed", "error", err)
	default:
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, gin.H{
		"deleted":      nonNil(res.Deleted),
		"disconnected": nonNil(res.Disconnected),
		"skipped":      nonNil(res.Skipped),
	})
}

func (h *ContributionHandler) Pending(c *gin.Context) {
	list, err := h.contributions.ListPending(c.Request.Context(), actorOf(c))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	out := make([]pendingView, 0, len(list))
	for _, p := range list {
		out = append(out, pendingViewOf(p))
	}
	RespondOK(c, gin.H{"pending": out})
}

type voteRequest struct {
	Choice string `json:"choice" binding:"required"`
}

func (h *ContributionHandler) Vote(c *gin.Context) {
	var req voteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid_body", err)
		return
	}
	res, err := h.votes.CastVote(c.Request.Context(), actorOf(c), c.Param("id"), models.Choice(req.Choice))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, res)
}
