package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/dmitrijs2005/texcouncil/internal/common"
	"github.com/dmitrijs2005/texcouncil/internal/logging"
	"github.com/dmitrijs2005/texcouncil/internal/server/auth"
	"github.com/dmitrijs2005/texcouncil/internal/server/models"
	"github.com/dmitrijs2005/texcouncil/internal/server/services"
)

type ForkService interface {
	Status(ctx context.Context, actor auth.Actor) (models.ForkInfo, error)
	Link(ctx context.Context, actor auth.Actor, login string) (models.ForkInfo, error)
	Unlink(ctx context.Context, actor auth.Actor, deleteFork bool) error
}

type Reconciler interface {
	Reconcile(ctx context.Context, ownerID string, resolution models.Resolution) (*services.ReconcileResult, error)
}

type ForkHandler struct {
	log        logging.Logger
	forks      ForkService
	reconciler Reconciler
}

func NewForkHandler(log logging.Logger, fs ForkService, r Reconciler) *ForkHandler {
	return &ForkHandler{log: log.With("handler", "fork"), forks: fs, reconciler: r}
}

func (h *ForkHandler) Status(c *gin.Context) {
	info, err := h.forks.Status(c.Request.Context(), actorOf(c))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, info)
}

type linkRequest struct {
	Login string `json:"login" binding:"required"`
}

// Link answers 202 while the fork is still being created.
func (h *ForkHandler) Link(c *gin.Context) {
	var req linkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondBadRequest(c, "invalid_body", err)
		return
	}
	info, err := h.forks.Link(c.Request.Context(), actorOf(c), req.Login)
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	status := http.StatusOK
	if info.State == models.ForkPending {
		status = http.StatusAccepted
	}
	c.JSON(status, info)
}

// Unlink forgets the caller's fork; ?delete_fork=true also deletes it on
// the git host.
func (h *ForkHandler) Unlink(c *gin.Context) {
	deleteFork := false
	if v := c.Query("delete_fork"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			RespondBadRequest(c, "invalid_query", err)
			return
		}
		deleteFork = b
	}
	if err := h.forks.Unlink(c.Request.Context(), actorOf(c), deleteFork); err != nil {
		RespondError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Reconcile syncs the caller's contributions of one resolution with their
// fork. Admins may name another owner with ?user=.
func (h *ForkHandler) Reconcile(c *gin.Context) {
	actor := actorOf(c)
	ownerID := actor.ID
	if u := c.Query("user"); u != "" && u != actor.ID {
		if !actor.IsAdmin() {
			RespondError(c, h.log, common.ErrForbidden)
			return
		}
		ownerID = u
	}

	res, err := h.reconciler.Reconcile(c.Request.Context(), ownerID, models.Resolution(c.Param("resolution")))
	if err != nil {
		RespondError(c, h.log, err)
		return
	}
	RespondOK(c, reconcileViewOf(res))
}
