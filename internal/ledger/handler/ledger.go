// Package handler exposes the ledger service over HTTP.
package handler

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jmerrifield20/ReportLedger/internal/authz"
	"github.com/jmerrifield20/ReportLedger/internal/cryptobox"
	"github.com/jmerrifield20/ReportLedger/internal/identity"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/model"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/service"
	"github.com/jmerrifield20/ReportLedger/internal/ledger/store"
	"github.com/jmerrifield20/ReportLedger/internal/retention"
)

// LedgerHandler handles HTTP requests against tenant ledgers.
type LedgerHandler struct {
	svc    *service.Service
	tokens *identity.TokenIssuer // nil = requester taken from X-Requester-* headers
	logger *zap.Logger
}

// NewLedgerHandler creates a LedgerHandler. tokens may be nil in development
// setups that sit behind a trusted gateway.
func NewLedgerHandler(svc *service.Service, tokens *identity.TokenIssuer, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, tokens: tokens, logger: logger}
}

// Register mounts the ledger routes on the given router group. mw runs after
// the requester is established, so limiters there can key on it.
func (h *LedgerHandler) Register(rg *gin.RouterGroup, mw ...gin.HandlerFunc) {
	chain := append([]gin.HandlerFunc{h.requireRequester()}, mw...)
	t := rg.Group("/tenants/:tenant", chain...)
	{
		t.POST("/entries", h.Append)
		t.GET("/entries", h.List)
		t.GET("/entries/tail", h.Tail)
		t.GET("/entries/:id", h.GetEntry)
		t.DELETE("/entries/:id", h.Delete)
		t.GET("/entries/:id/payload", h.ReadPayload)
		t.GET("/entries/:id/access-log", h.AccessLog)
		t.POST("/entries/:id/legal-hold", h.PlaceLegalHold)
		t.DELETE("/entries/:id/legal-hold", h.ReleaseLegalHold)
		t.GET("/hashes/:hash", h.GetByHash)
		t.GET("/verify", h.Verify)
		t.POST("/retention/archive", h.Archive)
	}
}

// requireRequester returns the RequireToken middleware when tokens are
// configured, or a header-based fallback otherwise.
func (h *LedgerHandler) requireRequester() gin.HandlerFunc {
	if h.tokens != nil {
		return identity.RequireToken(h.tokens)
	}
	return func(c *gin.Context) {
		id := c.GetHeader("X-Requester-ID")
		role, err := authz.ParseRole(c.GetHeader("X-Requester-Role"))
		if id == "" || err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "requester headers required"})
			return
		}
		tenant := c.GetHeader("X-Requester-Tenant")
		if tenant == "" {
			tenant = c.Param("tenant")
		}
		identity.SetRequester(c, authz.Requester{ID: id, TenantID: tenant, Role: role})
		c.Next()
	}
}

func requester(c *gin.Context) authz.Requester {
	r, _ := identity.RequesterFromCtx(c)
	return r
}

// authorize aborts with the mapped status and returns false on refusal.
func (h *LedgerHandler) authorize(c *gin.Context, entryID string, action authz.Action) bool {
	err := h.svc.Authorize(c.Request.Context(), requester(c), c.Param("tenant"), entryID, action)
	if err != nil {
		h.writeError(c, err)
		return false
	}
	return true
}

type appendBody struct {
	Classification string `json:"classification" binding:"required"`
	Action         string `json:"action" binding:"required"`
	Payload        any    `json:"payload"`
}

// Append handles POST /tenants/:tenant/entries. The requester is the actor.
func (h *LedgerHandler) Append(c *gin.Context) {
	if !h.authorize(c, "", authz.ActionAppend) {
		return
	}
	var body appendBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.svc.Append(c.Request.Context(), service.AppendRequest{
		TenantID:       c.Param("tenant"),
		Actor:          requester(c).ID,
		Classification: retention.Classification(body.Classification),
		Action:         body.Action,
		Payload:        body.Payload,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

// List handles GET /tenants/:tenant/entries?from=&to=.
func (h *LedgerHandler) List(c *gin.Context) {
	if !h.authorize(c, "", authz.ActionRead) {
		return
	}
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	entries, err := h.svc.List(c.Request.Context(), c.Param("tenant"), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// Tail handles GET /tenants/:tenant/entries/tail.
func (h *LedgerHandler) Tail(c *gin.Context) {
	if !h.authorize(c, "", authz.ActionRead) {
		return
	}
	m, err := h.svc.Tail(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetEntry handles GET /tenants/:tenant/entries/:id and returns metadata only.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	if !h.authorize(c, c.Param("id"), authz.ActionRead) {
		return
	}
	m, err := h.svc.Get(c.Request.Context(), c.Param("tenant"), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// GetByHash handles GET /tenants/:tenant/hashes/:hash.
func (h *LedgerHandler) GetByHash(c *gin.Context) {
	if !h.authorize(c, "", authz.ActionRead) {
		return
	}
	m, err := h.svc.GetByHash(c.Request.Context(), c.Param("tenant"), strings.ToLower(c.Param("hash")))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ReadPayload handles GET /tenants/:tenant/entries/:id/payload. The service
// performs the authorization itself so that refusals are logged.
func (h *LedgerHandler) ReadPayload(c *gin.Context) {
	e, err := h.svc.Read(c.Request.Context(), c.Param("tenant"), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

// AccessLog handles GET /tenants/:tenant/entries/:id/access-log.
func (h *LedgerHandler) AccessLog(c *gin.Context) {
	records, err := h.svc.AccessLog(c.Request.Context(), c.Param("tenant"), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": records, "count": len(records)})
}

// Verify handles GET /tenants/:tenant/verify?from=&to=. A broken chain is
// reported with 200 and chain_intact=false.
func (h *LedgerHandler) Verify(c *gin.Context) {
	if !h.authorize(c, "", authz.ActionVerify) {
		return
	}
	from, to, ok := rangeParams(c)
	if !ok {
		return
	}
	report, err := h.svc.VerifyRange(c.Request.Context(), c.Param("tenant"), from, to)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

type holdBody struct {
	Reason string `json:"reason" binding:"required"`
}

// PlaceLegalHold handles POST /tenants/:tenant/entries/:id/legal-hold.
func (h *LedgerHandler) PlaceLegalHold(c *gin.Context) {
	var body holdBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.svc.PlaceLegalHold(c.Request.Context(), c.Param("tenant"), c.Param("id"), body.Reason, requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// ReleaseLegalHold handles DELETE /tenants/:tenant/entries/:id/legal-hold.
func (h *LedgerHandler) ReleaseLegalHold(c *gin.Context) {
	m, err := h.svc.ReleaseLegalHold(c.Request.Context(), c.Param("tenant"), c.Param("id"), requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Delete handles DELETE /tenants/:tenant/entries/:id. Deletion is soft; the row is kept.
func (h *LedgerHandler) Delete(c *gin.Context) {
	var body service.DeleteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m, err := h.svc.Delete(c.Request.Context(), c.Param("tenant"), c.Param("id"), body, requester(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

// Archive handles POST /tenants/:tenant/retention/archive.
func (h *LedgerHandler) Archive(c *gin.Context) {
	if !h.authorize(c, "", authz.ActionArchive) {
		return
	}
	n, err := h.svc.ArchiveExpired(c.Request.Context(), c.Param("tenant"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"archived": n})
}

// rangeParams parses ?from= and ?to=. Missing from is 0; missing to is -1.
func rangeParams(c *gin.Context) (int64, int64, bool) {
	from, err := strconv.ParseInt(c.DefaultQuery("from", "0"), 10, 64)
	if err != nil || from < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be a non-negative integer"})
		return 0, 0, false
	}
	to, err := strconv.ParseInt(c.DefaultQuery("to", "-1"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be an integer"})
		return 0, 0, false
	}
	return from, to, true
}

// writeError maps service and store errors onto HTTP statuses.
func (h *LedgerHandler) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, service.ErrAccessDenied):
		status, msg = http.StatusForbidden, "access denied"
	case errors.Is(err, store.ErrNotFound):
		status, msg = http.StatusNotFound, "entry not found"
	case errors.Is(err, service.ErrEntryDeleted):
		status, msg = http.StatusGone, err.Error()
	case errors.Is(err, service.ErrInvalidInput):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, service.ErrSignOffRequired):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, model.ErrRetentionViolation),
		errors.Is(err, model.ErrInvalidTransition),
		errors.Is(err, store.ErrConcurrentAppend),
		errors.Is(err, store.ErrVersionConflict):
		status, msg = http.StatusConflict, err.Error()
	case errors.Is(err, cryptobox.ErrAuthentication):
		msg = "payload failed authentication"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("ledger request failed",
			zap.String("tenant_id", c.Param("tenant")),
			zap.String("path", c.FullPath()),
			zap.Error(err),
		)
	}
	c.JSON(status, gin.H{"error": msg})
}
