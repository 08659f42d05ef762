package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"brokerbridge/internal/aggregate"
	"brokerbridge/internal/broker"
	"brokerbridge/internal/ingest"
	syncer "brokerbridge/internal/sync"
)

type Handler struct {
	orch *syncer.Orchestrator
	agg  *aggregate.Service
	log  *logrus.Logger
}

func NewHandler(orch *syncer.Orchestrator, agg *aggregate.Service, log *logrus.Logger) *Handler {
	return &Handler{orch: orch, agg: agg, log: log}
}

type CreateConnectionRequest struct {
	OrgID  string `json:"org_id" binding:"required"`
	UserID string `json:"user_id"`
	Broker string `json:"broker" binding:"required"`

	FileContent string                `json:"file_content,omitempty"`
	FileName    string                `json:"file_name,omitempty"`
	Mapping     *ingest.ColumnMapping `json:"mapping,omitempty"`

	RequestToken string `json:"request_token,omitempty"`
	Verifier     string `json:"verifier,omitempty"`
}

func (h *Handler) CreateConnection(c *gin.Context) {
	var req CreateConnectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.log.Warnf("invalid create connection body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res, err := h.orch.CreateConnection(c.Request.Context(), syncer.CreateParams{
		OrgID:  req.OrgID,
		UserID: req.UserID,
		Broker: req.Broker,
		Auth: broker.AuthInput{
			FileContent:  req.FileContent,
			FileName:     req.FileName,
			Mapping:      req.Mapping,
			RequestToken: req.RequestToken,
			Verifier:     req.Verifier,
		},
	})
	if err != nil {
		h.fail(c, "create connection", err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

type SyncRequest struct {
	ForceRefresh           bool  `json:"force_refresh"`
	ReplaceSnapshot        *bool `json:"replace_snapshot"`
	SkipInstrumentCreation bool  `json:"skip_instrument_creation"`

	FileContent string                `json:"file_content,omitempty"`
	FileName    string                `json:"file_name,omitempty"`
	Mapping     *ingest.ColumnMapping `json:"mapping,omitempty"`
}

func (h *Handler) SyncConnection(c *gin.Context) {
	var req SyncRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	// replace is the safe default; appending generations is opt-in
	replace := true
	if req.ReplaceSnapshot != nil {
		replace = *req.ReplaceSnapshot
	}

	res, err := h.orch.Sync(c.Request.Context(), c.Param("id"), syncer.Options{
		ForceRefresh:           req.ForceRefresh,
		ReplaceSnapshot:        replace,
		SkipInstrumentCreation: req.SkipInstrumentCreation,
		FileContent:            req.FileContent,
		FileName:               req.FileName,
		Mapping:                req.Mapping,
	})
	if err != nil {
		h.fail(c, "sync connection", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetConnection(c *gin.Context) {
	res, err := h.orch.GetConnection(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, "get connection", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ListConnections(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "org_id is required"})
		return
	}
	res, err := h.orch.ListConnections(c.Request.Context(), orgID)
	if err != nil {
		h.fail(c, "list connections", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": res})
}

func (h *Handler) DeleteConnection(c *gin.Context) {
	if err := h.orch.DeleteConnection(c.Request.Context(), c.Param("id")); err != nil {
		h.fail(c, "delete connection", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

func (h *Handler) GetPositions(c *gin.Context) {
	orgID := c.Query("org_id")
	if orgID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "org_id is required"})
		return
	}

	f := aggregate.Filters{
		OrgID:       orgID,
		Broker:      c.Query("broker"),
		AccountID:   c.Query("account_id"),
		AssetClass:  c.Query("asset_class"),
		Symbol:      c.Query("symbol"),
		OptionsOnly: c.Query("options_only") == "true",
	}
	if v := c.Query("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339"})
			return
		}
		f.AsOf = &t
	}

	res, err := h.agg.Positions(c.Request.Context(), f)
	if err != nil {
		h.fail(c, "get positions", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": res})
}

func (h *Handler) GetPortfolioSummary(c *gin.Context) {
	var asOf *time.Time
	if v := c.Query("as_of"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "as_of must be RFC3339"})
			return
		}
		asOf = &t
	}

	res, err := h.agg.PortfolioSummary(c.Request.Context(), c.Param("org"), asOf)
	if err != nil {
		h.fail(c, "portfolio summary", err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// fail maps AdapterError codes onto HTTP statuses; anything else is a 500.
func (h *Handler) fail(c *gin.Context, op string, err error) {
	ae, ok := broker.AsAdapterError(err)
	if !ok {
		h.log.Errorf("%s failed: %v", op, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}

	status := http.StatusInternalServerError
	switch ae.Code {
	case broker.CodeValidation, broker.CodeZeroAccounts:
		status = http.StatusBadRequest
	case broker.CodeAuthExpired, broker.CodeIntegrity:
		status = http.StatusUnauthorized
	case broker.CodeSyncInProgress:
		status = http.StatusConflict
	case broker.CodeNotFound:
		status = http.StatusNotFound
	case broker.CodeProvider:
		status = http.StatusBadGateway
	}
	h.log.Warnf("%s failed: %s", op, ae.Error())
	c.JSON(status, gin.H{"error": ae.Message, "code": ae.Code, "details": ae.Details})
}
