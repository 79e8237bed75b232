package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/sse"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/mikeangelocasono/expert-dashboard/internal/session"
	"github.com/mikeangelocasono/expert-dashboard/pkg/schema"
	core "github.com/mikeangelocasono/expert-dashboard/pkg/sync"
)

// Handler serves the backend REST API and the SSE change feed.
type Handler struct {
	Source   *Source
	Hub      *Hub
	TokenKey []byte
	validate *validator.Validate
}

// NewHandler wires a handler over a source and hub.
func NewHandler(src *Source, hub *Hub, tokenKey []byte) *Handler {
	return &Handler{Source: src, Hub: hub, TokenKey: tokenKey, validate: validator.New()}
}

// Router builds the gin engine with all routes attached.
func (h *Handler) Router() *gin.Engine {
	r := gin.Default()

	r.POST("/auth/login", h.Login)

	api := r.Group("/api")
	{
		api.GET("/scans", h.ListScans)
		api.GET("/scans/:id", h.GetScan)
		api.POST("/scans", h.SubmitScan)
		api.GET("/validations", h.ListValidations)
		api.GET("/validations/:id", h.GetValidation)
		api.GET("/profiles", h.GetProfiles)
		api.GET("/profiles/count", h.CountProfiles)
		api.GET("/feed", h.Feed)

		authed := api.Group("")
		authed.Use(h.requireExpert())
		{
			authed.PATCH("/scans/:id/status", h.UpdateScanStatus)
			authed.DELETE("/scans/:id", h.DeleteScan)
			authed.POST("/validations", h.InsertValidation)
			authed.PUT("/scans/:id/validations/:expert", h.UpdateValidation)
		}
	}

	return r
}

// requireExpert rejects mutating calls that lack a valid sealed token.
func (h *Handler) requireExpert() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := session.Open(token, h.TokenKey)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Set("expert_id", claims.ExpertID)
		c.Next()
	}
}

type loginRequest struct {
	Handle string `json:"handle" validate:"required"`
}

// Login exchanges a known expert handle for a sealed token.
func (h *Handler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	profile, expert, ok := h.Source.ProfileByHandle(req.Handle)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown handle"})
		return
	}
	if !expert {
		c.JSON(http.StatusForbidden, gin.H{"error": "not an expert account"})
		return
	}

	token, err := session.Seal(session.Claims{
		ExpertID: profile.ID,
		Handle:   profile.Handle,
		IssuedAt: time.Now().UTC(),
	}, h.TokenKey)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "profile": profile})
}

func (h *Handler) ListScans(c *gin.Context) {
	c.JSON(http.StatusOK, h.Source.Scans())
}

func (h *Handler) GetScan(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sc, ok := h.Source.Scan(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "scan not found"})
		return
	}
	c.JSON(http.StatusOK, sc)
}

type submitScanRequest struct {
	SubmitterID int64           `json:"submitter_id" validate:"required"`
	Category    schema.Category `json:"category" validate:"required,oneof=Leaf Plant"`
	Prediction  string          `json:"prediction" validate:"required"`
	Confidence  string          `json:"confidence"`
	ImageURL    string          `json:"image_url" validate:"required,url"`
	Chemical    string          `json:"chemical_treatment"`
	Organic     string          `json:"organic_treatment"`
}

// SubmitScan accepts a farmer submission. Unauthenticated: submissions come
// from the farmer app, which holds no expert token.
func (h *Handler) SubmitScan(c *gin.Context) {
	var req submitScanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sc := h.Source.AddScan(schema.Scan{
		SubmitterID: req.SubmitterID,
		Category:    req.Category,
		Prediction:  req.Prediction,
		Confidence:  req.Confidence,
		ImageURL:    req.ImageURL,
		Chemical:    req.Chemical,
		Organic:     req.Organic,
	})
	c.JSON(http.StatusCreated, sc)
}

func (h *Handler) DeleteScan(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.Source.RemoveScan(id)
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

type statusRequest struct {
	Status schema.Status `json:"status" validate:"required,oneof=PendingValidation Validated Corrected"`
}

func (h *Handler) UpdateScanStatus(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.Source.UpdateScanStatus(id, req.Status); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

func (h *Handler) ListValidations(c *gin.Context) {
	c.JSON(http.StatusOK, h.Source.Validations())
}

func (h *Handler) GetValidation(c *gin.Context) {
	id, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	v, ok := h.Source.Validation(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "validation not found"})
		return
	}
	c.JSON(http.StatusOK, v)
}

type validationRequest struct {
	ScanID        int64         `json:"scan_id" validate:"required"`
	Prediction    string        `json:"ai_prediction"`
	Determination string        `json:"expert_validation" validate:"required"`
	Status        schema.Status `json:"status" validate:"required,oneof=Validated Corrected"`
	ValidatedAt   time.Time     `json:"validated_at"`
	Note          string        `json:"note"`
}

// InsertValidation creates the audit record. The expert identity comes from
// the token, never the payload. A duplicate (scan, expert) pair yields 409.
func (h *Handler) InsertValidation(c *gin.Context) {
	var req validationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := h.Source.InsertValidation(schema.ValidationRecord{
		ScanID:        req.ScanID,
		ExpertID:      c.GetInt64("expert_id"),
		Prediction:    req.Prediction,
		Determination: req.Determination,
		Status:        req.Status,
		ValidatedAt:   req.ValidatedAt,
		Note:          req.Note,
	})
	switch {
	case err == nil:
		c.JSON(http.StatusCreated, rec)
	case errors.Is(err, core.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{"error": "validation already exists for this scan and expert"})
	default:
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	}
}

func (h *Handler) UpdateValidation(c *gin.Context) {
	scanID, err := pathID(c, "id")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	expertID, err := pathID(c, "expert")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if expertID != c.GetInt64("expert_id") {
		c.JSON(http.StatusForbidden, gin.H{"error": "cannot rewrite another expert's record"})
		return
	}

	var req validationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.Source.UpdateValidation(scanID, expertID, schema.ValidationRecord{
		Prediction:    req.Prediction,
		Determination: req.Determination,
		Status:        req.Status,
		ValidatedAt:   req.ValidatedAt,
		Note:          req.Note,
	}); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

// GetProfiles resolves a batch of profile ids: /api/profiles?ids=3,7,12
func (h *Handler) GetProfiles(c *gin.Context) {
	raw := c.Query("ids")
	if raw == "" {
		c.JSON(http.StatusOK, []schema.ExpertProfile{})
		return
	}
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bad id list"})
			return
		}
		ids = append(ids, id)
	}
	c.JSON(http.StatusOK, h.Source.Profiles(ids))
}

func (h *Handler) CountProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"count": h.Source.CountProfiles()})
}

// Feed streams change events as server-sent events until the client
// disconnects.
func (h *Handler) Feed(c *gin.Context) {
	_, events, cancel := h.Hub.Subscribe()
	defer cancel()

	c.Writer.Header().Set("Content-Type", sse.ContentType)
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := sse.Encode(c.Writer, sse.Event{Event: "change", Data: ev}); err != nil {
				return
			}
			c.Writer.Flush()
		}
	}
}

func pathID(c *gin.Context, name string) (int64, error) {
	return strconv.ParseInt(c.Param(name), 10, 64)
}
