package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/wfm_ohs/backend/internal/ai"
	"github.com/wfm_ohs/backend/internal/db"
	"github.com/wfm_ohs/backend/internal/models"
	"github.com/wfm_ohs/backend/internal/notify"
	"github.com/wfm_ohs/backend/internal/service"
)

type Handler struct {
	Store         *db.Store
	Engine        *service.AssignmentEngine
	Relationships *service.RelationshipStore
	Health        *service.HealthService
	Advisor       ai.Advisor
	Notifier      notify.Dispatcher
	Validator     *validator.Validate
	Logger        zerolog.Logger
	AdminKey      string
}

func (h *Handler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()
	if err := h.Store.Ping(ctx); err != nil {
		writeError(c, http.StatusServiceUnavailable, "DB_UNAVAILABLE", "Database unavailable", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) VisitsList(c *gin.Context) {
	state := strings.TrimSpace(c.Query("state"))
	partnerID := strings.TrimSpace(c.Query("partner_id"))
	clientID := strings.TrimSpace(c.Query("client_id"))
	from := parseDateQuery(c.Query("from"))
	to := parseDateQuery(c.Query("to"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.Store.ListVisits(c.Request.Context(), state, partnerID, clientID, from, to, limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list visits", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) VisitDetails(c *gin.Context) {
	result, err := h.Store.GetVisitDetails(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get visit", err.Error())
		return
	}
	if result == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Visit not found", nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

// @Summary Recommend partners for a visit
// @Description Ranks active service partners for the visit by relationship,
// @Description availability, performance, proximity and workload.
// @Tags visits
// @Produce json
// @Param id path string true "Visit ID"
// @Param limit query int false "Max recommendations" default(2)
// @Success 200 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /api/visits/{id}/recommendations [get]
func (h *Handler) Recommendations(c *gin.Context) {
	visit, err := h.Store.GetVisit(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get visit", err.Error())
		return
	}
	if visit == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Visit not found", nil)
		return
	}

	candidates, err := h.Store.ListServicePartners(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list partners", err.Error())
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(service.DefaultRecommendationLimit)))
	recs, err := h.Engine.Recommend(c.Request.Context(), *visit, candidates, limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "SCORING_ERROR", "Failed to score candidates", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"visit_id": visit.ID, "recommendations": recs})
}

type AssignRequest struct {
	PartnerID string `json:"partner_id" validate:"required"`
}

// @Summary Assign a partner to a visit
// @Tags visits
// @Accept json
// @Produce json
// @Param id path string true "Visit ID"
// @Success 200 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /api/visits/{id}/assign [post]
func (h *Handler) AssignVisit(c *gin.Context) {
	var req AssignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	visit, err := h.Engine.Assign(c.Request.Context(), c.Param("id"), req.PartnerID)
	if err != nil {
		h.writeServiceError(c, err)
		return
	}

	if h.Notifier != nil {
		partner, perr := h.Store.GetPartner(c.Request.Context(), req.PartnerID)
		if perr == nil && partner != nil {
			if nerr := h.Notifier.VisitAssigned(c.Request.Context(), *partner, visit); nerr != nil {
				h.Logger.Warn().Err(nerr).Str("visit_id", visit.ID).Msg("assignment notification failed")
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{"visit": visit})
}

type CompleteRequest struct {
	Rating *float64 `json:"rating" validate:"omitempty,gte=1,lte=5"`
}

// @Summary Complete a visit
// @Description Marks the visit done, stores the optional rating and folds the
// @Description outcome into the partner-client relationship aggregate.
// @Tags visits
// @Accept json
// @Produce json
// @Param id path string true "Visit ID"
// @Success 200 {object} map[string]any
// @Router /api/visits/{id}/complete [post]
func (h *Handler) CompleteVisit(c *gin.Context) {
	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	ctx := c.Request.Context()
	visit, err := h.Store.GetVisit(ctx, c.Param("id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get visit", err.Error())
		return
	}
	if visit == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Visit not found", nil)
		return
	}
	if visit.PartnerID == nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Visit has no assigned partner", nil)
		return
	}
	if !visit.State.Active() {
		writeError(c, http.StatusConflict, "INVALID_STATE", "Visit is already "+string(visit.State), nil)
		return
	}

	ok, err := h.Store.UpdateVisitState(ctx, visit.ID, visit.State, models.VisitDone, req.Rating)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update visit", err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusConflict, "CONFLICT", "Visit was modified by a concurrent request", nil)
		return
	}

	visit.State = models.VisitDone
	if req.Rating != nil {
		visit.Rating = req.Rating
	}
	rel, err := h.Relationships.RecordCompletion(ctx, *visit.PartnerID, visit.ClientID, *visit)
	if err != nil {
		// The completion stands; the aggregate catches up on the next one.
		h.Logger.Error().Err(err).Str("visit_id", visit.ID).Msg("relationship update failed")
		c.JSON(http.StatusOK, gin.H{"visit": visit})
		return
	}
	c.JSON(http.StatusOK, gin.H{"visit": visit, "relationship": rel})
}

// ConfirmVisit moves an assigned visit to confirmed.
func (h *Handler) ConfirmVisit(c *gin.Context) {
	h.transitionVisit(c, models.VisitAssigned, models.VisitConfirmed)
}

// StartVisit moves a confirmed visit to in_progress.
func (h *Handler) StartVisit(c *gin.Context) {
	h.transitionVisit(c, models.VisitConfirmed, models.VisitInProgress)
}

func (h *Handler) transitionVisit(c *gin.Context, from, to models.VisitState) {
	ctx := c.Request.Context()
	visit, err := h.Store.GetVisit(ctx, c.Param("id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get visit", err.Error())
		return
	}
	if visit == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Visit not found", nil)
		return
	}
	if visit.State != from {
		writeError(c, http.StatusConflict, "INVALID_STATE", "Visit is "+string(visit.State)+", expected "+string(from), nil)
		return
	}

	ok, err := h.Store.UpdateVisitState(ctx, visit.ID, from, to, nil)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update visit", err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusConflict, "CONFLICT", "Visit was modified by a concurrent request", nil)
		return
	}
	visit.State = to
	c.JSON(http.StatusOK, gin.H{"visit": visit})
}

func (h *Handler) CancelVisit(c *gin.Context) {
	ctx := c.Request.Context()
	visit, err := h.Store.GetVisit(ctx, c.Param("id"))
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to get visit", err.Error())
		return
	}
	if visit == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Visit not found", nil)
		return
	}
	if !visit.State.Active() {
		writeError(c, http.StatusConflict, "INVALID_STATE", "Visit is already "+string(visit.State), nil)
		return
	}

	ok, err := h.Store.UpdateVisitState(ctx, visit.ID, visit.State, models.VisitCancelled, nil)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update visit", err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusConflict, "CONFLICT", "Visit was modified by a concurrent request", nil)
		return
	}
	visit.State = models.VisitCancelled
	c.JSON(http.StatusOK, gin.H{"visit": visit})
}

func (h *Handler) PartnersList(c *gin.Context) {
	city := strings.TrimSpace(c.Query("city"))
	specialty := strings.TrimSpace(c.Query("specialty"))
	items, err := h.Store.ListPartners(c.Request.Context(), city, specialty)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list partners", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) RelationshipsList(c *gin.Context) {
	partnerID := strings.TrimSpace(c.Query("partner_id"))
	clientID := strings.TrimSpace(c.Query("client_id"))
	items, err := h.Store.ListRelationships(c.Request.Context(), partnerID, clientID)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list relationships", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (h *Handler) HealthList(c *gin.Context) {
	riskLevel := strings.ToLower(strings.TrimSpace(c.Query("risk_level")))
	ticketState := strings.ToLower(strings.TrimSpace(c.Query("ticket_state")))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.Store.ListHealth(c.Request.Context(), riskLevel, ticketState, limit, offset)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list health snapshots", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "limit": limit, "offset": offset})
}

func (h *Handler) HealthByPartner(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "30"))
	items, err := h.Store.GetHealthHistory(c.Request.Context(), c.Param("partner_id"), limit)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load health history", err.Error())
		return
	}
	if len(items) == 0 {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "No health snapshots for partner", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"partner_id": c.Param("partner_id"), "items": items})
}

// @Summary Run the churn-risk batch
// @Description Recomputes today's health snapshot for every active service partner.
// @Tags health
// @Produce json
// @Success 200 {object} service.BatchSummary
// @Router /api/runs [post]
func (h *Handler) HealthRun(c *gin.Context) {
	ctx := c.Request.Context()
	runID, err := h.Store.CreateRun(ctx, "RUNNING")
	if err != nil {
		h.Logger.Error().Err(err).Msg("failed to create run")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to create run", err.Error())
		return
	}

	summary, err := h.Health.ComputeAll(ctx)
	status := "SUCCESS"
	if err != nil {
		status = "FAILED"
	}
	b, _ := json.Marshal(summary)
	if finishErr := h.Store.FinishRun(ctx, runID, status, b); finishErr != nil {
		h.Logger.Error().Err(finishErr).Msg("failed to finish run")
	}

	if err != nil {
		h.Logger.Error().Err(err).Msg("health batch failed")
		writeError(c, http.StatusInternalServerError, "BATCH_ERROR", "Health batch failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *Handler) RunsLatest(c *gin.Context) {
	run, err := h.Store.GetLatestRun(c.Request.Context())
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load latest run", err.Error())
		return
	}
	if run == nil {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "No runs found", nil)
		return
	}
	c.JSON(http.StatusOK, run)
}

type ResolveRequest struct {
	State   string `json:"state" validate:"required,oneof=in_progress resolved closed"`
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

// @Summary Resolve a health ticket
// @Tags health
// @Accept json
// @Produce json
// @Param partner_id path string true "Partner ID"
// @Success 200 {object} map[string]any
// @Router /api/health/{partner_id}/resolve [post]
func (h *Handler) ResolveHealthTicket(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}

	ok, err := h.Store.UpdateHealthTicket(c.Request.Context(), c.Param("partner_id"), models.TicketState(req.State), req.Outcome, req.Notes)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to update ticket", err.Error())
		return
	}
	if !ok {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "No health snapshot for partner", nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "partner_id": c.Param("partner_id"), "state": req.State})
}

// @Summary Retention advice for an at-risk partner
// @Tags health
// @Produce json
// @Param partner_id path string true "Partner ID"
// @Success 200 {object} ai.Advice
// @Failure 429 {object} map[string]any
// @Router /api/health/{partner_id}/advice [post]
func (h *Handler) HealthAdvice(c *gin.Context) {
	items, err := h.Store.GetHealthHistory(c.Request.Context(), c.Param("partner_id"), 1)
	if err != nil {
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to load health snapshot", err.Error())
		return
	}
	if len(items) == 0 {
		writeError(c, http.StatusNotFound, "NOT_FOUND", "No health snapshot for partner", nil)
		return
	}

	advice, err := h.Advisor.Advise(c.Request.Context(), items[0])
	if err != nil {
		var rle ai.RateLimitError
		if errors.As(err, &rle) {
			writeError(c, http.StatusTooManyRequests, "RATE_LIMITED", "Advisor is rate limited", rle.Error())
			return
		}
		writeError(c, http.StatusBadGateway, "ADVISOR_ERROR", "Advisor request failed", err.Error())
		return
	}
	c.JSON(http.StatusOK, advice)
}

func (h *Handler) writeServiceError(c *gin.Context, err error) {
	var nf service.NotFoundError
	var ve service.ValidationError
	var ce service.ConflictError
	switch {
	case errors.As(err, &nf):
		writeError(c, http.StatusNotFound, "NOT_FOUND", nf.Error(), nil)
	case errors.As(err, &ve):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", ve.Error(), nil)
	case errors.As(err, &ce):
		writeError(c, http.StatusConflict, "CONFLICT", ce.Error(), nil)
	default:
		writeError(c, http.StatusInternalServerError, "INTERNAL", "Unexpected error", err.Error())
	}
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}

func parseDateQuery(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil
	}
	return &t
}
