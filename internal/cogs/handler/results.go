package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/lotledger/cogs-backend/internal/cogs/service"
	"github.com/lotledger/cogs-backend/pkg/httputil"
	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// ResultHandler serves a run's calculated artifacts
type ResultHandler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewResultHandler creates a new result handler
func NewResultHandler(svc *service.Service, log *logger.Logger) *ResultHandler {
	return &ResultHandler{
		service: svc,
		logger:  log,
	}
}

// Attributions pages a run's per-sale attributions
func (h *ResultHandler) Attributions(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())
	runID := chi.URLParam(r, "id")

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	if page < 1 {
		page = 1
	}
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	if perPage < 1 || perPage > 500 {
		perPage = 100
	}

	attrs, total, err := h.service.GetAttributions(r.Context(), tenantID, runID, page, perPage)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	totalPages := int(total) / perPage
	if int(total)%perPage > 0 {
		totalPages++
	}

	httputil.JSONWithMeta(w, http.StatusOK, attrs, &httputil.Meta{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
	})
}

// Summaries returns a run's monthly rollups by SKU
func (h *ResultHandler) Summaries(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())
	runID := chi.URLParam(r, "id")

	summaries, err := h.service.GetSummaries(r.Context(), tenantID, runID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, summaries)
}

// Errors returns a run's validation errors
func (h *ResultHandler) Errors(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())
	runID := chi.URLParam(r, "id")

	verrs, err := h.service.GetValidationErrors(r.Context(), tenantID, runID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, verrs)
}
