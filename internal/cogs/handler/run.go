// Package handler exposes the COGS engine over HTTP. All routes require a
// tenant resolved by the tenant middleware; handlers never read tenant ids
// from request bodies.
package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/lotledger/cogs-backend/internal/cogs/domain"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/internal/cogs/service"
	"github.com/lotledger/cogs-backend/pkg/httputil"
	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// RunHandler handles run lifecycle endpoints
type RunHandler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewRunHandler creates a new run handler
func NewRunHandler(svc *service.Service, log *logger.Logger) *RunHandler {
	return &RunHandler{
		service: svc,
		logger:  log,
	}
}

type lotInput struct {
	LotID              string          `json:"lot_id" validate:"required"`
	SKU                string          `json:"sku" validate:"required"`
	ReceivedDate       time.Time       `json:"received_date" validate:"required"`
	OriginalQuantity   int             `json:"original_quantity" validate:"required,gt=0"`
	UnitPrice          decimal.Decimal `json:"unit_price"`
	FreightCostPerUnit decimal.Decimal `json:"freight_cost_per_unit"`
}

type saleInput struct {
	SaleID   string    `json:"sale_id" validate:"required"`
	SKU      string    `json:"sku" validate:"required"`
	SaleDate time.Time `json:"sale_date" validate:"required"`
	Quantity int       `json:"quantity" validate:"required"`
}

type createRunRequest struct {
	RunID       string      `json:"run_id" validate:"omitempty,uuid"`
	Mode        string      `json:"mode" validate:"omitempty,oneof=fifo"`
	Lots        []lotInput  `json:"lots" validate:"omitempty,dive"`
	Sales       []saleInput `json:"sales" validate:"required,min=1,dive"`
	InputFileID *string     `json:"input_file_id"`
	CreatedBy   *string     `json:"created_by"`
}

// Create executes a calculation run
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())

	var req createRunRequest
	if err := httputil.DecodeAndValidate(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}

	lots := make([]*domain.PurchaseLot, 0, len(req.Lots))
	for _, l := range req.Lots {
		lots = append(lots, &domain.PurchaseLot{
			TenantID:           tenantID,
			LotID:              l.LotID,
			SKU:                l.SKU,
			ReceivedDate:       l.ReceivedDate,
			OriginalQuantity:   l.OriginalQuantity,
			RemainingQuantity:  l.OriginalQuantity,
			UnitPrice:          l.UnitPrice,
			FreightCostPerUnit: l.FreightCostPerUnit,
		})
	}
	sales := make([]domain.Sale, 0, len(req.Sales))
	for _, s := range req.Sales {
		sales = append(sales, domain.Sale{
			TenantID: tenantID,
			SaleID:   s.SaleID,
			SKU:      s.SKU,
			SaleDate: s.SaleDate,
			Quantity: s.Quantity,
		})
	}

	run, err := h.service.ExecuteRun(r.Context(), service.RunRequest{
		TenantID:    tenantID,
		RunID:       req.RunID,
		Mode:        req.Mode,
		Lots:        lots,
		Sales:       sales,
		InputFileID: req.InputFileID,
		CreatedBy:   req.CreatedBy,
	})
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusCreated, run)
}

// List lists the tenant's runs
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())

	filter := repository.RunFilter{}
	if status := r.URL.Query().Get("status"); status != "" {
		s := domain.RunStatus(status)
		filter.Status = &s
	}
	if limit, _ := strconv.Atoi(r.URL.Query().Get("limit")); limit > 0 {
		filter.Limit = limit
	}

	runs, err := h.service.ListRuns(r.Context(), tenantID, filter)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, runs)
}

// Get gets a run by ID
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())
	runID := chi.URLParam(r, "id")

	run, err := h.service.GetRun(r.Context(), tenantID, runID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, run)
}

// Rollback reverses a completed run
func (h *RunHandler) Rollback(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())
	runID := chi.URLParam(r, "id")

	run, err := h.service.RollbackRun(r.Context(), tenantID, runID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, run)
}
