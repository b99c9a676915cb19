package handler

import (
	"net/http"

	"github.com/lotledger/cogs-backend/internal/cogs/service"
	"github.com/lotledger/cogs-backend/pkg/httputil"
	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/tenant"
)

// InventoryHandler serves the current stock position
type InventoryHandler struct {
	service *service.Service
	logger  *logger.Logger
}

// NewInventoryHandler creates a new inventory handler
func NewInventoryHandler(svc *service.Service, log *logger.Logger) *InventoryHandler {
	return &InventoryHandler{
		service: svc,
		logger:  log,
	}
}

// Get returns the tenant's current lots with their FIFO valuation
func (h *InventoryHandler) Get(w http.ResponseWriter, r *http.Request) {
	tenantID := tenant.MustTenantID(r.Context())

	var skus []string
	if sku := r.URL.Query()["sku"]; len(sku) > 0 {
		skus = sku
	}

	valuation, err := h.service.GetInventory(r.Context(), tenantID, skus)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, valuation)
}
