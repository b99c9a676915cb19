package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lotledger/cogs-backend/internal/cogs/handler"
	"github.com/lotledger/cogs-backend/internal/cogs/repository"
	"github.com/lotledger/cogs-backend/internal/cogs/service"
	"github.com/lotledger/cogs-backend/pkg/config"
	"github.com/lotledger/cogs-backend/pkg/httputil"
	"github.com/lotledger/cogs-backend/pkg/logger"
	"github.com/lotledger/cogs-backend/pkg/testutil"
)

func newTestRouter() http.Handler {
	log := logger.New("test", "test")
	store := repository.NewMemory()
	svc := service.NewService(store, config.EngineConfig{
		Mode:             "fifo",
		DecimalPrecision: 2,
		RequireDateGuard: true,
		LotMergePolicy:   config.LotMergeUpsertIncreaseOnly,
	}, nil, log)

	runHandler := handler.NewRunHandler(svc, log)
	resultHandler := handler.NewResultHandler(svc, log)
	inventoryHandler := handler.NewInventoryHandler(svc, log)

	r := chi.NewRouter()
	r.Use(httputil.TenantMiddleware)
	r.Route("/api/v1/cogs", func(r chi.Router) {
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", runHandler.List)
			r.Post("/", runHandler.Create)
			r.Get("/{id}", runHandler.Get)
			r.Post("/{id}/rollback", runHandler.Rollback)
			r.Get("/{id}/attributions", resultHandler.Attributions)
			r.Get("/{id}/summaries", resultHandler.Summaries)
			r.Get("/{id}/errors", resultHandler.Errors)
		})
		r.Get("/inventory", inventoryHandler.Get)
	})
	return r
}

func doJSON(t *testing.T, router http.Handler, method, path, tenantID string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set("X-Tenant-ID", tenantID)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func runPayload() map[string]interface{} {
	return map[string]interface{}{
		"lots": []map[string]interface{}{
			{
				"lot_id":                "L1",
				"sku":                   "A",
				"received_date":         "2024-07-01T00:00:00Z",
				"original_quantity":     100,
				"unit_price":            "10.00",
				"freight_cost_per_unit": "1.00",
			},
		},
		"sales": []map[string]interface{}{
			{
				"sale_id":   "s1",
				"sku":       "A",
				"sale_date": "2024-07-15T00:00:00Z",
				"quantity":  30,
			},
		},
	}
}

func TestCreateRunEndToEnd(t *testing.T) {
	router := newTestRouter()
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/cogs/runs", tenantID, runPayload())
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	var resp struct {
		Success bool `json:"success"`
		Data    struct {
			RunID               string `json:"run_id"`
			Status              string `json:"status"`
			TotalSalesProcessed int    `json:"total_sales_processed"`
			TotalCOGS           string `json:"total_cogs_calculated"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "completed", resp.Data.Status)
	assert.Equal(t, 1, resp.Data.TotalSalesProcessed)
	assert.Equal(t, "330", resp.Data.TotalCOGS)

	// The run is retrievable, its artifacts queryable.
	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/runs/"+resp.Data.RunID, tenantID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/runs/"+resp.Data.RunID+"/attributions", tenantID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total":1`)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/runs/"+resp.Data.RunID+"/summaries", tenantID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/inventory", tenantID, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"total_units":70`)
}

func TestCreateRunValidation(t *testing.T) {
	router := newTestRouter()
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	// Sales are required.
	rr := doJSON(t, router, http.MethodPost, "/api/v1/cogs/runs", tenantID, map[string]interface{}{
		"lots": []map[string]interface{}{},
	})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	// Unknown fields are rejected.
	payload := runPayload()
	payload["surprise"] = true
	rr = doJSON(t, router, http.MethodPost, "/api/v1/cogs/runs", tenantID, payload)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestMissingTenantHeaderIsForbidden(t *testing.T) {
	router := newTestRouter()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/cogs/runs", "", runPayload())
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/runs", "not-a-uuid", nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
}

func TestRollbackEndpoint(t *testing.T) {
	router := newTestRouter()
	f := testutil.NewFixtureFactory()
	tenantID := f.TenantID()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/cogs/runs", tenantID, runPayload())
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Data struct {
			RunID string `json:"run_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	rr = doJSON(t, router, http.MethodPost, fmt.Sprintf("/api/v1/cogs/runs/%s/rollback", resp.Data.RunID), tenantID, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"status":"rolled_back"`)

	// Inventory is back to its pre-run state.
	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/inventory", tenantID, nil)
	assert.Contains(t, rr.Body.String(), `"total_units":100`)
}

func TestCrossTenantRunAccessIsNotFound(t *testing.T) {
	router := newTestRouter()
	f := testutil.NewFixtureFactory()
	tenantA := f.TenantID()
	tenantB := f.TenantID()

	rr := doJSON(t, router, http.MethodPost, "/api/v1/cogs/runs", tenantA, runPayload())
	require.Equal(t, http.StatusCreated, rr.Code)

	var resp struct {
		Data struct {
			RunID string `json:"run_id"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))

	rr = doJSON(t, router, http.MethodGet, "/api/v1/cogs/runs/"+resp.Data.RunID, tenantB, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
