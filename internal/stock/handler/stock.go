package handler

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/pharmaflow/pharmaflow-backend/internal/stock/service"
	"github.com/pharmaflow/pharmaflow-backend/pkg/errors"
	"github.com/pharmaflow/pharmaflow-backend/pkg/httputil"
	"github.com/pharmaflow/pharmaflow-backend/pkg/logger"
	"github.com/pharmaflow/pharmaflow-backend/pkg/pharmacy"
	"github.com/shopspring/decimal"
)

// StockHandler handles stock ledger endpoints
type StockHandler struct {
	ledger *service.StockLedger
	logger *logger.Logger
}

// NewStockHandler creates a new stock handler
func NewStockHandler(ledger *service.StockLedger, log *logger.Logger) *StockHandler {
	return &StockHandler{
		ledger: ledger,
		logger: log,
	}
}

// Deduct removes stock for a sale or dispense
func (h *StockHandler) Deduct(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}

	var req struct {
		ProductID string `json:"product_id" validate:"required"`
		Quantity  int    `json:"quantity" validate:"required,gt=0"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	result, err := h.ledger.DeductStock(r.Context(), pharmacyID, req.ProductID, req.Quantity)
	if err != nil {
		httputil.Error(w, mapLedgerError(err))
		return
	}

	httputil.JSON(w, http.StatusOK, result)
}

// Receive adds stock against a lot
func (h *StockHandler) Receive(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}

	var req struct {
		ProductID  string `json:"product_id" validate:"required"`
		LotCode    string `json:"lot_code" validate:"required"`
		ExpiryDate string `json:"expiry_date" validate:"required"`
		Quantity   int    `json:"quantity" validate:"required,gt=0"`
		UnitCost   string `json:"unit_cost"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	expiryDate, err := time.Parse("2006-01-02", req.ExpiryDate)
	if err != nil {
		httputil.Error(w, errors.BadRequest("expiry_date must be formatted YYYY-MM-DD"))
		return
	}

	var unitCost decimal.NullDecimal
	if req.UnitCost != "" {
		cost, err := decimal.NewFromString(req.UnitCost)
		if err != nil {
			httputil.Error(w, errors.BadRequest("unit_cost must be a decimal number"))
			return
		}
		unitCost = decimal.NullDecimal{Decimal: cost, Valid: true}
	}

	result, err := h.ledger.AddStock(r.Context(), pharmacyID, req.ProductID, req.LotCode, expiryDate, req.Quantity, unitCost)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.Created(w, result)
}

// ListLevels lists all stock levels for the pharmacy
func (h *StockHandler) ListLevels(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}

	levels, err := h.ledger.ListLevels(r.Context(), pharmacyID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, levels)
}

// GetLevel returns the stock level for one product
func (h *StockHandler) GetLevel(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}
	productID := chi.URLParam(r, "productID")

	level, err := h.ledger.GetLevel(r.Context(), pharmacyID, productID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, level)
}

// ListLowStock lists levels at or below their minimum threshold
func (h *StockHandler) ListLowStock(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}

	levels, err := h.ledger.ListLowStock(r.Context(), pharmacyID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, levels)
}

// SetThreshold updates the low-stock threshold for a product
func (h *StockHandler) SetThreshold(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}
	productID := chi.URLParam(r, "productID")

	var req struct {
		MinThreshold int `json:"min_threshold" validate:"gte=0"`
	}
	if err := httputil.DecodeJSON(r, &req); err != nil {
		httputil.Error(w, err)
		return
	}
	if err := httputil.Validate(&req); err != nil {
		httputil.Error(w, err)
		return
	}

	if err := h.ledger.SetThreshold(r.Context(), pharmacyID, productID, req.MinThreshold); err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, map[string]interface{}{
		"product_id":    productID,
		"min_threshold": req.MinThreshold,
	})
}

// ListBatches lists active batches for a product, FEFO-ordered
func (h *StockHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}
	productID := chi.URLParam(r, "productID")

	batches, err := h.ledger.ListBatches(r.Context(), pharmacyID, productID)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// ListExpiring lists batches expiring within ?days=N (default 30)
func (h *StockHandler) ListExpiring(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}

	days := 0
	if v := r.URL.Query().Get("days"); v != "" {
		days, err = strconv.Atoi(v)
		if err != nil || days <= 0 {
			httputil.Error(w, errors.BadRequest("days must be a positive integer"))
			return
		}
	}

	batches, err := h.ledger.ListExpiringBatches(r.Context(), pharmacyID, days)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batches)
}

// WriteOffBatch soft-deletes a batch
func (h *StockHandler) WriteOffBatch(w http.ResponseWriter, r *http.Request) {
	pharmacyID, err := pharmacy.PharmacyID(r.Context())
	if err != nil {
		httputil.Error(w, errors.Forbidden("pharmacy scope required"))
		return
	}
	batchID := chi.URLParam(r, "id")
	reason := r.URL.Query().Get("reason")

	batch, err := h.ledger.WriteOffBatch(r.Context(), pharmacyID, batchID, reason)
	if err != nil {
		httputil.Error(w, err)
		return
	}

	httputil.JSON(w, http.StatusOK, batch)
}

// mapLedgerError translates typed ledger errors into API errors. Anything not
// recognized passes through for httputil.Error's default handling.
func mapLedgerError(err error) error {
	var insufficient *service.InsufficientStockError
	if stderrors.As(err, &insufficient) {
		return errors.InsufficientStock(insufficient.Available, insufficient.Requested)
	}

	var drift *service.AllocationDriftError
	if stderrors.As(err, &drift) {
		return errors.StockDrift(fmt.Sprintf(
			"batches cover %d of %d claimed units for product %s",
			drift.Allocatable, drift.Claimed, drift.ProductID,
		))
	}

	return err
}
