package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/corebook/trading-engine/engine"
	"github.com/corebook/trading-engine/logging"
	"github.com/corebook/trading-engine/metrics"
	"github.com/corebook/trading-engine/models"
	"github.com/corebook/trading-engine/validation"
)

var intakeValidator = validation.NewInputValidator(nil)

// OrderRequest represents the incoming order request
type OrderRequest struct {
	AccountID string          `json:"account_id"`
	Symbol    string          `json:"symbol"`
	Side      string          `json:"side"` // "buy" or "sell"
	Type      string          `json:"type"` // "limit" or "market"
	Price     decimal.Decimal `json:"price"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// OrderResponse represents the response after submitting an order
type OrderResponse struct {
	Success   bool          `json:"success"`
	OrderID   string        `json:"order_id,omitempty"`
	Order     *models.Order `json:"order,omitempty"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp int64         `json:"timestamp"`
}

// ValidationError represents a single failed request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// HandleSubmitOrder accepts a new order and hands it to the matching
// engine. Matching is asynchronous so a successful response means the
// order was accepted, not that it has traded.
func HandleSubmitOrder(me *engine.MatchingEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		correlationID := GetCorrelationID(r)

		var req OrderRequest
		decoder := json.NewDecoder(r.Body)
		decoder.DisallowUnknownFields()

		if err := decoder.Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
			return
		}
		defer r.Body.Close()

		if validationErrors := validateOrderRequest(&req); len(validationErrors) > 0 {
			metrics.RecordOrderRejected(req.Symbol, "validation_failed")

			logging.LogWithFields(logrus.WarnLevel, "order request failed validation", logrus.Fields{
				"event":          "order_rejected",
				"correlation_id": correlationID,
				"account_id":     req.AccountID,
				"symbol":         req.Symbol,
				"reason":         "validation_failed",
			})

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"success": false,
				"error":   "Validation failed",
				"errors":  validationErrors,
			})
			return
		}

		order := models.NewOrder(req.AccountID, req.Symbol,
			models.OrderSide(req.Side), models.OrderType(req.Type),
			req.Price, req.Quantity)

		// Snapshot the accepted state before handing the order to the
		// engine: once Submit returns, the symbol worker may already be
		// filling it, and the live order must not be read concurrently.
		accepted := *order

		if err := me.Submit(order); err != nil {
			switch {
			case errors.Is(err, engine.ErrEngineBusy):
				w.Header().Set("Retry-After", "1")
				respondError(w, http.StatusServiceUnavailable, "Engine busy, retry later")
			case errors.Is(err, engine.ErrEngineStopped):
				respondError(w, http.StatusServiceUnavailable, "Engine not running")
			case errors.Is(err, models.ErrInvalidOrder):
				respondError(w, http.StatusBadRequest, err.Error())
			default:
				respondError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to submit order: %v", err))
			}
			return
		}

		logging.LogOrderReceived(accepted.ID.String(), accepted.AccountID, accepted.Symbol,
			string(accepted.Side), string(accepted.Type),
			accepted.Price.InexactFloat64(), accepted.Quantity.InexactFloat64())

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(OrderResponse{
			Success:   true,
			OrderID:   accepted.ID.String(),
			Order:     &accepted,
			Message:   "Order accepted",
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func validateOrderRequest(req *OrderRequest) []ValidationError {
	var errs []ValidationError

	if err := intakeValidator.ValidateAccountID(req.AccountID); err != nil {
		errs = append(errs, ValidationError{Field: "account_id", Message: err.Error()})
	}
	if err := intakeValidator.ValidateSymbol(req.Symbol); err != nil {
		errs = append(errs, ValidationError{Field: "symbol", Message: err.Error()})
	}

	switch req.Side {
	case "buy", "sell":
	default:
		errs = append(errs, ValidationError{Field: "side", Message: "side must be 'buy' or 'sell'"})
	}

	switch req.Type {
	case "limit", "market":
	case "":
		errs = append(errs, ValidationError{Field: "type", Message: "type is required"})
	default:
		errs = append(errs, ValidationError{Field: "type", Message: "type must be 'limit' or 'market'"})
	}

	if err := intakeValidator.ValidateQuantity(req.Quantity); err != nil {
		errs = append(errs, ValidationError{Field: "quantity", Message: err.Error()})
	}

	if req.Type == "limit" {
		if err := intakeValidator.ValidatePrice(req.Price); err != nil {
			errs = append(errs, ValidationError{Field: "price", Message: err.Error()})
		}
	}
	if req.Type == "market" && !req.Price.IsZero() {
		errs = append(errs, ValidationError{Field: "price", Message: "market orders must not carry a price"})
	}

	return errs
}

// respondError is a helper to send error responses
func respondError(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   message,
	})
}
