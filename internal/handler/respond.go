package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/kiwari-pos/till/internal/logger"
	"github.com/kiwari-pos/till/internal/pricing"
	"github.com/kiwari-pos/till/internal/service"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.For("http").WithError(err).Error("failed to encode JSON response")
	}
}

// decode reads a JSON body into v and runs its validate tags.
// It writes a 400 and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": validationMessage(err)})
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fe.Field()))
		case "min", "gte":
			msgs = append(msgs, fmt.Sprintf("%s must be >= %s", fe.Field(), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", fe.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}

// statusFor maps engine errors to HTTP status codes. Zero means unknown.
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrSlotNotFound),
		errors.Is(err, service.ErrOrderNotFound),
		errors.Is(err, service.ErrNoActiveOrder),
		errors.Is(err, service.ErrItemNotFound):
		return http.StatusNotFound
	case errors.Is(err, service.ErrStoreUnavailable),
		errors.Is(err, service.ErrSyncFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, service.ErrOrderClosed),
		errors.Is(err, service.ErrOrderNotCompleted),
		errors.Is(err, service.ErrOrderMoved),
		errors.Is(err, service.ErrStaleWrite),
		errors.Is(err, service.ErrOverlayHasPayments),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrSlotNotAvailable),
		errors.Is(err, service.ErrPaidItemLocked),
		errors.Is(err, service.ErrUpgradeLocked),
		errors.Is(err, pricing.ErrNotPaid),
		errors.Is(err, pricing.ErrUpgradeLine):
		return http.StatusConflict
	case errors.Is(err, service.ErrSameSlot),
		errors.Is(err, service.ErrEmptyCart),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidPrice),
		errors.Is(err, service.ErrInvalidOrder),
		errors.Is(err, service.ErrInsufficientAmount),
		errors.Is(err, pricing.ErrInvalidAmount):
		return http.StatusBadRequest
	}
	return 0
}

// writeError answers with the mapped status, or logs and answers 500.
func writeError(w http.ResponseWriter, op string, err error) {
	if status := statusFor(err); status != 0 {
		writeJSON(w, status, map[string]string{"error": rootMessage(err)})
		return
	}
	logger.For("http").WithError(err).WithField("op", op).Error("request failed")
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
}

// rootMessage returns the innermost known sentinel's message so clients
// never see wrapped database detail.
func rootMessage(err error) string {
	for _, sentinel := range []error{
		service.ErrSlotNotFound, service.ErrOrderNotFound, service.ErrNoActiveOrder,
		service.ErrItemNotFound, service.ErrStoreUnavailable, service.ErrSyncFailed,
		service.ErrOrderClosed, service.ErrOrderNotCompleted, service.ErrOrderMoved, service.ErrStaleWrite,
		service.ErrOverlayHasPayments, service.ErrInvalidTransition, service.ErrSlotNotAvailable,
		service.ErrPaidItemLocked, service.ErrUpgradeLocked, service.ErrSameSlot,
		service.ErrEmptyCart, service.ErrInvalidQuantity, service.ErrInvalidPrice,
		service.ErrInvalidOrder, service.ErrInsufficientAmount,
		pricing.ErrNotPaid, pricing.ErrUpgradeLine, pricing.ErrInvalidAmount,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
