package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-discounts/internal/domain/discount"
	"github.com/xenking/kart-discounts/internal/domain/order"
	"github.com/xenking/kart-discounts/internal/domain/product"
)

// statusOf maps domain errors to HTTP status codes.
func statusOf(err error) int {
	var (
		decodeErr *decodeError
		qtyErr    *order.InvalidQuantityError
		prodErr   *order.ProductNotFoundError
	)
	switch {
	case errors.As(err, &decodeErr), errors.Is(err, order.ErrEmptyItems):
		return http.StatusBadRequest
	case errors.As(err, &qtyErr),
		errors.As(err, &prodErr),
		errors.Is(err, order.ErrInvalidQuantity),
		errors.Is(err, order.ErrInvalidShipping),
		errors.Is(err, order.ErrInvalidPrice),
		errors.Is(err, discount.ErrCustomerNotFound),
		errors.Is(err, discount.ErrInvalidWindow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, discount.ErrNotFound),
		errors.Is(err, discount.ErrUnknownPreset),
		errors.Is(err, product.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, discount.ErrAlreadyExists):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// fail writes err as an error response. Unmapped errors are logged and
// reported without details.
func fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		writeError(w, status, "internal server error")
		return
	}
	writeError(w, status, err.Error())
}
