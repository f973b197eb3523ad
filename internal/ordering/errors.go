package ordering

import (
	"errors"
	"fmt"
	"strings"

	"github.com/drfirst/go-orders/internal/domain/order"
)

// ErrScheduleConflict is returned when a new order overlaps an active order
// for the same patient and concept
var ErrScheduleConflict = errors.New("order overlaps an existing order")

// ValidationError carries the consistency violations that blocked an order
type ValidationError struct {
	Violations order.Violations
}

func (e *ValidationError) Error() string {
	return "order failed validation: " + e.Violations.String()
}

// ConflictError lists the orders a candidate overlaps
type ConflictError struct {
	OrderIDs []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s: %s", ErrScheduleConflict, strings.Join(e.OrderIDs, ", "))
}

func (e *ConflictError) Unwrap() error { return ErrScheduleConflict }

// IsClientError reports whether err was caused by the submitted order rather
// than by infrastructure. Such errors are never worth retrying.
func IsClientError(err error) bool {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, ErrScheduleConflict),
		errors.Is(err, order.ErrInvalidDuration),
		errors.Is(err, order.ErrUnsupportedDurationCode),
		errors.Is(err, order.ErrAlreadyStopped),
		errors.Is(err, order.ErrOrderVoided),
		errors.Is(err, order.ErrNotActive),
		errors.Is(err, order.ErrVoidReasonRequired),
		errors.Is(err, order.ErrOrderNotFound):
		return true
	}
	return false
}
