package domain

import (
	"context"
	"errors"
	"fmt"
)

// Ошибки предметной области. Сравнивать через errors.Is
var (
	ErrValidation         = errors.New("validation error")
	ErrInvalidQuantity    = errors.New("quantity must be at least 1")
	ErrNotFound           = errors.New("not found")
	ErrForbidden          = errors.New("forbidden")
	ErrUnauthorized       = errors.New("authentication required")
	ErrConflict           = errors.New("conflict")
	ErrOutOfStock         = errors.New("out of stock")
	ErrInsufficientStock  = errors.New("insufficient stock")
	ErrProductUnavailable = errors.New("product unavailable")
	ErrEmptyCart          = errors.New("cart is empty")
	ErrAlreadyCancelled   = errors.New("order is already cancelled")
	ErrTerminalState      = errors.New("order can no longer be cancelled")
	ErrInvalidTransition  = errors.New("invalid status transition")
	// ErrInfrastructure хранилище недоступно или транзакция не открылась/не зафиксировалась
	ErrInfrastructure     = errors.New("infrastructure error")
)

// ValidationError ошибка формы входных данных с указанием поля
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError конструктор ValidationError
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StockError несёт имя товара и фактический остаток, чтобы клиент мог поправить корзину.
// Kind: одна из ErrOutOfStock, ErrInsufficientStock, ErrProductUnavailable
type StockError struct {
	Kind      error
	Product   string
	Available int64
}

func (e *StockError) Error() string {
	switch e.Kind {
	case ErrProductUnavailable:
		return fmt.Sprintf("product %q is currently unavailable", e.Product)
	case ErrInsufficientStock:
		return fmt.Sprintf("insufficient stock for product %q (available: %d)", e.Product, e.Available)
	default:
		return fmt.Sprintf("product %q is out of stock (available: %d)", e.Product, e.Available)
	}
}

func (e *StockError) Unwrap() error { return e.Kind }

func OutOfStock(product string, available int64) error {
	return &StockError{Kind: ErrOutOfStock, Product: product, Available: available}
}

func InsufficientStock(product string, available int64) error {
	return &StockError{Kind: ErrInsufficientStock, Product: product, Available: available}
}

func ProductUnavailable(product string) error {
	return &StockError{Kind: ErrProductUnavailable, Product: product}
}

// Code машинно-читаемый код ошибки для ответов API и меток метрик
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrOutOfStock):
		return "out_of_stock"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrProductUnavailable):
		return "product_unavailable"
	case errors.Is(err, ErrEmptyCart):
		return "empty_cart"
	case errors.Is(err, ErrAlreadyCancelled):
		return "already_cancelled"
	case errors.Is(err, ErrTerminalState):
		return "terminal_state"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	case errors.Is(err, ErrInfrastructure):
		return "infrastructure_error"
	default:
		return "internal"
	}
}
