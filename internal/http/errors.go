package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/internal/domain"
)

func mapErrorToStatus(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation),
		errors.Is(err, domain.ErrInvalidQuantity),
		errors.Is(err, domain.ErrEmptyCart):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrOutOfStock),
		errors.Is(err, domain.ErrInsufficientStock),
		errors.Is(err, domain.ErrProductUnavailable),
		errors.Is(err, domain.ErrAlreadyCancelled),
		errors.Is(err, domain.ErrTerminalState),
		errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInfrastructure):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// fail пишет ошибку в формате {"error", "code"[, "field" | "product", "available"]}.
// Детали внутренних ошибок только в логе
func (s *Server) fail(c *gin.Context, err error) {
	status := mapErrorToStatus(err)
	body := gin.H{"error": err.Error(), "code": domain.Code(err)}

	var se *domain.StockError
	if errors.As(err, &se) {
		body["product"] = se.Product
		if se.Kind != domain.ErrProductUnavailable {
			body["available"] = se.Available
		}
	}
	var ve *domain.ValidationError
	if errors.As(err, &ve) && ve.Field != "" {
		body["field"] = ve.Field
	}
	switch status {
	case http.StatusInternalServerError:
		s.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
		body["error"] = "internal server error"
	case http.StatusServiceUnavailable:
		s.log.WithError(err).WithField("path", c.FullPath()).Error("store unavailable")
		body["error"] = "service temporarily unavailable"
	}
	c.AbortWithStatusJSON(status, body)
}
