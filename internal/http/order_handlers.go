package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/internal/domain"
	"storefront/internal/service"
)

type checkoutReq struct {
	ShippingName    string `json:"shipping_name"`
	ShippingEmail   string `json:"shipping_email"`
	ShippingAddress string `json:"shipping_address"`
}

// @Summary Checkout
// @Description Turns the whole cart into an order atomically: stock is decremented, prices are snapshotted and the cart is emptied.
// @Tags orders
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body checkoutReq true "Shipping details"
// @Success 201 {object} map[string]any
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /orders [post]
func (s *Server) createOrder(c *gin.Context) {
	var req checkoutReq
	if !bindJSON(c, &req) {
		return
	}
	cmd, err := service.NewCheckoutCommand(service.CheckoutInput{
		UserID:  currentUser(c),
		Name:    req.ShippingName,
		Email:   req.ShippingEmail,
		Address: req.ShippingAddress,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	o, err := s.orders.CreateOrder(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"order_id": o.ID, "order": o})
}

// @Summary List own orders
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]any
// @Router /orders [get]
func (s *Server) listOrders(c *gin.Context) {
	list, err := s.orders.ListOrders(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	if list == nil {
		list = []domain.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": list})
}

// @Summary Get own order
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} domain.Order
// @Failure 404 {object} map[string]any
// @Router /orders/{id} [get]
func (s *Server) getOrder(c *gin.Context) {
	o, err := s.orders.GetOrder(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// @Summary Cancel own order
// @Description Cancels a PENDING or CONFIRMED order and restores stock
// @Tags orders
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} domain.Order
// @Failure 403 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /orders/{id}/cancel [post]
func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.orders.CancelOrder(c.Request.Context(), c.Param("id"), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}
