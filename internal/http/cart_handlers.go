package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"storefront/internal/service"
)

type addCartItemReq struct {
	ProductID string `json:"product_id"`
	Quantity  *int64 `json:"quantity"`
}

type setQuantityReq struct {
	Quantity int64 `json:"quantity"`
}

// @Summary View cart
// @Description Cart lines with live product data, line totals and stock warnings
// @Tags cart
// @Produce json
// @Security BearerAuth
// @Success 200 {object} service.CartView
// @Failure 401 {object} map[string]any
// @Router /cart [get]
func (s *Server) viewCart(c *gin.Context) {
	view, err := s.cart.View(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// @Summary Cart line count
// @Tags cart
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]int
// @Router /cart/count [get]
func (s *Server) cartCount(c *gin.Context) {
	n, err := s.cart.Count(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

// @Summary Add product to cart
// @Description Adds a line or increases the quantity of an existing one. Quantity defaults to 1.
// @Tags cart
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body addCartItemReq true "Cart item"
// @Success 201 {object} domain.CartItem
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /cart/items [post]
func (s *Server) addCartItem(c *gin.Context) {
	var req addCartItemReq
	if !bindJSON(c, &req) {
		return
	}
	qty := int64(1)
	if req.Quantity != nil {
		qty = *req.Quantity
	}
	cmd, err := service.NewAddToCartCommand(currentUser(c), req.ProductID, qty)
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.cart.Add(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, item)
}

// @Summary Set cart line quantity
// @Tags cart
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Cart item ID"
// @Param request body setQuantityReq true "Quantity"
// @Success 200 {object} domain.CartItem
// @Failure 400 {object} map[string]any
// @Failure 403 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /cart/items/{id} [put]
func (s *Server) setCartItemQuantity(c *gin.Context) {
	var req setQuantityReq
	if !bindJSON(c, &req) {
		return
	}
	cmd, err := service.NewSetQuantityCommand(currentUser(c), c.Param("id"), req.Quantity)
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.cart.SetQuantity(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, item)
}

// @Summary Remove cart line
// @Tags cart
// @Security BearerAuth
// @Param id path string true "Cart item ID"
// @Success 204
// @Failure 403 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /cart/items/{id} [delete]
func (s *Server) removeCartItem(c *gin.Context) {
	if err := s.cart.Remove(c.Request.Context(), currentUser(c), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// @Summary Clear cart
// @Tags cart
// @Produce json
// @Security BearerAuth
// @Success 200 {object} map[string]int
// @Router /cart [delete]
func (s *Server) clearCart(c *gin.Context) {
	n, err := s.cart.Clear(c.Request.Context(), currentUser(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}
