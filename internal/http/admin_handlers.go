package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"storefront/internal/domain"
	"storefront/internal/repository"
	"storefront/internal/service"
)

type statusReq struct {
	Status string `json:"status"`
}

// @Summary Search products (admin)
// @Description Includes inactive products
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param search query string false "Search in name and description"
// @Param is_active query bool false "Filter by activity"
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size"
// @Success 200 {object} repository.ProductPage
// @Failure 403 {object} map[string]any
// @Router /admin/products [get]
func (s *Server) adminSearchProducts(c *gin.Context) {
	q := service.AdminQuery{
		Search: c.Query("search"),
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
	}
	if raw := c.Query("is_active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			s.fail(c, domain.NewValidationError("is_active", "must be true or false"))
			return
		}
		q.IsActive = &v
	}
	page, err := s.products.Search(c.Request.Context(), q)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary Create product (admin)
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body service.ProductInput true "Product"
// @Success 201 {object} domain.Product
// @Failure 400 {object} map[string]any
// @Router /admin/products [post]
func (s *Server) adminCreateProduct(c *gin.Context) {
	cmd, ok := s.productCommand(c)
	if !ok {
		return
	}
	p, err := s.products.Create(c.Request.Context(), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

// @Summary Update product (admin)
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Product ID"
// @Param request body service.ProductInput true "Product"
// @Success 200 {object} domain.Product
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /admin/products/{id} [put]
func (s *Server) adminUpdateProduct(c *gin.Context) {
	cmd, ok := s.productCommand(c)
	if !ok {
		return
	}
	p, err := s.products.Update(c.Request.Context(), c.Param("id"), cmd)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary Delete product (admin)
// @Description Products referenced by orders are deactivated instead of removed
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Product ID"
// @Success 200 {object} map[string]bool
// @Failure 404 {object} map[string]any
// @Router /admin/products/{id} [delete]
func (s *Server) adminDeleteProduct(c *gin.Context) {
	soft, err := s.products.Delete(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "soft": soft})
}

// @Summary List all orders (admin)
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param status query string false "Order status"
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size"
// @Success 200 {object} service.OrderPage
// @Failure 400 {object} map[string]any
// @Router /admin/orders [get]
func (s *Server) adminListOrders(c *gin.Context) {
	page, err := s.orders.ListAllOrders(c.Request.Context(), repository.OrderFilter{
		Status: domain.OrderStatus(strings.ToUpper(c.Query("status"))),
		Page:   queryInt(c, "page"),
		Limit:  queryInt(c, "limit"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary Get any order (admin)
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Success 200 {object} domain.Order
// @Failure 404 {object} map[string]any
// @Router /admin/orders/{id} [get]
func (s *Server) adminGetOrder(c *gin.Context) {
	o, err := s.orders.GetOrderForAdmin(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

// @Summary Update order status (admin)
// @Description CANCELLED restores stock; other statuses follow PENDING -> CONFIRMED -> SHIPPED -> DELIVERED
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "Order ID"
// @Param request body statusReq true "New status"
// @Success 200 {object} domain.Order
// @Failure 400 {object} map[string]any
// @Failure 409 {object} map[string]any
// @Router /admin/orders/{id}/status [patch]
func (s *Server) adminUpdateOrderStatus(c *gin.Context) {
	var req statusReq
	if !bindJSON(c, &req) {
		return
	}
	o, err := s.orders.UpdateStatus(c.Request.Context(), c.Param("id"), domain.OrderStatus(strings.ToUpper(req.Status)))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, o)
}

func (s *Server) productCommand(c *gin.Context) (service.ProductCommand, bool) {
	var in service.ProductInput
	if !bindJSON(c, &in) {
		return service.ProductCommand{}, false
	}
	cmd, err := service.NewProductCommand(in)
	if err != nil {
		s.fail(c, err)
		return service.ProductCommand{}, false
	}
	return cmd, true
}
