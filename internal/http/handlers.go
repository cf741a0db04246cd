package httpapi

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	"storefront/internal/auth"
	"storefront/internal/metrics"
	"storefront/internal/ratelimit"
	"storefront/internal/service"
)

// Deps зависимости HTTP-сервера. Limiter и Metrics необязательны
type Deps struct {
	Products *service.ProductService
	Cart     *service.CartService
	Orders   *service.OrderService
	Auth     auth.Resolver
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	Log      logrus.FieldLogger
	// Health проверяет зависимости для /health; nil означает всегда ok
	Health func(ctx context.Context) error
}

type Server struct {
	engine   *gin.Engine
	products *service.ProductService
	cart     *service.CartService
	orders   *service.OrderService
	auth     auth.Resolver
	limiter  *ratelimit.Limiter
	metrics  *metrics.Metrics
	log      logrus.FieldLogger
	health   func(ctx context.Context) error
}

func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	r := gin.New()
	s := &Server{
		engine:   r,
		products: d.Products,
		cart:     d.Cart,
		orders:   d.Orders,
		auth:     d.Auth,
		limiter:  d.Limiter,
		metrics:  d.Metrics,
		log:      log.WithField("component", "http"),
		health:   d.Health,
	}
	r.Use(gin.Recovery(), s.requestLogger(), s.instrument(), s.identity())
	s.registerRoutes()
	return s
}

func (s *Server) Engine() *gin.Engine { return s.engine }

func (s *Server) registerRoutes() {
	// Swagger UI
	s.engine.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	s.engine.GET("/health", s.healthCheck)
	if s.metrics != nil {
		s.engine.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	}

	api := s.rateLimit(fixed(ratelimit.CategoryAPI), byIP)
	user := s.rateLimit(fixed(ratelimit.CategoryAPI), byUser)
	admin := s.rateLimit(fixed(ratelimit.CategoryAdmin), byUser)

	v1 := s.engine.Group("/api/v1")
	{
		products := v1.Group("/products")
		products.GET("", s.rateLimit(catalogCategory, catalogKey), s.listProducts)
		products.GET(":id", api, s.getProduct)

		cart := v1.Group("/cart", requireUser, user)
		cart.GET("", s.viewCart)
		cart.GET("/count", s.cartCount)
		cart.POST("/items", s.addCartItem)
		cart.PUT("/items/:id", s.setCartItemQuantity)
		cart.DELETE("/items/:id", s.removeCartItem)
		cart.DELETE("", s.clearCart)

		orders := v1.Group("/orders", requireUser, user)
		orders.POST("", s.createOrder)
		orders.GET("", s.listOrders)
		orders.GET(":id", s.getOrder)
		orders.POST(":id/cancel", s.cancelOrder)

		adm := v1.Group("/admin", requireAdmin, admin)
		adm.GET("/products", s.adminSearchProducts)
		adm.POST("/products", s.adminCreateProduct)
		adm.PUT("/products/:id", s.adminUpdateProduct)
		adm.DELETE("/products/:id", s.adminDeleteProduct)
		adm.GET("/orders", s.adminListOrders)
		adm.GET("/orders/:id", s.adminGetOrder)
		adm.PATCH("/orders/:id/status", s.adminUpdateOrderStatus)
	}
}

// @Summary Health check
// @Tags ops
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func (s *Server) healthCheck(c *gin.Context) {
	if s.health != nil {
		if err := s.health(c.Request.Context()); err != nil {
			s.log.WithError(err).Warn("health check failed")
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// @Summary List catalog products
// @Description Active products, newest first. Hiragana, katakana and full-width queries match each other.
// @Tags products
// @Produce json
// @Param category query string false "Category"
// @Param search query string false "Search in name and description"
// @Param page query int false "Page, from 1"
// @Param limit query int false "Page size (default 12, max 100)"
// @Success 200 {object} repository.ProductPage
// @Failure 429 {object} map[string]any
// @Router /products [get]
func (s *Server) listProducts(c *gin.Context) {
	page, err := s.products.CatalogPage(c.Request.Context(), service.CatalogQuery{
		Category: c.Query("category"),
		Search:   c.Query("search"),
		Page:     queryInt(c, "page"),
		Limit:    queryInt(c, "limit"),
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// @Summary Get product by id
// @Tags products
// @Produce json
// @Param id path string true "Product ID"
// @Success 200 {object} domain.Product
// @Failure 404 {object} map[string]any
// @Router /products/{id} [get]
func (s *Server) getProduct(c *gin.Context) {
	p, err := s.products.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// queryInt returns 0 for missing or malformed values; services apply defaults
func queryInt(c *gin.Context, name string) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return 0
	}
	return v
}

func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json", "code": "validation_error"})
		return false
	}
	return true
}
