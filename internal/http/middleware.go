package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"storefront/internal/auth"
	"storefront/internal/ratelimit"
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := logrus.Fields{
			"method":     c.Request.Method,
			"path":       c.Request.URL.Path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		}
		if id, ok := identityFrom(c); ok {
			fields["user_id"] = id.UserID
		}
		entry := s.log.WithFields(fields)
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request")
		default:
			entry.Info("request")
		}
	}
}

func (s *Server) instrument() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.metrics == nil || c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		s.metrics.HTTPInFlight.Inc()
		defer s.metrics.HTTPInFlight.Dec()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		s.metrics.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		s.metrics.HTTPDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// identity разрешает bearer-токен. Запрос без заголовка анонимен;
// неверный токен считается попыткой входа и ограничивается категорией auth по IP
func (s *Server) identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" || s.auth == nil {
			c.Next()
			return
		}
		token, found := strings.CutPrefix(header, "Bearer ")
		if found {
			id, err := s.auth.Resolve(c.Request.Context(), strings.TrimSpace(token))
			if err == nil {
				c.Request = c.Request.WithContext(auth.WithIdentity(c.Request.Context(), id))
				c.Next()
				return
			}
			s.log.WithError(err).WithField("client_ip", c.ClientIP()).Debug("bearer token rejected")
		}
		if s.limiter != nil {
			res := s.limiter.Check(c.Request.Context(), ratelimit.KeyByIP(c.ClientIP()), ratelimit.CategoryAuth)
			if !s.allow(c, res) {
				return
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
	}
}

// identityFrom читает личность из контекста запроса; сервисы видят тот же контекст
func identityFrom(c *gin.Context) (auth.Identity, bool) {
	return auth.FromContext(c.Request.Context())
}

func currentUser(c *gin.Context) string {
	id, _ := identityFrom(c)
	return id.UserID
}

func requireUser(c *gin.Context) {
	if _, ok := identityFrom(c); !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "code": "unauthorized"})
		return
	}
	c.Next()
}

func requireAdmin(c *gin.Context) {
	id, ok := identityFrom(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication required", "code": "unauthorized"})
		return
	}
	if !id.IsAdmin() {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "administrator role required", "code": "forbidden"})
		return
	}
	c.Next()
}

// --- rate limiting ---------------------------------------------------------------

type (
	categoryFunc func(c *gin.Context) ratelimit.Category
	keyFunc      func(c *gin.Context) string
)

func fixed(cat ratelimit.Category) categoryFunc {
	return func(*gin.Context) ratelimit.Category { return cat }
}

// catalogCategory: search queries get the looser search policy
func catalogCategory(c *gin.Context) ratelimit.Category {
	if c.Query("search") != "" {
		return ratelimit.CategorySearch
	}
	return ratelimit.CategoryAPI
}

func catalogKey(c *gin.Context) string {
	if c.Query("search") != "" {
		return ratelimit.KeyByEndpoint(c.ClientIP(), c.Request.URL.Path)
	}
	return byIP(c)
}

func byIP(c *gin.Context) string { return ratelimit.KeyByIP(c.ClientIP()) }

// byUser falls back to the client ip for anonymous callers
func byUser(c *gin.Context) string {
	if id := currentUser(c); id != "" {
		return ratelimit.KeyByUser(id)
	}
	return byIP(c)
}

func (s *Server) rateLimit(category categoryFunc, key keyFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter == nil {
			c.Next()
			return
		}
		res := s.limiter.Check(c.Request.Context(), key(c), category(c))
		if s.allow(c, res) {
			c.Next()
		}
	}
}

// allow sets the X-RateLimit-* headers and aborts with 429 on denial
func (s *Server) allow(c *gin.Context, res ratelimit.Result) bool {
	h := c.Writer.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset.UnixMilli(), 10))
	if res.Allowed {
		return true
	}
	retry := res.RetryAfter(time.Now())
	h.Set("Retry-After", strconv.Itoa(retry))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       "too many requests",
		"code":        "rate_limited",
		"retry_after": retry,
	})
	return false
}
