package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus/hooks/test"

	"storefront/internal/auth"
	"storefront/internal/domain"
	"storefront/internal/metrics"
	"storefront/internal/ratelimit"
	"storefront/internal/repository"
	"storefront/internal/service"
)

func init() { gin.SetMode(gin.TestMode) }

type testServer struct {
	*Server
	store  *repository.MemoryStore
	tokens *auth.JWTResolver
	mr     *miniredis.Miniredis
}

// setupServer wires the API over the memory store with a miniredis-backed limiter.
// policies nil means the defaults
func setupServer(t *testing.T, policies ratelimit.Policies) *testServer {
	t.Helper()
	log, _ := test.NewNullLogger()
	store := repository.NewMemoryStore()
	carts := repository.NewMemoryCarts(store)
	orders := repository.NewMemoryOrders(store)
	tx := repository.NewMemoryTx(store)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	if policies == nil {
		policies = ratelimit.DefaultPolicies()
	}

	tokens := auth.NewJWTResolver("test-secret", "storefront", time.Hour)
	ttl := service.DefaultCacheTTL()
	s := NewServer(Deps{
		Products: service.NewProductService(store, tx, nil, ttl, log),
		Cart:     service.NewCartService(store, carts, nil, ttl, log),
		Orders:   service.NewOrderService(store, carts, orders, tx, nil, log),
		Auth:     tokens,
		Limiter:  ratelimit.New(client, policies, ratelimit.WithLogger(log)),
		Metrics:  metrics.New(),
		Log:      log,
	})
	return &testServer{Server: s, store: store, tokens: tokens, mr: mr}
}

func (ts *testServer) token(t *testing.T, userID string, role auth.Role) string {
	t.Helper()
	tok, err := ts.tokens.Issue(userID, role)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func (ts *testServer) seed(t *testing.T, name string, price, stock int64) *domain.Product {
	t.Helper()
	p := domain.Product{Name: name, Price: price, Stock: stock, IsActive: true}
	if err := ts.store.Create(context.Background(), &p); err != nil {
		t.Fatal(err)
	}
	return &p
}

func doJSON(t *testing.T, s *testServer, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, dst any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), dst); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
}

func TestProductFlow(t *testing.T) {
	s := setupServer(t, nil)
	admin := s.token(t, "admin-1", auth.RoleAdmin)

	// create
	w := doJSON(t, s, http.MethodPost, "/api/v1/admin/products", admin, map[string]any{
		"name": "Aspirin", "price": 1000, "stock": 5, "category": "health",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create code %v: %s", w.Code, w.Body)
	}
	var p domain.Product
	decode(t, w, &p)
	if p.ID == "" || !p.IsActive {
		t.Fatalf("unexpected product %+v", p)
	}

	// get
	w = doJSON(t, s, http.MethodGet, "/api/v1/products/"+p.ID, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get code %v", w.Code)
	}

	// update
	w = doJSON(t, s, http.MethodPut, "/api/v1/admin/products/"+p.ID, admin, map[string]any{
		"name": "Aspirin Plus", "price": 1200, "stock": 7,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update code %v: %s", w.Code, w.Body)
	}

	// list
	w = doJSON(t, s, http.MethodGet, "/api/v1/products?search=aspirin", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list code %v", w.Code)
	}
	var page repository.ProductPage
	decode(t, w, &page)
	if page.Total != 1 || page.Products[0].Price != 1200 {
		t.Fatalf("unexpected page %+v", page)
	}

	// delete, never ordered so it is removed for real
	w = doJSON(t, s, http.MethodDelete, "/api/v1/admin/products/"+p.ID, admin, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("delete code %v", w.Code)
	}
	var del map[string]bool
	decode(t, w, &del)
	if !del["deleted"] || del["soft"] {
		t.Fatalf("unexpected delete result %v", del)
	}
	w = doJSON(t, s, http.MethodGet, "/api/v1/products/"+p.ID, "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %v", w.Code)
	}
}

func TestCheckoutFlow(t *testing.T) {
	s := setupServer(t, nil)
	user := s.token(t, "u1", auth.RoleUser)
	a := s.seed(t, "A", 1000, 5)
	b := s.seed(t, "B", 250, 3)

	for _, line := range []map[string]any{
		{"product_id": a.ID, "quantity": 2},
		{"product_id": b.ID},
	} {
		w := doJSON(t, s, http.MethodPost, "/api/v1/cart/items", user, line)
		if w.Code != http.StatusCreated {
			t.Fatalf("add to cart %v: %s", w.Code, w.Body)
		}
	}

	w := doJSON(t, s, http.MethodGet, "/api/v1/cart/count", user, nil)
	var count map[string]int
	decode(t, w, &count)
	if count["count"] != 2 {
		t.Fatalf("expected 2 lines, got %v", count)
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/orders", user, map[string]any{
		"shipping_name": "Taro", "shipping_email": "taro@example.com", "shipping_address": "Tokyo",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("checkout %v: %s", w.Code, w.Body)
	}
	var created struct {
		OrderID string       `json:"order_id"`
		Order   domain.Order `json:"order"`
	}
	decode(t, w, &created)
	if created.OrderID == "" || created.Order.TotalAmount != 2250 || created.Order.Status != domain.OrderStatusPending {
		t.Fatalf("unexpected order %+v", created)
	}

	// stock decremented, cart emptied
	got, _ := s.store.GetByID(context.Background(), a.ID)
	if got.Stock != 3 {
		t.Fatalf("stock expected 3, got %d", got.Stock)
	}
	w = doJSON(t, s, http.MethodGet, "/api/v1/cart", user, nil)
	var view service.CartView
	decode(t, w, &view)
	if len(view.Items) != 0 {
		t.Fatalf("cart must be empty after checkout, got %+v", view)
	}

	// another user cannot see or cancel it
	other := s.token(t, "u2", auth.RoleUser)
	if w := doJSON(t, s, http.MethodGet, "/api/v1/orders/"+created.OrderID, other, nil); w.Code != http.StatusNotFound {
		t.Fatalf("foreign order must be 404, got %v", w.Code)
	}
	if w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/cancel", other, nil); w.Code != http.StatusForbidden {
		t.Fatalf("foreign cancel must be 403, got %v", w.Code)
	}

	w = doJSON(t, s, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/cancel", user, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("cancel %v: %s", w.Code, w.Body)
	}
	got, _ = s.store.GetByID(context.Background(), a.ID)
	if got.Stock != 5 {
		t.Fatalf("stock must be restored, got %d", got.Stock)
	}
	w = doJSON(t, s, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/cancel", user, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second cancel must be 409, got %v", w.Code)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["code"] != "already_cancelled" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestCheckout_InsufficientStockNamesProduct(t *testing.T) {
	s := setupServer(t, nil)
	user := s.token(t, "u1", auth.RoleUser)
	p := s.seed(t, "Rare", 500, 3)
	if w := doJSON(t, s, http.MethodPost, "/api/v1/cart/items", user, map[string]any{"product_id": p.ID, "quantity": 3}); w.Code != http.StatusCreated {
		t.Fatalf("add %v", w.Code)
	}
	// stock drops behind the cart's back
	if err := s.store.AdjustStock(context.Background(), p.ID, -2); err != nil {
		t.Fatal(err)
	}

	w := doJSON(t, s, http.MethodPost, "/api/v1/orders", user, map[string]any{
		"shipping_name": "Taro", "shipping_email": "taro@example.com", "shipping_address": "Tokyo",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %v: %s", w.Code, w.Body)
	}
	var body map[string]any
	decode(t, w, &body)
	if body["code"] != "insufficient_stock" || body["product"] != "Rare" || body["available"] != float64(1) {
		t.Fatalf("unexpected body %v", body)
	}
	if n := doJSON(t, s, http.MethodGet, "/api/v1/cart/count", user, nil); n.Body.String() != `{"count":1}` {
		t.Fatalf("cart must survive a failed checkout, got %s", n.Body)
	}
}

func TestHTTP_BadRequests(t *testing.T) {
	s := setupServer(t, nil)
	user := s.token(t, "u1", auth.RoleUser)
	admin := s.token(t, "admin", auth.RoleAdmin)
	p := s.seed(t, "A", 100, 5)

	cases := []struct {
		name         string
		method, path string
		token        string
		body         any
		status       int
		code         string
	}{
		{"empty product name", http.MethodPost, "/api/v1/admin/products", admin, map[string]any{"name": "", "price": 1}, http.StatusBadRequest, "validation_error"},
		{"zero quantity", http.MethodPost, "/api/v1/cart/items", user, map[string]any{"product_id": p.ID, "quantity": 0}, http.StatusBadRequest, "invalid_quantity"},
		{"bad email", http.MethodPost, "/api/v1/orders", user, map[string]any{"shipping_name": "A", "shipping_email": "nope", "shipping_address": "B"}, http.StatusBadRequest, "validation_error"},
		{"empty cart", http.MethodPost, "/api/v1/orders", user, map[string]any{"shipping_name": "A", "shipping_email": "a@b.co", "shipping_address": "B"}, http.StatusBadRequest, "empty_cart"},
		{"unknown product", http.MethodPost, "/api/v1/cart/items", user, map[string]any{"product_id": "missing"}, http.StatusNotFound, "not_found"},
		{"unknown status", http.MethodGet, "/api/v1/admin/orders?status=lost", admin, nil, http.StatusBadRequest, "validation_error"},
		{"no token", http.MethodGet, "/api/v1/cart", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"not admin", http.MethodGet, "/api/v1/admin/orders", user, nil, http.StatusForbidden, "forbidden"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			w := doJSON(t, s, c.method, c.path, c.token, c.body)
			if w.Code != c.status {
				t.Fatalf("expected %d, got %d: %s", c.status, w.Code, w.Body)
			}
			var body map[string]any
			decode(t, w, &body)
			if body["code"] != c.code {
				t.Fatalf("expected code %s, got %v", c.code, body)
			}
		})
	}

	// malformed json
	req := httptest.NewRequest(http.MethodPost, "/api/v1/cart/items", bytes.NewBufferString("{"))
	req.Header.Set("Authorization", "Bearer "+user)
	w := httptest.NewRecorder()
	s.Engine().ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed json, got %v", w.Code)
	}
}

func TestAdminOrderStatus(t *testing.T) {
	s := setupServer(t, nil)
	user := s.token(t, "u1", auth.RoleUser)
	admin := s.token(t, "admin", auth.RoleAdmin)
	p := s.seed(t, "A", 100, 5)
	doJSON(t, s, http.MethodPost, "/api/v1/cart/items", user, map[string]any{"product_id": p.ID})
	w := doJSON(t, s, http.MethodPost, "/api/v1/orders", user, map[string]any{
		"shipping_name": "A", "shipping_email": "a@b.co", "shipping_address": "B",
	})
	var created struct {
		OrderID string `json:"order_id"`
	}
	decode(t, w, &created)

	path := "/api/v1/admin/orders/" + created.OrderID + "/status"
	for _, st := range []string{"confirmed", "SHIPPED"} {
		if w := doJSON(t, s, http.MethodPatch, path, admin, map[string]string{"status": st}); w.Code != http.StatusOK {
			t.Fatalf("status %s: %v %s", st, w.Code, w.Body)
		}
	}
	if w := doJSON(t, s, http.MethodPatch, path, admin, map[string]string{"status": "PENDING"}); w.Code != http.StatusConflict {
		t.Fatalf("backward transition must be 409, got %v", w.Code)
	}
	if w := doJSON(t, s, http.MethodPost, "/api/v1/orders/"+created.OrderID+"/cancel", user, nil); w.Code != http.StatusConflict {
		t.Fatalf("shipped order cannot be cancelled, got %v", w.Code)
	}

	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/orders/"+created.OrderID, admin, nil); w.Code != http.StatusOK {
		t.Fatalf("admin reads any order, got %v %s", w.Code, w.Body)
	}
	other := s.token(t, "u2", auth.RoleUser)
	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/orders/"+created.OrderID, other, nil); w.Code != http.StatusForbidden {
		t.Fatalf("non-admin must get 403, got %v", w.Code)
	}
	if w := doJSON(t, s, http.MethodGet, "/api/v1/admin/orders/missing", admin, nil); w.Code != http.StatusNotFound {
		t.Fatalf("missing order must be 404, got %v", w.Code)
	}

	w = doJSON(t, s, http.MethodGet, "/api/v1/admin/orders?status=shipped", admin, nil)
	var page service.OrderPage
	decode(t, w, &page)
	if page.Total != 1 || page.Orders[0].Status != domain.OrderStatusShipped {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestRateLimit_BurstIsRejected(t *testing.T) {
	policies := ratelimit.DefaultPolicies()
	policies[ratelimit.CategoryAPI] = ratelimit.Policy{Window: time.Minute, Max: 3}
	s := setupServer(t, policies)
	p := s.seed(t, "A", 100, 5)

	for i := 0; i < 3; i++ {
		w := doJSON(t, s, http.MethodGet, "/api/v1/products/"+p.ID, "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: %v", i, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != fmt.Sprint(2-i) {
			t.Fatalf("request %d: remaining %s", i, got)
		}
	}
	w := doJSON(t, s, http.MethodGet, "/api/v1/products/"+p.ID, "", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", w.Code)
	}
	if w.Header().Get("Retry-After") == "" || w.Header().Get("X-RateLimit-Limit") != "3" {
		t.Fatalf("missing rate limit headers: %v", w.Header())
	}
	var body map[string]any
	decode(t, w, &body)
	if body["code"] != "rate_limited" || body["retry_after"].(float64) < 1 {
		t.Fatalf("unexpected body %v", body)
	}

	// search traffic has its own budget
	if w := doJSON(t, s, http.MethodGet, "/api/v1/products?search=a", "", nil); w.Code != http.StatusOK {
		t.Fatalf("search must not share the api budget, got %v", w.Code)
	}
}

func TestRateLimit_InvalidTokensCountAsAuthAttempts(t *testing.T) {
	policies := ratelimit.DefaultPolicies()
	policies[ratelimit.CategoryAuth] = ratelimit.Policy{Window: time.Minute, Max: 2}
	s := setupServer(t, policies)

	for i := 0; i < 2; i++ {
		if w := doJSON(t, s, http.MethodGet, "/api/v1/cart", "garbage", nil); w.Code != http.StatusUnauthorized {
			t.Fatalf("attempt %d: expected 401, got %v", i, w.Code)
		}
	}
	if w := doJSON(t, s, http.MethodGet, "/api/v1/cart", "garbage", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after repeated bad tokens, got %v", w.Code)
	}
	// a valid token is unaffected
	if w := doJSON(t, s, http.MethodGet, "/api/v1/cart", s.token(t, "u1", auth.RoleUser), nil); w.Code != http.StatusOK {
		t.Fatalf("valid token: %v", w.Code)
	}
}

func TestRateLimit_FailsOpenWhenRedisDown(t *testing.T) {
	s := setupServer(t, nil)
	s.mr.Close()
	if w := doJSON(t, s, http.MethodGet, "/api/v1/products", "", nil); w.Code != http.StatusOK {
		t.Fatalf("expected fail-open 200, got %v", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	s := setupServer(t, nil)
	if w := doJSON(t, s, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("health %v", w.Code)
	}
	doJSON(t, s, http.MethodGet, "/api/v1/products", "", nil)
	w := doJSON(t, s, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK || !bytes.Contains(w.Body.Bytes(), []byte(`storefront_http_requests_total{method="GET",path="/api/v1/products",status="200"} 1`)) {
		t.Fatalf("metrics missing request counter:\n%s", w.Body)
	}
}
