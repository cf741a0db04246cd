package service

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"

	"storefront/internal/cache"
	"storefront/internal/domain"
	"storefront/internal/repository"
)

type testEnv struct {
	store    *repository.MemoryStore
	tx       *repository.MemoryTx
	cache    *cache.Cache
	carts    *repository.MemoryCarts
	orders   *repository.MemoryOrders
	products *ProductService
	cart     *CartService
	checkout *OrderService
	counter  *prometheus.CounterVec
	mr       *miniredis.Miniredis
}

// setup wires services over the memory store; withCache adds a miniredis-backed cache
func setup(t *testing.T, withCache bool) *testEnv {
	t.Helper()
	log, _ := test.NewNullLogger()
	e := &testEnv{store: repository.NewMemoryStore()}
	e.carts = repository.NewMemoryCarts(e.store)
	e.orders = repository.NewMemoryOrders(e.store)

	var c *cache.Cache
	if withCache {
		e.mr = miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: e.mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })
		c = cache.New(client, log)
	}
	e.counter = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "orders_total"}, []string{"op", "outcome"})

	ttl := DefaultCacheTTL()
	tx := repository.NewMemoryTx(e.store)
	e.tx = tx
	e.cache = c
	e.products = NewProductService(e.store, tx, c, ttl, log)
	e.cart = NewCartService(e.store, e.carts, c, ttl, log)
	e.checkout = NewOrderService(e.store, e.carts, e.orders, tx, c, log, WithOrderCounter(e.counter))
	return e
}

func (e *testEnv) seed(t *testing.T, name string, price, stock int64) *domain.Product {
	t.Helper()
	p := domain.Product{Name: name, Price: price, Stock: stock, IsActive: true, Category: "general"}
	if err := e.store.Create(context.Background(), &p); err != nil {
		t.Fatalf("seed %s: %v", name, err)
	}
	return &p
}

func (e *testEnv) add(t *testing.T, userID, productID string, qty int64) *domain.CartItem {
	t.Helper()
	cmd, err := NewAddToCartCommand(userID, productID, qty)
	if err != nil {
		t.Fatalf("add command: %v", err)
	}
	it, err := e.cart.Add(context.Background(), cmd)
	if err != nil {
		t.Fatalf("add to cart: %v", err)
	}
	return it
}

func (e *testEnv) stock(t *testing.T, productID string) int64 {
	t.Helper()
	p, err := e.store.GetByID(context.Background(), productID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	return p.Stock
}

func stockOf(n int64) *int64 { return &n }

func checkoutCmd(t *testing.T, userID string) CheckoutCommand {
	t.Helper()
	cmd, err := NewCheckoutCommand(CheckoutInput{
		UserID:  userID,
		Name:    "Hanako Yamada",
		Email:   "hanako@example.com",
		Address: "1-2-3 Shibuya, Tokyo",
	})
	if err != nil {
		t.Fatalf("checkout command: %v", err)
	}
	return cmd
}
