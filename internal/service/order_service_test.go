package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"storefront/internal/domain"
	"storefront/internal/repository"
)

func TestCreateOrder_FromCart(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	b := e.seed(t, "B", 250, 2)
	e.add(t, "u1", a.ID, 3)
	e.add(t, "u1", b.ID, 2)

	o, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	if o.Status != domain.OrderStatusPending {
		t.Fatalf("expected pending, got %s", o.Status)
	}
	if o.TotalAmount != 800 || len(o.Items) != 2 {
		t.Fatalf("unexpected order %+v", o)
	}
	if o.ShippingName != "Hanako Yamada" || o.ShippingEmail != "hanako@example.com" {
		t.Fatalf("shipping snapshot missing: %+v", o)
	}
	if e.stock(t, a.ID) != 2 || e.stock(t, b.ID) != 0 {
		t.Fatalf("stock not decreased: %d %d", e.stock(t, a.ID), e.stock(t, b.ID))
	}
	if n, _ := e.carts.CountByUser(ctx, "u1"); n != 0 {
		t.Fatalf("cart must be cleared, got %d", n)
	}

	// later price change does not touch the order
	a.Price = 999
	if err := e.store.Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	got, err := e.checkout.GetOrder(ctx, o.ID, "u1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	for _, it := range got.Items {
		if it.ProductID == a.ID && (it.Price != 100 || it.ProductName != "A") {
			t.Fatalf("price snapshot changed: %+v", it)
		}
	}
	if v := testutil.ToFloat64(e.counter.WithLabelValues("create", "ok")); v != 1 {
		t.Fatalf("expected one counted order, got %v", v)
	}
}

func TestCreateOrder_EmptyCart(t *testing.T) {
	e := setup(t, false)
	_, err := e.checkout.CreateOrder(context.Background(), checkoutCmd(t, "u1"))
	if !errors.Is(err, domain.ErrEmptyCart) {
		t.Fatalf("expected empty cart, got %v", err)
	}
}

func TestCreateOrder_InsufficientStockRollsBack(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	b := e.seed(t, "B", 100, 3)
	e.add(t, "u1", a.ID, 2)
	e.add(t, "u1", b.ID, 3)

	// stock goes down between add-to-cart and checkout
	b.Stock = 1
	if err := e.store.Update(ctx, b); err != nil {
		t.Fatal(err)
	}

	_, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	var se *domain.StockError
	if !errors.Is(err, domain.ErrInsufficientStock) || !errors.As(err, &se) {
		t.Fatalf("expected insufficient stock, got %v", err)
	}
	if se.Product != "B" || se.Available != 1 {
		t.Fatalf("error must name product and available quantity: %+v", se)
	}
	if e.stock(t, a.ID) != 5 || e.stock(t, b.ID) != 1 {
		t.Fatalf("stock must be untouched: %d %d", e.stock(t, a.ID), e.stock(t, b.ID))
	}
	if n, _ := e.carts.CountByUser(ctx, "u1"); n != 2 {
		t.Fatalf("cart must be untouched, got %d", n)
	}
	if list, _ := e.checkout.ListOrders(ctx, "u1"); len(list) != 0 {
		t.Fatalf("no order may exist, got %d", len(list))
	}
	if v := testutil.ToFloat64(e.counter.WithLabelValues("create", "insufficient_stock")); v != 1 {
		t.Fatalf("failure must be counted, got %v", v)
	}
}

func TestCreateOrder_ProductUnavailable(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	e.add(t, "u1", a.ID, 1)

	a.IsActive = false
	if err := e.store.Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	_, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	var se *domain.StockError
	if !errors.As(err, &se) || !errors.Is(err, domain.ErrProductUnavailable) || se.Product != "A" {
		t.Fatalf("expected product unavailable, got %v", err)
	}
	if e.stock(t, a.ID) != 5 {
		t.Fatalf("stock must be untouched")
	}
}

// failingOrders fails the order write after stock has already been decremented
type failingOrders struct {
	*repository.MemoryOrders
}

var errWrite = errors.New("write failed")

func (failingOrders) Create(context.Context, *domain.Order) error { return errWrite }

func TestCreateOrder_WriteFailureRollsBackEverything(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	e.add(t, "u1", a.ID, 2)

	svc := NewOrderService(e.store, e.carts, failingOrders{e.orders}, repository.NewMemoryTx(e.store), nil, nil)
	if _, err := svc.CreateOrder(ctx, checkoutCmd(t, "u1")); !errors.Is(err, errWrite) {
		t.Fatalf("expected write failure, got %v", err)
	}
	if e.stock(t, a.ID) != 5 {
		t.Fatalf("stock must be restored, got %d", e.stock(t, a.ID))
	}
	if n, _ := e.carts.CountByUser(ctx, "u1"); n != 1 {
		t.Fatalf("cart must be restored, got %d", n)
	}
}

func TestCreateOrder_ConcurrentCheckoutsNeverOversell(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	p := e.seed(t, "Limited", 100, 3)
	e.add(t, "u1", p.ID, 2)
	e.add(t, "u2", p.ID, 2)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, user := range []string{"u1", "u2"} {
		wg.Add(1)
		go func(i int, user string) {
			defer wg.Done()
			_, errs[i] = e.checkout.CreateOrder(ctx, checkoutCmd(t, user))
		}(i, user)
	}
	wg.Wait()

	var ok, failed int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var se *domain.StockError
		if !errors.As(err, &se) || !errors.Is(err, domain.ErrInsufficientStock) || se.Available != 1 {
			t.Fatalf("unexpected error %v", err)
		}
		failed++
	}
	if ok != 1 || failed != 1 {
		t.Fatalf("expected exactly one success, got %d ok / %d failed", ok, failed)
	}
	if e.stock(t, p.ID) != 1 {
		t.Fatalf("expected stock 1, got %d", e.stock(t, p.ID))
	}
}

func TestCreateOrder_Stress(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	p := e.seed(t, "Hot", 100, 10)
	const users = 20
	for i := 0; i < users; i++ {
		e.add(t, userN(i), p.ID, 1)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, userN(i))); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if success != 10 || e.stock(t, p.ID) != 0 {
		t.Fatalf("expected 10 orders and zero stock, got %d and %d", success, e.stock(t, p.ID))
	}
}

func userN(i int) string { return "user-" + string(rune('a'+i)) }

func TestCancelOrder(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	b := e.seed(t, "B", 100, 2)
	e.add(t, "u1", a.ID, 3)
	e.add(t, "u1", b.ID, 2)
	o, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.checkout.CancelOrder(ctx, o.ID, "u2"); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	if _, err := e.checkout.CancelOrder(ctx, "missing", "u1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	cancelled, err := e.checkout.CancelOrder(ctx, o.ID, "u1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", cancelled.Status)
	}
	if e.stock(t, a.ID) != 5 || e.stock(t, b.ID) != 2 {
		t.Fatalf("stock not restored: %d %d", e.stock(t, a.ID), e.stock(t, b.ID))
	}

	if _, err := e.checkout.CancelOrder(ctx, o.ID, "u1"); !errors.Is(err, domain.ErrAlreadyCancelled) {
		t.Fatalf("expected already cancelled, got %v", err)
	}
	if e.stock(t, a.ID) != 5 {
		t.Fatalf("second cancel must not restock")
	}
}

func TestCancelOrder_TerminalStates(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)

	for _, target := range []domain.OrderStatus{domain.OrderStatusShipped, domain.OrderStatusDelivered} {
		e.add(t, "u1", a.ID, 1)
		o, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
		if err != nil {
			t.Fatal(err)
		}
		if _, err := e.checkout.UpdateStatus(ctx, o.ID, domain.OrderStatusShipped); err != nil {
			t.Fatalf("ship: %v", err)
		}
		if target == domain.OrderStatusDelivered {
			if _, err := e.checkout.UpdateStatus(ctx, o.ID, domain.OrderStatusDelivered); err != nil {
				t.Fatalf("deliver: %v", err)
			}
		}
		before := e.stock(t, a.ID)
		if _, err := e.checkout.CancelOrder(ctx, o.ID, "u1"); !errors.Is(err, domain.ErrTerminalState) {
			t.Fatalf("%s: expected terminal state, got %v", target, err)
		}
		if e.stock(t, a.ID) != before {
			t.Fatalf("%s: stock changed on refused cancel", target)
		}
	}
}

func TestCancelOrder_ConcurrentRestocksOnce(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	e.add(t, "u1", a.ID, 4)
	o, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	if err != nil {
		t.Fatal(err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.checkout.CancelOrder(ctx, o.ID, "u1")
			switch {
			case err == nil:
				mu.Lock()
				success++
				mu.Unlock()
			case !errors.Is(err, domain.ErrAlreadyCancelled):
				t.Errorf("unexpected error %v", err)
			}
		}()
	}
	wg.Wait()
	if success != 1 || e.stock(t, a.ID) != 5 {
		t.Fatalf("expected single restock, got %d successes and stock %d", success, e.stock(t, a.ID))
	}
}

func TestUpdateStatus(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 5)
	e.add(t, "u1", a.ID, 2)
	o, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.checkout.UpdateStatus(ctx, o.ID, "LOST"); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, err := e.checkout.UpdateStatus(ctx, o.ID, domain.OrderStatusConfirmed)
	if err != nil || got.Status != domain.OrderStatusConfirmed {
		t.Fatalf("confirm: %v", err)
	}
	if _, err := e.checkout.UpdateStatus(ctx, o.ID, domain.OrderStatusDelivered); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	// administrator cancel goes through restock
	if _, err := e.checkout.UpdateStatus(ctx, o.ID, domain.OrderStatusCancelled); err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if e.stock(t, a.ID) != 5 {
		t.Fatalf("admin cancel must restock, got %d", e.stock(t, a.ID))
	}
	if _, err := e.checkout.UpdateStatus(ctx, o.ID, domain.OrderStatusPending); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("cancelled is terminal, got %v", err)
	}
}

func TestGetAndListOrders(t *testing.T) {
	ctx := context.Background()
	e := setup(t, false)
	a := e.seed(t, "A", 100, 10)
	e.add(t, "u1", a.ID, 1)
	o1, _ := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1"))
	e.add(t, "u2", a.ID, 1)
	if _, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u2")); err != nil {
		t.Fatal(err)
	}

	if _, err := e.checkout.GetOrder(ctx, o1.ID, "u2"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("foreign order must look missing, got %v", err)
	}
	if got, err := e.checkout.GetOrderForAdmin(ctx, o1.ID); err != nil || got.UserID != "u1" || len(got.Items) != 1 {
		t.Fatalf("admin read: %+v %v", got, err)
	}
	if _, err := e.checkout.GetOrderForAdmin(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	mine, _ := e.checkout.ListOrders(ctx, "u1")
	if len(mine) != 1 || mine[0].ID != o1.ID {
		t.Fatalf("unexpected history %+v", mine)
	}

	if _, err := e.checkout.UpdateStatus(ctx, o1.ID, domain.OrderStatusConfirmed); err != nil {
		t.Fatal(err)
	}
	page, err := e.checkout.ListAllOrders(ctx, repository.OrderFilter{Status: domain.OrderStatusPending})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if page.Total != 1 || page.Orders[0].UserID != "u2" || page.TotalPages != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
	if _, err := e.checkout.ListAllOrders(ctx, repository.OrderFilter{Status: "LOST"}); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestCreateOrder_InvalidatesCache(t *testing.T) {
	ctx := context.Background()
	e := setup(t, true)
	a := e.seed(t, "A", 100, 5)
	e.add(t, "u1", a.ID, 2)

	// warm caches
	if _, err := e.products.GetByID(ctx, a.ID); err != nil {
		t.Fatal(err)
	}
	if _, err := e.products.CatalogPage(ctx, CatalogQuery{}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.cart.Count(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	for _, k := range []string{"product:" + a.ID, "products:all:none:1:12", "cart:u1:count"} {
		if !e.mr.Exists(k) {
			t.Fatalf("expected cached %s", k)
		}
	}

	if _, err := e.checkout.CreateOrder(ctx, checkoutCmd(t, "u1")); err != nil {
		t.Fatal(err)
	}
	if keys := e.mr.Keys(); len(keys) != 0 {
		t.Fatalf("expected all derived views invalidated, got %v", keys)
	}
	p, _ := e.products.GetByID(ctx, a.ID)
	if p.Stock != 3 {
		t.Fatalf("expected fresh stock 3, got %d", p.Stock)
	}
}
