package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"storefront/internal/cache"
	"storefront/internal/domain"
	"storefront/internal/repository"
)

// OrderService реализует логику заказов: оформление из корзины, отмена с возвратом на склад,
// смена статуса администратором. Остаток меняется только внутри транзакций этого сервиса
type OrderService struct {
	products repository.ProductRepository
	carts    repository.CartRepository
	orders   repository.OrderRepository
	tx       repository.TxManager
	cache    *cache.Cache
	counter  *prometheus.CounterVec
	log      logrus.FieldLogger
}

type OrderOption func(*OrderService)

// WithOrderCounter считает операции в orders_total{op,outcome}
func WithOrderCounter(c *prometheus.CounterVec) OrderOption {
	return func(s *OrderService) { s.counter = c }
}

func NewOrderService(
	products repository.ProductRepository,
	carts repository.CartRepository,
	orders repository.OrderRepository,
	tx repository.TxManager,
	c *cache.Cache,
	log logrus.FieldLogger,
	opts ...OrderOption,
) *OrderService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	s := &OrderService{
		products: products,
		carts:    carts,
		orders:   orders,
		tx:       tx,
		cache:    c,
		log:      log.WithField("component", "orders"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// CreateOrder оформляет заказ из корзины пользователя одной транзакцией:
// повторно читает каждый товар с блокировкой, списывает остаток относительным изменением,
// фиксирует цену и имя товара в позициях заказа и очищает корзину.
// Любая ошибка откатывает всё целиком.
func (s *OrderService) CreateOrder(ctx context.Context, cmd CheckoutCommand) (*domain.Order, error) {
	var (
		created  *domain.Order
		affected []string
	)
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		items, err := s.carts.ListByUser(ctx, cmd.UserID())
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return domain.ErrEmptyCart
		}
		// lock products in a stable order
		sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })

		lines := make([]domain.OrderItem, 0, len(items))
		var total int64
		affected = affected[:0]
		for _, it := range items {
			p, err := s.products.GetForUpdate(ctx, it.ProductID)
			if err != nil {
				return err
			}
			if !p.IsActive {
				return domain.ProductUnavailable(p.Name)
			}
			if p.Stock < it.Quantity {
				return domain.InsufficientStock(p.Name, p.Stock)
			}
			if err := s.products.AdjustStock(ctx, p.ID, -it.Quantity); err != nil {
				if errors.Is(err, repository.ErrStockConflict) {
					return domain.InsufficientStock(p.Name, p.Stock)
				}
				return err
			}
			line := domain.OrderItem{
				ProductID:   p.ID,
				ProductName: p.Name,
				Quantity:    it.Quantity,
				Price:       p.Price,
			}
			total += line.LineTotal()
			lines = append(lines, line)
			affected = append(affected, p.ID)
		}

		shipping := cmd.Shipping()
		o := domain.Order{
			UserID:          cmd.UserID(),
			TotalAmount:     total,
			Status:          domain.OrderStatusPending,
			ShippingName:    shipping.Name,
			ShippingEmail:   shipping.Email,
			ShippingAddress: shipping.Address,
			Items:           lines,
		}
		if err := s.orders.Create(ctx, &o); err != nil {
			return err
		}
		if _, err := s.carts.DeleteByUser(ctx, cmd.UserID()); err != nil {
			return err
		}
		created = &o
		return nil
	})
	s.observe("create", err)
	if err != nil {
		s.log.WithError(err).WithField("user_id", cmd.UserID()).Warn("order not created")
		return nil, err
	}

	s.invalidate(ctx, cmd.UserID(), affected)
	s.log.WithFields(logrus.Fields{
		"order_id": created.ID,
		"user_id":  created.UserID,
		"total":    created.TotalAmount,
		"items":    len(created.Items),
	}).Info("order created")
	return created, nil
}

// CancelOrder отменяет заказ владельца и возвращает товары на склад
func (s *OrderService) CancelOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err == nil && o.UserID != userID {
		err = domain.ErrForbidden
	}
	if err == nil {
		o, err = s.cancel(ctx, orderID)
	}
	s.observe("cancel", err)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"order_id": o.ID, "user_id": userID}).Info("order cancelled")
	return o, nil
}

// cancel re-checks the status under the order row lock, so concurrent cancels restock once
func (s *OrderService) cancel(ctx context.Context, orderID string) (*domain.Order, error) {
	var cancelled *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status == domain.OrderStatusCancelled {
			return domain.ErrAlreadyCancelled
		}
		if !o.Status.Cancellable() {
			return fmt.Errorf("%w: order is %s", domain.ErrTerminalState, o.Status)
		}
		items := append([]domain.OrderItem(nil), o.Items...)
		sort.Slice(items, func(i, j int) bool { return items[i].ProductID < items[j].ProductID })
		for _, it := range items {
			if err := s.products.AdjustStock(ctx, it.ProductID, it.Quantity); err != nil {
				return err
			}
		}
		if err := s.orders.UpdateStatus(ctx, o.ID, domain.OrderStatusCancelled); err != nil {
			return err
		}
		o.Status = domain.OrderStatusCancelled
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(cancelled.Items))
	for _, it := range cancelled.Items {
		ids = append(ids, it.ProductID)
	}
	s.invalidate(ctx, cancelled.UserID, ids)
	return cancelled, nil
}

// GetOrder заказ виден только владельцу; чужой заказ неотличим от отсутствующего
func (s *OrderService) GetOrder(ctx context.Context, orderID, userID string) (*domain.Order, error) {
	o, err := s.orders.GetByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return o, nil
}

// GetOrderForAdmin любой заказ без проверки владельца
func (s *OrderService) GetOrderForAdmin(ctx context.Context, orderID string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// ListOrders история заказов пользователя, новые первыми
func (s *OrderService) ListOrders(ctx context.Context, userID string) ([]domain.Order, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	return s.orders.ListByUser(ctx, userID)
}

// OrderPage страница административного списка заказов
type OrderPage struct {
	Orders     []domain.Order `json:"orders"`
	Page       int            `json:"page"`
	Limit      int            `json:"limit"`
	Total      int            `json:"total"`
	TotalPages int            `json:"total_pages"`
}

func (s *OrderService) ListAllOrders(ctx context.Context, f repository.OrderFilter) (OrderPage, error) {
	if f.Status != "" && !f.Status.Valid() {
		return OrderPage{}, domain.NewValidationError("status", "is not a known order status")
	}
	q := CatalogQuery{Page: f.Page, Limit: f.Limit}.normalize()
	f.Page, f.Limit = q.Page, q.Limit
	orders, total, err := s.orders.List(ctx, f)
	if err != nil {
		return OrderPage{}, err
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	return OrderPage{
		Orders:     orders,
		Page:       f.Page,
		Limit:      f.Limit,
		Total:      total,
		TotalPages: (total + f.Limit - 1) / f.Limit,
	}, nil
}

// UpdateStatus смена статуса администратором по автомату состояний.
// CANCELLED проходит через отмену с возвратом остатка
func (s *OrderService) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	if !status.Valid() {
		return nil, domain.NewValidationError("status", "is not a known order status")
	}
	var (
		updated *domain.Order
		err     error
	)
	if status == domain.OrderStatusCancelled {
		updated, err = s.cancel(ctx, orderID)
	} else {
		updated, err = s.transition(ctx, orderID, status)
	}
	s.observe("status", err)
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{"order_id": orderID, "status": status}).Info("order status changed")
	return updated, nil
}

func (s *OrderService) transition(ctx context.Context, orderID string, status domain.OrderStatus) (*domain.Order, error) {
	var updated *domain.Order
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		o, err := s.orders.GetForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if !o.Status.CanTransitionTo(status) {
			return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, o.Status, status)
		}
		if err := s.orders.UpdateStatus(ctx, o.ID, status); err != nil {
			return err
		}
		o.Status = status
		updated = o
		return nil
	})
	return updated, err
}

// invalidate runs after commit and before the caller responds
func (s *OrderService) invalidate(ctx context.Context, userID string, productIDs []string) {
	keys := make([]string, 0, len(productIDs))
	for _, id := range productIDs {
		keys = append(keys, productKey(id))
	}
	s.cache.Invalidate(ctx, keys...)
	s.cache.InvalidateByPattern(ctx, catalogPattern)
	if userID != "" {
		s.cache.InvalidateByPattern(ctx, cartPattern(userID))
	}
}

func (s *OrderService) observe(op string, err error) {
	if s.counter != nil {
		s.counter.WithLabelValues(op, domain.Code(err)).Inc()
	}
}
