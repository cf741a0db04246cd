package service

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"

	"storefront/internal/cache"
	"storefront/internal/domain"
	"storefront/internal/repository"
)

// CartService корзина пользователя. Проверки остатка здесь мягкие:
// окончательно количество сверяется только при оформлении заказа
type CartService struct {
	products repository.ProductRepository
	carts    repository.CartRepository
	cache    *cache.Cache
	ttl      CacheTTL
	log      logrus.FieldLogger
}

func NewCartService(products repository.ProductRepository, carts repository.CartRepository, c *cache.Cache, ttl CacheTTL, log logrus.FieldLogger) *CartService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CartService{products: products, carts: carts, cache: c, ttl: ttl, log: log.WithField("component", "cart")}
}

// CartLine позиция корзины с живыми данными товара
type CartLine struct {
	domain.CartItem
	LineTotal int64 `json:"line_total"`
	// ExceedsStock количество больше текущего остатка; заказ с такой позицией не пройдёт
	ExceedsStock bool `json:"exceeds_stock"`
	Unavailable  bool `json:"unavailable"`
}

type CartView struct {
	Items     []CartLine `json:"items"`
	Total     int64      `json:"total"`
	ItemCount int64      `json:"item_count"`
}

// Add добавляет товар или увеличивает количество существующей позиции
func (s *CartService) Add(ctx context.Context, cmd AddToCartCommand) (*domain.CartItem, error) {
	p, err := s.products.GetByID(ctx, cmd.ProductID())
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, domain.ProductUnavailable(p.Name)
	}

	item, err := s.addOrIncrease(ctx, cmd, p)
	if errors.Is(err, repository.ErrConflict) {
		// concurrent add of the same product created the row first
		item, err = s.addOrIncrease(ctx, cmd, p)
	}
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, cmd.UserID())
	return item, nil
}

func (s *CartService) addOrIncrease(ctx context.Context, cmd AddToCartCommand, p *domain.Product) (*domain.CartItem, error) {
	existing, err := s.carts.GetByUserProduct(ctx, cmd.UserID(), p.ID)
	switch {
	case err == nil:
		qty := existing.Quantity + cmd.Quantity()
		if qty > p.Stock {
			return nil, domain.OutOfStock(p.Name, p.Stock)
		}
		return s.carts.UpdateQuantity(ctx, existing.ID, qty)
	case errors.Is(err, repository.ErrNotFound):
		if cmd.Quantity() > p.Stock {
			return nil, domain.OutOfStock(p.Name, p.Stock)
		}
		it := domain.CartItem{UserID: cmd.UserID(), ProductID: p.ID, Quantity: cmd.Quantity()}
		if err := s.carts.Create(ctx, &it); err != nil {
			return nil, err
		}
		it.Product = p
		return &it, nil
	default:
		return nil, err
	}
}

// SetQuantity устанавливает количество и возвращает позицию с итоговым значением
func (s *CartService) SetQuantity(ctx context.Context, cmd SetQuantityCommand) (*domain.CartItem, error) {
	it, err := s.owned(ctx, cmd.UserID(), cmd.CartItemID())
	if err != nil {
		return nil, err
	}
	p := it.Product
	if p == nil {
		if p, err = s.products.GetByID(ctx, it.ProductID); err != nil {
			return nil, err
		}
	}
	if cmd.Quantity() > p.Stock {
		return nil, domain.OutOfStock(p.Name, p.Stock)
	}
	updated, err := s.carts.UpdateQuantity(ctx, it.ID, cmd.Quantity())
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, cmd.UserID())
	return updated, nil
}

func (s *CartService) Remove(ctx context.Context, userID, cartItemID string) error {
	it, err := s.owned(ctx, userID, cartItemID)
	if err != nil {
		return err
	}
	if err := s.carts.Delete(ctx, it.ID); err != nil {
		return err
	}
	s.invalidate(ctx, userID)
	return nil
}

// Clear пустая корзина не ошибка
func (s *CartService) Clear(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, domain.ErrUnauthorized
	}
	n, err := s.carts.DeleteByUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	s.invalidate(ctx, userID)
	return n, nil
}

// View корзина с итогами, посчитанными по текущим ценам
func (s *CartService) View(ctx context.Context, userID string) (CartView, error) {
	if userID == "" {
		return CartView{}, domain.ErrUnauthorized
	}
	items, err := s.carts.ListByUser(ctx, userID)
	if err != nil {
		return CartView{}, err
	}
	view := CartView{Items: make([]CartLine, 0, len(items))}
	for _, it := range items {
		line := CartLine{CartItem: it}
		if it.Product != nil {
			line.LineTotal = it.Product.Price * it.Quantity
			line.ExceedsStock = it.Quantity > it.Product.Stock
			line.Unavailable = !it.Product.IsActive
		}
		view.Total += line.LineTotal
		view.ItemCount += it.Quantity
		view.Items = append(view.Items, line)
	}
	return view, nil
}

// Count число позиций корзины, кэшируется ненадолго
func (s *CartService) Count(ctx context.Context, userID string) (int, error) {
	if userID == "" {
		return 0, nil
	}
	return cache.ReadThrough(ctx, s.cache, cartCountKey(userID), s.ttl.CartCount, func(ctx context.Context) (int, error) {
		return s.carts.CountByUser(ctx, userID)
	})
}

func (s *CartService) owned(ctx context.Context, userID, cartItemID string) (*domain.CartItem, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	it, err := s.carts.GetByID(ctx, cartItemID)
	if err != nil {
		return nil, err
	}
	if it.UserID != userID {
		return nil, domain.ErrForbidden
	}
	return it, nil
}

func (s *CartService) invalidate(ctx context.Context, userID string) {
	s.cache.InvalidateByPattern(ctx, cartPattern(userID))
}
