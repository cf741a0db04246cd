package repository

import (
	"context"
	"errors"
	"strings"

	"storefront/internal/domain"
)

// ErrNotFound возвращается, когда сущность не найдена
var ErrNotFound = domain.ErrNotFound

// ErrConflict нарушение уникальности (например, повторная позиция корзины)
var ErrConflict = domain.ErrConflict

// ErrStockConflict относительное изменение остатка увело бы его ниже нуля
var ErrStockConflict = errors.New("stock would become negative")

// ProductFilter параметры фильтрации списка товаров
type ProductFilter struct {
	// SearchVariants подстроки, любая из которых должна входить в name или description
	SearchVariants []string
	Category       string
	MinPrice       *int64
	MaxPrice       *int64
	// OnlyActive ограничивает выборку товарами, доступными к покупке
	OnlyActive bool
	IsActive   *bool
	Page       int
	Limit      int
}

// Offset смещение страницы, Page начинается с 1
func (f ProductFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// ProductPage страница списка товаров
type ProductPage struct {
	Products   []domain.Product `json:"products"`
	Page       int              `json:"page"`
	Limit      int              `json:"limit"`
	Total      int              `json:"total"`
	TotalPages int              `json:"total_pages"`
}

// NewProductPage считает TotalPages
func NewProductPage(products []domain.Product, f ProductFilter, total int) ProductPage {
	pages := 0
	if f.Limit > 0 {
		pages = (total + f.Limit - 1) / f.Limit
	}
	if products == nil {
		products = []domain.Product{}
	}
	return ProductPage{Products: products, Page: f.Page, Limit: f.Limit, Total: total, TotalPages: pages}
}

// OrderFilter параметры административного списка заказов
type OrderFilter struct {
	Status domain.OrderStatus
	Page   int
	Limit  int
}

// ProductRepository интерфейс репозитория товаров
type ProductRepository interface {
	Create(ctx context.Context, p *domain.Product) error
	GetByID(ctx context.Context, id string) (*domain.Product, error)
	// GetForUpdate читает товар с блокировкой строки до конца транзакции
	GetForUpdate(ctx context.Context, id string) (*domain.Product, error)
	// Update меняет описательные поля и активность; остаток не трогает
	Update(ctx context.Context, p *domain.Product) error
	// SetActive меняет только флаг is_active
	SetActive(ctx context.Context, id string, active bool) error
	Delete(ctx context.Context, id string) error
	// AdjustStock выполняет stock = stock + delta; ErrStockConflict, если результат < 0
	AdjustStock(ctx context.Context, id string, delta int64) error
	HasOrders(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, f ProductFilter) (ProductPage, error)
}

// CartRepository интерфейс репозитория корзины
type CartRepository interface {
	Create(ctx context.Context, it *domain.CartItem) error
	GetByID(ctx context.Context, id string) (*domain.CartItem, error)
	GetByUserProduct(ctx context.Context, userID, productID string) (*domain.CartItem, error)
	UpdateQuantity(ctx context.Context, id string, qty int64) (*domain.CartItem, error)
	Delete(ctx context.Context, id string) error
	DeleteByUser(ctx context.Context, userID string) (int, error)
	// ListByUser возвращает позиции вместе с товарами, новые первыми
	ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error)
	CountByUser(ctx context.Context, userID string) (int, error)
}

// OrderRepository интерфейс репозитория заказов
type OrderRepository interface {
	// Create сохраняет заказ вместе со всеми позициями
	Create(ctx context.Context, o *domain.Order) error
	GetByID(ctx context.Context, id string) (*domain.Order, error)
	// GetForUpdate читает заказ с блокировкой строки до конца транзакции
	GetForUpdate(ctx context.Context, id string) (*domain.Order, error)
	UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error)
}

// TxManager абстракция транзакции: fn либо применяется целиком, либо не применяется вовсе.
// Репозитории, вызванные с ctx из fn, участвуют в той же транзакции
type TxManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// helper: case-insensitive contains of any variant
func containsAnyFold(s string, variants []string) bool {
	if len(variants) == 0 {
		return true
	}
	ls := strings.ToLower(s)
	for _, v := range variants {
		if strings.Contains(ls, strings.ToLower(v)) {
			return true
		}
	}
	return false
}
