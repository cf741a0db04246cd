package domain

import "time"

// Product товар каталога. Price в минимальных единицах валюты, Stock никогда не бывает отрицательным
type Product struct {
	ID          string    `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Description string    `json:"description" db:"description"`
	Price       int64     `json:"price" db:"price"`
	Stock       int64     `json:"stock" db:"stock"`
	ImageURL    string    `json:"image_url" db:"image_url"`
	Category    string    `json:"category" db:"category"`
	IsActive    bool      `json:"is_active" db:"is_active"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// CartItem позиция корзины: намерение купить, а не резерв склада
type CartItem struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id" db:"user_id"`
	ProductID string    `json:"product_id" db:"product_id"`
	Quantity  int64     `json:"quantity" db:"quantity"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`

	Product *Product `json:"product,omitempty" db:"-"`
}

// OrderItem позиция заказа. Name и Price зафиксированы на момент покупки
type OrderItem struct {
	ID          string `json:"id" db:"id"`
	OrderID     string `json:"order_id" db:"order_id"`
	ProductID   string `json:"product_id" db:"product_id"`
	ProductName string `json:"product_name" db:"product_name"`
	Quantity    int64  `json:"quantity" db:"quantity"`
	Price       int64  `json:"price" db:"price"`
}

// LineTotal стоимость позиции
func (it OrderItem) LineTotal() int64 { return it.Price * it.Quantity }

// Shipping снимок адреса доставки, копируется в заказ
type Shipping struct {
	Name    string `json:"shipping_name"`
	Email   string `json:"shipping_email"`
	Address string `json:"shipping_address"`
}

// Order сущность заказа
type Order struct {
	ID              string      `json:"id" db:"id"`
	UserID          string      `json:"user_id" db:"user_id"`
	TotalAmount     int64       `json:"total_amount" db:"total_amount"`
	Status          OrderStatus `json:"status" db:"status"`
	ShippingName    string      `json:"shipping_name" db:"shipping_name"`
	ShippingEmail   string      `json:"shipping_email" db:"shipping_email"`
	ShippingAddress string      `json:"shipping_address" db:"shipping_address"`
	Items           []OrderItem `json:"items" db:"-"`
	CreatedAt       time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at" db:"updated_at"`
}
