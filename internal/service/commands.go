package service

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"storefront/internal/domain"
)

// Команды создаются только через конструкторы New*Command, которые проверяют ввод.
// Слой исполнения (сервисы) принимает уже проверенные команды и открывает транзакцию.

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return domain.NewValidationError("", err.Error())
	}
	fe := verrs[0]
	var reason string
	switch fe.Tag() {
	case "required":
		reason = "is required"
	case "email":
		reason = "must be a valid email address"
	case "url":
		reason = "must be a valid URL"
	case "max":
		if fe.Kind() == reflect.String {
			reason = fmt.Sprintf("must be at most %s characters", fe.Param())
		} else {
			reason = "must be at most " + fe.Param()
		}
	case "gt":
		reason = "must be greater than " + fe.Param()
	case "gte", "min":
		reason = "must be at least " + fe.Param()
	case "lte":
		reason = "must be at most " + fe.Param()
	default:
		reason = "is invalid"
	}
	return domain.NewValidationError(fe.Field(), reason)
}

// --- checkout ------------------------------------------------------------------

// CheckoutInput сырой ввод оформления заказа
type CheckoutInput struct {
	UserID  string `json:"user_id" validate:"required"`
	Name    string `json:"shipping_name" validate:"required,max=100"`
	Email   string `json:"shipping_email" validate:"required,email,max=254"`
	Address string `json:"shipping_address" validate:"required,max=500"`
}

type CheckoutCommand struct {
	userID   string
	shipping domain.Shipping
}

func (c CheckoutCommand) UserID() string            { return c.userID }
func (c CheckoutCommand) Shipping() domain.Shipping { return c.shipping }

func NewCheckoutCommand(in CheckoutInput) (CheckoutCommand, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)
	in.Address = strings.TrimSpace(in.Address)
	if err := validate.Struct(in); err != nil {
		return CheckoutCommand{}, validationError(err)
	}
	return CheckoutCommand{
		userID:   in.UserID,
		shipping: domain.Shipping{Name: in.Name, Email: in.Email, Address: in.Address},
	}, nil
}

// --- cart ----------------------------------------------------------------------

const maxLineQuantity = 100

type AddToCartCommand struct {
	userID    string
	productID string
	quantity  int64
}

func (c AddToCartCommand) UserID() string    { return c.userID }
func (c AddToCartCommand) ProductID() string { return c.productID }
func (c AddToCartCommand) Quantity() int64   { return c.quantity }

func NewAddToCartCommand(userID, productID string, qty int64) (AddToCartCommand, error) {
	if userID == "" {
		return AddToCartCommand{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(productID) == "" {
		return AddToCartCommand{}, domain.NewValidationError("product_id", "is required")
	}
	if err := checkQuantity(qty); err != nil {
		return AddToCartCommand{}, err
	}
	return AddToCartCommand{userID: userID, productID: productID, quantity: qty}, nil
}

// SetQuantityCommand запрос на установку количества; ответ сервиса несёт итоговое значение
type SetQuantityCommand struct {
	userID     string
	cartItemID string
	quantity   int64
}

func (c SetQuantityCommand) UserID() string     { return c.userID }
func (c SetQuantityCommand) CartItemID() string { return c.cartItemID }
func (c SetQuantityCommand) Quantity() int64    { return c.quantity }

func NewSetQuantityCommand(userID, cartItemID string, qty int64) (SetQuantityCommand, error) {
	if userID == "" {
		return SetQuantityCommand{}, domain.ErrUnauthorized
	}
	if strings.TrimSpace(cartItemID) == "" {
		return SetQuantityCommand{}, domain.NewValidationError("id", "is required")
	}
	if err := checkQuantity(qty); err != nil {
		return SetQuantityCommand{}, err
	}
	return SetQuantityCommand{userID: userID, cartItemID: cartItemID, quantity: qty}, nil
}

func checkQuantity(qty int64) error {
	if qty < 1 {
		return domain.ErrInvalidQuantity
	}
	if qty > maxLineQuantity {
		return domain.NewValidationError("quantity", fmt.Sprintf("must be at most %d", maxLineQuantity))
	}
	return nil
}

// --- products ------------------------------------------------------------------

// ProductInput сырой ввод администратора
type ProductInput struct {
	Name        string `json:"name" validate:"required,max=200"`
	Description string `json:"description" validate:"max=5000"`
	Price       int64  `json:"price" validate:"gt=0,lte=10000000"`
	Stock       *int64 `json:"stock" validate:"omitempty,gte=0,lte=999999"`
	ImageURL    string `json:"image_url" validate:"omitempty,url"`
	Category    string `json:"category" validate:"max=50"`
	IsActive    *bool  `json:"is_active"`
}

type ProductCommand struct {
	product  domain.Product
	stockSet bool
}

// Product копия проверенных полей товара; Stock 0, если остаток не передан
func (c ProductCommand) Product() domain.Product { return c.product }

// Stock остаток, явно заданный администратором
func (c ProductCommand) Stock() (int64, bool) { return c.product.Stock, c.stockSet }

func NewProductCommand(in ProductInput) (ProductCommand, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if err := validate.Struct(in); err != nil {
		return ProductCommand{}, validationError(err)
	}
	active := true
	if in.IsActive != nil {
		active = *in.IsActive
	}
	var stock int64
	if in.Stock != nil {
		stock = *in.Stock
	}
	return ProductCommand{product: domain.Product{
		Name:        in.Name,
		Description: in.Description,
		Price:       in.Price,
		Stock:       stock,
		ImageURL:    in.ImageURL,
		Category:    in.Category,
		IsActive:    active,
	}, stockSet: in.Stock != nil}, nil
}
