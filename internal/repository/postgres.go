package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"storefront/internal/domain"
)

// PostgresStore реализует репозитории поверх PostgreSQL
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(db *sqlx.DB) *PostgresStore { return &PostgresStore{db: db} }

type pgTxKey struct{}

// querier returns the transaction carried by ctx, or the pool
func (s *PostgresStore) querier(ctx context.Context) sqlx.ExtContext {
	if tx, ok := ctx.Value(pgTxKey{}).(*sqlx.Tx); ok {
		return tx
	}
	return s.db
}

func inPgTx(ctx context.Context) bool {
	_, ok := ctx.Value(pgTxKey{}).(*sqlx.Tx)
	return ok
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return storeErr(err)
}

// storeErr marks failures to reach the database as domain.ErrInfrastructure
func storeErr(err error) error {
	if err == nil || errors.Is(err, domain.ErrInfrastructure) {
		return err
	}
	var (
		pqErr  *pq.Error
		netErr net.Error
	)
	switch {
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, sql.ErrConnDone),
		errors.As(err, &netErr),
		errors.As(err, &pqErr) && (pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57"):
		return fmt.Errorf("%w: %w", domain.ErrInfrastructure, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// --- ProductRepository ---------------------------------------------------------

var _ ProductRepository = (*PostgresStore)(nil)

const productColumns = `id, name, description, price, stock, image_url, category, is_active, created_at, updated_at`

func (s *PostgresStore) Create(ctx context.Context, p *domain.Product) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.querier(ctx).ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, p.ID, p.Name, p.Description, p.Price, p.Stock, p.ImageURL, p.Category, p.IsActive, p.CreatedAt, p.UpdatedAt)
	return storeErr(err)
}

func (s *PostgresStore) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := sqlx.GetContext(ctx, s.querier(ctx), &p, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *PostgresStore) GetForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	var p domain.Product
	err := sqlx.GetContext(ctx, s.querier(ctx), &p, `SELECT `+productColumns+` FROM products WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}

func (s *PostgresStore) Update(ctx context.Context, p *domain.Product) error {
	p.UpdatedAt = time.Now().UTC()
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE products
		SET name = $2, description = $3, price = $4, image_url = $5,
		    category = $6, is_active = $7, updated_at = $8
		WHERE id = $1
	`, p.ID, p.Name, p.Description, p.Price, p.ImageURL, p.Category, p.IsActive, p.UpdatedAt)
	if err != nil {
		return storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SetActive(ctx context.Context, id string, active bool) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE products SET is_active = $2, updated_at = now() WHERE id = $1
	`, id, active)
	if err != nil {
		return storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	res, err := s.querier(ctx).ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

// AdjustStock: the new value is computed by the database relative to the locked row
func (s *PostgresStore) AdjustStock(ctx context.Context, id string, delta int64) error {
	res, err := s.querier(ctx).ExecContext(ctx, `
		UPDATE products SET stock = stock + $2, updated_at = now()
		WHERE id = $1 AND stock + $2 >= 0
	`, id, delta)
	if err != nil {
		return storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		if _, err := s.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrStockConflict
	}
	return nil
}

func (s *PostgresStore) HasOrders(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := sqlx.GetContext(ctx, s.querier(ctx), &exists, `SELECT EXISTS (SELECT 1 FROM order_items WHERE product_id = $1)`, id)
	return exists, storeErr(err)
}

func (s *PostgresStore) List(ctx context.Context, f ProductFilter) (ProductPage, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.OnlyActive {
		where = append(where, "is_active = TRUE")
	}
	if f.IsActive != nil {
		where = append(where, "is_active = "+arg(*f.IsActive))
	}
	if f.Category != "" {
		where = append(where, "category = "+arg(f.Category))
	}
	if len(f.SearchVariants) > 0 {
		patterns := make([]string, 0, len(f.SearchVariants))
		for _, v := range f.SearchVariants {
			patterns = append(patterns, "%"+escapeLike(v)+"%")
		}
		ph := arg(pq.Array(patterns))
		where = append(where, "(name ILIKE ANY("+ph+") OR description ILIKE ANY("+ph+"))")
	}
	if f.MinPrice != nil {
		where = append(where, "price >= "+arg(*f.MinPrice))
	}
	if f.MaxPrice != nil {
		where = append(where, "price <= "+arg(*f.MaxPrice))
	}
	cond := ""
	if len(where) > 0 {
		cond = " WHERE " + strings.Join(where, " AND ")
	}

	q := s.querier(ctx)
	var total int
	if err := sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM products`+cond, args...); err != nil {
		return ProductPage{}, storeErr(err)
	}

	query := `SELECT ` + productColumns + ` FROM products` + cond + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit) + " OFFSET " + arg(f.Offset())
	}
	var products []domain.Product
	if err := sqlx.SelectContext(ctx, q, &products, query, args...); err != nil {
		return ProductPage{}, storeErr(err)
	}
	return NewProductPage(products, f, total), nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// --- CartRepository ------------------------------------------------------------

// PostgresCarts репозиторий корзины на общем PostgresStore
type PostgresCarts struct{ store *PostgresStore }

func NewPostgresCarts(store *PostgresStore) *PostgresCarts { return &PostgresCarts{store: store} }

var _ CartRepository = (*PostgresCarts)(nil)

// cartRow flat join of cart_items and products
type cartRow struct {
	domain.CartItem
	PName        string    `db:"p_name"`
	PDescription string    `db:"p_description"`
	PPrice       int64     `db:"p_price"`
	PStock       int64     `db:"p_stock"`
	PImageURL    string    `db:"p_image_url"`
	PCategory    string    `db:"p_category"`
	PIsActive    bool      `db:"p_is_active"`
	PCreatedAt   time.Time `db:"p_created_at"`
	PUpdatedAt   time.Time `db:"p_updated_at"`
}

func (r cartRow) item() domain.CartItem {
	it := r.CartItem
	it.Product = &domain.Product{
		ID:          r.ProductID,
		Name:        r.PName,
		Description: r.PDescription,
		Price:       r.PPrice,
		Stock:       r.PStock,
		ImageURL:    r.PImageURL,
		Category:    r.PCategory,
		IsActive:    r.PIsActive,
		CreatedAt:   r.PCreatedAt,
		UpdatedAt:   r.PUpdatedAt,
	}
	return it
}

const cartSelect = `
	SELECT c.id, c.user_id, c.product_id, c.quantity, c.created_at, c.updated_at,
	       p.name AS p_name, p.description AS p_description, p.price AS p_price, p.stock AS p_stock,
	       p.image_url AS p_image_url, p.category AS p_category, p.is_active AS p_is_active,
	       p.created_at AS p_created_at, p.updated_at AS p_updated_at
	FROM cart_items c
	JOIN products p ON p.id = c.product_id`

func (pc *PostgresCarts) getOne(ctx context.Context, cond string, args ...any) (*domain.CartItem, error) {
	var row cartRow
	if err := sqlx.GetContext(ctx, pc.store.querier(ctx), &row, cartSelect+" WHERE "+cond, args...); err != nil {
		return nil, notFound(err)
	}
	it := row.item()
	return &it, nil
}

func (pc *PostgresCarts) Create(ctx context.Context, it *domain.CartItem) error {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	it.CreatedAt = now
	it.UpdatedAt = now
	_, err := pc.store.querier(ctx).ExecContext(ctx, `
		INSERT INTO cart_items (id, user_id, product_id, quantity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, it.ID, it.UserID, it.ProductID, it.Quantity, it.CreatedAt, it.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return storeErr(err)
}

func (pc *PostgresCarts) GetByID(ctx context.Context, id string) (*domain.CartItem, error) {
	return pc.getOne(ctx, "c.id = $1", id)
}

func (pc *PostgresCarts) GetByUserProduct(ctx context.Context, userID, productID string) (*domain.CartItem, error) {
	return pc.getOne(ctx, "c.user_id = $1 AND c.product_id = $2", userID, productID)
}

func (pc *PostgresCarts) UpdateQuantity(ctx context.Context, id string, qty int64) (*domain.CartItem, error) {
	res, err := pc.store.querier(ctx).ExecContext(ctx, `
		UPDATE cart_items SET quantity = $2, updated_at = now() WHERE id = $1
	`, id, qty)
	if err != nil {
		return nil, storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return nil, ErrNotFound
	}
	return pc.GetByID(ctx, id)
}

func (pc *PostgresCarts) Delete(ctx context.Context, id string) error {
	res, err := pc.store.querier(ctx).ExecContext(ctx, `DELETE FROM cart_items WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (pc *PostgresCarts) DeleteByUser(ctx context.Context, userID string) (int, error) {
	res, err := pc.store.querier(ctx).ExecContext(ctx, `DELETE FROM cart_items WHERE user_id = $1`, userID)
	if err != nil {
		return 0, storeErr(err)
	}
	rows, _ := res.RowsAffected()
	return int(rows), nil
}

// ListByUser внутри транзакции блокирует строки корзины (FOR UPDATE OF c)
func (pc *PostgresCarts) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	query := cartSelect + ` WHERE c.user_id = $1 ORDER BY c.created_at DESC, c.id`
	if inPgTx(ctx) {
		query += ` FOR UPDATE OF c`
	}
	var rows []cartRow
	if err := sqlx.SelectContext(ctx, pc.store.querier(ctx), &rows, query, userID); err != nil {
		return nil, storeErr(err)
	}
	out := make([]domain.CartItem, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.item())
	}
	return out, nil
}

func (pc *PostgresCarts) CountByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := sqlx.GetContext(ctx, pc.store.querier(ctx), &n, `SELECT COUNT(*) FROM cart_items WHERE user_id = $1`, userID)
	return n, storeErr(err)
}

// --- OrderRepository -----------------------------------------------------------

// PostgresOrders репозиторий заказов на общем PostgresStore
type PostgresOrders struct{ store *PostgresStore }

func NewPostgresOrders(store *PostgresStore) *PostgresOrders { return &PostgresOrders{store: store} }

var _ OrderRepository = (*PostgresOrders)(nil)

const orderColumns = `id, user_id, total_amount, status, shipping_name, shipping_email, shipping_address, created_at, updated_at`

func (po *PostgresOrders) Create(ctx context.Context, o *domain.Order) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	q := po.store.querier(ctx)
	_, err := q.ExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, o.ID, o.UserID, o.TotalAmount, o.Status, o.ShippingName, o.ShippingEmail, o.ShippingAddress, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return storeErr(err)
	}
	for i := range o.Items {
		it := &o.Items[i]
		if it.ID == "" {
			it.ID = uuid.NewString()
		}
		it.OrderID = o.ID
		if _, err := q.ExecContext(ctx, `
			INSERT INTO order_items (id, order_id, product_id, product_name, quantity, price)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, it.ID, it.OrderID, it.ProductID, it.ProductName, it.Quantity, it.Price); err != nil {
			return storeErr(err)
		}
	}
	return nil
}

func (po *PostgresOrders) get(ctx context.Context, id string, lock bool) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	var o domain.Order
	if err := sqlx.GetContext(ctx, po.store.querier(ctx), &o, query, id); err != nil {
		return nil, notFound(err)
	}
	if err := po.loadItems(ctx, []*domain.Order{&o}); err != nil {
		return nil, storeErr(err)
	}
	return &o, nil
}

func (po *PostgresOrders) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	return po.get(ctx, id, false)
}

func (po *PostgresOrders) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return po.get(ctx, id, true)
}

func (po *PostgresOrders) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	res, err := po.store.querier(ctx).ExecContext(ctx, `
		UPDATE orders SET status = $2, updated_at = now() WHERE id = $1
	`, id, status)
	if err != nil {
		return storeErr(err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (po *PostgresOrders) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	var orders []domain.Order
	if err := sqlx.SelectContext(ctx, po.store.querier(ctx), &orders, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC, id
	`, userID); err != nil {
		return nil, storeErr(err)
	}
	return po.withItems(ctx, orders)
}

func (po *PostgresOrders) List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error) {
	q := po.store.querier(ctx)
	cond, args := "", []any{}
	if f.Status != "" {
		cond = " WHERE status = $1"
		args = append(args, f.Status)
	}
	var total int
	if err := sqlx.GetContext(ctx, q, &total, `SELECT COUNT(*) FROM orders`+cond, args...); err != nil {
		return nil, 0, storeErr(err)
	}
	query := `SELECT ` + orderColumns + ` FROM orders` + cond + ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		offset := 0
		if f.Page > 1 {
			offset = (f.Page - 1) * f.Limit
		}
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
		args = append(args, f.Limit, offset)
	}
	var orders []domain.Order
	if err := sqlx.SelectContext(ctx, q, &orders, query, args...); err != nil {
		return nil, 0, storeErr(err)
	}
	out, err := po.withItems(ctx, orders)
	return out, total, storeErr(err)
}

func (po *PostgresOrders) withItems(ctx context.Context, orders []domain.Order) ([]domain.Order, error) {
	if orders == nil {
		return []domain.Order{}, nil
	}
	ptrs := make([]*domain.Order, len(orders))
	for i := range orders {
		ptrs[i] = &orders[i]
	}
	if err := po.loadItems(ctx, ptrs); err != nil {
		return nil, storeErr(err)
	}
	return orders, nil
}

func (po *PostgresOrders) loadItems(ctx context.Context, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, len(orders))
	byID := make(map[string]*domain.Order, len(orders))
	for i, o := range orders {
		ids[i] = o.ID
		o.Items = []domain.OrderItem{}
		byID[o.ID] = o
	}
	var items []domain.OrderItem
	if err := sqlx.SelectContext(ctx, po.store.querier(ctx), &items, `
		SELECT id, order_id, product_id, product_name, quantity, price
		FROM order_items WHERE order_id = ANY($1) ORDER BY order_id, id
	`, pq.Array(ids)); err != nil {
		return storeErr(err)
	}
	for _, it := range items {
		if o, ok := byID[it.OrderID]; ok {
			o.Items = append(o.Items, it)
		}
	}
	return nil
}

// --- TxManager -----------------------------------------------------------------

// PostgresTx открывает транзакцию READ COMMITTED; конкурентные списания сериализуются
// блокировками строк (SELECT ... FOR UPDATE), а не оптимистичными повторами
type PostgresTx struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewPostgresTx(db *sqlx.DB, timeout time.Duration) *PostgresTx {
	return &PostgresTx{db: db, timeout: timeout}
}

var _ TxManager = (*PostgresTx)(nil)

func (t *PostgresTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if inPgTx(ctx) {
		return fn(ctx)
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	tx, err := t.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", domain.ErrInfrastructure, err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(context.WithValue(ctx, pgTxKey{}, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w: %w", domain.ErrInfrastructure, err)
	}
	return nil
}
