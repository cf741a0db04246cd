package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront/internal/domain"
)

// MemoryStore объединённое in-memory хранилище товаров, корзин и заказов
type MemoryStore struct {
	mu           sync.RWMutex
	productsByID map[string]domain.Product
	cartByID     map[string]domain.CartItem
	ordersByID   map[string]domain.Order
	now          func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		productsByID: make(map[string]domain.Product),
		cartByID:     make(map[string]domain.CartItem),
		ordersByID:   make(map[string]domain.Order),
		now:          func() time.Time { return time.Now().UTC() },
	}
}

// transaction-aware locking helpers
type txKey struct{}

// memJournal накапливает откаты изменений, сделанных внутри транзакции
type memJournal struct {
	undo []func()
}

func (j *memJournal) rollback() {
	for i := len(j.undo) - 1; i >= 0; i-- {
		j.undo[i]()
	}
	j.undo = nil
}

func journalFrom(ctx context.Context) *memJournal {
	j, _ := ctx.Value(txKey{}).(*memJournal)
	return j
}

func isTx(ctx context.Context) bool { return journalFrom(ctx) != nil }

func (m *MemoryStore) rlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RLock()
	}
}
func (m *MemoryStore) runlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.RUnlock()
	}
}
func (m *MemoryStore) wlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Lock()
	}
}
func (m *MemoryStore) wunlock(ctx context.Context) {
	if !isTx(ctx) {
		m.mu.Unlock()
	}
}

// record registers undo in the current transaction; outside a transaction writes are final
func (m *MemoryStore) record(ctx context.Context, undo func()) {
	if j := journalFrom(ctx); j != nil {
		j.undo = append(j.undo, undo)
	}
}

func (m *MemoryStore) putProduct(ctx context.Context, p domain.Product) {
	prev, existed := m.productsByID[p.ID]
	m.record(ctx, func() {
		if existed {
			m.productsByID[p.ID] = prev
		} else {
			delete(m.productsByID, p.ID)
		}
	})
	m.productsByID[p.ID] = p
}

func (m *MemoryStore) putCart(ctx context.Context, it domain.CartItem) {
	prev, existed := m.cartByID[it.ID]
	m.record(ctx, func() {
		if existed {
			m.cartByID[it.ID] = prev
		} else {
			delete(m.cartByID, it.ID)
		}
	})
	it.Product = nil
	m.cartByID[it.ID] = it
}

func (m *MemoryStore) dropCart(ctx context.Context, id string) {
	prev, existed := m.cartByID[id]
	if !existed {
		return
	}
	m.record(ctx, func() { m.cartByID[id] = prev })
	delete(m.cartByID, id)
}

func (m *MemoryStore) putOrder(ctx context.Context, o domain.Order) {
	prev, existed := m.ordersByID[o.ID]
	m.record(ctx, func() {
		if existed {
			m.ordersByID[o.ID] = prev
		} else {
			delete(m.ordersByID, o.ID)
		}
	})
	m.ordersByID[o.ID] = copyOrder(o)
}

func copyOrder(o domain.Order) domain.Order {
	cp := o
	cp.Items = append([]domain.OrderItem(nil), o.Items...)
	return cp
}

// Ensure interfaces
var _ ProductRepository = (*MemoryStore)(nil)

// ProductRepository implementation
func (m *MemoryStore) Create(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	p.CreatedAt = m.now()
	p.UpdatedAt = p.CreatedAt
	m.putProduct(ctx, *p)
	return nil
}

func (m *MemoryStore) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	p, ok := m.productsByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	// return copy
	cp := p
	return &cp, nil
}

// GetForUpdate: транзакции и так сериализованы блокировкой хранилища
func (m *MemoryStore) GetForUpdate(ctx context.Context, id string) (*domain.Product, error) {
	return m.GetByID(ctx, id)
}

func (m *MemoryStore) Update(ctx context.Context, p *domain.Product) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	prev, ok := m.productsByID[p.ID]
	if !ok {
		return ErrNotFound
	}
	p.CreatedAt = prev.CreatedAt
	p.Stock = prev.Stock
	p.UpdatedAt = m.now()
	m.putProduct(ctx, *p)
	return nil
}

func (m *MemoryStore) SetActive(ctx context.Context, id string, active bool) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	p, ok := m.productsByID[id]
	if !ok {
		return ErrNotFound
	}
	p.IsActive = active
	p.UpdatedAt = m.now()
	m.putProduct(ctx, p)
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	prev, ok := m.productsByID[id]
	if !ok {
		return ErrNotFound
	}
	m.record(ctx, func() { m.productsByID[id] = prev })
	delete(m.productsByID, id)
	// cascade like the relational schema does
	for cid, it := range m.cartByID {
		if it.ProductID == id {
			m.dropCart(ctx, cid)
		}
	}
	return nil
}

func (m *MemoryStore) AdjustStock(ctx context.Context, id string, delta int64) error {
	m.wlock(ctx)
	defer m.wunlock(ctx)
	p, ok := m.productsByID[id]
	if !ok {
		return ErrNotFound
	}
	if p.Stock+delta < 0 {
		return ErrStockConflict
	}
	p.Stock += delta
	p.UpdatedAt = m.now()
	m.putProduct(ctx, p)
	return nil
}

func (m *MemoryStore) HasOrders(ctx context.Context, id string) (bool, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	for _, o := range m.ordersByID {
		for _, it := range o.Items {
			if it.ProductID == id {
				return true, nil
			}
		}
	}
	return false, nil
}

func (m *MemoryStore) List(ctx context.Context, f ProductFilter) (ProductPage, error) {
	m.rlock(ctx)
	defer m.runlock(ctx)
	out := make([]domain.Product, 0)
	for _, p := range m.productsByID {
		if f.OnlyActive && !p.IsActive {
			continue
		}
		if f.IsActive != nil && p.IsActive != *f.IsActive {
			continue
		}
		if f.Category != "" && p.Category != f.Category {
			continue
		}
		if !containsAnyFold(p.Name, f.SearchVariants) && !containsAnyFold(p.Description, f.SearchVariants) {
			continue
		}
		if f.MinPrice != nil && p.Price < *f.MinPrice {
			continue
		}
		if f.MaxPrice != nil && p.Price > *f.MaxPrice {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	total := len(out)
	if f.Limit > 0 {
		start := f.Offset()
		if start > total {
			start = total
		}
		end := start + f.Limit
		if end > total {
			end = total
		}
		out = out[start:end]
	}
	return NewProductPage(out, f, total), nil
}

// CartRepository implementation on wrapper type
type MemoryCarts struct{ store *MemoryStore }

func NewMemoryCarts(store *MemoryStore) *MemoryCarts { return &MemoryCarts{store: store} }

var _ CartRepository = (*MemoryCarts)(nil)

func (mc *MemoryCarts) Create(ctx context.Context, it *domain.CartItem) error {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	for _, existing := range mc.store.cartByID {
		if existing.UserID == it.UserID && existing.ProductID == it.ProductID {
			return ErrConflict
		}
	}
	if _, ok := mc.store.productsByID[it.ProductID]; !ok {
		return ErrNotFound
	}
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	it.CreatedAt = mc.store.now()
	it.UpdatedAt = it.CreatedAt
	mc.store.putCart(ctx, *it)
	return nil
}

func (mc *MemoryCarts) GetByID(ctx context.Context, id string) (*domain.CartItem, error) {
	mc.store.rlock(ctx)
	defer mc.store.runlock(ctx)
	it, ok := mc.store.cartByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return mc.withProduct(it), nil
}

func (mc *MemoryCarts) GetByUserProduct(ctx context.Context, userID, productID string) (*domain.CartItem, error) {
	mc.store.rlock(ctx)
	defer mc.store.runlock(ctx)
	for _, it := range mc.store.cartByID {
		if it.UserID == userID && it.ProductID == productID {
			return mc.withProduct(it), nil
		}
	}
	return nil, ErrNotFound
}

func (mc *MemoryCarts) UpdateQuantity(ctx context.Context, id string, qty int64) (*domain.CartItem, error) {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	it, ok := mc.store.cartByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	it.Quantity = qty
	it.UpdatedAt = mc.store.now()
	mc.store.putCart(ctx, it)
	return mc.withProduct(it), nil
}

func (mc *MemoryCarts) Delete(ctx context.Context, id string) error {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	if _, ok := mc.store.cartByID[id]; !ok {
		return ErrNotFound
	}
	mc.store.dropCart(ctx, id)
	return nil
}

func (mc *MemoryCarts) DeleteByUser(ctx context.Context, userID string) (int, error) {
	mc.store.wlock(ctx)
	defer mc.store.wunlock(ctx)
	n := 0
	for id, it := range mc.store.cartByID {
		if it.UserID == userID {
			mc.store.dropCart(ctx, id)
			n++
		}
	}
	return n, nil
}

func (mc *MemoryCarts) ListByUser(ctx context.Context, userID string) ([]domain.CartItem, error) {
	mc.store.rlock(ctx)
	defer mc.store.runlock(ctx)
	out := make([]domain.CartItem, 0)
	for _, it := range mc.store.cartByID {
		if it.UserID == userID {
			out = append(out, *mc.withProduct(it))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (mc *MemoryCarts) CountByUser(ctx context.Context, userID string) (int, error) {
	mc.store.rlock(ctx)
	defer mc.store.runlock(ctx)
	n := 0
	for _, it := range mc.store.cartByID {
		if it.UserID == userID {
			n++
		}
	}
	return n, nil
}

// caller holds the store lock
func (mc *MemoryCarts) withProduct(it domain.CartItem) *domain.CartItem {
	cp := it
	if p, ok := mc.store.productsByID[it.ProductID]; ok {
		pc := p
		cp.Product = &pc
	}
	return &cp
}

// OrderRepository implementation on wrapper type
type MemoryOrders struct{ store *MemoryStore }

func NewMemoryOrders(store *MemoryStore) *MemoryOrders { return &MemoryOrders{store: store} }

var _ OrderRepository = (*MemoryOrders)(nil)

func (mo *MemoryOrders) Create(ctx context.Context, o *domain.Order) error {
	mo.store.wlock(ctx)
	defer mo.store.wunlock(ctx)
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	for i := range o.Items {
		if o.Items[i].ID == "" {
			o.Items[i].ID = uuid.NewString()
		}
		o.Items[i].OrderID = o.ID
	}
	o.CreatedAt = mo.store.now()
	o.UpdatedAt = o.CreatedAt
	mo.store.putOrder(ctx, *o)
	return nil
}

func (mo *MemoryOrders) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	mo.store.rlock(ctx)
	defer mo.store.runlock(ctx)
	o, ok := mo.store.ordersByID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := copyOrder(o)
	return &cp, nil
}

func (mo *MemoryOrders) GetForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	return mo.GetByID(ctx, id)
}

func (mo *MemoryOrders) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	mo.store.wlock(ctx)
	defer mo.store.wunlock(ctx)
	o, ok := mo.store.ordersByID[id]
	if !ok {
		return ErrNotFound
	}
	o.Status = status
	o.UpdatedAt = mo.store.now()
	mo.store.putOrder(ctx, o)
	return nil
}

func (mo *MemoryOrders) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	mo.store.rlock(ctx)
	defer mo.store.runlock(ctx)
	out := make([]domain.Order, 0)
	for _, o := range mo.store.ordersByID {
		if o.UserID == userID {
			out = append(out, copyOrder(o))
		}
	}
	sortOrders(out)
	return out, nil
}

func (mo *MemoryOrders) List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error) {
	mo.store.rlock(ctx)
	defer mo.store.runlock(ctx)
	out := make([]domain.Order, 0)
	for _, o := range mo.store.ordersByID {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		out = append(out, copyOrder(o))
	}
	sortOrders(out)
	total := len(out)
	if f.Limit > 0 {
		start := 0
		if f.Page > 1 {
			start = (f.Page - 1) * f.Limit
		}
		if start > total {
			start = total
		}
		end := start + f.Limit
		if end > total {
			end = total
		}
		out = out[start:end]
	}
	return out, total, nil
}

func sortOrders(out []domain.Order) {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
}

// MemoryTx: блокировка записи хранилища как граница транзакции плюс журнал откатов
type MemoryTx struct {
	store   *MemoryStore
	timeout time.Duration
}

func NewMemoryTx(store *MemoryStore) *MemoryTx { return &MemoryTx{store: store} }

// WithTimeout ограничивает длительность транзакции; по истечении всё откатывается
func (tx *MemoryTx) WithTimeout(d time.Duration) *MemoryTx {
	tx.timeout = d
	return tx
}

var _ TxManager = (*MemoryTx)(nil)

func (tx *MemoryTx) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	// nested call joins the outer transaction
	if isTx(ctx) {
		return fn(ctx)
	}
	if tx.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, tx.timeout)
		defer cancel()
	}
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()

	j := &memJournal{}
	ctx = context.WithValue(ctx, txKey{}, j)
	committed := false
	defer func() {
		if !committed {
			j.rollback()
		}
	}()
	if err := fn(ctx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	committed = true
	return nil
}
