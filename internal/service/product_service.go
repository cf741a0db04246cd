package service

import (
	"context"
	"strings"

	"github.com/sirupsen/logrus"

	"storefront/internal/cache"
	"storefront/internal/domain"
	"storefront/internal/repository"
)

const (
	defaultPageLimit = 12
	maxPageLimit     = 100
)

// CatalogQuery параметры публичного каталога
type CatalogQuery struct {
	Category string
	Search   string
	Page     int
	Limit    int
}

func (q CatalogQuery) normalize() CatalogQuery {
	q.Category = strings.TrimSpace(q.Category)
	q.Search = strings.TrimSpace(q.Search)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageLimit
	}
	if q.Limit > maxPageLimit {
		q.Limit = maxPageLimit
	}
	return q
}

// AdminQuery фильтр административного поиска товаров
type AdminQuery struct {
	Search   string
	IsActive *bool
	Page     int
	Limit    int
}

// ProductService инкапсулирует бизнес-логику вокруг товаров: каталог с кэшем и CRUD администратора
type ProductService struct {
	repo  repository.ProductRepository
	tx    repository.TxManager
	cache *cache.Cache
	ttl   CacheTTL
	log   logrus.FieldLogger
}

func NewProductService(repo repository.ProductRepository, tx repository.TxManager, c *cache.Cache, ttl CacheTTL, log logrus.FieldLogger) *ProductService {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ProductService{repo: repo, tx: tx, cache: c, ttl: ttl, log: log.WithField("component", "products")}
}

// CatalogPage страница активных товаров, новые первыми, через кэш
func (s *ProductService) CatalogPage(ctx context.Context, q CatalogQuery) (repository.ProductPage, error) {
	q = q.normalize()
	return cache.ReadThrough(ctx, s.cache, catalogKey(q), s.ttl.Catalog, func(ctx context.Context) (repository.ProductPage, error) {
		return s.repo.List(ctx, repository.ProductFilter{
			SearchVariants: SearchVariants(q.Search),
			Category:       q.Category,
			OnlyActive:     true,
			Page:           q.Page,
			Limit:          q.Limit,
		})
	})
}

func (s *ProductService) GetByID(ctx context.Context, id string) (*domain.Product, error) {
	if id == "" {
		return nil, domain.NewValidationError("id", "is required")
	}
	return cache.ReadThrough(ctx, s.cache, productKey(id), s.ttl.Product, func(ctx context.Context) (*domain.Product, error) {
		return s.repo.GetByID(ctx, id)
	})
}

// Search административный поиск без кэша, включая неактивные товары
func (s *ProductService) Search(ctx context.Context, q AdminQuery) (repository.ProductPage, error) {
	cq := CatalogQuery{Page: q.Page, Limit: q.Limit}.normalize()
	return s.repo.List(ctx, repository.ProductFilter{
		SearchVariants: SearchVariants(q.Search),
		IsActive:       q.IsActive,
		Page:           cq.Page,
		Limit:          cq.Limit,
	})
}

func (s *ProductService) Create(ctx context.Context, cmd ProductCommand) (*domain.Product, error) {
	p := cmd.Product()
	if err := s.repo.Create(ctx, &p); err != nil {
		return nil, err
	}
	s.invalidate(ctx, p.ID)
	s.log.WithField("product_id", p.ID).Info("product created")
	return &p, nil
}

// Update меняет карточку товара под блокировкой строки. Остаток сохраняется,
// если администратор не задал его явно; явное значение применяется как сдвиг
// относительно заблокированного остатка
func (s *ProductService) Update(ctx context.Context, id string, cmd ProductCommand) (*domain.Product, error) {
	var updated *domain.Product
	err := s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		p := cmd.Product()
		p.ID = current.ID
		p.CreatedAt = current.CreatedAt
		p.Stock = current.Stock
		if err := s.repo.Update(ctx, &p); err != nil {
			return err
		}
		if stock, ok := cmd.Stock(); ok && stock != current.Stock {
			if err := s.repo.AdjustStock(ctx, p.ID, stock-current.Stock); err != nil {
				return err
			}
			p.Stock = stock
		}
		updated = &p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, id)
	s.log.WithField("product_id", id).Info("product updated")
	return updated, nil
}

// Delete товар, на который ссылаются заказы, только деактивируется; возвращает true в этом случае.
// Проверка и удаление идут под блокировкой строки, которую берёт и оформление заказа
func (s *ProductService) Delete(ctx context.Context, id string) (soft bool, err error) {
	err = s.tx.WithTransaction(ctx, func(ctx context.Context) error {
		if _, err := s.repo.GetForUpdate(ctx, id); err != nil {
			return err
		}
		ordered, err := s.repo.HasOrders(ctx, id)
		if err != nil {
			return err
		}
		soft = ordered
		if ordered {
			return s.repo.SetActive(ctx, id, false)
		}
		return s.repo.Delete(ctx, id)
	})
	if err != nil {
		return false, err
	}
	s.invalidate(ctx, id)
	s.log.WithFields(logrus.Fields{"product_id": id, "soft": soft}).Info("product deleted")
	return soft, nil
}

func (s *ProductService) invalidate(ctx context.Context, ids ...string) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, productKey(id))
	}
	s.cache.Invalidate(ctx, keys...)
	s.cache.InvalidateByPattern(ctx, catalogPattern)
}
