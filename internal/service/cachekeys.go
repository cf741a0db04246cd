package service

import (
	"fmt"
	"time"
)

// CacheTTL время жизни кэшируемых представлений
type CacheTTL struct {
	Catalog   time.Duration
	Product   time.Duration
	CartCount time.Duration
}

func DefaultCacheTTL() CacheTTL {
	return CacheTTL{Catalog: 5 * time.Minute, Product: 10 * time.Minute, CartCount: 30 * time.Second}
}

const catalogPattern = "products:*"

func catalogKey(q CatalogQuery) string {
	category, search := q.Category, q.Search
	if category == "" {
		category = "all"
	}
	if search == "" {
		search = "none"
	}
	return fmt.Sprintf("products:%s:%s:%d:%d", category, search, q.Page, q.Limit)
}

func productKey(id string) string { return "product:" + id }

func cartPattern(userID string) string { return "cart:" + userID + ":*" }

func cartCountKey(userID string) string { return "cart:" + userID + ":count" }
