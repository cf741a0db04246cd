package ratelimit

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Category класс запросов со своей политикой лимита
type Category string

const (
	CategoryAuth   Category = "auth"
	CategoryAPI    Category = "api"
	CategorySearch Category = "search"
	CategoryUpload Category = "upload"
	CategoryAdmin  Category = "admin"
)

// Policy не более Max запросов за скользящее окно Window
type Policy struct {
	Window time.Duration `yaml:"window"`
	Max    int           `yaml:"max"`
}

type Policies map[Category]Policy

func DefaultPolicies() Policies {
	return Policies{
		CategoryAuth:   {Window: 15 * time.Minute, Max: 5},
		CategoryAPI:    {Window: time.Minute, Max: 60},
		CategorySearch: {Window: time.Minute, Max: 100},
		CategoryUpload: {Window: time.Minute, Max: 10},
		CategoryAdmin:  {Window: time.Minute, Max: 120},
	}
}

// For возвращает политику категории; неизвестные категории получают политику api
func (p Policies) For(c Category) Policy {
	if pol, ok := p[c]; ok {
		return pol
	}
	return p[CategoryAPI]
}

func (p Policies) Validate() error {
	if _, ok := p[CategoryAPI]; !ok {
		return fmt.Errorf("ratelimit: policy %q is required", CategoryAPI)
	}
	for c, pol := range p {
		if pol.Window <= 0 || pol.Max <= 0 {
			return fmt.Errorf("ratelimit: policy %q needs positive window and max", c)
		}
	}
	return nil
}

// LoadPolicies накладывает политики из YAML-файла на значения по умолчанию.
// Пустой path возвращает значения по умолчанию.
//
//	search:
//	  window: 1m
//	  max: 200
func LoadPolicies(path string) (Policies, error) {
	policies := DefaultPolicies()
	if path == "" {
		return policies, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rate limit policies: %w", err)
	}
	var overrides map[Category]Policy
	if err := yaml.Unmarshal(raw, &overrides); err != nil {
		return nil, fmt.Errorf("parse rate limit policies: %w", err)
	}
	for c, pol := range overrides {
		policies[c] = pol
	}
	if err := policies.Validate(); err != nil {
		return nil, err
	}
	return policies, nil
}
