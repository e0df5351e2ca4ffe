package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Plan is one purchasable item in the catalog: a donation tier or a shop
// subscription plan. Amount is in minor units.
type Plan struct {
	Code            string `mapstructure:"code"`
	Stream          string `mapstructure:"stream"`
	Amount          int64  `mapstructure:"amount"`
	Currency        string `mapstructure:"currency"`
	PeriodDays      int    `mapstructure:"periodDays"`
	EntitlementTier string `mapstructure:"entitlementTier"`
	PriceID         string `mapstructure:"priceId"`
	ProductName     string `mapstructure:"productName"`
}

type Catalog struct {
	Plans []Plan `mapstructure:"plans"`
}

// FindPlan looks up a plan by stream and code.
func (c Catalog) FindPlan(stream, code string) (Plan, bool) {
	for _, p := range c.Plans {
		if p.Stream == stream && p.Code == code {
			return p, true
		}
	}
	return Plan{}, false
}

func DefaultCatalog() Catalog {
	return Catalog{
		Plans: []Plan{
			{Code: "supporter", Stream: "donation", Amount: 500, Currency: "usd", PeriodDays: 30, EntitlementTier: "supporter_badge", ProductName: "Supporter donation"},
			{Code: "patron", Stream: "donation", Amount: 2500, Currency: "usd", PeriodDays: 30, EntitlementTier: "name_wall", ProductName: "Patron donation"},
			{Code: "basic", Stream: "shop_subscription", Amount: 900, Currency: "usd", PeriodDays: 30, EntitlementTier: "visibility_basic", ProductName: "Shop basic plan"},
			{Code: "featured", Stream: "shop_subscription", Amount: 2900, Currency: "usd", PeriodDays: 30, EntitlementTier: "visibility_featured", ProductName: "Shop featured plan"},
		},
	}
}

type CatalogHolder struct {
	current atomic.Value // holds Catalog
}

func NewCatalogHolder() (*CatalogHolder, error) {
	v := viper.New()

	v.SetConfigName("catalog")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/trailmarket/config") // Volume-mounted config
	v.AddConfigPath("/etc/trailmarket")            // System config
	v.AddConfigPath(".")                           // Current directory (dev mode)

	v.SetEnvPrefix("TRAILMARKET")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		// if config file not found, use defaults
		defaults := DefaultCatalog()
		v.SetDefault("catalog.plans", defaults.Plans)
	}

	var catalog Catalog
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return nil, err
	}
	if err := validateCatalog(catalog); err != nil {
		return nil, err
	}

	holder := &CatalogHolder{}
	holder.current.Store(catalog)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated Catalog
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Printf("[catalog] reload failed: %v", err)
			return
		}
		if err := validateCatalog(updated); err != nil {
			log.Printf("[catalog] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[catalog] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *CatalogHolder) Get() Catalog {
	return h.current.Load().(Catalog)
}

// NewStaticCatalogHolder wraps a fixed catalog, used by tests.
func NewStaticCatalogHolder(catalog Catalog) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(catalog)
	return holder
}

func validateCatalog(catalog Catalog) error {
	if len(catalog.Plans) == 0 {
		return errors.New("catalog.plans cannot be empty")
	}
	seen := map[string]bool{}
	for _, p := range catalog.Plans {
		key := p.Stream + "/" + p.Code
		if seen[key] {
			return errors.New("catalog.plans contains duplicate " + key)
		}
		seen[key] = true
		if p.Amount <= 0 && p.PriceID == "" {
			return errors.New("catalog plan " + key + " needs an amount or priceId")
		}
		if p.Currency == "" && p.PriceID == "" {
			return errors.New("catalog plan " + key + " needs a currency or priceId")
		}
	}
	return nil
}
