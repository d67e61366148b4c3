package config

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/gosimple/slug"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// SubscriptionTemplate is a curated subscription idea shown to shoppers.
type SubscriptionTemplate struct {
	ID             string   `mapstructure:"id" json:"id"`
	Title          string   `mapstructure:"title" json:"title"`
	Description    string   `mapstructure:"description" json:"description"`
	Frequency      string   `mapstructure:"frequency" json:"frequency"`
	EstimatedPrice string   `mapstructure:"estimatedPrice" json:"estimatedPrice"`
	Discount       string   `mapstructure:"discount" json:"discount"`
	SpiralBonus    string   `mapstructure:"spiralBonus" json:"spiralBonus"`
	Items          []string `mapstructure:"items" json:"items"`
	Stores         []string `mapstructure:"stores" json:"stores"`
}

// CatalogBenefits are the marketing blurbs returned next to the templates.
type CatalogBenefits struct {
	Savings     string `mapstructure:"savings" json:"savings"`
	SpiralBonus string `mapstructure:"spiralBonus" json:"spiralBonus"`
	Convenience string `mapstructure:"convenience" json:"convenience"`
	Community   string `mapstructure:"community" json:"community"`
}

type CatalogConfig struct {
	Templates []SubscriptionTemplate `mapstructure:"templates" json:"templates"`
	Benefits  CatalogBenefits        `mapstructure:"benefits" json:"benefits"`
}

func DefaultCatalogConfig() CatalogConfig {
	return CatalogConfig{
		Templates: []SubscriptionTemplate{
			{
				ID:             "farmers-market-weekly",
				Title:          "Weekly Farmers Market Box",
				Description:    "Fresh local produce delivered every week",
				Frequency:      "weekly",
				EstimatedPrice: "$35-45",
				Discount:       "5% off regular prices",
				SpiralBonus:    "1.5x SPIRAL points",
				Items: []string{
					"Seasonal vegetables (5-7 varieties)",
					"Fresh fruits (3-4 varieties)",
					"Artisan bread from local bakery",
					"Free-range eggs",
				},
				Stores: []string{"Green Valley Farm", "Main Street Bakery", "Sunrise Eggs"},
			},
			{
				ID:             "coffee-monthly",
				Title:          "Local Coffee Roasters Monthly",
				Description:    "Freshly roasted coffee from local artisans",
				Frequency:      "monthly",
				EstimatedPrice: "$25-35",
				Discount:       "10% off regular prices",
				SpiralBonus:    "1.7x SPIRAL points",
				Items: []string{
					"2 bags of freshly roasted coffee",
					"Tasting notes and brewing guide",
					"Local pastry or treat",
				},
				Stores: []string{"Riverside Roasters", "Mountain View Coffee", "Downtown Brew"},
			},
			{
				ID:             "artisan-quarterly",
				Title:          "Local Artisan Quarterly Box",
				Description:    "Handcrafted goods from local makers",
				Frequency:      "quarterly",
				EstimatedPrice: "$60-80",
				Discount:       "15% off regular prices",
				SpiralBonus:    "2.0x SPIRAL points",
				Items: []string{
					"Handmade pottery or home goods",
					"Artisan food products",
					"Local art or crafts",
					"Meet the maker stories",
				},
				Stores: []string{"Craftworks Studio", "Local Makers Market", "Heritage Arts"},
			},
			{
				ID:             "pet-supplies-monthly",
				Title:          "Pet Essentials Monthly",
				Description:    "Quality pet supplies delivered monthly",
				Frequency:      "monthly",
				EstimatedPrice: "$40-60",
				Discount:       "10% off regular prices",
				SpiralBonus:    "1.7x SPIRAL points",
				Items: []string{
					"Premium pet food",
					"Toys and treats",
					"Health and grooming supplies",
				},
				Stores: []string{"Happy Paws Pet Store", "Natural Pet Supplies", "Companion Care"},
			},
		},
		Benefits: CatalogBenefits{
			Savings:     "Save 5-15% on every delivery",
			SpiralBonus: "Earn 1.5-2.0x SPIRAL points",
			Convenience: "Never run out of essentials",
			Community:   "Support local businesses consistently",
		},
	}
}

type CatalogHolder struct {
	current atomic.Value // holds CatalogConfig
}

// NewStaticCatalogHolder wraps a fixed catalog, mostly for tests.
func NewStaticCatalogHolder(cfg CatalogConfig) *CatalogHolder {
	holder := &CatalogHolder{}
	holder.current.Store(normalizeCatalog(cfg))
	return holder
}

// NewCatalogHolder reads catalog.yml and keeps it fresh on disk changes.
func NewCatalogHolder(cfg Config, log *zap.Logger) (*CatalogHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("catalog.config")

	v := viper.New()
	if cfg.CatalogPath != "" {
		v.SetConfigFile(cfg.CatalogPath)
	} else {
		v.SetConfigName("catalog")
		v.SetConfigType("yml")
		v.AddConfigPath("/etc/spiral")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("SPIRAL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read catalog config: %w", err)
		}
		log.Info("catalog config not found, using built-in templates")
		return NewStaticCatalogHolder(DefaultCatalogConfig()), nil
	}

	var catalog CatalogConfig
	if err := v.UnmarshalKey("catalog", &catalog); err != nil {
		return nil, err
	}
	if err := validateCatalogConfig(catalog); err != nil {
		return nil, err
	}

	holder := NewStaticCatalogHolder(catalog)

	v.OnConfigChange(func(e fsnotify.Event) {
		var updated CatalogConfig
		if err := v.UnmarshalKey("catalog", &updated); err != nil {
			log.Warn("catalog reload failed", zap.Error(err))
			return
		}
		if err := validateCatalogConfig(updated); err != nil {
			log.Warn("invalid catalog ignored", zap.Error(err))
			return
		}
		holder.current.Store(normalizeCatalog(updated))
		log.Info("catalog reloaded", zap.String("file", e.Name))
	})
	v.WatchConfig()

	return holder, nil
}

func (h *CatalogHolder) Get() CatalogConfig {
	return h.current.Load().(CatalogConfig)
}

func validateCatalogConfig(cfg CatalogConfig) error {
	if len(cfg.Templates) == 0 {
		return errors.New("catalog.templates cannot be empty")
	}
	for i, tpl := range cfg.Templates {
		if strings.TrimSpace(tpl.Title) == "" {
			return fmt.Errorf("catalog.templates[%d].title is required", i)
		}
		switch strings.ToLower(strings.TrimSpace(tpl.Frequency)) {
		case "weekly", "biweekly", "monthly", "quarterly":
		default:
			return fmt.Errorf("catalog.templates[%d].frequency %q is not supported", i, tpl.Frequency)
		}
	}
	return nil
}

func normalizeCatalog(cfg CatalogConfig) CatalogConfig {
	templates := make([]SubscriptionTemplate, 0, len(cfg.Templates))
	for _, tpl := range cfg.Templates {
		tpl.Frequency = strings.ToLower(strings.TrimSpace(tpl.Frequency))
		if strings.TrimSpace(tpl.ID) == "" {
			tpl.ID = slug.Make(tpl.Title + " " + tpl.Frequency)
		}
		templates = append(templates, tpl)
	}
	cfg.Templates = templates
	return cfg
}
