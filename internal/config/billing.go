package config

import (
	"errors"
	"log"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// BillingConfig carries the billing tunables that operators adjust without a
// redeploy. Monetary values are in currency units, durations in the units
// named by the field.
type BillingConfig struct {
	Currency string `mapstructure:"currency"`
	Locale   string `mapstructure:"locale"`

	// DefaultHourlyRate applies when neither the invoice snapshot nor the
	// guardian profile resolves a rate.
	DefaultHourlyRate float64 `mapstructure:"defaultHourlyRate"`

	// TipPlatformCut is the fraction of a tip retained by the platform
	// before distribution to teachers.
	TipPlatformCut float64 `mapstructure:"tipPlatformCut"`

	// ReportWindowDays is how long after a lesson the teacher may still
	// submit a report; past-dated lessons without a terminal status stay
	// billable while the window is open.
	ReportWindowDays int `mapstructure:"reportWindowDays"`

	// ZeroHourThresholdMinutes triggers the auto-PAYG generator when a
	// guardian's balance drops to or below this many minutes.
	ZeroHourThresholdMinutes int `mapstructure:"zeroHourThresholdMinutes"`

	// MaxInvoiceItems hard-caps selector output.
	MaxInvoiceItems int `mapstructure:"maxInvoiceItems"`

	// DueDays is the default payment term applied at invoice creation.
	DueDays int `mapstructure:"dueDays"`
}

func DefaultBillingConfig() BillingConfig {
	return BillingConfig{
		Currency:                 "USD",
		Locale:                   "en-US",
		DefaultHourlyRate:        10,
		TipPlatformCut:           0.05,
		ReportWindowDays:         3,
		ZeroHourThresholdMinutes: 60,
		MaxInvoiceItems:          400,
		DueDays:                  14,
	}
}

type BillingConfigHolder struct {
	current atomic.Value // holds BillingConfig
}

// NewBillingConfigHolderFrom builds a holder around a fixed config. Tests use
// this to avoid touching the filesystem.
func NewBillingConfigHolderFrom(cfg BillingConfig) *BillingConfigHolder {
	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewBillingConfigHolder() (*BillingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("billing")
	v.SetConfigType("yml")
	v.AddConfigPath("/etc/lessonbill")
	v.AddConfigPath(".")

	v.SetEnvPrefix("LESSONBILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultBillingConfig()
	v.SetDefault("billing.currency", defaults.Currency)
	v.SetDefault("billing.locale", defaults.Locale)
	v.SetDefault("billing.defaultHourlyRate", defaults.DefaultHourlyRate)
	v.SetDefault("billing.tipPlatformCut", defaults.TipPlatformCut)
	v.SetDefault("billing.reportWindowDays", defaults.ReportWindowDays)
	v.SetDefault("billing.zeroHourThresholdMinutes", defaults.ZeroHourThresholdMinutes)
	v.SetDefault("billing.maxInvoiceItems", defaults.MaxInvoiceItems)
	v.SetDefault("billing.dueDays", defaults.DueDays)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg BillingConfig
	if err := v.UnmarshalKey("billing", &cfg); err != nil {
		return nil, err
	}
	if err := validateBillingConfig(cfg); err != nil {
		return nil, err
	}

	holder := &BillingConfigHolder{}
	holder.current.Store(cfg)

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated BillingConfig
		if err := v.UnmarshalKey("billing", &updated); err != nil {
			log.Printf("[billing-config] reload failed: %v", err)
			return
		}
		if err := validateBillingConfig(updated); err != nil {
			log.Printf("[billing-config] invalid config ignored: %v", err)
			return
		}
		holder.current.Store(updated)
		log.Printf("[billing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *BillingConfigHolder) Get() BillingConfig {
	value := h.current.Load()
	if value == nil {
		return DefaultBillingConfig()
	}
	return value.(BillingConfig)
}

func validateBillingConfig(cfg BillingConfig) error {
	if cfg.DefaultHourlyRate <= 0 {
		return errors.New("billing.defaultHourlyRate must be positive")
	}
	if cfg.TipPlatformCut < 0 || cfg.TipPlatformCut >= 1 {
		return errors.New("billing.tipPlatformCut must be in [0, 1)")
	}
	if cfg.MaxInvoiceItems <= 0 {
		return errors.New("billing.maxInvoiceItems must be positive")
	}
	return nil
}
