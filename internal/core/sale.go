package core

import (
	"fmt"
	"math"
	"time"
)

// SaleConfig configures the waiting room and inventory of one flash sale.
type SaleConfig struct {
	ID                     string           `json:"id" mapstructure:"id" yaml:"id"`
	AdmissionRatePerSecond float64          `json:"admission_rate_per_second" mapstructure:"admission_rate_per_second" yaml:"admission_rate_per_second"`
	AdmissionBurst         int              `json:"admission_burst" mapstructure:"admission_burst" yaml:"admission_burst"`
	MaxInFlight            int              `json:"max_in_flight" mapstructure:"max_in_flight" yaml:"max_in_flight"`
	DwellTimeout           time.Duration    `json:"dwell_timeout" mapstructure:"dwell_timeout" yaml:"dwell_timeout"`
	ReservationTTL         time.Duration    `json:"reservation_ttl" mapstructure:"reservation_ttl" yaml:"reservation_ttl"`
	PremiumShare           float64          `json:"premium_share" mapstructure:"premium_share" yaml:"premium_share"`
	Products               map[string]int64 `json:"products,omitempty" mapstructure:"products" yaml:"products"`
}

const (
	DefaultDwellTimeout   = 2 * time.Minute
	DefaultReservationTTL = 10 * time.Minute
)

// WithDefaults fills unset optional fields.
func (c SaleConfig) WithDefaults() SaleConfig {
	if c.AdmissionBurst <= 0 {
		c.AdmissionBurst = int(math.Max(1, math.Ceil(c.AdmissionRatePerSecond)))
	}
	if c.DwellTimeout <= 0 {
		c.DwellTimeout = DefaultDwellTimeout
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = DefaultReservationTTL
	}
	return c
}

// Validate checks the sale configuration.
func (c SaleConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("sale id is required")
	}
	if c.AdmissionRatePerSecond <= 0 {
		return fmt.Errorf("sale %s: admission_rate_per_second must be positive", c.ID)
	}
	if c.MaxInFlight <= 0 {
		return fmt.Errorf("sale %s: max_in_flight must be positive", c.ID)
	}
	if c.PremiumShare < 0 || c.PremiumShare >= 1 {
		return fmt.Errorf("sale %s: premium_share must be in [0,1)", c.ID)
	}
	for product, units := range c.Products {
		if units < 0 {
			return fmt.Errorf("sale %s: product %s has negative units", c.ID, product)
		}
	}
	return nil
}

// AdmissionPolicy is the bucket that paces releases from the waiting room.
func (c SaleConfig) AdmissionPolicy() BucketPolicy {
	c = c.WithDefaults()
	return BucketPolicy{Capacity: float64(c.AdmissionBurst), RefillRatePerSecond: c.AdmissionRatePerSecond}
}

// PremiumSlots is the part of MaxInFlight that only premium entries may use.
func (c SaleConfig) PremiumSlots() int {
	if c.PremiumShare <= 0 || c.MaxInFlight <= 0 {
		return 0
	}
	slots := int(math.Ceil(float64(c.MaxInFlight) * c.PremiumShare))
	if slots >= c.MaxInFlight {
		slots = c.MaxInFlight - 1
	}
	return slots
}
