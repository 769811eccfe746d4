package domain

import (
	"time"

	"github.com/vietddude/outagewatch/internal/core/money"
)

// Category is the kind of utility service a provider sells
type Category string

const (
	CategoryInternet    Category = "internet"
	CategoryMobile      Category = "mobile"
	CategoryElectricity Category = "electricity"
	CategoryTV          Category = "tv"
	CategoryWater       Category = "water"
	CategoryGas         Category = "gas"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	switch c {
	case CategoryInternet, CategoryMobile, CategoryElectricity, CategoryTV, CategoryWater, CategoryGas:
		return true
	}
	return false
}

// Connection is a provider service at a zip code that the user wants watched
type Connection struct {
	ID           string       `json:"id"`
	UserID       string       `json:"user_id"`
	ProviderID   string       `json:"provider_id"`
	ProviderName string       `json:"provider_name"`
	Category     Category     `json:"category"`
	ZipCode      string       `json:"zip_code"`
	IsMonitoring bool         `json:"is_monitoring"`
	ClaimsCount  int          `json:"claims_count"`
	TotalClaimed money.Amount `json:"total_claimed"`
	CreatedAt    time.Time    `json:"created_at"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Clone returns a copy safe to hand out of a store.
func (c *Connection) Clone() *Connection {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}
