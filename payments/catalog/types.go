package catalog

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// PurchaseType is what a Purchase row paid for.
type PurchaseType string

const (
	PurchaseTypeCourse PurchaseType = "course"
	PurchaseTypeBundle PurchaseType = "bundle"
)

func (t PurchaseType) Valid() bool {
	return t == PurchaseTypeCourse || t == PurchaseTypeBundle
}

// Provenance values for Entitlement.GrantedVia. Bundle grants use BundleGrant(id).
const (
	GrantedViaPurchase   = "purchase"
	GrantedViaAdminGrant = "admin_grant"
	bundleGrantPrefix    = "bundle:"
)

func BundleGrant(bundleID string) string {
	return bundleGrantPrefix + bundleID
}

type Course struct {
	ID                string
	Title             string
	Description       string
	PriceCents        int64
	ExternalProductID string
	ExternalPriceID   string
}

// Bundle membership is read live for access checks; fulfillment grants from
// the snapshot captured in checkout metadata instead.
type Bundle struct {
	ID                 string
	Name               string
	Description        string
	PriceCents         int64
	DiscountPercentage float64
	CourseIDs          []string
	Active             bool
	ExternalProductID  string
	ExternalPriceID    string
}

// EffectivePriceCents is the bundle price after its discount.
func (b *Bundle) EffectivePriceCents() int64 {
	return ApplyDiscount(b.PriceCents, b.DiscountPercentage)
}

func (b *Bundle) Contains(courseID string) bool {
	for _, id := range b.CourseIDs {
		if id == courseID {
			return true
		}
	}
	return false
}

type User struct {
	ID    string
	Email string
	Name  string
}

// Purchase is an append-only ledger row. ExternalPaymentReferenceID is unique.
type Purchase struct {
	ID                         string
	BuyerID                    string
	PurchaseType               PurchaseType
	ItemID                     string
	PricePaidCents             int64
	ExternalPaymentReferenceID string
	PurchasedAt                time.Time
}

// Entitlement is keyed by (BuyerID, CourseID).
type Entitlement struct {
	BuyerID    string
	CourseID   string
	GrantedVia string
	GrantedAt  time.Time
}

type Subscription struct {
	ExternalSubscriptionID string
	BuyerID                string
	Status                 string
	UpdatedAt              time.Time
}

// ApplyDiscount returns cents * (1 - percent/100), rounded to the nearest cent.
func ApplyDiscount(cents int64, percent float64) int64 {
	if percent <= 0 {
		return cents
	}
	if percent >= 100 {
		return 0
	}
	return int64(math.Round(float64(cents) * (100 - percent) / 100))
}

// FormatCents renders minor units as a two-decimal string, e.g. 8000 -> "80.00".
func FormatCents(cents int64) string {
	sign := ""
	if cents < 0 {
		sign = "-"
		cents = -cents
	}
	return fmt.Sprintf("%s%d.%02d", sign, cents/100, cents%100)
}

// ParseCents parses a decimal amount ("80", "80.5", "80.00") into minor units
// without going through float64.
func ParseCents(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty amount")
	}
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > 2 {
		if strings.Trim(frac[2:], "0") != "" {
			return 0, fmt.Errorf("amount %q has sub-cent precision", s)
		}
		frac = frac[:2]
	}
	for len(frac) < 2 {
		frac += "0"
	}

	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	f, err := strconv.ParseInt(frac, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}

	cents := w*100 + f
	if neg {
		cents = -cents
	}
	return cents, nil
}
