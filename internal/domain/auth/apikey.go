package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when no active key matches a hash.
var ErrNotFound = errors.New("api key not found")

// HashKey returns the hex HMAC-SHA256 of a raw API key. Only hashes are stored.
func HashKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	Scopes  []string
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}

// Capability is a single permission checked by a handler.
type Capability string

const (
	ManageDiscounts  Capability = "discounts:manage"
	PreviewDiscounts Capability = "discounts:preview"
	PlaceOrders      Capability = "orders:create"
	ViewRedemptions  Capability = "redemptions:read"
)

// scopeCapabilities maps key scopes to the capabilities they grant. The
// "admin" scope grants everything.
var scopeCapabilities = map[string][]Capability{
	"admin":             {ManageDiscounts, PreviewDiscounts, PlaceOrders, ViewRedemptions},
	"orders":            {PlaceOrders, PreviewDiscounts},
	"create_order":      {PlaceOrders, PreviewDiscounts},
	"discounts":         {ManageDiscounts, PreviewDiscounts, ViewRedemptions},
	"discounts:manage":  {ManageDiscounts},
	"discounts:preview": {PreviewDiscounts},
	"orders:create":     {PlaceOrders},
	"redemptions:read":  {ViewRedemptions},
}

// CapabilitySet is the resolved set of capabilities of a caller.
type CapabilitySet map[Capability]struct{}

// CapabilitiesFor resolves key scopes into capabilities. Unknown scopes grant
// nothing.
func CapabilitiesFor(scopes []string) CapabilitySet {
	set := make(CapabilitySet)
	for _, s := range scopes {
		for _, c := range scopeCapabilities[s] {
			set[c] = struct{}{}
		}
	}
	return set
}

// Has reports whether c is granted.
func (s CapabilitySet) Has(c Capability) bool {
	_, ok := s[c]
	return ok
}

type capabilitiesKey struct{}

// WithCapabilities stores the caller's capabilities in ctx.
func WithCapabilities(ctx context.Context, set CapabilitySet) context.Context {
	return context.WithValue(ctx, capabilitiesKey{}, set)
}

// FromContext returns the caller's capabilities, or an empty set.
func FromContext(ctx context.Context) CapabilitySet {
	set, _ := ctx.Value(capabilitiesKey{}).(CapabilitySet)
	return set
}
