// Package normalize adapts each provider's raw JSON response body into the
// canonical domain types the dispatcher returns to callers.
//
// Grounded on the teacher's per-provider clients (infrastructure/providers/
// {okx,coingecko}.go, providers/defi/{defillama,thegraph}_provider.go):
// same raw-JSON-decode-then-defensive-field-extraction shape, generalized
// into a Normalizer interface keyed by parser_id so the dispatcher never
// needs a type switch on provider identity.
package normalize

import (
	"fmt"
)

// Normalizer converts one provider's raw response body into a canonical
// payload. The returned value's concrete type depends on the category the
// owning ProviderSpec declares (CanonicalPrice, []CanonicalPrice, etc).
type Normalizer interface {
	Normalize(providerID string, body []byte) (interface{}, error)
}

// NormalizerFunc adapts a plain function to the Normalizer interface.
type NormalizerFunc func(providerID string, body []byte) (interface{}, error)

func (f NormalizerFunc) Normalize(providerID string, body []byte) (interface{}, error) {
	return f(providerID, body)
}

// registry maps parser_id (from ProviderSpec) to its Normalizer. Populated
// by init() in each category file (market.go, sentiment.go, etc) so the
// set of known parser IDs lives next to the code that implements them,
// mirroring internal/registry.KnownParsers.
var registry = make(map[string]Normalizer)

func register(parserID string, n Normalizer) {
	if _, exists := registry[parserID]; exists {
		panic(fmt.Sprintf("normalize: duplicate registration for parser_id %q", parserID))
	}
	registry[parserID] = n
}

// For looks up the Normalizer for parserID.
func For(parserID string) (Normalizer, bool) {
	n, ok := registry[parserID]
	return n, ok
}
