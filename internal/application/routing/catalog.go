package routing

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/tuncanbit/cpg/internal/domain"
	"github.com/tuncanbit/cpg/pkg/config"
)

var ErrEmptyCatalog = errors.New("route catalog is empty")

// Catalog is the immutable set of routes described by configuration.
type Catalog struct {
	routes []*domain.PaymentRoute
}

// NewCatalog builds routes from configuration, ordered by priority with
// configuration order breaking ties.
func NewCatalog(entries []config.RouteConfig) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, ErrEmptyCatalog
	}

	routes := make([]*domain.PaymentRoute, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	for _, entry := range entries {
		if !entry.Type.IsValid() {
			return nil, fmt.Errorf("route %s: unknown type %q", entry.ID(), entry.Type)
		}
		id := entry.ID()
		if seen[id] {
			return nil, fmt.Errorf("duplicate route id %s", id)
		}
		seen[id] = true

		routes = append(routes, &domain.PaymentRoute{
			ID:       id,
			Type:     entry.Type,
			Provider: entry.Provider,
			Priority: entry.Priority,
			Active:   entry.Enabled,
			Capabilities: domain.RouteCapabilities{
				Currencies:       upper(entry.Capabilities.Currencies),
				CryptoCurrencies: upper(entry.Capabilities.CryptoCurrencies),
				PaymentMethods:   entry.Capabilities.PaymentMethods,
				Countries:        upper(entry.Capabilities.Countries),
				Features:         entry.Capabilities.Features,
			},
			Limits: entry.Limits,
			Fees:   entry.Fees,
		})
	}

	sort.SliceStable(routes, func(i, j int) bool {
		return routes[i].Priority < routes[j].Priority
	})

	return &Catalog{routes: routes}, nil
}

// Routes returns copies of every catalog route, enabled or not.
func (c *Catalog) Routes() []*domain.PaymentRoute {
	out := make([]*domain.PaymentRoute, len(c.routes))
	for i, r := range c.routes {
		out[i] = r.Clone()
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.routes)
}

func upper(values []string) []string {
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = strings.ToUpper(strings.TrimSpace(v))
	}
	return out
}
