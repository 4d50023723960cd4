package config

import (
	"encoding/json"

	"github.com/nbd-wtf/go-nostr"

	"github.com/murachue/nosteen-sub000/internal/models"
)

// IdentityConfig names the account the feeds are read as.
type IdentityConfig struct {
	PublicKey string `mapstructure:"PUBLIC_KEY" json:"public_key" validate:"omitempty,pubkey"`
}

// RelayConfig is one configured relay endpoint.
type RelayConfig struct {
	URL   string `mapstructure:"URL"   json:"url"   validate:"required,relay_url"`
	Read  bool   `mapstructure:"READ"  json:"read"`
	Write bool   `mapstructure:"WRITE" json:"write"`
}

// FeedConfig is one named stream. Empty Filters makes it local-only.
type FeedConfig struct {
	Name    string `mapstructure:"NAME"    json:"name"    validate:"required,max=64"`
	Filters string `mapstructure:"FILTERS" json:"filters" validate:"omitempty,filters_json"`
}

// Endpoints converts the relay list, dropping duplicate urls.
func (c *Config) Endpoints() []models.Endpoint {
	seen := make(map[string]struct{}, len(c.Relays))
	out := make([]models.Endpoint, 0, len(c.Relays))
	for _, r := range c.Relays {
		u := nostr.NormalizeURL(r.URL)
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, models.Endpoint{URL: u, Read: r.Read, Write: r.Write})
	}
	return out
}

// FeedFilters returns the parsed filters per feed name. A nil value marks
// a local-only feed. Filters were checked by validation, so parse errors
// only surface for configs that skipped Load.
func (c *Config) FeedFilters() (map[string]nostr.Filters, error) {
	out := make(map[string]nostr.Filters, len(c.Feeds))
	for _, f := range c.Feeds {
		if f.Filters == "" {
			out[f.Name] = nil
			continue
		}
		filters, err := parseFilters(f.Filters)
		if err != nil {
			return nil, err
		}
		out[f.Name] = filters
	}
	return out, nil
}

// parseFilters accepts a single filter object or an array of them.
func parseFilters(text string) (nostr.Filters, error) {
	var filters nostr.Filters
	if err := json.Unmarshal([]byte(text), &filters); err == nil {
		return filters, nil
	}
	var single nostr.Filter
	if err := json.Unmarshal([]byte(text), &single); err != nil {
		return nil, err
	}
	return nostr.Filters{single}, nil
}
