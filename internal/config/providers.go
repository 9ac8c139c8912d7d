package config

import (
	"fmt"
	"os"

	"banklink/internal/models"

	"gopkg.in/yaml.v3"
)

// ProviderConfig is one entry of the provider catalog file:
//
//	providers:
//	  - kind: sandbox_oauth
//	    authorize_url: https://sandbox.banklink.test/oauth/authorize
//	    redirect_uris: [https://app.banklink.test/connections/callback]
//	  - kind: sandbox_link
//	    enabled: false
type ProviderConfig struct {
	Kind         models.ProviderKind `yaml:"kind"`
	Enabled      *bool               `yaml:"enabled"`
	AuthorizeURL string              `yaml:"authorize_url"`
	// RedirectURIs, when set, are the only redirect URIs the provider accepts.
	RedirectURIs []string `yaml:"redirect_uris"`
}

func (p ProviderConfig) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

type providerCatalog struct {
	Providers []ProviderConfig `yaml:"providers"`
}

// DefaultProviders enables every provider kind known at build time.
func DefaultProviders() []ProviderConfig {
	kinds := models.ProviderKinds()
	out := make([]ProviderConfig, 0, len(kinds))
	for _, kind := range kinds {
		out = append(out, ProviderConfig{Kind: kind})
	}
	return out
}

func LoadProviders(path string) ([]ProviderConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider catalog: %w", err)
	}
	return ParseProviders(raw)
}

func ParseProviders(raw []byte) ([]ProviderConfig, error) {
	var catalog providerCatalog
	if err := yaml.Unmarshal(raw, &catalog); err != nil {
		return nil, fmt.Errorf("parse provider catalog: %w", err)
	}
	seen := make(map[models.ProviderKind]bool)
	for _, entry := range catalog.Providers {
		if !entry.Kind.Valid() {
			return nil, fmt.Errorf("provider catalog: unknown kind %q", entry.Kind)
		}
		if seen[entry.Kind] {
			return nil, fmt.Errorf("provider catalog: duplicate kind %q", entry.Kind)
		}
		seen[entry.Kind] = true
	}
	return catalog.Providers, nil
}
