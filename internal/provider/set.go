package provider

import (
	"fmt"
	"sort"

	"banklink/internal/models"
)

// Set is the fixed collection of provider implementations built at startup
// and handed to the services. It is read-only after construction.
type Set struct {
	providers map[models.ProviderKind]Provider
}

func NewSet(providers ...Provider) (*Set, error) {
	set := &Set{providers: make(map[models.ProviderKind]Provider, len(providers))}
	for _, p := range providers {
		kind := p.Kind()
		if !kind.Valid() {
			return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
		}
		if _, exists := set.providers[kind]; exists {
			return nil, fmt.Errorf("provider %q registered twice", kind)
		}
		set.providers[kind] = p
	}
	return set, nil
}

func (s *Set) Get(kind models.ProviderKind) (Provider, error) {
	p, ok := s.providers[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, kind)
	}
	return p, nil
}

func (s *Set) Kinds() []models.ProviderKind {
	kinds := make([]models.ProviderKind, 0, len(s.providers))
	for kind := range s.providers {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}
