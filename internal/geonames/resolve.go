package geonames

import (
	"context"
	"fmt"
	"strings"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Scope narrows a campaign to part of the geographic hierarchy. The most
// specific populated field wins: a pinned city, then a province, then a
// region, then the whole country.
type Scope struct {
	CountryCode   string
	Admin1Code    string
	Admin2Code    string
	CityGeonameID int64
	MinPopulation int64
	Language      string
}

// ResolveCities expands a scope into the concrete city list a campaign fans
// out over. A pinned city ignores the population floor; an unknown pinned
// city resolves to an empty list, which the caller treats as a validation
// failure.
func ResolveCities(ctx context.Context, cat Catalog, s Scope) ([]extraction.Geoname, error) {
	if strings.TrimSpace(s.CountryCode) == "" {
		return nil, fmt.Errorf("country code is required: %w", extraction.ErrValidation)
	}

	if s.CityGeonameID > 0 {
		cities, err := cat.Cities(ctx, CityQuery{
			CountryCode: s.CountryCode,
			Admin1Code:  s.Admin1Code,
			Admin2Code:  s.Admin2Code,
			Language:    s.Language,
		})
		if err != nil {
			return nil, err
		}
		for _, g := range cities {
			if g.ID == s.CityGeonameID {
				return []extraction.Geoname{g}, nil
			}
		}
		return nil, nil
	}

	return cat.Cities(ctx, CityQuery{
		CountryCode:   s.CountryCode,
		Admin1Code:    s.Admin1Code,
		Admin2Code:    s.Admin2Code,
		MinPopulation: s.MinPopulation,
		Language:      s.Language,
	})
}
