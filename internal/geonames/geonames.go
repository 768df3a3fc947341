// Package geonames adapts the external geonames lookup service behind a
// cached, typed catalog. Campaign scopes resolve through it into concrete
// city lists.
package geonames

import (
	"context"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// CityQuery filters the city listing of one country.
type CityQuery struct {
	CountryCode   string
	Admin1Code    string
	Admin2Code    string
	MinPopulation int64
	// Language expands alternate names so city names come back localized.
	Language string
}

// Catalog serves the country, region, province, city hierarchy backing
// campaign scopes.
type Catalog interface {
	Countries(ctx context.Context) ([]extraction.Country, error)
	Regions(ctx context.Context, countryCode string) ([]extraction.Geoname, error)
	Provinces(ctx context.Context, countryCode, admin1Code string) ([]extraction.Geoname, error)
	Cities(ctx context.Context, q CityQuery) ([]extraction.Geoname, error)
}
