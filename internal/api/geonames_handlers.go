package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/geonames"
	"github.com/placehunter/extraction-engine/internal/wire"
)

// listCountries handles GET /api/geonames/countries.
func (s *Server) listCountries(w http.ResponseWriter, r *http.Request) {
	cs, err := s.catalog.Countries(r.Context())
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromCountries(cs))
}

// listRegions handles GET /api/geonames/countries/{country_code}/regions.
func (s *Server) listRegions(w http.ResponseWriter, r *http.Request) {
	gs, err := s.catalog.Regions(r.Context(), countryCode(r))
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromGeonames(gs))
}

// listProvinces handles GET .../provinces?admin1_code=. The region code is
// mandatory; provinces only exist inside one.
func (s *Server) listProvinces(w http.ResponseWriter, r *http.Request) {
	admin1 := strings.TrimSpace(r.URL.Query().Get("admin1_code"))
	if admin1 == "" {
		s.writeError(w, http.StatusBadRequest, "validation_error", "admin1_code is required")
		return
	}
	gs, err := s.catalog.Provinces(r.Context(), countryCode(r), admin1)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromGeonames(gs))
}

// listCities handles GET .../cities?admin1_code=&admin2_code=&min_population=.
func (s *Server) listCities(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	q := geonames.CityQuery{
		CountryCode: countryCode(r),
		Admin1Code:  strings.TrimSpace(query.Get("admin1_code")),
		Admin2Code:  strings.TrimSpace(query.Get("admin2_code")),
	}
	if mp := query.Get("min_population"); mp != "" {
		val, err := strconv.ParseInt(mp, 10, 64)
		if err != nil || val < 0 {
			s.writeError(w, http.StatusBadRequest, "validation_error", "invalid min_population")
			return
		}
		q.MinPopulation = val
	}
	gs, err := s.catalog.Cities(r.Context(), q)
	if err != nil {
		s.upstreamError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, wire.FromGeonames(gs))
}

// countryCode normalizes the path parameter; the catalog is keyed by
// upper-case ISO codes.
func countryCode(r *http.Request) string {
	return strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "country_code")))
}

// upstreamError reports a geonames lookup failure. The engine itself is
// healthy, so the failure maps to 502 rather than 500.
func (s *Server) upstreamError(w http.ResponseWriter, err error) {
	s.logger.Error("geonames lookup failed", zap.Error(err))
	s.writeError(w, http.StatusBadGateway, "upstream_error", "geonames lookup failed")
}
