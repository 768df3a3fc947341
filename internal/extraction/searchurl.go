package extraction

import "strings"

const mapSearchBase = "https://www.google.com/maps/search/"

// BuildSearchURL returns the map search URL for one task. The query is
// "<seed> in <city>" with spaces encoded as plus signs; a non-empty language
// code is carried in the hl parameter.
func BuildSearchURL(seed, city, isoLanguage string) string {
	query := strings.TrimSpace(seed) + " in " + strings.TrimSpace(city)
	u := mapSearchBase + strings.ReplaceAll(query, " ", "+")
	if isoLanguage != "" {
		u += "?hl=" + isoLanguage
	}
	return u
}
