package extraction

// Geoname identifies one geographic entity served by the geonames lookup.
type Geoname struct {
	ID         int64
	Code       string
	Name       string
	Population int64
}

// Country is the top of the geonames hierarchy.
type Country struct {
	Code       string
	Name       string
	Population int64
	Languages  []string
}

// PrimaryLanguage returns the first listed language code, or empty.
func (c Country) PrimaryLanguage() string {
	if len(c.Languages) == 0 {
		return ""
	}
	return c.Languages[0]
}
