package extraction

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// Coordinates is an immutable latitude/longitude pair.
type Coordinates struct {
	Lat float64
	Lon float64
}

// PlaceReview is one user review attached to an extracted place.
type PlaceReview struct {
	ID       string
	PlaceID  string
	Author   string
	Rating   float64
	Text     string
	PostedAt time.Time
}

// ExtractedPlace is one business record parsed from a map result list.
// Optional scraped attributes are pointers so absence survives persistence
// and wire round-trips.
type ExtractedPlace struct {
	ID           string
	SourceTaskID string
	Name         string
	Address      string
	City         string
	Category     string
	Rating       *float64
	ReviewCount  *int
	Phone        string
	Website      string
	Coordinates  *Coordinates
	ExtractedAt  time.Time
	Reviews      []PlaceReview
}

// NewExtractedPlace converts one driver record into a persistable place owned
// by the given task.
func NewExtractedPlace(id, taskID, city string, rec PlaceRecord, now time.Time) *ExtractedPlace {
	p := &ExtractedPlace{
		ID:           id,
		SourceTaskID: taskID,
		Name:         strings.TrimSpace(rec.Name),
		Address:      strings.TrimSpace(rec.Address),
		City:         city,
		Category:     rec.Category,
		Rating:       rec.Rating,
		ReviewCount:  rec.ReviewCount,
		Phone:        rec.Phone,
		Website:      rec.Website,
		ExtractedAt:  now.UTC(),
	}
	if rec.Latitude != nil && rec.Longitude != nil {
		p.Coordinates = &Coordinates{Lat: *rec.Latitude, Lon: *rec.Longitude}
	}
	for _, rv := range rec.Reviews {
		p.Reviews = append(p.Reviews, PlaceReview{
			PlaceID:  id,
			Author:   rv.Author,
			Rating:   rv.Rating,
			Text:     rv.Text,
			PostedAt: rv.PostedAt.UTC(),
		})
	}
	return p
}

// Fingerprint returns the deterministic dedup key over (source task, name,
// address). Case and surrounding whitespace do not affect the key.
func (p *ExtractedPlace) Fingerprint() string {
	return PlaceFingerprint(p.SourceTaskID, p.Name, p.Address)
}

// PlaceFingerprint hashes the dedup identity of a place record.
func PlaceFingerprint(taskID, name, address string) string {
	h := sha256.New()
	h.Write([]byte(taskID))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	h.Write([]byte{'|'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(address))))
	return hex.EncodeToString(h.Sum(nil))
}
