package sinks

import (
	"time"

	"github.com/placehunter/extraction-engine/internal/events"
)

// exportRecord is the JSON shape shared by the broker sinks. Screenshot
// payloads are reduced to their byte length so snapshot traffic does not
// inflate broker messages.
type exportRecord struct {
	Kind            string    `json:"kind"`
	TS              time.Time `json:"ts"`
	CampaignID      string    `json:"campaign_id,omitempty"`
	TaskID          string    `json:"task_id,omitempty"`
	BotID           string    `json:"bot_id,omitempty"`
	BotStatus       string    `json:"bot_status,omitempty"`
	GeonameName     string    `json:"geoname,omitempty"`
	CurrentURL      string    `json:"current_url,omitempty"`
	ScreenshotBytes int       `json:"screenshot_bytes,omitempty"`
	PlaceID         string    `json:"place_id,omitempty"`
	PlaceName       string    `json:"place_name,omitempty"`
	PlaceCount      int       `json:"place_count,omitempty"`
	Error           string    `json:"error,omitempty"`
	Message         string    `json:"message,omitempty"`
}

func toRecord(evt events.Event) exportRecord {
	rec := exportRecord{
		Kind:            string(evt.Kind),
		TS:              evt.TS,
		CampaignID:      evt.CampaignID,
		TaskID:          evt.TaskID,
		BotID:           evt.BotID,
		BotStatus:       string(evt.BotStatus),
		GeonameName:     evt.GeonameName,
		CurrentURL:      evt.CurrentURL,
		ScreenshotBytes: len(evt.Screenshot),
		PlaceCount:      evt.PlaceCount,
		Error:           evt.Error,
		Message:         evt.Message,
	}
	if evt.Place != nil {
		rec.PlaceID = evt.Place.ID
		rec.PlaceName = evt.Place.Name
	}
	return rec
}
