package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Kind denotes the type of domain event.
type Kind string

// Supported event kinds.
const (
	BotInitialized      Kind = "BotInitialized"
	BotTaskAssigned     Kind = "BotTaskAssigned"
	BotSnapshotCaptured Kind = "BotSnapshotCaptured"
	BotTaskCompleted    Kind = "BotTaskCompleted"
	BotError            Kind = "BotError"
	BotClosed           Kind = "BotClosed"
	TaskStarted         Kind = "TaskStarted"
	PlaceExtracted      Kind = "PlaceExtracted"
	TaskCompleted       Kind = "TaskCompleted"
	TaskFailed          Kind = "TaskFailed"
)

// AllKinds lists every event kind, in no particular order.
func AllKinds() []Kind {
	return []Kind{
		BotInitialized, BotTaskAssigned, BotSnapshotCaptured, BotTaskCompleted,
		BotError, BotClosed, TaskStarted, PlaceExtracted, TaskCompleted, TaskFailed,
	}
}

// Event is the closed union of everything published on the bus. Kind selects
// which optional fields are meaningful; Validate enforces the per-kind shape.
type Event struct {
	// Kind denotes which lifecycle milestone occurred.
	Kind Kind
	// TS is the UTC timestamp recorded by the publisher.
	TS time.Time
	// CampaignID scopes the event to one campaign where applicable.
	CampaignID string
	// TaskID scopes task and place events.
	TaskID string
	// BotID identifies the session for bot events and task execution events.
	BotID string
	// BotStatus carries the session state for bot status events.
	BotStatus extraction.BotStatus
	// GeonameName optionally labels the city being worked.
	GeonameName string
	// Screenshot is the PNG viewport capture for snapshot events.
	Screenshot []byte
	// CurrentURL is the page location at capture time.
	CurrentURL string
	// Place carries the extracted record for PlaceExtracted.
	Place *extraction.ExtractedPlace
	// PlaceCount summarizes how many unique places a completed task yielded.
	PlaceCount int
	// Error holds the failure text for error and task-failure events.
	Error string
	// Message lets publishers attach low-volume human-readable context.
	Message string
}

// Validate performs coarse per-kind validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case BotInitialized, BotClosed:
		if e.BotID == "" {
			return errors.New("bot event requires bot id")
		}
	case BotTaskAssigned, BotTaskCompleted:
		if e.BotID == "" || e.TaskID == "" {
			return errors.New("bot task event requires bot id and task id")
		}
	case BotSnapshotCaptured:
		if e.BotID == "" {
			return errors.New("snapshot requires bot id")
		}
		if len(e.Screenshot) == 0 {
			return errors.New("snapshot requires image bytes")
		}
	case BotError:
		if e.BotID == "" || e.Error == "" {
			return errors.New("bot error requires bot id and error text")
		}
	case TaskStarted, TaskCompleted:
		if e.CampaignID == "" || e.TaskID == "" {
			return errors.New("task event requires campaign id and task id")
		}
	case TaskFailed:
		if e.CampaignID == "" || e.TaskID == "" {
			return errors.New("task event requires campaign id and task id")
		}
		if e.Error == "" {
			return errors.New("task failure requires error text")
		}
	case PlaceExtracted:
		if e.TaskID == "" || e.Place == nil {
			return errors.New("place event requires task id and place")
		}
	default:
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return nil
}
