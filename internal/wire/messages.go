package wire

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
)

// Message type discriminators shared by both directions of the stream.
const (
	TypeCommand       = "command"
	TypeQuery         = "query"
	TypeSubscribe     = "subscribe"
	TypeAutoStart     = "auto_start"
	TypeCommandResult = "command_result"
	TypeQueryResult   = "query_result"
	TypeStreamStarted = "stream_started"
	TypeBotStatus     = "bot_status"
	TypeBotSnapshot   = "bot_snapshot"
	TypeBotError      = "bot_error"
	TypeError         = "error"
)

// Inbound is one client frame. Type selects which of the optional fields
// apply; Data carries the command or query payload.
type Inbound struct {
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	Query   string          `json:"query,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// StartPayload is the body of start_extraction and auto_start. CampaignID
// selects an existing campaign; otherwise the inline fields describe a new
// one. The bot count is accepted under three aliases, max_bots canonical.
type StartPayload struct {
	CampaignID     string  `json:"campaign_id,omitempty"`
	Activity       string  `json:"activity,omitempty"`
	SearchSeed     string  `json:"search_seed,omitempty"`
	CountryCode    string  `json:"country_code,omitempty"`
	Admin1Code     string  `json:"admin1_code,omitempty"`
	Admin2Code     string  `json:"admin2_code,omitempty"`
	CityGeonameID  int64   `json:"city_geoname_id,omitempty"`
	LocationName   string  `json:"location_name,omitempty"`
	ISOLanguage    string  `json:"iso_language,omitempty"`
	Locale         string  `json:"locale,omitempty"`
	MinPopulation  int     `json:"min_population,omitempty"`
	MaxResults     int     `json:"max_results,omitempty"`
	MinRating      float64 `json:"min_rating,omitempty"`
	MaxBots        int     `json:"max_bots,omitempty"`
	NumBots        int     `json:"num_bots,omitempty"`
	ExtractionBots int     `json:"extraction_bots,omitempty"`
}

// BotCount resolves the accepted bot-count aliases.
func (p StartPayload) BotCount() int {
	switch {
	case p.MaxBots > 0:
		return p.MaxBots
	case p.NumBots > 0:
		return p.NumBots
	case p.ExtractionBots > 0:
		return p.ExtractionBots
	}
	return 0
}

// Seed returns the requested activity, accepting the legacy search_seed key.
func (p StartPayload) Seed() string {
	if p.Activity != "" {
		return p.Activity
	}
	return p.SearchSeed
}

// ScopePayload is the body of subscribe, pause_extraction, cancel_extraction
// and the campaign queries.
type ScopePayload struct {
	CampaignID string `json:"campaign_id"`
}

// BotStatusData is the data body of a bot_status message.
type BotStatusData struct {
	BotID   string `json:"bot_id"`
	Status  string `json:"status"`
	TaskID  string `json:"task_id,omitempty"`
	Message string `json:"message,omitempty"`
}

// BotStatusMessage reports a bot lifecycle change on the stream.
type BotStatusMessage struct {
	Type      string        `json:"type"`
	Data      BotStatusData `json:"data"`
	Timestamp string        `json:"timestamp"`
}

// BotSnapshotData is the data body of a bot_snapshot message. Screenshot is
// a base64 PNG.
type BotSnapshotData struct {
	BotID      string `json:"bot_id"`
	Status     string `json:"status"`
	Screenshot string `json:"screenshot"`
	CurrentURL string `json:"current_url"`
	TaskID     string `json:"task_id"`
}

// BotSnapshotMessage carries one live viewport capture.
type BotSnapshotMessage struct {
	Type      string          `json:"type"`
	Data      BotSnapshotData `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// BotErrorData is the data body of a bot_error message.
type BotErrorData struct {
	BotID string `json:"bot_id"`
	Error string `json:"error"`
}

// BotErrorMessage reports a bot failure on the stream.
type BotErrorMessage struct {
	Type      string       `json:"type"`
	Data      BotErrorData `json:"data"`
	Timestamp string       `json:"timestamp"`
}

// StreamStartedData identifies the campaign a subscription now follows.
type StreamStartedData struct {
	CampaignID string `json:"campaign_id"`
}

// StreamStartedMessage acknowledges a subscribe.
type StreamStartedMessage struct {
	Type      string            `json:"type"`
	Data      StreamStartedData `json:"data"`
	Timestamp string            `json:"timestamp"`
}

// CommandResult acknowledges a command.
type CommandResult struct {
	Type      string `json:"type"`
	Command   string `json:"command"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// QueryResult answers a query.
type QueryResult struct {
	Type      string `json:"type"`
	Query     string `json:"query"`
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp string `json:"timestamp"`
}

// ErrorMessage reports a protocol-level problem with the session.
type ErrorMessage struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewStreamStarted builds the subscribe acknowledgement.
func NewStreamStarted(campaignID string, now time.Time) StreamStartedMessage {
	return StreamStartedMessage{
		Type:      TypeStreamStarted,
		Data:      StreamStartedData{CampaignID: campaignID},
		Timestamp: Timestamp(now),
	}
}

// NewCommandResult builds a successful command acknowledgement.
func NewCommandResult(command string, data any, now time.Time) CommandResult {
	return CommandResult{
		Type:      TypeCommandResult,
		Command:   command,
		Success:   true,
		Data:      data,
		Timestamp: Timestamp(now),
	}
}

// FailedCommand builds a failed command acknowledgement.
func FailedCommand(command string, err error, now time.Time) CommandResult {
	return CommandResult{
		Type:      TypeCommandResult,
		Command:   command,
		Success:   false,
		Error:     err.Error(),
		Timestamp: Timestamp(now),
	}
}

// NewQueryResult builds a successful query answer.
func NewQueryResult(query string, data any, now time.Time) QueryResult {
	return QueryResult{
		Type:      TypeQueryResult,
		Query:     query,
		Success:   true,
		Data:      data,
		Timestamp: Timestamp(now),
	}
}

// FailedQuery builds a failed query answer.
func FailedQuery(query string, err error, now time.Time) QueryResult {
	return QueryResult{
		Type:      TypeQueryResult,
		Query:     query,
		Success:   false,
		Error:     err.Error(),
		Timestamp: Timestamp(now),
	}
}

// NewError builds a protocol error message.
func NewError(message string, now time.Time) ErrorMessage {
	return ErrorMessage{Type: TypeError, Message: message, Timestamp: Timestamp(now)}
}

// FromEvent converts a bus event into its outbound stream message. The
// second return is false for kinds that do not stream.
func FromEvent(evt events.Event) (any, bool) {
	switch evt.Kind {
	case events.BotInitialized:
		return botStatusMessage(evt, extraction.BotIdle, "", "Bot initialized"), true
	case events.BotTaskAssigned:
		return botStatusMessage(evt, extraction.BotProcessing, evt.TaskID, "Task assigned"), true
	case events.BotTaskCompleted:
		return botStatusMessage(evt, extraction.BotIdle, evt.TaskID, "Task completed"), true
	case events.BotClosed:
		return botStatusMessage(evt, extraction.BotClosed, "", ""), true
	case events.TaskStarted:
		return botStatusMessage(evt, extraction.BotProcessing, evt.TaskID, taskStartedText(evt)), true
	case events.TaskCompleted:
		msg := fmt.Sprintf("Extracted %d places", evt.PlaceCount)
		return botStatusMessage(evt, extraction.BotIdle, evt.TaskID, msg), true
	case events.TaskFailed:
		return botStatusMessage(evt, extraction.BotErrored, evt.TaskID, "Task failed: "+evt.Error), true
	case events.BotSnapshotCaptured:
		return BotSnapshotMessage{
			Type: TypeBotSnapshot,
			Data: BotSnapshotData{
				BotID:      evt.BotID,
				Status:     statusName(evt, extraction.BotProcessing),
				Screenshot: base64.StdEncoding.EncodeToString(evt.Screenshot),
				CurrentURL: evt.CurrentURL,
				TaskID:     evt.TaskID,
			},
			Timestamp: Timestamp(evt.TS),
		}, true
	case events.BotError:
		return BotErrorMessage{
			Type:      TypeBotError,
			Data:      BotErrorData{BotID: evt.BotID, Error: evt.Error},
			Timestamp: Timestamp(evt.TS),
		}, true
	default:
		return nil, false
	}
}

func botStatusMessage(evt events.Event, fallback extraction.BotStatus, taskID, message string) BotStatusMessage {
	return BotStatusMessage{
		Type: TypeBotStatus,
		Data: BotStatusData{
			BotID:   evt.BotID,
			Status:  statusName(evt, fallback),
			TaskID:  taskID,
			Message: message,
		},
		Timestamp: Timestamp(evt.TS),
	}
}

func statusName(evt events.Event, fallback extraction.BotStatus) string {
	if evt.BotStatus != "" {
		return string(evt.BotStatus)
	}
	return string(fallback)
}

func taskStartedText(evt events.Event) string {
	if evt.GeonameName == "" {
		return "Task started"
	}
	return "Task started: " + evt.GeonameName
}
