package wire

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
)

var wireNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func TestFromEventBotLifecycle(t *testing.T) {
	t.Parallel()

	msg, ok := FromEvent(events.Event{
		Kind:      events.BotInitialized,
		TS:        wireNow,
		BotID:     "bot-1",
		BotStatus: extraction.BotIdle,
	})
	require.True(t, ok)
	status := msg.(BotStatusMessage)
	require.Equal(t, TypeBotStatus, status.Type)
	require.Equal(t, "bot-1", status.Data.BotID)
	require.Equal(t, "idle", status.Data.Status)
	require.Equal(t, "Bot initialized", status.Data.Message)
	require.Empty(t, status.Data.TaskID)
	require.Equal(t, "2025-06-01T09:30:00Z", status.Timestamp)

	msg, ok = FromEvent(events.Event{
		Kind:      events.BotTaskAssigned,
		TS:        wireNow,
		BotID:     "bot-1",
		TaskID:    "t1",
		BotStatus: extraction.BotProcessing,
	})
	require.True(t, ok)
	status = msg.(BotStatusMessage)
	require.Equal(t, "processing", status.Data.Status)
	require.Equal(t, "t1", status.Data.TaskID)
	require.Equal(t, "Task assigned", status.Data.Message)

	msg, ok = FromEvent(events.Event{Kind: events.BotClosed, TS: wireNow, BotID: "bot-1", BotStatus: extraction.BotClosed})
	require.True(t, ok)
	status = msg.(BotStatusMessage)
	require.Equal(t, "closed", status.Data.Status)
	require.Empty(t, status.Data.Message)
}

func TestFromEventTaskLifecycle(t *testing.T) {
	t.Parallel()

	msg, ok := FromEvent(events.Event{
		Kind:        events.TaskStarted,
		TS:          wireNow,
		CampaignID:  "c1",
		TaskID:      "t1",
		BotID:       "bot-1",
		GeonameName: "Madrid",
	})
	require.True(t, ok)
	status := msg.(BotStatusMessage)
	require.Equal(t, "Task started: Madrid", status.Data.Message)
	require.Equal(t, "processing", status.Data.Status)

	msg, ok = FromEvent(events.Event{
		Kind:       events.TaskCompleted,
		TS:         wireNow,
		CampaignID: "c1",
		TaskID:     "t1",
		BotID:      "bot-1",
		PlaceCount: 12,
	})
	require.True(t, ok)
	status = msg.(BotStatusMessage)
	require.Equal(t, "Extracted 12 places", status.Data.Message)
	require.Equal(t, "idle", status.Data.Status)

	msg, ok = FromEvent(events.Event{
		Kind:       events.TaskFailed,
		TS:         wireNow,
		CampaignID: "c1",
		TaskID:     "t1",
		BotID:      "bot-1",
		Error:      "navigation timed out",
	})
	require.True(t, ok)
	status = msg.(BotStatusMessage)
	require.Equal(t, "Task failed: navigation timed out", status.Data.Message)
	require.Equal(t, "error", status.Data.Status)
}

func TestFromEventSnapshotEncodesBase64(t *testing.T) {
	t.Parallel()

	png := []byte{0x89, 'P', 'N', 'G', 0x0d, 0x0a}
	msg, ok := FromEvent(events.Event{
		Kind:       events.BotSnapshotCaptured,
		TS:         wireNow.Add(123456 * time.Microsecond),
		BotID:      "bot-2",
		TaskID:     "t2",
		BotStatus:  extraction.BotProcessing,
		Screenshot: png,
		CurrentURL: "https://www.google.com/maps/search/restaurants+Madrid?hl=es",
	})
	require.True(t, ok)

	snap := msg.(BotSnapshotMessage)
	require.Equal(t, TypeBotSnapshot, snap.Type)
	require.Equal(t, base64.StdEncoding.EncodeToString(png), snap.Data.Screenshot)
	require.Equal(t, "t2", snap.Data.TaskID)
	require.Equal(t, "2025-06-01T09:30:00.123456Z", snap.Timestamp)

	decoded, err := base64.StdEncoding.DecodeString(snap.Data.Screenshot)
	require.NoError(t, err)
	require.Equal(t, png, decoded)
}

func TestFromEventBotError(t *testing.T) {
	t.Parallel()

	msg, ok := FromEvent(events.Event{
		Kind:  events.BotError,
		TS:    wireNow,
		BotID: "bot-3",
		Error: "session crashed",
	})
	require.True(t, ok)
	require.Equal(t, BotErrorMessage{
		Type:      TypeBotError,
		Data:      BotErrorData{BotID: "bot-3", Error: "session crashed"},
		Timestamp: "2025-06-01T09:30:00Z",
	}, msg)
}

func TestFromEventSkipsNonStreamKinds(t *testing.T) {
	t.Parallel()

	_, ok := FromEvent(events.Event{Kind: events.PlaceExtracted, TS: wireNow, TaskID: "t1"})
	require.False(t, ok)
}

func TestEnvelopeShapes(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(NewStreamStarted("c1", wireNow))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "stream_started",
		"data": {"campaign_id": "c1"},
		"timestamp": "2025-06-01T09:30:00Z"
	}`, string(body))

	body, err = json.Marshal(NewCommandResult("start_extraction", map[string]string{"campaign_id": "c1"}, wireNow))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "command_result",
		"command": "start_extraction",
		"success": true,
		"data": {"campaign_id": "c1"},
		"timestamp": "2025-06-01T09:30:00Z"
	}`, string(body))

	body, err = json.Marshal(FailedQuery("get_status", errors.New("campaign not found"), wireNow))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "query_result",
		"query": "get_status",
		"success": false,
		"error": "campaign not found",
		"timestamp": "2025-06-01T09:30:00Z"
	}`, string(body))

	body, err = json.Marshal(NewError("unknown message type", wireNow))
	require.NoError(t, err)
	require.JSONEq(t, `{
		"type": "error",
		"message": "unknown message type",
		"timestamp": "2025-06-01T09:30:00Z"
	}`, string(body))
}

func TestStartPayloadAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want int
	}{
		{"canonical", `{"max_bots": 4}`, 4},
		{"num bots", `{"num_bots": 5}`, 5},
		{"extraction bots", `{"extraction_bots": 6}`, 6},
		{"canonical wins", `{"max_bots": 4, "num_bots": 9}`, 4},
		{"unset", `{}`, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var p StartPayload
			require.NoError(t, json.Unmarshal([]byte(tt.in), &p))
			require.Equal(t, tt.want, p.BotCount())
		})
	}
}

func TestStartPayloadSeedAlias(t *testing.T) {
	t.Parallel()

	var p StartPayload
	require.NoError(t, json.Unmarshal([]byte(`{"search_seed": "tapas"}`), &p))
	require.Equal(t, "tapas", p.Seed())

	require.NoError(t, json.Unmarshal([]byte(`{"activity": "bars", "search_seed": "tapas"}`), &p))
	require.Equal(t, "bars", p.Seed())
}

func TestInboundParsing(t *testing.T) {
	t.Parallel()

	raw := `{"type": "command", "command": "start_extraction", "data": {"campaign_id": "c1"}}`
	var in Inbound
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Equal(t, TypeCommand, in.Type)
	require.Equal(t, "start_extraction", in.Command)

	var payload StartPayload
	require.NoError(t, json.Unmarshal(in.Data, &payload))
	require.Equal(t, "c1", payload.CampaignID)
}
