package ws

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/campaign"
	"github.com/placehunter/extraction-engine/internal/clock/system"
	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/metrics"
	"github.com/placehunter/extraction-engine/internal/orchestrator"
	"github.com/placehunter/extraction-engine/internal/wire"
)

type stubControl struct {
	mu        sync.Mutex
	campaign  *extraction.Campaign
	lastCfg   extraction.CampaignConfig
	started   []string
	paused    []string
	cancelled []string
	statusIDs []string
	created   int
	demoed    int
	startErr  error
}

func (c *stubControl) Create(_ context.Context, cfg extraction.CampaignConfig) (*extraction.Campaign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
	c.lastCfg = cfg
	return c.campaign, nil
}

func (c *stubControl) CreateDemo(_ context.Context, _ string, _ int) (*extraction.Campaign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.demoed++
	return c.campaign, nil
}

func (c *stubControl) Get(_ context.Context, id string) (*extraction.Campaign, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id != c.campaign.ID {
		return nil, extraction.ErrNotFound
	}
	return c.campaign, nil
}

func (c *stubControl) Start(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, id)
	return c.startErr
}

func (c *stubControl) Pause(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paused = append(c.paused, id)
	return nil
}

func (c *stubControl) Cancel(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, id)
	return nil
}

func (c *stubControl) Status(_ context.Context, id string) (*campaign.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusIDs = append(c.statusIDs, id)
	return &campaign.Status{
		CampaignID:      id,
		Status:          extraction.CampaignInProgress,
		TotalTasks:      3,
		CompletedTasks:  1,
		ProgressPercent: 33.3,
	}, nil
}

func (c *stubControl) Statistics(_ context.Context, id string) (*campaign.Statistics, error) {
	return &campaign.Statistics{
		Status: campaign.Status{
			CampaignID: id,
			Status:     extraction.CampaignInProgress,
			TotalTasks: 3,
		},
		PendingTasks:    2,
		InProgressTasks: 1,
		PlacesExtracted: 14,
	}, nil
}

type stubReporter struct {
	report orchestrator.BotReport
}

func (r *stubReporter) BotReport() orchestrator.BotReport { return r.report }

func demoCampaign() *extraction.Campaign {
	return &extraction.Campaign{
		ID:    "01HZXCAMPAIGN00000000000000",
		Title: "Restaurants in Madrid",
		Config: extraction.CampaignConfig{
			Activity:     "restaurants",
			LocationName: "Madrid",
			MaxBots:      3,
		},
		Status:     extraction.CampaignPending,
		TotalTasks: 3,
		CreatedAt:  time.Now().UTC(),
	}
}

type wsEnv struct {
	bus     *events.Bus
	control *stubControl
	conn    *websocket.Conn
}

func newEnv(t *testing.T) *wsEnv {
	t.Helper()
	metrics.Init()

	bus := events.NewBus(nil)
	control := &stubControl{campaign: demoCampaign()}
	reporter := &stubReporter{report: orchestrator.BotReport{
		PoolSize: 3,
		Free:     2,
		InUse:    1,
		Bots: []extraction.BotInfo{
			{ID: "bot-a", Status: extraction.BotProcessing, TaskID: "t1"},
			{ID: "bot-b", Status: extraction.BotIdle},
		},
	}}
	gw := New(Config{}, control, reporter, bus, system.New(), zap.NewNop())

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })

	return &wsEnv{bus: bus, control: control, conn: conn}
}

func (e *wsEnv) sendJSON(t *testing.T, v any) {
	t.Helper()
	require.NoError(t, e.conn.WriteJSON(v))
}

func (e *wsEnv) readFrame(t *testing.T) map[string]any {
	t.Helper()
	require.NoError(t, e.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := e.conn.ReadMessage()
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func dataOf(t *testing.T, frame map[string]any) map[string]any {
	t.Helper()
	data, ok := frame["data"].(map[string]any)
	require.True(t, ok, "frame %v has no data object", frame)
	return data
}

func TestSubscribeStreamsCampaignEvents(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type": "subscribe",
		"data": map[string]any{"campaign_id": "c1"},
	})
	ack := env.readFrame(t)
	require.Equal(t, "stream_started", ack["type"])
	require.Equal(t, "c1", dataOf(t, ack)["campaign_id"])
	require.NotEmpty(t, ack["timestamp"])

	// An event for the bound campaign is forwarded.
	env.bus.Publish(events.Event{
		Kind:        events.TaskStarted,
		TS:          time.Now().UTC(),
		CampaignID:  "c1",
		TaskID:      "t1",
		BotID:       "bot-a",
		GeonameName: "Madrid",
	})
	msg := env.readFrame(t)
	require.Equal(t, "bot_status", msg["type"])
	require.Equal(t, "Task started: Madrid", dataOf(t, msg)["message"])

	// Another campaign's event is filtered; the pool-scoped one that
	// follows arrives first.
	env.bus.Publish(events.Event{
		Kind:       events.TaskStarted,
		TS:         time.Now().UTC(),
		CampaignID: "c2",
		TaskID:     "t9",
		BotID:      "bot-z",
	})
	env.bus.Publish(events.Event{
		Kind:      events.BotClosed,
		TS:        time.Now().UTC(),
		BotID:     "bot-a",
		BotStatus: extraction.BotClosed,
	})
	msg = env.readFrame(t)
	require.Equal(t, "bot_status", msg["type"])
	require.Equal(t, "bot-a", dataOf(t, msg)["bot_id"])
	require.Equal(t, "closed", dataOf(t, msg)["status"])
}

func TestSnapshotForwarding(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type": "subscribe",
		"data": map[string]any{"campaign_id": "c1"},
	})
	_ = env.readFrame(t)

	env.bus.Publish(events.Event{
		Kind:       events.BotSnapshotCaptured,
		TS:         time.Now().UTC(),
		CampaignID: "c1",
		TaskID:     "t1",
		BotID:      "bot-a",
		BotStatus:  extraction.BotProcessing,
		Screenshot: []byte{0x89, 'P', 'N', 'G'},
		CurrentURL: "https://www.google.com/maps/search/restaurants+Madrid?hl=es",
	})

	msg := env.readFrame(t)
	require.Equal(t, "bot_snapshot", msg["type"])
	data := dataOf(t, msg)
	require.Equal(t, "bot-a", data["bot_id"])
	require.Equal(t, "iVBORw==", data["screenshot"])
	require.Equal(t, "t1", data["task_id"])
}

func TestStartExtractionExistingCampaign(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type":    "command",
		"command": "start_extraction",
		"data":    map[string]any{"campaign_id": "01HZXCAMPAIGN00000000000000"},
	})

	res := env.readFrame(t)
	require.Equal(t, "command_result", res["type"])
	require.Equal(t, "start_extraction", res["command"])
	require.Equal(t, true, res["success"])
	data := dataOf(t, res)
	require.Equal(t, "01HZXCAMPAIGN00000000000000", data["campaign_id"])
	require.Equal(t, float64(3), data["total_tasks"])

	env.control.mu.Lock()
	defer env.control.mu.Unlock()
	require.Equal(t, []string{"01HZXCAMPAIGN00000000000000"}, env.control.started)
	require.Zero(t, env.control.demoed)
}

func TestStartExtractionUnknownCampaign(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type":    "command",
		"command": "start_extraction",
		"data":    map[string]any{"campaign_id": "01HZXMISSING000000000000000"},
	})

	res := env.readFrame(t)
	require.Equal(t, false, res["success"])
	require.Contains(t, res["error"], "not found")
}

func TestStartExtractionDemoFallback(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type":    "command",
		"command": "start_extraction",
		"data":    map[string]any{"num_bots": 2},
	})

	res := env.readFrame(t)
	require.Equal(t, true, res["success"])

	env.control.mu.Lock()
	defer env.control.mu.Unlock()
	require.Equal(t, 1, env.control.demoed)
	require.Zero(t, env.control.created)
}

func TestStartExtractionInlineSpec(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type":    "command",
		"command": "start_extraction",
		"data": map[string]any{
			"search_seed":   "tapas",
			"country_code":  "ES",
			"location_name": "Spain",
			"num_bots":      2,
		},
	})

	res := env.readFrame(t)
	require.Equal(t, true, res["success"])

	env.control.mu.Lock()
	defer env.control.mu.Unlock()
	require.Equal(t, 1, env.control.created)
	require.Equal(t, "tapas", env.control.lastCfg.Activity)
	require.Equal(t, "ES", env.control.lastCfg.CountryCode)
	require.Equal(t, 2, env.control.lastCfg.MaxBots)
}

func TestAutoStartSubscribesThenStarts(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{"type": "auto_start", "data": map[string]any{}})

	ack := env.readFrame(t)
	require.Equal(t, "stream_started", ack["type"])
	require.Equal(t, "01HZXCAMPAIGN00000000000000", dataOf(t, ack)["campaign_id"])

	res := env.readFrame(t)
	require.Equal(t, "command_result", res["type"])
	require.Equal(t, "start_extraction", res["command"])
	require.Equal(t, true, res["success"])

	env.control.mu.Lock()
	defer env.control.mu.Unlock()
	require.Equal(t, 1, env.control.demoed)
	require.Len(t, env.control.started, 1)
}

func TestPauseAndCancelCommands(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type":    "command",
		"command": "pause_extraction",
		"data":    map[string]any{"campaign_id": "c1"},
	})
	res := env.readFrame(t)
	require.Equal(t, true, res["success"])

	env.sendJSON(t, map[string]any{
		"type":    "command",
		"command": "cancel_extraction",
		"data":    map[string]any{"campaign_id": "c1"},
	})
	res = env.readFrame(t)
	require.Equal(t, true, res["success"])

	env.control.mu.Lock()
	defer env.control.mu.Unlock()
	require.Equal(t, []string{"c1"}, env.control.paused)
	require.Equal(t, []string{"c1"}, env.control.cancelled)
}

func TestPauseWithoutScopeFails(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{"type": "command", "command": "pause_extraction"})
	res := env.readFrame(t)
	require.Equal(t, false, res["success"])
	require.Contains(t, res["error"], "campaign_id is required")
}

func TestQueriesUseBoundScope(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{
		"type": "subscribe",
		"data": map[string]any{"campaign_id": "c7"},
	})
	_ = env.readFrame(t)

	env.sendJSON(t, map[string]any{"type": "query", "query": "get_status"})
	res := env.readFrame(t)
	require.Equal(t, "query_result", res["type"])
	require.Equal(t, "get_status", res["query"])
	require.Equal(t, true, res["success"])
	require.Equal(t, "c7", dataOf(t, res)["campaign_id"])

	env.sendJSON(t, map[string]any{"type": "query", "query": "get_statistics"})
	res = env.readFrame(t)
	require.Equal(t, true, res["success"])
	require.Equal(t, float64(14), dataOf(t, res)["places_extracted"])
}

func TestGetBotInfo(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{"type": "query", "query": "get_bot_info"})
	res := env.readFrame(t)
	require.Equal(t, true, res["success"])
	data := dataOf(t, res)
	require.Equal(t, float64(3), data["pool_size"])
	require.Equal(t, float64(1), data["in_use"])
	bots, ok := data["bots"].([]any)
	require.True(t, ok)
	require.Len(t, bots, 2)
}

func TestUnknownInputs(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	env.sendJSON(t, map[string]any{"type": "telemetry"})
	res := env.readFrame(t)
	require.Equal(t, "error", res["type"])
	require.Contains(t, res["message"], "unknown message type")

	env.sendJSON(t, map[string]any{"type": "command", "command": "reboot"})
	res = env.readFrame(t)
	require.Equal(t, "command_result", res["type"])
	require.Equal(t, false, res["success"])
	require.Contains(t, res["error"], "unknown command")

	env.sendJSON(t, map[string]any{"type": "query", "query": "get_weather"})
	res = env.readFrame(t)
	require.Equal(t, false, res["success"])
	require.Contains(t, res["error"], "unknown query")
}

func TestForwardCoalescesSnapshotsWhenFull(t *testing.T) {
	t.Parallel()
	metrics.Init()

	gw := New(Config{OutboundBuffer: 1}, nil, nil, events.NewBus(nil), system.New(), zap.NewNop())
	s := newSession(gw, nil, nil)
	s.campaignID = "c1"

	snapshot := func(url string) events.Event {
		return events.Event{
			Kind:       events.BotSnapshotCaptured,
			TS:         time.Now().UTC(),
			CampaignID: "c1",
			TaskID:     "t1",
			BotID:      "bot-a",
			Screenshot: []byte{1},
			CurrentURL: url,
		}
	}

	// First fills the queue, the rest coalesce to the newest frame.
	s.forward(snapshot("https://example.test/1"))
	s.forward(snapshot("https://example.test/2"))
	s.forward(snapshot("https://example.test/3"))

	require.Len(t, s.out, 1)
	items := s.takePending()
	require.Len(t, items, 1)
	latest, ok := items[0].payload.(wire.BotSnapshotMessage)
	require.True(t, ok)
	require.Equal(t, "https://example.test/3", latest.Data.CurrentURL)
	require.Equal(t, "bot-a", latest.Data.BotID)
}

func TestForwardFiltersForeignCampaigns(t *testing.T) {
	t.Parallel()
	metrics.Init()

	gw := New(Config{OutboundBuffer: 4}, nil, nil, events.NewBus(nil), system.New(), zap.NewNop())
	s := newSession(gw, nil, nil)
	s.campaignID = "c1"

	s.forward(events.Event{
		Kind:       events.TaskStarted,
		TS:         time.Now().UTC(),
		CampaignID: "c2",
		TaskID:     "t1",
		BotID:      "bot-a",
	})
	require.Empty(t, s.out)

	// Pool lifecycle events carry no campaign and always stream.
	s.forward(events.Event{
		Kind:      events.BotInitialized,
		TS:        time.Now().UTC(),
		BotID:     "bot-a",
		BotStatus: extraction.BotIdle,
	})
	require.Len(t, s.out, 1)
}
