package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/metrics"
	"github.com/placehunter/extraction-engine/internal/wire"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
)

// streamKinds are the event kinds forwarded to subscribed sessions.
var streamKinds = []events.Kind{
	events.BotInitialized,
	events.BotTaskAssigned,
	events.BotSnapshotCaptured,
	events.BotTaskCompleted,
	events.BotError,
	events.BotClosed,
	events.TaskStarted,
	events.TaskCompleted,
	events.TaskFailed,
}

// outItem is one queued outbound message.
type outItem struct {
	payload any
	msgType string
}

// session is one client connection. The read loop owns command handling, a
// writer goroutine owns the socket's write side, and bus handlers feed the
// bounded outbound queue. When the queue is full, snapshots coalesce to the
// latest per bot; anything else waits briefly and then fails the session.
type session struct {
	g    *Gateway
	conn *websocket.Conn
	log  *zap.Logger

	out   chan outItem
	nudge chan struct{}
	done  chan struct{}
	once  sync.Once

	mu         sync.Mutex
	campaignID string
	subs       []*events.Subscription
	pending    map[string]wire.BotSnapshotMessage
}

func newSession(g *Gateway, conn *websocket.Conn, log *zap.Logger) *session {
	if log == nil {
		log = g.logger
	}
	return &session{
		g:       g,
		conn:    conn,
		log:     log,
		out:     make(chan outItem, g.cfg.OutboundBuffer),
		nudge:   make(chan struct{}, 1),
		done:    make(chan struct{}),
		pending: make(map[string]wire.BotSnapshotMessage),
	}
}

// run reads client frames until the connection drops. Commands and queries
// are handled one at a time, in arrival order.
func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.close()

	go s.writePump()

	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("stream read ended", zap.Error(err))
			}
			return
		}
		s.dispatch(ctx, raw)
	}
}

// dispatch handles one inbound frame. A handler panic is contained to the
// frame that caused it.
func (s *session) dispatch(ctx context.Context, raw []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			s.log.Error("stream handler panicked", zap.Any("panic", rec))
			s.send(wire.NewError("internal error", s.now()), wire.TypeError)
		}
	}()

	var in wire.Inbound
	if err := json.Unmarshal(raw, &in); err != nil {
		s.send(wire.NewError("invalid message: "+err.Error(), s.now()), wire.TypeError)
		return
	}

	switch in.Type {
	case wire.TypeCommand:
		s.send(s.handleCommand(ctx, in), wire.TypeCommandResult)
	case wire.TypeQuery:
		s.send(s.handleQuery(ctx, in), wire.TypeQueryResult)
	case wire.TypeSubscribe:
		s.handleSubscribe(in)
	case wire.TypeAutoStart:
		s.handleAutoStart(ctx, in)
	default:
		s.send(wire.NewError(fmt.Sprintf("unknown message type %q", in.Type), s.now()), wire.TypeError)
	}
}

// startResult is the command_result data for start_extraction.
type startResult struct {
	CampaignID string `json:"campaign_id"`
	TotalTasks int    `json:"total_tasks"`
	NumBots    int    `json:"num_bots"`
	Message    string `json:"message"`
}

func (s *session) handleCommand(ctx context.Context, in wire.Inbound) wire.CommandResult {
	switch in.Command {
	case "start_extraction":
		var p wire.StartPayload
		if err := decode(in.Data, &p); err != nil {
			return wire.FailedCommand(in.Command, err, s.now())
		}
		res, err := s.startExtraction(ctx, p, false)
		if err != nil {
			return wire.FailedCommand(in.Command, err, s.now())
		}
		return wire.NewCommandResult(in.Command, res, s.now())

	case "pause_extraction":
		id, err := s.scopeArg(in.Data)
		if err != nil {
			return wire.FailedCommand(in.Command, err, s.now())
		}
		if err := s.g.control.Pause(ctx, id); err != nil {
			return wire.FailedCommand(in.Command, err, s.now())
		}
		return wire.NewCommandResult(in.Command, wire.ScopePayload{CampaignID: id}, s.now())

	case "cancel_extraction":
		id, err := s.scopeArg(in.Data)
		if err != nil {
			return wire.FailedCommand(in.Command, err, s.now())
		}
		if err := s.g.control.Cancel(ctx, id); err != nil {
			return wire.FailedCommand(in.Command, err, s.now())
		}
		return wire.NewCommandResult(in.Command, wire.ScopePayload{CampaignID: id}, s.now())

	default:
		return wire.FailedCommand(in.Command, fmt.Errorf("unknown command: %s", in.Command), s.now())
	}
}

func (s *session) handleQuery(ctx context.Context, in wire.Inbound) wire.QueryResult {
	switch in.Query {
	case "get_status":
		id, err := s.scopeArg(in.Data)
		if err != nil {
			return wire.FailedQuery(in.Query, err, s.now())
		}
		st, err := s.g.control.Status(ctx, id)
		if err != nil {
			return wire.FailedQuery(in.Query, err, s.now())
		}
		return wire.NewQueryResult(in.Query, wire.FromStatus(st), s.now())

	case "get_statistics":
		id, err := s.scopeArg(in.Data)
		if err != nil {
			return wire.FailedQuery(in.Query, err, s.now())
		}
		stats, err := s.g.control.Statistics(ctx, id)
		if err != nil {
			return wire.FailedQuery(in.Query, err, s.now())
		}
		return wire.NewQueryResult(in.Query, wire.FromStatistics(stats), s.now())

	case "get_bot_info":
		return wire.NewQueryResult(in.Query, wire.FromBotReport(s.g.reporter.BotReport()), s.now())

	default:
		return wire.FailedQuery(in.Query, fmt.Errorf("unknown query: %s", in.Query), s.now())
	}
}

func (s *session) handleSubscribe(in wire.Inbound) {
	var p wire.ScopePayload
	if err := decode(in.Data, &p); err != nil {
		s.send(wire.NewError(err.Error(), s.now()), wire.TypeError)
		return
	}
	if p.CampaignID == "" {
		s.send(wire.NewError("campaign_id is required", s.now()), wire.TypeError)
		return
	}
	s.bind(p.CampaignID)
	s.send(wire.NewStreamStarted(p.CampaignID, s.now()), wire.TypeStreamStarted)
}

// handleAutoStart subscribes and starts in one round trip: the session binds
// to the campaign before the run begins so no early event is missed.
func (s *session) handleAutoStart(ctx context.Context, in wire.Inbound) {
	var p wire.StartPayload
	if err := decode(in.Data, &p); err != nil {
		s.send(wire.NewError(err.Error(), s.now()), wire.TypeError)
		return
	}
	res, err := s.startExtraction(ctx, p, true)
	if err != nil {
		s.send(wire.FailedCommand("start_extraction", err, s.now()), wire.TypeCommandResult)
		return
	}
	s.send(wire.NewCommandResult("start_extraction", res, s.now()), wire.TypeCommandResult)
}

func (s *session) startExtraction(ctx context.Context, p wire.StartPayload, subscribe bool) (startResult, error) {
	c, err := s.resolveCampaign(ctx, p)
	if err != nil {
		return startResult{}, err
	}
	if subscribe {
		s.bind(c.ID)
		s.send(wire.NewStreamStarted(c.ID, s.now()), wire.TypeStreamStarted)
	}
	if err := s.g.control.Start(ctx, c.ID); err != nil {
		return startResult{}, err
	}
	return startResult{
		CampaignID: c.ID,
		TotalTasks: c.TotalTasks,
		NumBots:    c.Config.MaxBots,
		Message:    "Extraction started",
	}, nil
}

// resolveCampaign loads the named campaign, creates one from the inline
// spec, or falls back to the built-in demo scope when no location is given.
func (s *session) resolveCampaign(ctx context.Context, p wire.StartPayload) (*extraction.Campaign, error) {
	if p.CampaignID != "" {
		return s.g.control.Get(ctx, p.CampaignID)
	}
	if p.CountryCode == "" && p.CityGeonameID == 0 {
		return s.g.control.CreateDemo(ctx, p.Seed(), p.BotCount())
	}
	return s.g.control.Create(ctx, extraction.CampaignConfig{
		Activity:      p.Seed(),
		CountryCode:   p.CountryCode,
		Admin1Code:    p.Admin1Code,
		Admin2Code:    p.Admin2Code,
		CityGeonameID: p.CityGeonameID,
		LocationName:  p.LocationName,
		ISOLanguage:   p.ISOLanguage,
		Locale:        p.Locale,
		MinPopulation: p.MinPopulation,
		MaxResults:    p.MaxResults,
		MinRating:     p.MinRating,
		MaxBots:       p.BotCount(),
	})
}

// scopeArg reads the campaign id from the payload, falling back to the
// session's bound campaign.
func (s *session) scopeArg(data json.RawMessage) (string, error) {
	var p wire.ScopePayload
	if err := decode(data, &p); err != nil {
		return "", err
	}
	if p.CampaignID != "" {
		return p.CampaignID, nil
	}
	if id := s.scope(); id != "" {
		return id, nil
	}
	return "", errors.New("campaign_id is required")
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// bind points the session's event subscriptions at one campaign, replacing
// any previous binding.
func (s *session) bind(campaignID string) {
	s.mu.Lock()
	old := s.subs
	s.subs = nil
	s.campaignID = campaignID
	s.mu.Unlock()
	for _, sub := range old {
		sub.Unsubscribe()
	}

	subs := make([]*events.Subscription, 0, len(streamKinds))
	for _, kind := range streamKinds {
		subs = append(subs, s.g.bus.Subscribe(kind, s.forward))
	}
	s.mu.Lock()
	s.subs = subs
	s.mu.Unlock()

	// The session may have failed while we were subscribing.
	select {
	case <-s.done:
		s.unsubscribeAll()
	default:
	}
}

func (s *session) scope() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.campaignID
}

func (s *session) unsubscribeAll() {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

// forward is the bus handler. It must not block event dispatch: snapshots
// coalesce under backpressure and everything else waits at most the enqueue
// timeout before the session is declared too slow.
func (s *session) forward(evt events.Event) {
	if evt.CampaignID != "" && evt.CampaignID != s.scope() {
		return
	}
	msg, ok := wire.FromEvent(evt)
	if !ok {
		return
	}

	if evt.Kind == events.BotSnapshotCaptured {
		s.forwardSnapshot(msg.(wire.BotSnapshotMessage))
		return
	}

	select {
	case s.out <- outItem{payload: msg, msgType: messageType(evt.Kind)}:
	case <-s.done:
	case <-time.After(s.g.cfg.EnqueueTimeout):
		s.protocolFailure("outbound buffer overflow")
	}
}

// forwardSnapshot keeps at most one in-flight snapshot per bot once the
// queue backs up, always preferring the newest frame.
func (s *session) forwardSnapshot(snap wire.BotSnapshotMessage) {
	botID := snap.Data.BotID

	s.mu.Lock()
	if _, queued := s.pending[botID]; queued {
		s.pending[botID] = snap
		s.mu.Unlock()
		metrics.ObserveWSSnapshotDrop()
		s.nudgeWriter()
		return
	}
	s.mu.Unlock()

	select {
	case s.out <- outItem{payload: snap, msgType: wire.TypeBotSnapshot}:
	default:
		s.mu.Lock()
		s.pending[botID] = snap
		s.mu.Unlock()
		metrics.ObserveWSSnapshotDrop()
		s.nudgeWriter()
	}
}

func (s *session) nudgeWriter() {
	select {
	case s.nudge <- struct{}{}:
	default:
	}
}

// takePending drains the coalesced snapshots in stable bot order.
func (s *session) takePending() []outItem {
	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		return nil
	}
	snaps := s.pending
	s.pending = make(map[string]wire.BotSnapshotMessage)
	s.mu.Unlock()

	ids := make([]string, 0, len(snaps))
	for id := range snaps {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	items := make([]outItem, 0, len(ids))
	for _, id := range ids {
		items = append(items, outItem{payload: snaps[id], msgType: wire.TypeBotSnapshot})
	}
	return items
}

// send queues a direct reply to the client.
func (s *session) send(payload any, msgType string) {
	select {
	case s.out <- outItem{payload: payload, msgType: msgType}:
	case <-s.done:
	case <-time.After(s.g.cfg.EnqueueTimeout):
		s.protocolFailure("outbound buffer overflow")
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case item := <-s.out:
			if !s.write(item) {
				return
			}
		case <-s.nudge:
			for _, item := range s.takePending() {
				if !s.write(item) {
					return
				}
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *session) write(item outItem) bool {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(item.payload); err != nil {
		s.log.Debug("stream write failed", zap.Error(err))
		s.close()
		return false
	}
	metrics.ObserveWSMessage(item.msgType)
	return true
}

// protocolFailure closes the session with a policy-violation close frame.
func (s *session) protocolFailure(reason string) {
	s.log.Warn("closing stream session", zap.String("reason", reason))
	msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	s.close()
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.unsubscribeAll()
		_ = s.conn.Close()
	})
}

func (s *session) now() time.Time {
	return s.g.clock.Now()
}

func messageType(kind events.Kind) string {
	switch kind {
	case events.BotSnapshotCaptured:
		return wire.TypeBotSnapshot
	case events.BotError:
		return wire.TypeBotError
	default:
		return wire.TypeBotStatus
	}
}
