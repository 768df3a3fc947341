// Package ws serves the real-time extraction stream: one WebSocket session
// per client, carrying commands, queries and forwarded domain events.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/placehunter/extraction-engine/internal/campaign"
	"github.com/placehunter/extraction-engine/internal/events"
	"github.com/placehunter/extraction-engine/internal/extraction"
	"github.com/placehunter/extraction-engine/internal/metrics"
	"github.com/placehunter/extraction-engine/internal/orchestrator"
)

// CampaignControl is the slice of the campaign service the gateway drives.
type CampaignControl interface {
	Create(ctx context.Context, cfg extraction.CampaignConfig) (*extraction.Campaign, error)
	CreateDemo(ctx context.Context, activity string, maxBots int) (*extraction.Campaign, error)
	Get(ctx context.Context, id string) (*extraction.Campaign, error)
	Start(ctx context.Context, id string) error
	Pause(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
	Status(ctx context.Context, id string) (*campaign.Status, error)
	Statistics(ctx context.Context, id string) (*campaign.Statistics, error)
}

// BotReporter supplies the live pool view for get_bot_info.
type BotReporter interface {
	BotReport() orchestrator.BotReport
}

// Config tunes per-session stream behavior.
type Config struct {
	// OutboundBuffer bounds the per-session outbound queue.
	OutboundBuffer int
	// EnqueueTimeout is how long a non-snapshot message may wait for buffer
	// space before the session is closed as too slow.
	EnqueueTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.OutboundBuffer <= 0 {
		c.OutboundBuffer = 64
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 2 * time.Second
	}
}

// Gateway upgrades stream connections and runs one session per client.
type Gateway struct {
	cfg      Config
	control  CampaignControl
	reporter BotReporter
	bus      *events.Bus
	clock    extraction.Clock
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// New wires the gateway. A nil logger is replaced with a no-op one.
func New(cfg Config, control CampaignControl, reporter BotReporter, bus *events.Bus, clock extraction.Clock, logger *zap.Logger) *Gateway {
	cfg.setDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		cfg:      cfg,
		control:  control,
		reporter: reporter,
		bus:      bus,
		clock:    clock,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The stream is consumed by first-party clients on arbitrary
			// origins; auth happens upstream of this endpoint.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and serves the session until either side
// closes it. Extraction runs started through the session outlive it.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	metrics.IncWSSessions()
	defer metrics.DecWSSessions()

	log := g.logger.With(
		zap.String("session_id", uuid.NewString()),
		zap.String("remote", r.RemoteAddr),
	)
	log.Info("stream session opened")
	s := newSession(g, conn, log)
	s.run()
	log.Info("stream session closed")
}
