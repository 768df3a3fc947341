package extraction

// BotStatus represents the lifecycle state of one pooled browser session.
type BotStatus string

// Bot status values surfaced over the stream.
const (
	BotInitializing BotStatus = "initializing"
	BotIdle         BotStatus = "idle"
	BotProcessing   BotStatus = "processing"
	BotErrored      BotStatus = "error"
	BotClosed       BotStatus = "closed"
)

// BotInfo is a point-in-time view of one bot for status queries.
type BotInfo struct {
	ID     string
	Status BotStatus
	TaskID string
}
