package state

import (
	"context"
)

// PersistenceGateway stores and loads channel data in the flat stored shape
// produced by normalize.ChannelDataToDBShape: channel row fields plus the
// video list under "video_id". Writes are upserts keyed by channel_id, and
// each entity write is atomic on its own; there are no cross-entity transactions.
type PersistenceGateway interface {
	// GetChannelData returns the stored data of a channel looked up by ID or,
	// failing that, by channel name. It returns nil and no error when nothing is stored.
	GetChannelData(ctx context.Context, channelIDOrTitle string) (map[string]interface{}, error)

	// StoreChannelData upserts a channel, its videos and their comments.
	StoreChannelData(ctx context.Context, data map[string]interface{}) error

	// Close releases the backend.
	Close() error
}

// GatewayFactory creates the appropriate gateway implementation
type GatewayFactory interface {
	Create(config Config) (PersistenceGateway, error)
}

// Storage backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendDapr   = "dapr"
)

// Config selects and configures a persistence backend.
type Config struct {
	Backend string

	SQLiteConfig *SQLiteConfig
	DaprConfig   *DaprConfig
}

// SQLiteConfig contains SQLite-specific configuration
type SQLiteConfig struct {
	Path string
}

// DaprConfig contains Dapr-specific configuration
type DaprConfig struct {
	StateStoreName string
	GRPCPort       string
}
