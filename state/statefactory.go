package state

import (
	"fmt"
)

// DefaultGatewayFactory is the default implementation of GatewayFactory
type DefaultGatewayFactory struct{}

// Create returns a gateway implementation based on the configuration
func (f *DefaultGatewayFactory) Create(config Config) (PersistenceGateway, error) {
	switch config.Backend {
	case BackendSQLite, "":
		path := defaultSQLitePath
		if config.SQLiteConfig != nil && config.SQLiteConfig.Path != "" {
			path = config.SQLiteConfig.Path
		}
		return NewSQLiteGateway(path)
	case BackendDapr:
		return NewDaprGateway(config)
	case BackendMemory:
		return NewMemoryGateway(), nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", config.Backend)
}
