package dig

import (
	"sync"

	"github.com/Sunmxt/consul-watch/config"
)

type Connector interface {
	Connect(cfg *config.Config) (Client, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(cfg *config.Config) (Client, error)

func (f ConnectorFunc) Connect(cfg *config.Config) (Client, error) {
	return f(cfg)
}

var (
	driverLock sync.RWMutex
	drivers    = map[string]Connector{}
)

func RegisterDriver(driver string, connector Connector) error {
	if connector == nil {
		return ErrInvalidConnector
	}

	driverLock.Lock()
	defer driverLock.Unlock()
	if c, ok := drivers[driver]; ok && c != nil {
		return ErrDriverExist
	}
	drivers[driver] = connector

	return nil
}

// Connect opens client of registered driver.
func Connect(driver string, cfg *config.Config) (Client, error) {
	if cfg == nil {
		return nil, ErrInvalidArguments
	}
	driverLock.RLock()
	connector, ok := drivers[driver]
	driverLock.RUnlock()
	if !ok || connector == nil {
		return nil, ErrDriverMissing
	}
	return connector.Connect(cfg)
}
