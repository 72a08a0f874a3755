package nats

import (
	"fmt"
	"sync"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens a NATS connection and returns the function that releases it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// ConnectConfig is read from CQRS_NATS_* environment variables by
// app-level configuration.
type ConnectConfig struct {
	URL           string `env:"URL" envDefault:"nats://127.0.0.1:4222"`
	Name          string `env:"CLIENT_NAME" envDefault:"cqrs-go"`
	MaxReconnects int    `env:"MAX_RECONNECTS" envDefault:"3"`
}

// ReuseConnection shares one connection between every caller of the returned
// Connector. The connection is closed when the last lease is released.
func ReuseConnection(connect Connector) Connector {
	var (
		mu       sync.Mutex
		nc       *natsgo.Conn
		closeCon closeFunc
		leased   int
	)
	release := func() {
		mu.Lock()
		defer mu.Unlock()
		if leased == 0 {
			return
		}
		leased--
		if leased == 0 {
			closeCon()
			nc = nil
		}
	}
	return func() (*natsgo.Conn, closeFunc, error) {
		mu.Lock()
		defer mu.Unlock()
		if nc == nil {
			var err error
			if nc, closeCon, err = connect(); err != nil {
				return nil, nil, err
			}
		}
		leased++
		var once sync.Once
		return nc, func() { once.Do(release) }, nil
	}
}

func Connect(cfg ConnectConfig) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		nc, err := natsgo.Connect(
			cfg.URL,
			natsgo.Name(cfg.Name),
			natsgo.MaxReconnects(cfg.MaxReconnects),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
		}
		return nc, func() { nc.Close() }, nil
	}
}

func ConnectURL(natsURL string) Connector {
	return Connect(ConnectConfig{URL: natsURL, Name: "cqrs-go", MaxReconnects: 3})
}
