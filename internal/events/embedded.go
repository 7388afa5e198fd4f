package events

import (
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
)

// StartEmbeddedNATS runs an in-process NATS server on host:port (port -1
// picks a free one) and waits until it accepts connections. Callers
// connect with NewNATSBus(srv.ClientURL()) and stop it with Shutdown.
func StartEmbeddedNATS(host string, port int) (*natsserver.Server, error) {
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating embedded NATS: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded NATS on %s:%d not ready", host, port)
	}
	return srv, nil
}
