package notify

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer runs an in-process NATS server. Tests and single-node
// deployments use it instead of an external broker.
type EmbeddedServer struct {
	srv *server.Server
}

// StartEmbeddedServer starts a server on a random localhost port.
func StartEmbeddedServer() (*EmbeddedServer, error) {
	srv, err := server.NewServer(&server.Options{
		Host: "127.0.0.1",
		Port: -1,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded nats server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		srv.Shutdown()
		return nil, fmt.Errorf("embedded nats server not ready")
	}
	return &EmbeddedServer{srv: srv}, nil
}

// URL returns the client connection URL.
func (e *EmbeddedServer) URL() string {
	return e.srv.ClientURL()
}

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	e.srv.Shutdown()
	e.srv.WaitForShutdown()
}
