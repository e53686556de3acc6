package transport

import (
	"fmt"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

const (
	embeddedMaxMem   = 256 << 20
	embeddedMaxStore = 1 << 30
)

// EmbeddedServer is an in-process NATS server with JetStream, used by
// `rl serve` when no external server is configured and by tests.
type EmbeddedServer struct {
	server *server.Server
}

// StartEmbedded starts a JetStream-enabled server storing its data in
// storeDir. A negative port picks a free one.
func StartEmbedded(storeDir string, port int) (*EmbeddedServer, error) {
	if err := os.MkdirAll(storeDir, 0o700); err != nil {
		return nil, fmt.Errorf("create NATS store dir: %w", err)
	}
	opts := &server.Options{
		ServerName:         "reportline",
		Host:               "127.0.0.1",
		Port:               port,
		JetStream:          true,
		JetStreamMaxMemory: embeddedMaxMem,
		JetStreamMaxStore:  embeddedMaxStore,
		StoreDir:           storeDir,
		NoLog:              true,
		NoSigs:             true,
	}
	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server failed to become ready within 10 seconds")
	}
	return &EmbeddedServer{server: ns}, nil
}

// URL is the client URL of the running server.
func (s *EmbeddedServer) URL() string {
	return s.server.ClientURL()
}

func (s *EmbeddedServer) Shutdown() {
	if s.server != nil {
		s.server.Shutdown()
		s.server.WaitForShutdown()
	}
}
