package natsbus

import (
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EmbeddedServer runs an in-process NATS server so a standalone region (or a
// test) needs no external broker.
type EmbeddedServer struct {
	ns *server.Server

	startupTimeout time.Duration
	host           string
	port           int
}

type EmbeddedOpt func(*EmbeddedServer)

func WithHost(host string) EmbeddedOpt { return func(s *EmbeddedServer) { s.host = host } }
func WithPort(port int) EmbeddedOpt    { return func(s *EmbeddedServer) { s.port = port } }

func NewEmbeddedServer(opts ...EmbeddedOpt) (*EmbeddedServer, error) {
	s := &EmbeddedServer{
		startupTimeout: 10 * time.Second,
		host:           "127.0.0.1",
		port:           -1, // random free port
	}
	for _, opt := range opts {
		opt(s)
	}

	ns, err := server.NewServer(&server.Options{
		Host:   s.host,
		Port:   s.port,
		NoSigs: true, // the application owns signal handling
	})
	if err != nil {
		return nil, err
	}
	s.ns = ns
	return s, nil
}

func (s *EmbeddedServer) Start() error {
	s.ns.Start()
	if !s.ns.ReadyForConnections(s.startupTimeout) {
		return fmt.Errorf("nats server not ready for connections")
	}
	return nil
}

func (s *EmbeddedServer) ClientURL() string { return s.ns.ClientURL() }

// Connect opens a client connection to the embedded server.
func (s *EmbeddedServer) Connect() (*nats.Conn, error) {
	return nats.Connect(s.ClientURL())
}

func (s *EmbeddedServer) Shutdown() {
	s.ns.Shutdown()
	s.ns.WaitForShutdown()
}
