package testutil

import (
	"net"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/matchrelay/internal/backend"
	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/observability"
)

// ServerKey is the server key accepted by NewBackend.
const ServerKey = "testutil-server-key"

// Backend is an in-process development backend on a loopback port.
type Backend struct {
	Server *backend.Server
	HTTP   *httptest.Server
	// Client addresses HTTP and the realtime socket of this backend.
	Client config.ClientConfig
}

// NewBackend starts a memory-backed backend for the duration of the test.
//
// Postcondition: Returns a serving Backend closed on test cleanup, or fails the test.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	cfg := config.DevServerConfig{
		Host:          "127.0.0.1",
		ServerKey:     ServerKey,
		TokenKey:      "testutil-token-key",
		TokenTTL:      time.Hour,
		MaxMatchSize:  8,
		SessionBuffer: 256,
		Store:         "memory",
	}
	srv, err := backend.NewServer(cfg, backend.MemoryStores(), observability.NewMetrics(), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("creating backend: %v", err)
	}
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		srv.Close()
		ts.Close()
	})

	u, err := url.Parse(ts.URL)
	if err != nil {
		t.Fatalf("parsing backend url: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("splitting backend address: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parsing backend port: %v", err)
	}

	return &Backend{
		Server: srv,
		HTTP:   ts,
		Client: config.ClientConfig{
			ServerKey: ServerKey,
			Host:      host,
			Port:      port,
			Protocol:  "http",
			Timeout:   5 * time.Second,
		},
	}
}
