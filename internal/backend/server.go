package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/cory-johannsen/matchrelay/internal/config"
	"github.com/cory-johannsen/matchrelay/internal/observability"
	"github.com/cory-johannsen/matchrelay/internal/server"
)

// Stores are the persistence backends a Server is built on.
type Stores struct {
	Accounts AccountStore
	Objects  ObjectStore
	Records  RecordStore
}

// MemoryStores returns empty in-memory stores.
func MemoryStores() Stores {
	return Stores{
		Accounts: NewMemoryAccounts(),
		Objects:  NewMemoryObjects(),
		Records:  NewMemoryRecords(),
	}
}

// Server is the development backend: the HTTP API, the realtime socket and
// the gRPC health service, sharing one set of registries.
type Server struct {
	cfg     config.DevServerConfig
	logger  *zap.Logger
	metrics *observability.Metrics

	accounts     *Accounts
	tokens       *Tokens
	sessions     *Sessions
	matches      *Matches
	matchmaker   *Matchmaker
	storage      *Storage
	leaderboards *Leaderboards
	rpc          *RPC
	health       *Health

	handler http.Handler
}

// NewServer wires every registry over stores and builds the HTTP router.
//
// Precondition: cfg must be valid; every store and logger must be non-nil.
// Postcondition: Returns a Server ready to serve, or an error loading scripts or leaderboards.
func NewServer(cfg config.DevServerConfig, stores Stores, metrics *observability.Metrics, logger *zap.Logger) (*Server, error) {
	defs := DefaultLeaderboards()
	if cfg.LeaderboardsFile != "" {
		loaded, err := LoadLeaderboards(cfg.LeaderboardsFile)
		if err != nil {
			return nil, err
		}
		defs = loaded
	}

	tokens := NewTokens(cfg.TokenKey, cfg.TokenTTL)
	matches := NewMatches(cfg.MaxMatchSize, logger, metrics)
	rpc, err := NewRPC(matches, cfg.ScriptsDir, cfg.InstructionLimit, metrics, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:          cfg,
		logger:       logger,
		metrics:      metrics,
		accounts:     NewAccounts(stores.Accounts, logger),
		tokens:       tokens,
		sessions:     NewSessions(),
		matches:      matches,
		matchmaker:   NewMatchmaker(matches, tokens, logger, metrics),
		storage:      NewStorage(stores.Objects),
		leaderboards: NewLeaderboards(defs, stores.Records),
		rpc:          rpc,
		health:       NewHealth(),
	}
	s.handler = s.newHandler()
	return s, nil
}

// Handler returns the HTTP handler serving the API and the realtime socket.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// newHandler routes /ws to the socket upgrade on the raw ResponseWriter and
// everything else to the gin engine. gin's writer refuses to hijack once the
// upgrade has written its 101 status.
func (s *Server) newHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleSocket)
	mux.Handle("/", s.newRouter())
	return mux
}

// Health returns the gRPC health service.
func (s *Server) Health() *Health {
	return s.health
}

// HTTPService returns a lifecycle service serving Handler on cfg.Addr().
func (s *Server) HTTPService() server.Service {
	srv := &http.Server{
		Addr:              s.cfg.Addr(),
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return &server.FuncService{
		StartFn: func() error {
			s.logger.Info("http server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("serving http on %s: %w", srv.Addr, err)
			}
			return nil
		},
		StopFn: func() {
			s.health.Shutdown()
			s.DisconnectAll()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(ctx); err != nil {
				s.logger.Warn("http shutdown", zap.Error(err))
			}
		},
	}
}

// GRPCService returns a lifecycle service serving gRPC health on cfg.GRPCAddr().
func (s *Server) GRPCService() server.Service {
	grpcServer := grpc.NewServer()
	s.health.Register(grpcServer)

	return &server.FuncService{
		StartFn: func() error {
			lis, err := net.Listen("tcp", s.cfg.GRPCAddr())
			if err != nil {
				return fmt.Errorf("listening on %s: %w", s.cfg.GRPCAddr(), err)
			}
			s.logger.Info("gRPC server listening",
				zap.String("addr", lis.Addr().String()),
			)
			return grpcServer.Serve(lis)
		},
		StopFn: func() {
			grpcServer.GracefulStop()
		},
	}
}

// DisconnectAll drops every realtime socket. Hijacked connections are not
// closed by http.Server.Shutdown.
func (s *Server) DisconnectAll() {
	if n := s.sessions.CloseAll(); n > 0 {
		s.logger.Info("disconnecting realtime sessions", zap.Int("count", n))
	}
}

// Close drops realtime sockets and releases the script runtime.
func (s *Server) Close() {
	s.DisconnectAll()
	s.rpc.Close()
}
