package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/louisbranch/proctorvision/internal/platform/timeouts"
	"github.com/louisbranch/proctorvision/internal/services/proctor/continuousauth"
	"github.com/louisbranch/proctorvision/internal/services/proctor/escalation"
	"github.com/louisbranch/proctorvision/internal/services/proctor/quiz"
	"github.com/louisbranch/proctorvision/internal/services/proctor/registry"
	"github.com/louisbranch/proctorvision/internal/services/proctor/rooms"
	"github.com/louisbranch/proctorvision/internal/services/proctor/storage"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"
	"golang.org/x/sync/errgroup"
)

// DefaultMaxConnections caps concurrently accepted sockets.
const DefaultMaxConnections = 2048

// Config defines the inputs for the proctoring HTTP/WebSocket boundary.
//
// Storage and the identity collaborator are owned by the caller; the server
// only borrows them.
type Config struct {
	HTTPAddr          string
	MaxConnections    int
	HeartbeatTimeout  time.Duration
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// TokenSecret enables HS256 bearer verification on the HTTP API.
	TokenSecret string
	// Locale selects the language of AUTO_END messages.
	Locale string

	Accounts    storage.AccountStore
	Escalations storage.EscalationJournal
	Identity    continuousauth.Identity
	Logger      *zap.Logger
}

// Services composes the proctoring components. Each is independently
// locked; the wiring below is the only place they learn about each other.
type Services struct {
	Registry   *registry.Registry
	Rooms      *rooms.Hub
	Quiz       *quiz.Controller
	Auth       *continuousauth.Engine
	Escalation *escalation.Dispatcher
}

// ServiceOptions configures NewServices.
type ServiceOptions struct {
	Logger    *zap.Logger
	Locale    string
	Journal   escalation.Journal
	Now       func() time.Time
	AfterFunc quiz.AfterFunc
	Policy    *continuousauth.Policy
}

// NewServices builds and wires every proctoring component.
func NewServices(id continuousauth.Identity, opts ServiceOptions) *Services {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	reg := registry.New(logger.Named("registry"))
	hub := rooms.NewHub(reg, reg, logger.Named("rooms"))
	controller := quiz.NewController(hub, reg, quiz.Options{
		Logger:    logger.Named("quiz"),
		Locale:    opts.Locale,
		Now:       opts.Now,
		AfterFunc: opts.AfterFunc,
	})
	engine := continuousauth.NewEngine(id, continuousauth.Options{
		Policy: opts.Policy,
		Logger: logger.Named("continuousauth"),
		Now:    opts.Now,
	})
	dispatcher := escalation.NewDispatcher(reg, hub, controller, reg, escalation.Options{
		Journal: opts.Journal,
		Logger:  logger.Named("escalation"),
		Now:     opts.Now,
	})

	reg.OnDisconnect(hub.RemoveParticipant)
	hub.SetSyncer(controller)

	return &Services{
		Registry:   reg,
		Rooms:      hub,
		Quiz:       controller,
		Auth:       engine,
		Escalation: dispatcher,
	}
}

// Server hosts the proctoring HTTP/WebSocket process.
type Server struct {
	httpAddr        string
	maxConnections  int
	shutdownTimeout time.Duration
	httpServer      *http.Server
	handler         *handler
	logger          *zap.Logger
}

// NewServer builds a configured proctoring server.
func NewServer(config Config) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.Accounts == nil {
		return nil, errors.New("account store is required")
	}
	if config.Identity == nil {
		return nil, errors.New("identity service is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.MaxConnections <= 0 {
		config.MaxConnections = DefaultMaxConnections
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	var journal escalation.Journal
	if config.Escalations != nil {
		journal = config.Escalations
	}
	services := NewServices(config.Identity, ServiceOptions{
		Logger:  logger,
		Locale:  config.Locale,
		Journal: journal,
	})
	h := newHandler(services, HandlerConfig{
		Accounts:         config.Accounts,
		Escalations:      config.Escalations,
		TokenSecret:      config.TokenSecret,
		HeartbeatTimeout: config.HeartbeatTimeout,
		Logger:           logger,
	})

	return &Server{
		httpAddr:        httpAddr,
		maxConnections:  config.MaxConnections,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           h.routes(),
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
		handler: h,
		logger:  logger,
	}, nil
}

// Run creates and serves a proctoring server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServer(config)
	if err != nil {
		return fmt.Errorf("init proctor server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve proctor: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("proctor server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	listener, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.httpAddr, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections on listener until the context ends.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	if s == nil {
		return errors.New("proctor server is nil")
	}
	listener = netutil.LimitListener(listener, s.maxConnections)
	s.logger.Info("proctor server listening",
		zap.String("addr", listener.Addr().String()),
		zap.Int("max_connections", s.maxConnections),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve http: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		// Hijacked websocket connections are not tracked by Shutdown.
		s.handler.closeAll()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Handler exposes the server routes.
func (s *Server) Handler() http.Handler {
	if s == nil {
		return nil
	}
	return s.httpServer.Handler
}

// Close waits for background escalation work to drain.
func (s *Server) Close() {
	if s == nil || s.handler == nil {
		return
	}
	s.handler.wait()
}
