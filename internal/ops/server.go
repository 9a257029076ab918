// Package ops is the operator HTTP API: health, metrics, notification
// control, directory import and optional pprof.
//
// Security:
//   - Prefer binding to localhost (default).
//   - A non-loopback address requires Token.
package ops

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"herald/internal/directory"
	"herald/internal/notification"
	"herald/internal/notifier/orchestrator"
	rtsup "herald/internal/runtime/supervisor"
	logx "herald/pkg/logx"
)

const DefaultAddr = "127.0.0.1:8086"

type Config struct {
	Addr  string
	Token string
	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type Notifications interface {
	CreateNotification(ctx context.Context, rec notification.Record) (notification.Record, error)
	GetNotification(ctx context.Context, id string) (notification.Record, error)
}

// Control starts and steers orchestrations.
type Control interface {
	Dispatch(ctx context.Context, id string) (notification.Record, error)
	Cancel(ctx context.Context, id string) (notification.Record, error)
	ForceComplete(ctx context.Context, id string) error
	Progress(ctx context.Context, id string) (orchestrator.Progress, error)
}

type Members interface {
	ImportMembers(ctx context.Context, kind directory.GroupKind, groupID string, memberIDs []string) error
}

// Deps are the services behind the routes. Metrics, Health and Runtime are
// optional.
type Deps struct {
	Notifications Notifications
	Control       Control
	Members       Members
	Metrics       http.Handler
	Health        func(ctx context.Context) error
	Runtime       func() any
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router *gin.Engine

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
	sup *rtsup.Supervisor
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		// pprof profile and trace stream for up to 30s by default.
		cfg.WriteTimeout = 45 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.Component("ops"))}
	s.router = s.routes()
	return s
}

// Handler returns the routed API without a listener.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves under a restarting supervisor.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Token == "" && !isLoopbackAddr(s.cfg.Addr) {
		return errors.New("ops: non-loopback addr requires a token")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return nil
	}
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	s.sup.GoRestart("ops.http", s.serveOnce, rtsup.WithRestartBackoff(500*time.Millisecond, 10*time.Second))
	s.log.Info("ops api started", logx.String("addr", ln.Addr().String()), logx.Bool("token_set", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) serveOnce(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	if ln == nil {
		// A previous run closed it; bind again.
		var err error
		if ln, err = net.Listen("tcp", s.cfg.Addr); err != nil {
			s.mu.Unlock()
			return err
		}
		s.ln = ln
	}
	srv := &http.Server{
		Handler:      s.router,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  s.cfg.IdleTimeout,
	}
	s.srv = srv
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		cctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = srv.Shutdown(cctx)
		cancel()
	}()

	err := srv.Serve(ln)

	s.mu.Lock()
	if s.srv == srv {
		s.srv = nil
		s.ln = nil
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return context.Canceled
	}
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return errors.New("ops server exited unexpectedly")
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()
	if sup == nil {
		return nil
	}
	// Canceling the supervisor shuts the server down from serveOnce.
	err := sup.Stop(ctx)
	s.log.Info("ops api stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func isLoopbackAddr(addr string) bool {
	h, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	h = strings.TrimSpace(h)
	if h == "" {
		// all interfaces
		return false
	}
	if strings.EqualFold(h, "localhost") {
		return true
	}
	ip := net.ParseIP(h)
	return ip != nil && ip.IsLoopback()
}
