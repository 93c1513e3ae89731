package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/marcus/kept/internal/rowstore"
	"golang.org/x/sync/errgroup"
)

// pruneInterval is how often expired idempotency records are deleted.
const pruneInterval = time.Hour

// Server serves the collection API and the change stream.
type Server struct {
	config      Config
	http        *http.Server
	store       *rowstore.DB
	hub         *Hub
	metrics     *Metrics
	rateLimiter *RateLimiter

	stop  context.CancelFunc
	group *errgroup.Group
	addr  net.Addr
}

// NewServer wires a server to store. It does not listen until Start.
func NewServer(cfg Config, store *rowstore.DB) (*Server, error) {
	if store == nil {
		return nil, errors.New("row store is required")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	m := NewMetrics()
	s := &Server{
		config:      cfg,
		store:       store,
		hub:         NewHub(m),
		metrics:     m,
		rateLimiter: NewRateLimiter(cfg),
	}
	s.http = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	return s, nil
}

// Start listens and serves in the background together with the
// housekeeping loops.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	s.addr = ln.Addr()

	ctx, stop := context.WithCancel(context.Background())
	s.stop = stop
	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	g.Go(func() error {
		if err := s.http.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "err", err)
			return err
		}
		return nil
	})
	g.Go(func() error {
		s.rateLimiter.Run(ctx, 5*time.Minute)
		return nil
	})
	g.Go(func() error {
		s.pruneLoop(ctx)
		return nil
	})
	return nil
}

func (s *Server) pruneLoop(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.PruneIdempotencyKeys(ctx, s.config.IdempotencyRetention)
			switch {
			case err != nil && ctx.Err() == nil:
				slog.Error("prune idempotency keys", "err", err)
			case n > 0:
				slog.Info("pruned idempotency keys", "count", n)
			}
		}
	}
}

// Addr is the bound address once started, else the configured one.
func (s *Server) Addr() string {
	if s.addr == nil {
		return s.config.ListenAddr
	}
	return s.addr.String()
}

// Shutdown disconnects subscribers, drains in-flight requests and waits
// for the background loops.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.Close()
	err := s.http.Shutdown(ctx)
	if s.stop != nil {
		s.stop()
		if gerr := s.group.Wait(); gerr != nil && err == nil {
			err = gerr
		}
	}
	return err
}

// Handler exposes the routed handler, e.g. for httptest.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /metricz", s.handleMetrics)

	mux.HandleFunc("POST /v1/collections/{collection}/mutations", s.requireAuth(s.limited(classWrite, s.handleMutation)))
	mux.HandleFunc("GET /v1/collections/{collection}/rows", s.requireAuth(s.limited(classRead, s.handleRows)))
	mux.HandleFunc("GET /v1/changes", s.requireAuth(s.limited(classStream, s.handleChanges)))

	return chain(mux,
		recoveryMiddleware,
		traceMiddleware,
		accessMiddleware(s.metrics),
		s.corsMiddleware,
		maxBytesMiddleware(s.config.MaxBodyBytes),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		logFor(ctx).Warn("health check", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error", "detail": "db unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "dialect": s.store.Dialect()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.metrics.Snapshot()
	snap.Subscribers = s.hub.Count()
	writeJSON(w, http.StatusOK, snap)
}
