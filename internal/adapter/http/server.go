// Package http exposes the job queue and the capability classifier over a
// JSON API with server-sent job events.
package http

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"

	"github.com/bnema/restora/internal/adapter/http/middleware"
	"github.com/bnema/restora/internal/infrastructure/logger"
	"github.com/bnema/restora/internal/infrastructure/ratelimit"
)

const shutdownTimeout = 10 * time.Second

type Options struct {
	Version     string
	SubmitRate  float64
	SubmitBurst int
	KeepAlive   time.Duration
	ReadTimeout time.Duration
	// APIToken, when set, is required as a bearer token on /api routes.
	APIToken string
}

type Server struct {
	engine      *gin.Engine
	handlers    *Handlers
	sseHandler  *SSEHandler
	limiter     *ratelimit.ClientLimiter
	readTimeout time.Duration
	apiToken    string
}

func NewServer(jobs JobService, events EventSource, opts Options) *Server {
	if opts.SubmitRate <= 0 {
		opts.SubmitRate = 2
	}
	if opts.SubmitBurst <= 0 {
		opts.SubmitBurst = 10
	}

	engine := gin.New()
	engine.Use(
		gin.CustomRecovery(func(c *gin.Context, recovered any) {
			logger.Error.Printf("panic serving %s: %v", c.FullPath(), recovered)
			c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorResponse{
				Error:     "internal error",
				RequestID: c.GetString(middleware.RequestIDKey),
			})
		}),
		middleware.RequestID(),
		middleware.AccessLog(),
		middleware.SecurityHeaders(),
	)

	s := &Server{
		engine:      engine,
		handlers:    NewHandlers(jobs, opts.Version),
		sseHandler:  NewSSEHandler(jobs, events, opts.KeepAlive),
		limiter:     ratelimit.NewClientLimiter(opts.SubmitRate, opts.SubmitBurst, 10*time.Minute),
		readTimeout: opts.ReadTimeout,
		apiToken:    opts.APIToken,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", s.handlers.Health)

	api := s.engine.Group("/api", middleware.APIToken(s.apiToken))
	api.GET("/capabilities", s.handlers.Capabilities)
	api.GET("/recommendation", s.handlers.Recommendation)

	jobs := api.Group("/jobs")
	jobs.GET("", s.handlers.ListJobs)
	jobs.POST("", middleware.SameOrigin(), middleware.RateLimit(s.limiter), s.handlers.SubmitJob)
	jobs.GET("/:id", s.handlers.GetJob)
	jobs.POST("/:id/cancel", middleware.SameOrigin(), s.handlers.CancelJob)
	jobs.DELETE("/:id", middleware.SameOrigin(), s.handlers.DeleteJob)
	jobs.GET("/:id/events", s.sseHandler.Events)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.engine.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done, then drains in-flight
// requests. Open event streams end with ctx.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: s.readTimeout,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	logger.Info.Printf("api listening on %s", ln.Addr())

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "http shutdown")
	}
	return nil
}
