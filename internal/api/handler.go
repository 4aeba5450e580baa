package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"trading-desk/internal/engine"
)

// Options tune the HTTP stack.
type Options struct {
	JWTSecret      string
	RateLimit      float64 // requests per second per IP
	RateBurst      int
	RequestTimeout time.Duration
}

// Server wires HTTP endpoints around the engine service.
type Server struct {
	Router *gin.Engine
	Engine engine.Service
	opts   Options
	log    zerolog.Logger
}

func NewServer(svc engine.Service, opts Options, log zerolog.Logger) *Server {
	if opts.RateLimit <= 0 {
		opts.RateLimit = 50
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 100
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	log = log.With().Str("component", "api").Logger()

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(log))
	r.Use(RequestLogger(log))
	r.Use(CORSMiddleware())
	r.Use(RateLimitMiddleware(opts.RateLimit, opts.RateBurst, log))

	s := &Server{Router: r, Engine: svc, opts: opts, log: log}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	read := s.Router.Group("")
	read.Use(TimeoutMiddleware(s.opts.RequestTimeout))
	{
		read.GET("/state", s.getState)
		read.GET("/strategies", s.getStrategies)
		read.GET("/strategies/:name", s.getStrategy)
		read.GET("/orders/:id", s.getOrder)
	}

	write := s.Router.Group("")
	write.Use(TimeoutMiddleware(s.opts.RequestTimeout), AuthMiddleware(s.opts.JWTSecret))
	{
		write.POST("/strategies/:name/start", s.startStrategy)
		write.POST("/strategies/:name/stop", s.stopStrategy)
		write.POST("/orders", s.createOrder)
		write.DELETE("/orders/:id", s.cancelOrder)
	}
}

// Serve listens on addr until ctx is done, then drains in-flight requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
